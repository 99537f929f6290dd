package params

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/spf13/cast"
)

// Parameter is a single named configuration value with optional metadata.
type Parameter struct {
	Name        string
	Value       any
	Description string
	ValidValues []any
}

// Option adjusts metadata when setting a parameter.
type Option func(*Parameter)

// WithDescription attaches a human readable description.
func WithDescription(desc string) Option {
	return func(p *Parameter) {
		if desc != "" {
			p.Description = desc
		}
	}
}

// WithValidValues records the set of values the parameter is expected to take.
func WithValidValues(values []any) Option {
	return func(p *Parameter) {
		if values != nil {
			p.ValidValues = cloneSlice(values)
		}
	}
}

// Map holds parameters keyed by name.
type Map struct {
	params map[string]*Parameter
}

// New returns an empty Map.
func New() *Map {
	return &Map{params: make(map[string]*Parameter)}
}

// FromPlain builds a Map from a flat name/value mapping.
func FromPlain(values map[string]any) *Map {
	m := New()
	for name, v := range values {
		m.Set(name, v)
	}
	return m
}

// Len returns the number of parameters set.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.params)
}

// Has reports whether name is set.
func (m *Map) Has(name string) bool {
	if m == nil {
		return false
	}
	_, ok := m.params[name]
	return ok
}

// Set inserts name or replaces its value in place. Description and valid
// values are only replaced when the options supply them.
func (m *Map) Set(name string, value any, opts ...Option) {
	p, ok := m.params[name]
	if !ok {
		p = &Parameter{Name: name}
		m.params[name] = p
	}
	p.Value = normalize(value)
	for _, opt := range opts {
		opt(p)
	}
}

// SetFromDict bulk loads declarations of the form
// {name: {default: v, description: s, valid_values: [...]}}.
func (m *Map) SetFromDict(dict map[string]any) error {
	names := make([]string, 0, len(dict))
	for name := range dict {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		props, ok := asMapping(dict[name])
		if !ok {
			return &ConfigError{Key: name, Reason: fmt.Sprintf("has value %v, expected mapping", dict[name])}
		}
		def, ok := props["default"]
		if !ok {
			return &ConfigError{Key: name, Reason: "missing 'default'"}
		}
		var opts []Option
		if desc, ok := props["description"]; ok && desc != nil {
			opts = append(opts, WithDescription(cast.ToString(desc)))
		}
		if vv, ok := props["valid_values"]; ok && vv != nil {
			list, err := cast.ToSliceE(vv)
			if err != nil {
				return &ConfigError{Key: name, Reason: fmt.Sprintf("valid_values: %v", err)}
			}
			normalized := make([]any, len(list))
			for i, v := range list {
				normalized[i] = normalize(v)
			}
			opts = append(opts, WithValidValues(normalized))
		}
		m.Set(name, def, opts...)
	}
	return nil
}

// Update applies every parameter of other onto m; other wins on conflict.
// It returns m so layers can be chained.
func (m *Map) Update(other *Map) *Map {
	if other == nil {
		return m
	}
	for _, name := range other.Names() {
		p := other.params[name]
		m.Set(name, cloneValue(p.Value), WithDescription(p.Description), WithValidValues(p.ValidValues))
	}
	return m
}

// Get returns the current value of name.
func (m *Map) Get(name string) (any, error) {
	if m != nil {
		if p, ok := m.params[name]; ok {
			return cloneValue(p.Value), nil
		}
	}
	return nil, &KeyNotFoundError{Name: name}
}

// Lookup returns the parameter record for name.
func (m *Map) Lookup(name string) (Parameter, bool) {
	if m == nil {
		return Parameter{}, false
	}
	p, ok := m.params[name]
	if !ok {
		return Parameter{}, false
	}
	return Parameter{Name: p.Name, Value: cloneValue(p.Value), Description: p.Description, ValidValues: cloneSlice(p.ValidValues)}, true
}

// Clone returns a deep copy.
func (m *Map) Clone() *Map {
	out := New()
	if m == nil {
		return out
	}
	for name, p := range m.params {
		out.params[name] = &Parameter{
			Name:        p.Name,
			Value:       cloneValue(p.Value),
			Description: p.Description,
			ValidValues: cloneSlice(p.ValidValues),
		}
	}
	return out
}

// Names returns the parameter names in sorted order.
func (m *Map) Names() []string {
	if m == nil {
		return nil
	}
	names := make([]string, 0, len(m.params))
	for name := range m.params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parameters returns copies of all parameters sorted by name.
func (m *Map) Parameters() []Parameter {
	out := make([]Parameter, 0, m.Len())
	for _, name := range m.Names() {
		p, _ := m.Lookup(name)
		out = append(out, p)
	}
	return out
}

// Plain exports {name: value} for crossing a process boundary.
func (m *Map) Plain() map[string]any {
	out := make(map[string]any, m.Len())
	if m == nil {
		return out
	}
	for name, p := range m.params {
		out[name] = cloneValue(p.Value)
	}
	return out
}

// MarshalJSON encodes the plain mapping.
func (m *Map) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Plain())
}

// FromJSON decodes a plain mapping produced by MarshalJSON.
func FromJSON(data []byte) (*Map, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var values map[string]any
	if err := dec.Decode(&values); err != nil {
		return nil, &ConfigError{Key: "(parameter map)", Reason: err.Error()}
	}
	return FromPlain(values), nil
}

// Bool returns name coerced to a bool.
func (m *Map) Bool(name string) (bool, error) {
	v, err := m.Get(name)
	if err != nil {
		return false, err
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, &ConfigError{Key: name, Reason: err.Error()}
	}
	return b, nil
}

// Int returns name coerced to an int.
func (m *Map) Int(name string) (int, error) {
	v, err := m.Get(name)
	if err != nil {
		return 0, err
	}
	i, err := cast.ToIntE(v)
	if err != nil {
		return 0, &ConfigError{Key: name, Reason: err.Error()}
	}
	return i, nil
}

// Float returns name coerced to a float64.
func (m *Map) Float(name string) (float64, error) {
	v, err := m.Get(name)
	if err != nil {
		return 0, err
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, &ConfigError{Key: name, Reason: err.Error()}
	}
	return f, nil
}

// String returns name coerced to a string.
func (m *Map) String(name string) (string, error) {
	v, err := m.Get(name)
	if err != nil {
		return "", err
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", &ConfigError{Key: name, Reason: err.Error()}
	}
	return s, nil
}

// BoolOr returns name as a bool, or def when unset or not coercible.
func (m *Map) BoolOr(name string, def bool) bool {
	if b, err := m.Bool(name); err == nil {
		return b
	}
	return def
}

// IntOr returns name as an int, or def when unset or not coercible.
func (m *Map) IntOr(name string, def int) int {
	if i, err := m.Int(name); err == nil {
		return i
	}
	return def
}

// FloatOr returns name as a float64, or def when unset or not coercible.
func (m *Map) FloatOr(name string, def float64) float64 {
	if f, err := m.Float(name); err == nil {
		return f
	}
	return def
}

// StringOr returns name as a string, or def when unset or not coercible.
func (m *Map) StringOr(name string, def string) string {
	if s, err := m.String(name); err == nil {
		return s
	}
	return def
}

// Validate reports values that fall outside their declared valid values.
// The check is advisory; Set and Update never reject a value.
func (m *Map) Validate() []error {
	var errs []error
	for _, p := range m.Parameters() {
		if len(p.ValidValues) == 0 {
			continue
		}
		found := false
		for _, vv := range p.ValidValues {
			if reflect.DeepEqual(vv, p.Value) {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, &ConfigError{Key: p.Name, Reason: fmt.Sprintf("value %v not in %v", p.Value, p.ValidValues)})
		}
	}
	return errs
}

func asMapping(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[cast.ToString(k)] = val
		}
		return out, true
	}
	return nil, false
}

// normalize folds numeric and list types into int64, float64 and []any.
// Unsigned values above math.MaxInt64 become float64.
func normalize(v any) any {
	switch t := v.(type) {
	case nil, bool, string, int64, float64:
		return t
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return fromUnsigned(uint64(t))
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return fromUnsigned(t)
	case float32:
		return float64(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	}
	return cast.ToString(v)
}

// fromUnsigned keeps values beyond the int64 range as float64 rather than
// letting them wrap negative.
func fromUnsigned(u uint64) any {
	if u > math.MaxInt64 {
		return float64(u)
	}
	return int64(u)
}

func cloneValue(v any) any {
	if list, ok := v.([]any); ok {
		return cloneSlice(list)
	}
	return v
}

func cloneSlice(in []any) []any {
	if in == nil {
		return nil
	}
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = cloneValue(v)
	}
	return out
}
