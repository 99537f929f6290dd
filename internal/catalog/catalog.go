// Package catalog loads model descriptors and resolves model selectors.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/samber/lo"

	"salharness/internal/engine"
	"salharness/internal/params"
)

// DescriptorFile is the file name a model directory is recognized by.
const DescriptorFile = "saliency.json"

// Type is how a model is executed.
type Type string

const (
	TypeContainer Type = "container"
	TypeNative    Type = "native"
	TypeRemote    Type = "remote"
)

// legacyTypes maps older descriptor type names.
var legacyTypes = map[string]Type{
	"docker": TypeContainer,
	"matlab": TypeNative,
}

// Model is a loaded descriptor.
type Model struct {
	Name      string
	LongName  string
	Version   string
	Type      Type
	Invariant bool
	// Files are paths relative to the model directory that must exist
	// before the model can run.
	Files      []string
	Parameters *params.Map

	// Container models.
	Image        string
	RunCommand   []string
	ShellCommand []string

	// Native models: a registered engine algorithm or an ONNX network.
	Algorithm string
	ONNX      *engine.ONNXSpec

	// Remote models.
	Endpoint string

	// ScaleConvention is the output scaling "default" resolves to.
	ScaleConvention string
	Citation        string
	Notes           string
	// Path is the directory holding the descriptor.
	Path string
}

// ModelDir is where model files live: <path>/model.
func (m *Model) ModelDir() string {
	return filepath.Join(m.Path, "model")
}

type descriptor struct {
	Name            string           `json:"name"`
	LongName        string           `json:"long_name"`
	Version         string           `json:"version"`
	Type            string           `json:"type"`
	ModelType       string           `json:"model_type"`
	Invariant       bool             `json:"invariant"`
	Files           []string         `json:"model_files"`
	Parameters      map[string]any   `json:"parameters"`
	Image           string           `json:"image"`
	DockerImage     string           `json:"docker_image"`
	RunCommand      []string         `json:"run_command"`
	ShellCommand    []string         `json:"shell_command"`
	Algorithm       string           `json:"algorithm"`
	ONNX            *engine.ONNXSpec `json:"onnx"`
	Endpoint        string           `json:"endpoint"`
	ScaleConvention string           `json:"scale_convention"`
	Citation        json.RawMessage  `json:"citation"`
	Notes           string           `json:"notes"`
}

// Parse decodes a descriptor. dir becomes Model.Path.
func Parse(data []byte, dir string) (*Model, error) {
	var d descriptor
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&d); err != nil {
		return nil, &DescriptorError{Path: dir, Reason: err.Error()}
	}

	typ := d.Type
	if typ == "" {
		typ = d.ModelType
	}
	m := &Model{
		Name:            d.Name,
		LongName:        d.LongName,
		Version:         d.Version,
		Type:            Type(strings.ToLower(typ)),
		Invariant:       d.Invariant,
		Files:           d.Files,
		Image:           lo.Ternary(d.Image != "", d.Image, d.DockerImage),
		RunCommand:      d.RunCommand,
		ShellCommand:    d.ShellCommand,
		Algorithm:       d.Algorithm,
		ONNX:            d.ONNX,
		Endpoint:        d.Endpoint,
		ScaleConvention: d.ScaleConvention,
		Citation:        citation(d.Citation),
		Notes:           d.Notes,
		Path:            dir,
	}
	if t, ok := legacyTypes[string(m.Type)]; ok {
		m.Type = t
	}

	m.Parameters = params.New()
	if err := m.Parameters.SetFromDict(d.Parameters); err != nil {
		return nil, &DescriptorError{Path: dir, Reason: err.Error()}
	}
	if m.ONNX != nil && m.ONNX.Path != "" && !filepath.IsAbs(m.ONNX.Path) {
		m.ONNX.Path = filepath.Join(m.ModelDir(), m.ONNX.Path)
	}
	if err := m.validate(); err != nil {
		return nil, &DescriptorError{Path: dir, Reason: err.Error()}
	}
	return m, nil
}

// citation accepts a string or a list of lines.
func citation(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var lines []string
	if json.Unmarshal(raw, &lines) == nil {
		return strings.Join(lines, "\n")
	}
	return string(raw)
}

func (m *Model) validate() error {
	missing := lo.Filter([]lo.Tuple2[string, bool]{
		lo.T2("name", m.Name == ""),
		lo.T2("long_name", m.LongName == ""),
		lo.T2("version", m.Version == ""),
		lo.T2("type", m.Type == ""),
	}, func(t lo.Tuple2[string, bool], _ int) bool { return t.B })
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(lo.Map(missing, func(t lo.Tuple2[string, bool], _ int) string { return t.A }), ", "))
	}
	switch m.Type {
	case TypeContainer:
		if m.Image == "" || len(m.RunCommand) == 0 {
			return fmt.Errorf("container model needs image and run_command")
		}
	case TypeNative:
		if m.Algorithm == "" && m.ONNX == nil {
			return fmt.Errorf("native model needs algorithm or onnx")
		}
	case TypeRemote:
		if m.Endpoint == "" {
			return fmt.Errorf("remote model needs endpoint")
		}
	default:
		return fmt.Errorf("unknown model type %q", m.Type)
	}
	return nil
}

// Catalog indexes models by lower-cased name.
type Catalog struct {
	models map[string]*Model
}

// New returns a catalog holding models. Later duplicates replace earlier ones.
func New(models ...*Model) *Catalog {
	c := &Catalog{models: make(map[string]*Model)}
	for _, m := range models {
		c.Add(m)
	}
	return c
}

// Add inserts or replaces m.
func (c *Catalog) Add(m *Model) {
	c.models[strings.ToLower(m.Name)] = m
}

// Load walks root for descriptor files. A missing root yields an empty
// catalog.
func Load(root string) (*Catalog, error) {
	c := New()
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return c, nil
	}
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != DescriptorFile {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		dir, err := filepath.Abs(filepath.Dir(path))
		if err != nil {
			return err
		}
		m, err := Parse(data, dir)
		if err != nil {
			return err
		}
		c.Add(m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns the model called name, case-insensitively.
func (c *Catalog) Get(name string) (*Model, bool) {
	m, ok := c.models[strings.ToLower(name)]
	return m, ok
}

// Models returns every model sorted by name.
func (c *Catalog) Models() []*Model {
	return sortByName(lo.Values(c.models))
}

// Names returns the model names sorted.
func (c *Catalog) Names() []string {
	return lo.Map(c.Models(), func(m *Model, _ int) string { return m.Name })
}

// Collections maps collection names to their descriptions.
var Collections = map[string]string{
	"all":           "All models except image invariant ones.",
	"containerized": "Deep models run in containers.",
	"docker":        "Alias of containerized.",
	"native":        "Models run in-process by the engine.",
	"matlab":        "Alias of native.",
	"remote":        "Models served over gRPC.",
	"invariant":     "Image invariant models.",
}

// CollectionNames returns the collection names sorted.
func CollectionNames() []string {
	names := lo.Keys(Collections)
	sort.Strings(names)
	return names
}

// Collection returns the members of kind sorted by name.
func (c *Catalog) Collection(kind string) ([]*Model, error) {
	all := lo.Values(c.models)
	byType := func(t Type) []*Model {
		return lo.Filter(all, func(m *Model, _ int) bool { return m.Type == t && !m.Invariant })
	}
	var out []*Model
	switch strings.ToLower(kind) {
	case "all":
		out = lo.Filter(all, func(m *Model, _ int) bool { return !m.Invariant })
	case "containerized", "docker":
		out = byType(TypeContainer)
	case "native", "matlab":
		out = byType(TypeNative)
	case "remote":
		out = byType(TypeRemote)
	case "invariant":
		out = lo.Filter(all, func(m *Model, _ int) bool { return m.Invariant })
	default:
		return nil, &UnknownCollectionError{Name: kind, Known: CollectionNames()}
	}
	return sortByName(out), nil
}

var selectorSep = regexp.MustCompile(`[ ,]+`)

// Match resolves a selector of model names and collection tags separated
// by commas or spaces. The result is deduplicated and sorted by name.
func (c *Catalog) Match(selector string) ([]*Model, error) {
	tokens := lo.Compact(selectorSep.Split(strings.TrimSpace(selector), -1))
	if len(tokens) == 0 {
		return nil, &UnknownModelError{Name: selector, Options: c.options()}
	}

	var out []*Model
	for _, tok := range tokens {
		if _, ok := Collections[strings.ToLower(tok)]; ok {
			members, err := c.Collection(tok)
			if err != nil {
				return nil, err
			}
			out = append(out, members...)
			continue
		}
		m, ok := c.Get(tok)
		if !ok {
			return nil, &UnknownModelError{Name: tok, Options: c.options()}
		}
		out = append(out, m)
	}
	return sortByName(lo.Uniq(out)), nil
}

func (c *Catalog) options() []string {
	return append(CollectionNames(), c.Names()...)
}

func sortByName(models []*Model) []*Model {
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
	return models
}
