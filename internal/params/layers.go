package params

// Layer names used by the experiment runner, lowest precedence first.
const (
	LayerConfig     = "config"
	LayerModel      = "model"
	LayerExperiment = "experiment"
	LayerRun        = "run"
)

// Layer is one named level of overrides.
type Layer struct {
	Name   string
	Params *Map
}

// Layers is an ordered override chain; later layers win per key.
type Layers []Layer

// Resolve folds the chain into a fresh Map without touching any layer.
func (ls Layers) Resolve() *Map {
	out := New()
	for _, l := range ls {
		out.Update(l.Params)
	}
	return out
}

// Origin returns the name of the layer that supplies the effective value
// of key, or "" when no layer sets it.
func (ls Layers) Origin(key string) string {
	for i := len(ls) - 1; i >= 0; i-- {
		if ls[i].Params.Has(key) {
			return ls[i].Name
		}
	}
	return ""
}

// Resolve merges maps left to right: Resolve(c, m, r) equals
// c.Clone().Update(m).Update(r).
func Resolve(maps ...*Map) *Map {
	out := New()
	for _, m := range maps {
		out.Update(m)
	}
	return out
}
