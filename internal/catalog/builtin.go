package catalog

import (
	"salharness/internal/engine"
	"salharness/internal/params"
)

// Builtins returns descriptors for the algorithms every engine carries.
func Builtins() []*Model {
	center := &Model{
		Name:       engine.CenterName,
		LongName:   "Center Bias Baseline",
		Version:    "1",
		Type:       TypeNative,
		Invariant:  true,
		Algorithm:  engine.CenterName,
		Parameters: params.FromPlain(map[string]any{"center_std": 0.25}),
		Notes:      "Image invariant centered Gaussian.",
	}
	contrast := &Model{
		Name:      engine.ContrastName,
		LongName:  "Center-Surround Contrast",
		Version:   "1",
		Type:      TypeNative,
		Algorithm: engine.ContrastName,
		Parameters: params.FromPlain(map[string]any{
			"center_sigma":   0.01,
			"surround_sigma": 0.1,
		}),
		Notes: "Difference of Gaussians on intensity.",
	}
	return []*Model{center, contrast}
}
