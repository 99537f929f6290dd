// Package experiment loads experiment files and runs every model they
// select, one after another.
package experiment

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"salharness/internal/catalog"
	"salharness/internal/params"
)

// file is the YAML layout of an experiment.
type file struct {
	Experiment struct {
		Name           string         `yaml:"name"`
		Description    string         `yaml:"description"`
		InputPath      string         `yaml:"input_path"`
		BaseOutputPath string         `yaml:"base_output_path"`
		Parameters     map[string]any `yaml:"parameters"`
	} `yaml:"experiment"`
	Runs []struct {
		Algorithm  string         `yaml:"algorithm"`
		OutputPath string         `yaml:"output_path"`
		Parameters map[string]any `yaml:"parameters"`
	} `yaml:"runs"`
}

// Experiment is a resolved list of runs.
type Experiment struct {
	Name        string
	Description string
	InputPath   string
	OutputPath  string
	// Parameters apply to every run, below the run's own overrides.
	Parameters *params.Map
	Runs       []Run
	// Source is the file the experiment was loaded from, if any.
	Source string
}

// Run is one model applied to the experiment input.
type Run struct {
	Model      *catalog.Model
	InputPath  string
	OutputPath string
	Parameters *params.Map
}

// LoadFile reads an experiment from YAML. Relative paths are resolved
// against the directory of path.
func LoadFile(path string, cat *catalog.Catalog) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	exp, err := Parse(data, filepath.Dir(abs), cat)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	exp.Source = abs
	return exp, nil
}

// Parse decodes an experiment and expands each run selector against cat.
// A run without output_path writes to <base_output_path>/<model name>.
func Parse(data []byte, dir string, cat *catalog.Catalog) (*Experiment, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &params.ConfigError{Key: "experiment", Reason: err.Error()}
	}
	h := f.Experiment
	switch {
	case h.Name == "":
		return nil, &params.ConfigError{Key: "experiment.name", Reason: "is required"}
	case h.InputPath == "":
		return nil, &params.ConfigError{Key: "experiment.input_path", Reason: "is required"}
	case h.BaseOutputPath == "":
		return nil, &params.ConfigError{Key: "experiment.base_output_path", Reason: "is required"}
	case len(f.Runs) == 0:
		return nil, &params.ConfigError{Key: "runs", Reason: "must list at least one run"}
	}

	exp := &Experiment{
		Name:        h.Name,
		Description: h.Description,
		InputPath:   resolve(dir, h.InputPath),
		OutputPath:  resolve(dir, h.BaseOutputPath),
		Parameters:  params.FromPlain(h.Parameters),
	}
	for i, r := range f.Runs {
		if r.Algorithm == "" {
			return nil, &params.ConfigError{Key: fmt.Sprintf("runs[%d].algorithm", i), Reason: "is required"}
		}
		models, err := cat.Match(r.Algorithm)
		if err != nil {
			return nil, err
		}
		for _, m := range models {
			out := filepath.Join(exp.OutputPath, m.Name)
			if r.OutputPath != "" {
				out = resolve(dir, r.OutputPath)
			}
			exp.Runs = append(exp.Runs, Run{
				Model:      m,
				InputPath:  exp.InputPath,
				OutputPath: out,
				Parameters: params.FromPlain(r.Parameters),
			})
		}
	}
	return exp, nil
}

// FromSelector builds a single-run-per-model experiment, as used by the run
// command: each model writes to <output>/<model name>.
func FromSelector(cat *catalog.Catalog, selector, input, output string, overrides *params.Map) (*Experiment, error) {
	models, err := cat.Match(selector)
	if err != nil {
		return nil, err
	}
	if overrides == nil {
		overrides = params.New()
	}
	exp := &Experiment{
		Name:       selector,
		InputPath:  input,
		OutputPath: output,
		Parameters: params.New(),
	}
	for _, m := range models {
		exp.Runs = append(exp.Runs, Run{
			Model:      m,
			InputPath:  input,
			OutputPath: filepath.Join(output, m.Name),
			Parameters: overrides.Clone(),
		})
	}
	return exp, nil
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(dir, path)
}
