// Package cli implements the salharness command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"salharness/internal/catalog"
	"salharness/internal/config"
	"salharness/internal/engine"
	"salharness/internal/executor"
	"salharness/internal/experiment"
	"salharness/internal/params"
	"salharness/internal/provision"
	"salharness/internal/runner"
	"salharness/internal/storage"
)

// Version is set at build time.
var Version = "0.1.0-dev"

type toolManager interface {
	GetToolStatus() map[string]executor.ToolStatus
}

type factoryFunc func(e *engine.Engine) experiment.Factory

// Root holds what every command shares.
type Root struct {
	cfg   *config.Config
	log   *slog.Logger
	store *storage.Store

	factory     factoryFunc
	provisioner experiment.Provisioner
	tools       toolManager
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		cfg:   cfg,
		log:   logger,
		store: store,
		factory: func(e *engine.Engine) experiment.Factory {
			return executor.NewFactory(cfg, e, logger)
		},
		provisioner: provision.New(cfg.Models.BundleURL, logger),
		tools:       executor.NewToolManager(cfg),
	}
}

// newEngine returns an engine configured from cfg. Callers close it.
func (r *Root) newEngine() *engine.Engine {
	return engine.New(engine.Options{
		ONNXLibrary:    r.cfg.Engine.ONNXLibrary,
		IntraOpThreads: r.cfg.Engine.IntraOpThreads,
		Logger:         r.log,
	})
}

// catalog loads the model descriptors plus the built-in baselines.
func (r *Root) catalog() (*catalog.Catalog, error) {
	c, err := catalog.Load(r.cfg.Paths.ModelsDir)
	if err != nil {
		return nil, fmt.Errorf("load models from %s: %w", r.cfg.Paths.ModelsDir, err)
	}
	for _, m := range catalog.Builtins() {
		if _, ok := c.Get(m.Name); !ok {
			c.Add(m)
		}
	}
	return c, nil
}

func (r *Root) model(name string) (*catalog.Model, error) {
	c, err := r.catalog()
	if err != nil {
		return nil, err
	}
	m, ok := c.Get(name)
	if !ok {
		return nil, &catalog.UnknownModelError{Name: name, Options: c.Names()}
	}
	return m, nil
}

// orchestrator wires an Orchestrator printing progress to out.
func (r *Root) orchestrator(e *engine.Engine, out io.Writer) (*experiment.Orchestrator, error) {
	cfgParams, err := r.cfg.Params()
	if err != nil {
		return nil, err
	}
	return &experiment.Orchestrator{
		Config:      cfgParams,
		Factory:     r.factory(e),
		Provisioner: r.provisioner,
		Runner:      runner.New(r.log, out),
		Store:       r.store,
		Logger:      r.log,
	}, nil
}

// errRunsFailed is returned when at least one run did not complete.
var errRunsFailed = errors.New("some runs did not complete")

// runExperiment executes exp and prints the report. onImage may be nil.
func (r *Root) runExperiment(ctx context.Context, exp *experiment.Experiment, out io.Writer, onImage func(experiment.ImageEvent)) error {
	e := r.newEngine()
	defer e.Close()

	o, err := r.orchestrator(e, out)
	if err != nil {
		return err
	}
	o.OnImage = onImage
	report, err := o.Run(ctx, exp)
	fmt.Fprintln(out)
	report.Render(out)
	if err != nil {
		return err
	}
	if report.Failed() {
		return fmt.Errorf("%w: %v", errRunsFailed, report.Err())
	}
	return nil
}

// parseOverrides turns k=v pairs into a parameter map. Values are read as
// YAML scalars or flow lists, so "true", "3" and "[1, 2]" keep their types.
func parseOverrides(pairs []string) (*params.Map, error) {
	m := params.New()
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q, expected key=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		m.Set(key, v)
	}
	return m, nil
}
