// Package executor runs saliency models behind a single interface,
// whether they live in a container, in the engine or behind a gRPC server.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/samber/lo"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gonum.org/v1/gonum/mat"

	"salharness/internal/catalog"
	"salharness/internal/config"
	"salharness/internal/engine"
	"salharness/internal/grpcserver"
	"salharness/internal/params"
	"salharness/internal/raster"
)

// ErrUnavailable means the executor for a model cannot be constructed or
// reached on this host. Runs hitting it are skipped.
var ErrUnavailable = errors.New("executor unavailable")

// Saliency computes a raw saliency map for one pre-processed image. The
// map may have any size; callers resample it to the image.
type Saliency interface {
	ComputeSaliency(ctx context.Context, img *raster.Image, p *params.Map) (*mat.Dense, error)
}

// Close releases s when it holds resources.
func Close(s Saliency) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Native runs an algorithm registered in the engine.
type Native struct {
	Engine    *engine.Engine
	Algorithm string
}

func (n *Native) ComputeSaliency(ctx context.Context, img *raster.Image, p *params.Map) (*mat.Dense, error) {
	return n.Engine.Compute(ctx, n.Algorithm, img, p)
}

// Remote delegates to a SaliencyServer.
type Remote struct {
	Client *grpcserver.Client
	Model  string
}

func (r *Remote) ComputeSaliency(ctx context.Context, img *raster.Image, p *params.Map) (*mat.Dense, error) {
	m, err := r.Client.Compute(ctx, r.Model, img, p)
	if status.Code(err) == codes.Unavailable {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return m, err
}

func (r *Remote) Close() error {
	return r.Client.Close()
}

// Factory builds the executor matching a model descriptor.
type Factory struct {
	Engine *engine.Engine
	Tools  *ToolManager
	Config config.Container
	// ScratchDir is the fallback parent for container scratch space.
	ScratchDir string
	Logger     *slog.Logger
	// Run overrides process execution for containers.
	Run CommandRunner
}

// NewFactory wires a factory from configuration.
func NewFactory(cfg *config.Config, e *engine.Engine, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		Engine:     e,
		Tools:      NewToolManager(cfg),
		Config:     cfg.Container,
		ScratchDir: cfg.Paths.ScratchDir,
		Logger:     logger,
	}
}

// New returns the executor for m. Failures to construct one wrap
// ErrUnavailable.
func (f *Factory) New(m *catalog.Model) (Saliency, error) {
	switch m.Type {
	case catalog.TypeNative:
		return f.native(m)
	case catalog.TypeRemote:
		client, err := grpcserver.Dial(m.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, m.Endpoint, err)
		}
		return &Remote{Client: client, Model: lo.CoalesceOrEmpty(m.Algorithm, m.Name)}, nil
	case catalog.TypeContainer:
		runtime, err := f.Tools.AvailableRuntime()
		if err != nil {
			return nil, err
		}
		return NewContainer(ContainerOptions{
			Runtime:    runtime,
			Sudo:       f.Tools.NeedsSudo(runtime),
			GPU:        f.Config.GPU,
			ShmSize:    f.Config.ShmSize,
			Image:      m.Image + ":" + m.Version,
			ModelDir:   m.ModelDir(),
			RunCommand: m.RunCommand,
			ShellCmd:   m.ShellCommand,
			ScratchDir: f.ScratchDir,
			Logger:     f.Logger,
			Run:        f.Run,
		})
	}
	return nil, fmt.Errorf("%w: unsupported model type %q", ErrUnavailable, m.Type)
}

func (f *Factory) native(m *catalog.Model) (Saliency, error) {
	if f.Engine == nil {
		return nil, fmt.Errorf("%w: no engine", ErrUnavailable)
	}
	if err := f.Engine.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	name := lo.CoalesceOrEmpty(m.Algorithm, m.Name)
	if m.ONNX != nil && !f.Engine.Has(name) {
		if err := f.Engine.LoadONNX(name, *m.ONNX); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	if !f.Engine.Has(name) {
		return nil, fmt.Errorf("%w: algorithm %q is not registered", ErrUnavailable, name)
	}
	return &Native{Engine: f.Engine, Algorithm: name}, nil
}
