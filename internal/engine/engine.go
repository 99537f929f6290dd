// Package engine hosts in-process saliency algorithms. An Engine is created
// and owned by the caller, started at most once and passed explicitly to
// whatever needs it; there is no package-level instance.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"gonum.org/v1/gonum/mat"

	"salharness/internal/params"
	"salharness/internal/raster"
)

var (
	// ErrNotStarted is returned when Compute is called before Start.
	ErrNotStarted = errors.New("engine not started")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")
	// ErrONNXUnavailable means no ONNX runtime library was configured or it
	// failed to load.
	ErrONNXUnavailable = errors.New("onnx runtime unavailable")
)

// Algorithm computes a raw saliency map for a pre-processed image.
type Algorithm func(ctx context.Context, img *raster.Image, p *params.Map) (*mat.Dense, error)

// UnknownAlgorithmError names an algorithm that is not registered.
type UnknownAlgorithmError struct {
	Name  string
	Known []string
}

func (e *UnknownAlgorithmError) Error() string {
	return fmt.Sprintf("unknown algorithm %q (registered: %s)", e.Name, strings.Join(e.Known, ", "))
}

// Options configures an Engine.
type Options struct {
	// ONNXLibrary is the path of the onnxruntime shared library. Empty
	// disables ONNX models.
	ONNXLibrary    string
	IntraOpThreads int
	Logger         *slog.Logger
}

// Engine is a registry of native algorithms plus the ONNX runtime
// environment backing model files.
type Engine struct {
	opts   Options
	logger *slog.Logger

	once     sync.Once
	startErr error
	onnxErr  error

	mu         sync.Mutex
	started    bool
	closed     bool
	algorithms map[string]Algorithm
	sessions   map[string]*onnxModel
}

// New returns an engine with the built-in algorithms registered.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		opts:       opts,
		logger:     logger,
		algorithms: make(map[string]Algorithm),
		sessions:   make(map[string]*onnxModel),
	}
	e.algorithms[CenterName] = Center
	e.algorithms[ContrastName] = Contrast
	return e
}

// Start initializes the engine. Only the first call does any work; later
// calls return the first result.
func (e *Engine) Start() error {
	e.once.Do(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			e.startErr = ErrClosed
			return
		}
		e.started = true
		if e.opts.ONNXLibrary == "" {
			e.onnxErr = ErrONNXUnavailable
			e.logger.Debug("engine started without onnx runtime")
			return
		}
		ort.SetSharedLibraryPath(e.opts.ONNXLibrary)
		if err := ort.InitializeEnvironment(); err != nil {
			e.onnxErr = fmt.Errorf("%w: %v", ErrONNXUnavailable, err)
			e.logger.Warn("onnx runtime failed to initialize", "library", e.opts.ONNXLibrary, "error", err)
			return
		}
		e.logger.Debug("engine started", "onnx_library", e.opts.ONNXLibrary)
	})
	return e.startErr
}

// Register adds a native algorithm. Names are case-insensitive.
func (e *Engine) Register(name string, alg Algorithm) error {
	if alg == nil {
		return fmt.Errorf("algorithm %q is nil", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key := strings.ToLower(name)
	if _, ok := e.algorithms[key]; ok {
		return fmt.Errorf("algorithm %q already registered", name)
	}
	e.algorithms[key] = alg
	return nil
}

// Has reports whether name is registered.
func (e *Engine) Has(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.algorithms[strings.ToLower(name)]
	return ok
}

// Algorithms returns the registered names in sorted order.
func (e *Engine) Algorithms() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.namesLocked()
}

func (e *Engine) namesLocked() []string {
	names := make([]string, 0, len(e.algorithms))
	for n := range e.algorithms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Compute runs the named algorithm.
func (e *Engine) Compute(ctx context.Context, name string, img *raster.Image, p *params.Map) (*mat.Dense, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if !e.started {
		e.mu.Unlock()
		return nil, ErrNotStarted
	}
	alg, ok := e.algorithms[strings.ToLower(name)]
	if !ok {
		err := &UnknownAlgorithmError{Name: name, Known: e.namesLocked()}
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p == nil {
		p = params.New()
	}
	return alg(ctx, img, p)
}

// Close releases ONNX sessions and the runtime environment.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var errs []error
	for name, s := range e.sessions {
		if err := s.destroy(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	e.sessions = nil
	if e.started && e.onnxErr == nil && ort.IsInitialized() {
		if err := ort.DestroyEnvironment(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
