// Package runner processes a directory of images with one saliency model.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"salharness/internal/executor"
	"salharness/internal/fsutil"
	"salharness/internal/imgproc"
	"salharness/internal/logging"
	"salharness/internal/params"
	"salharness/internal/raster"
)

// Status of one image in a batch.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusSkip    Status = "SKIP"
	StatusError   Status = "ERROR"
	StatusWritten Status = "WRITTEN"
)

// Parameter names consumed by the runner.
const (
	ParamOverwrite = "overwrite"
	ParamRecursive = "recursive"
	ParamVerbose   = "verbose"
	ParamUID       = "uid"
	ParamGID       = "gid"
)

const defaultOwnerID = 1000

// Request describes one batch.
type Request struct {
	InputDir  string
	OutputDir string
	Params    *params.Map
	Model     executor.Saliency
	// ScaleConvention is what "default" output scaling means for Model.
	ScaleConvention imgproc.Scaling
	// Exclude lists directories under InputDir that hold outputs of other
	// runs. OutputDir is always excluded.
	Exclude []string
}

// Entry is the state of one image.
type Entry struct {
	Index    int
	Total    int
	Input    string
	Output   string
	Rel      string
	Status   Status
	Err      error
	Duration time.Duration
}

// Summary aggregates a finished batch.
type Summary struct {
	Entries  []Entry
	Written  int
	Skipped  int
	Failed   int
	Duration time.Duration
}

// ImageError is the failure of a single image.
type ImageError struct {
	Path string
	Err  error
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *ImageError) Unwrap() error { return e.Err }

// Err combines the per-image failures into ImageErrors.
func (s Summary) Err() error {
	var err error
	for _, e := range s.Entries {
		if e.Status == StatusError {
			err = multierr.Append(err, &ImageError{Path: e.Rel, Err: e.Err})
		}
	}
	return err
}

// Observer is notified when an image starts and again when it finishes.
type Observer func(Entry)

// Runner executes batches sequentially, one image at a time.
type Runner struct {
	Logger *slog.Logger
	// Progress receives one "[i/n] STATUS path" line per image event.
	// Nil disables progress output.
	Progress  io.Writer
	Observers []Observer
}

// New returns a runner printing progress to w.
func New(logger *slog.Logger, w io.Writer, observers ...Observer) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{Logger: logger, Progress: w, Observers: observers}
}

// Run processes every image of req.InputDir. Per-image failures are
// recorded in the summary and never stop the batch; the returned error is
// reserved for problems with the request itself and cancellation.
func (r *Runner) Run(ctx context.Context, req Request) (Summary, error) {
	start := time.Now()
	var sum Summary
	if req.Model == nil {
		return sum, errors.New("no saliency model")
	}
	p := req.Params
	if p == nil {
		p = params.New()
	}
	settings, err := imgproc.ParseSettings(p)
	if err != nil {
		return sum, err
	}
	settings.ModelScaling = req.ScaleConvention

	ext := ".png"
	if settings.FloatOutput() {
		ext = raster.PFMExt
	}
	pairs, err := fsutil.ImagePathPairs(req.InputDir, req.OutputDir, p.BoolOr(ParamRecursive, false), ext, req.Exclude...)
	if err != nil {
		return sum, fmt.Errorf("list images: %w", err)
	}

	overwrite := p.BoolOr(ParamOverwrite, false)
	owner := &fsutil.Owner{UID: p.IntOr(ParamUID, defaultOwnerID), GID: p.IntOr(ParamGID, defaultOwnerID)}
	if err := fsutil.MkdirAll(req.OutputDir, owner); err != nil {
		return sum, fmt.Errorf("create output directory: %w", err)
	}
	logger := r.logger()
	verbose := p.BoolOr(ParamVerbose, false)

	for i, pair := range pairs {
		if err := ctx.Err(); err != nil {
			sum.Duration = time.Since(start)
			return sum, err
		}
		e := Entry{Index: i + 1, Total: len(pairs), Input: pair.Input, Output: pair.Output, Rel: pair.Rel}

		if pair.Err != nil {
			e.Status, e.Err = StatusError, pair.Err
			logger.Warn("image failed", "path", pair.Rel, "error", pair.Err)
			r.emit(e)
			sum.add(e)
			continue
		}

		if !overwrite && fsutil.Exists(pair.Output) {
			e.Status = StatusSkip
			r.emit(e)
			sum.add(e)
			continue
		}

		e.Status = StatusRunning
		r.emit(e)
		t := time.Now()
		err := r.process(ctx, req.Model, pair, p, settings, owner)
		e.Duration = time.Since(t)
		if err != nil {
			e.Status, e.Err = StatusError, err
			if ctx.Err() != nil {
				sum.add(e)
				sum.Duration = time.Since(start)
				return sum, ctx.Err()
			}
			logger.Warn("image failed", "path", pair.Rel, "error", err)
		} else {
			e.Status = StatusWritten
		}
		if verbose {
			logging.LogImage(logger, string(e.Status), pair.Rel, e.Duration, err)
		}
		r.emit(e)
		sum.add(e)
	}
	sum.Duration = time.Since(start)
	return sum, nil
}

func (r *Runner) process(ctx context.Context, model executor.Saliency, pair fsutil.PathPair, p *params.Map, s imgproc.Settings, owner *fsutil.Owner) error {
	img, err := raster.Load(pair.Input)
	if err != nil {
		return err
	}
	pre, err := imgproc.PreProcess(img, s)
	if err != nil {
		return err
	}
	raw, err := model.ComputeSaliency(ctx, pre, p.Clone())
	if err != nil {
		return err
	}
	if raw == nil {
		return errors.New("model returned no saliency map")
	}
	out, err := imgproc.PostProcess(raw, img.Width, img.Height, s)
	if err != nil {
		return err
	}
	return fsutil.WriteAtomic(pair.Output, owner, func(w io.Writer) error {
		if out.Float {
			return raster.WritePFM(w, out.Map)
		}
		return raster.EncodePNG(w, raster.MapToGray(out.Map))
	})
}

func (r *Runner) emit(e Entry) {
	if r.Progress != nil && e.Status != StatusWritten {
		line := fmt.Sprintf("[%d/%d] %s %s", e.Index, e.Total, e.Status, e.Rel)
		if e.Err != nil {
			line += ": " + e.Err.Error()
		}
		fmt.Fprintln(r.Progress, line)
	}
	for _, o := range r.Observers {
		o(e)
	}
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (s *Summary) add(e Entry) {
	s.Entries = append(s.Entries, e)
	switch e.Status {
	case StatusWritten:
		s.Written++
	case StatusSkip:
		s.Skipped++
	case StatusError:
		s.Failed++
	}
}
