package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/multierr"

	"salharness/internal/catalog"
	"salharness/internal/executor"
	"salharness/internal/imgproc"
	"salharness/internal/logging"
	"salharness/internal/params"
	"salharness/internal/provision"
	"salharness/internal/runner"
	"salharness/internal/storage"
)

// Factory builds the executor of a model.
type Factory interface {
	New(m *catalog.Model) (executor.Saliency, error)
}

// Provisioner makes sure the files of a model are present.
type Provisioner interface {
	Ensure(ctx context.Context, m *catalog.Model) error
}

// ImageEvent is a runner entry tagged with the run it belongs to.
type ImageEvent struct {
	RunID string
	Model string
	runner.Entry
}

// Orchestrator executes the runs of an experiment sequentially.
type Orchestrator struct {
	// Config holds the config-level parameters, the lowest layer.
	Config      *params.Map
	Factory     Factory
	Provisioner Provisioner
	Runner      *runner.Runner
	Store       *storage.Store
	Logger      *slog.Logger
	// OnImage receives every image event of every run.
	OnImage func(ImageEvent)
}

// RunReport is the outcome of one run.
type RunReport struct {
	ID       string
	Model    string
	Output   string
	Status   string
	Summary  runner.Summary
	Err      error
	Duration time.Duration
}

// Report aggregates the runs of an experiment.
type Report struct {
	Experiment string
	Runs       []RunReport
}

// Layers returns the override chain of run: config, model defaults,
// experiment parameters and the run's own overrides.
func (o *Orchestrator) Layers(exp *Experiment, run Run) params.Layers {
	return params.Layers{
		{Name: params.LayerConfig, Params: o.Config},
		{Name: params.LayerModel, Params: run.Model.Parameters},
		{Name: params.LayerExperiment, Params: exp.Parameters},
		{Name: params.LayerRun, Params: run.Parameters},
	}
}

// Run executes every run of exp. A failing run is recorded in the report
// and the next one starts; only cancellation stops the experiment early.
func (o *Orchestrator) Run(ctx context.Context, exp *Experiment) (Report, error) {
	report := Report{Experiment: exp.Name}
	for _, run := range exp.Runs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rr := o.runOne(ctx, exp, run)
		report.Runs = append(report.Runs, rr)
		if errors.Is(rr.Err, context.Canceled) || errors.Is(rr.Err, context.DeadlineExceeded) {
			return report, rr.Err
		}
	}
	return report, nil
}

func (o *Orchestrator) runOne(ctx context.Context, exp *Experiment, run Run) RunReport {
	logger := o.logger()
	start := time.Now()
	rr := RunReport{ID: uuid.NewString(), Model: run.Model.Name, Output: run.OutputPath}

	effective := o.Layers(exp, run).Resolve()
	paramsJSON, _ := json.Marshal(effective)
	logging.LogRunStart(logger, rr.Model, rr.ID, run.InputPath, run.OutputPath, effective.Plain())
	_ = o.Store.RecordRunStart(storage.RunRecord{
		ID:             rr.ID,
		Experiment:     exp.Name,
		Model:          rr.Model,
		InputPath:      run.InputPath,
		OutputPath:     run.OutputPath,
		ParametersJSON: string(paramsJSON),
	})

	finish := func(status string, err error) RunReport {
		rr.Status, rr.Err, rr.Duration = status, err, time.Since(start)
		if err != nil {
			logging.LogRunError(logger, rr.Model, rr.ID, err)
		} else {
			logging.LogRunComplete(logger, rr.Model, rr.ID, rr.Duration, rr.Summary.Written, rr.Summary.Skipped, rr.Summary.Failed)
		}
		_ = o.Store.RecordRunResult(rr.ID, status, rr.Summary.Written, rr.Summary.Skipped, rr.Summary.Failed, errString(err))
		return rr
	}

	if o.Provisioner != nil {
		if err := o.Provisioner.Ensure(ctx, run.Model); err != nil {
			var missing *provision.MissingFilesError
			if errors.As(err, &missing) {
				return finish(storage.RunSkipped, err)
			}
			return finish(storage.RunFailed, err)
		}
	}

	var convention imgproc.Scaling
	if run.Model.ScaleConvention != "" {
		s, err := imgproc.ParseScaling(run.Model.ScaleConvention)
		if err != nil {
			return finish(storage.RunFailed, err)
		}
		convention = s
	}

	model, err := o.Factory.New(run.Model)
	if err != nil {
		if errors.Is(err, executor.ErrUnavailable) {
			return finish(storage.RunUnavailable, err)
		}
		return finish(storage.RunFailed, err)
	}
	defer executor.Close(model)

	r := o.runnerFor(rr)
	rr.Summary, err = r.Run(ctx, runner.Request{
		InputDir:        run.InputPath,
		OutputDir:       run.OutputPath,
		Params:          effective,
		Model:           model,
		ScaleConvention: convention,
		Exclude:         outputDirs(exp),
	})
	if err != nil {
		return finish(storage.RunFailed, err)
	}
	if rr.Summary.Failed > 0 {
		return finish(storage.RunFailed, rr.Summary.Err())
	}
	return finish(storage.RunCompleted, nil)
}

// runnerFor copies the configured runner and adds the observers that tie
// image events to run rr.
// outputDirs lists every output tree of exp so that no run reads another
// run's maps as input.
func outputDirs(exp *Experiment) []string {
	dirs := []string{exp.OutputPath}
	for _, r := range exp.Runs {
		dirs = append(dirs, r.OutputPath)
	}
	return dirs
}

func (o *Orchestrator) runnerFor(rr RunReport) *runner.Runner {
	r := runner.New(o.logger(), nil)
	if o.Runner != nil {
		cp := *o.Runner
		cp.Observers = append([]runner.Observer(nil), o.Runner.Observers...)
		r = &cp
	}
	r.Observers = append(r.Observers, func(e runner.Entry) {
		if e.Status != runner.StatusRunning {
			_ = o.Store.RecordImage(storage.ImageRecord{
				RunID:      rr.ID,
				RelPath:    e.Rel,
				OutputPath: e.Output,
				Status:     string(e.Status),
				DurationMS: e.Duration.Milliseconds(),
				Error:      errString(e.Err),
			})
		}
		if o.OnImage != nil {
			o.OnImage(ImageEvent{RunID: rr.ID, Model: rr.Model, Entry: e})
		}
	})
	return r
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Err joins the errors of every run that did not complete.
func (r Report) Err() error {
	var err error
	for _, run := range r.Runs {
		if run.Err != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", run.Model, run.Err))
		}
	}
	return err
}

// Failed reports whether any run did not complete.
func (r Report) Failed() bool {
	for _, run := range r.Runs {
		if run.Status != storage.RunCompleted {
			return true
		}
	}
	return false
}

// Render prints the report as a table.
func (r Report) Render(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(r.Experiment)
	t.AppendHeader(table.Row{"Model", "Status", "Written", "Skipped", "Failed", "Duration", "Output"})
	for _, run := range r.Runs {
		t.AppendRow(table.Row{
			run.Model,
			run.Status,
			run.Summary.Written,
			run.Summary.Skipped,
			run.Summary.Failed,
			humanize.FtoaWithDigits(run.Duration.Seconds(), 2) + "s",
			run.Output,
		})
	}
	t.Render()
	for _, run := range r.Runs {
		if run.Err != nil {
			fmt.Fprintf(w, "%s: %v\n", run.Model, run.Err)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
