package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"salharness/internal/experiment"
	"salharness/internal/imgproc"
	"salharness/internal/imgproc/compat"
	"salharness/internal/params"
	"salharness/internal/raster"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log     *slog.Logger
	load    LoadFunc
	runner  experimentRunner
	verify  verifyFunc
	setting func(opts map[string]any) (imgproc.Settings, error)
}

// LoadFunc reads an experiment file.
type LoadFunc func(path string) (*experiment.Experiment, error)

type experimentRunner interface {
	Run(ctx context.Context, exp *experiment.Experiment) (experiment.Report, error)
}

type verifyFunc func(img *raster.Image, base imgproc.Settings) []compat.Case

// NewRouter returns the Processor handling experiment and verify jobs.
func NewRouter(logger *slog.Logger, load LoadFunc, orchestrator *experiment.Orchestrator) Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &router{
		log:     logger,
		load:    load,
		runner:  orchestrator,
		verify:  compat.Verify,
		setting: settingsFromOptions,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobExperiment:
		return r.handleExperiment(ctx, job)
	case JobVerify:
		return r.handleVerify(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleExperiment(ctx context.Context, job Job) Result {
	exp, err := r.load(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	report, err := r.runner.Run(ctx, exp)
	statuses := make(map[string]any, len(report.Runs))
	written := 0
	for _, run := range report.Runs {
		statuses[run.Model] = run.Status
		written += run.Summary.Written
	}
	meta := map[string]any{
		"experiment": exp.Name,
		"runs":       len(report.Runs),
		"written":    written,
		"statuses":   statuses,
	}
	if err == nil {
		err = report.Err()
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleVerify(_ context.Context, job Job) Result {
	img, err := raster.Load(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	base, err := r.setting(job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	cases := r.verify(img, base)
	var failed []string
	for _, c := range cases {
		if c.Err != nil || !c.OK() {
			failed = append(failed, c.String())
		}
	}
	meta := map[string]any{"cases": len(cases), "failed": failed}
	if len(failed) > 0 {
		return Result{Job: job, Error: fmt.Errorf("%d of %d pipeline options disagree", len(failed), len(cases)), Meta: meta}
	}
	return Result{Job: job, Meta: meta}
}

func settingsFromOptions(opts map[string]any) (imgproc.Settings, error) {
	return imgproc.ParseSettings(params.FromPlain(opts))
}
