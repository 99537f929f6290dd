// Package pipeline queues experiment and verification jobs and runs them
// one at a time.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"salharness/internal/logging"
	"salharness/internal/storage"
)

// JobType enumerates supported job categories.
type JobType string

const (
	JobExperiment JobType = "experiment"
	JobVerify     JobType = "verify"
)

// queueSize bounds the pending jobs.
const queueSize = 16

// Job represents a single processing request.
type Job struct {
	ID        string
	Type      JobType
	InputPath string
	Options   map[string]any
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// MarshalJSON renders the error as a string.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID    string         `json:"id"`
		Type  JobType        `json:"type"`
		Input string         `json:"input"`
		Error string         `json:"error,omitempty"`
		Meta  map[string]any `json:"meta,omitempty"`
	}{r.Job.ID, r.Job.Type, r.Job.InputPath, errString(r.Error), r.Meta})
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline dispatches jobs to a single worker. Model runs contend for the
// same GPU and scratch space, so jobs never overlap.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a Pipeline feeding processor from one worker goroutine.
func New(ctx context.Context, logger *slog.Logger, store *storage.Store, processor Processor) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		jobs:      make(chan Job, queueSize),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.worker(ctx)
	})

	return p
}

// Submit adds a job to the processing queue. A job without ID gets one.
func (p *Pipeline) Submit(job Job) (Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OptionsJSON: string(optsJSON),
		})
	}

	select {
	case p.jobs <- job:
		return job, nil
	default:
		return job, errors.New("job queue is full")
	}
}

// Stop signals the worker to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			start := time.Now()
			logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath)
			if p.store != nil {
				_ = p.store.RecordJobStart(job.ID)
			}

			res := p.processor.Process(ctx, job)
			duration := time.Since(start)

			status := "completed"
			if res.Error != nil {
				status = "failed"
				logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error)
			} else {
				logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
			}
			if p.store != nil {
				_ = p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error))
			}

			p.broadcast(res)
		}
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
