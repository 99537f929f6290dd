package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"salharness/internal/storage"
)

type stubProcessor struct {
	running atomic.Int32
	overlap atomic.Bool
}

func (s *stubProcessor) Process(_ context.Context, job Job) Result {
	if s.running.Add(1) > 1 {
		s.overlap.Store(true)
	}
	defer s.running.Add(-1)
	time.Sleep(5 * time.Millisecond)
	if job.InputPath == "bad" {
		return Result{Job: job, Error: errors.New("boom")}
	}
	return Result{Job: job, Meta: map[string]any{"ok": true}}
}

func TestPipelineRunsJobsSequentially(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	proc := &stubProcessor{}
	p := New(context.Background(), nil, store, proc)
	results, unsub := p.Subscribe()
	defer unsub()

	var ids []string
	for _, in := range []string{"a.yaml", "bad", "c.yaml"} {
		job, err := p.Submit(Job{Type: JobExperiment, InputPath: in})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if job.ID == "" {
			t.Fatalf("job id not assigned")
		}
		ids = append(ids, job.ID)
	}

	for i := 0; i < 3; i++ {
		select {
		case res := <-results:
			if res.Job.ID != ids[i] {
				t.Fatalf("result %d out of order: %s", i, res.Job.InputPath)
			}
			if (res.Job.InputPath == "bad") != (res.Error != nil) {
				t.Fatalf("unexpected result %+v", res)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for result %d", i)
		}
	}
	p.Stop()

	if proc.overlap.Load() {
		t.Fatalf("jobs overlapped")
	}
	jobs, err := store.RecentJobs(10)
	if err != nil || len(jobs) != 3 {
		t.Fatalf("expected 3 recorded jobs, got %d: %v", len(jobs), err)
	}
	for _, j := range jobs {
		want := "completed"
		if j.InputPath == "bad" {
			want = "failed"
		}
		if j.Status != want {
			t.Fatalf("job %s has status %s, want %s", j.InputPath, j.Status, want)
		}
	}
}

func TestResultJSONCarriesErrorText(t *testing.T) {
	data, err := Result{Job: Job{ID: "1", Type: JobVerify}, Error: errors.New("boom")}.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"id":"1","type":"verify","input":"","error":"boom"}` {
		t.Fatalf("unexpected json %s", data)
	}
}
