package storage

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openStore(t)
	if err := s.RecordRunStart(RunRecord{ID: "r1", Experiment: "exp", Model: "center", InputPath: "/in", OutputPath: "/out", ParametersJSON: `{"overwrite":true}`}); err != nil {
		t.Fatal(err)
	}
	for _, rel := range []string{"a.png", "b.png"} {
		if err := s.RecordImage(ImageRecord{RunID: "r1", RelPath: rel, Status: "WRITTEN", DurationMS: 12}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RecordImage(ImageRecord{RunID: "r1", RelPath: "c.png", Status: "ERROR", Error: "boom"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordRunResult("r1", RunCompleted, 2, 0, 1, ""); err != nil {
		t.Fatal(err)
	}

	runs, err := s.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected one run, got %d", len(runs))
	}
	r := runs[0]
	if r.Status != RunCompleted || r.Written != 2 || r.Failed != 1 || r.CompletedAt == nil || r.Experiment != "exp" {
		t.Fatalf("unexpected run %+v", r)
	}

	images, err := s.RunImages("r1")
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, im := range images {
		got = append(got, im.RelPath+":"+im.Status)
	}
	if diff := cmp.Diff([]string{"a.png:WRITTEN", "b.png:WRITTEN", "c.png:ERROR"}, got); diff != "" {
		t.Fatalf("images mismatch (-want +got):\n%s", diff)
	}
	if images[2].Error != "boom" {
		t.Fatalf("error message lost: %+v", images[2])
	}
}

func TestJobLifecycle(t *testing.T) {
	s := openStore(t)
	if err := s.RecordJobQueued(JobRecord{ID: "j1", JobType: "experiment", Status: "queued", InputPath: "exp.yaml"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordJobStart("j1"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordJobResult("j1", "completed", map[string]any{"runs": 3}, ""); err != nil {
		t.Fatal(err)
	}
	jobs, err := s.RecentJobs(5)
	if err != nil || len(jobs) != 1 || jobs[0].Status != "completed" || jobs[0].StartedAt == nil {
		t.Fatalf("unexpected jobs %+v: %v", jobs, err)
	}
	meta, err := s.JobMeta("j1")
	if err != nil || meta["runs"] != float64(3) {
		t.Fatalf("unexpected meta %v: %v", meta, err)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.RecordRunStart(RunRecord{ID: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordImage(ImageRecord{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecentRuns(1); err == nil {
		t.Fatalf("queries on a nil store must fail")
	}
}
