package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"salharness/internal/experiment"
	"salharness/internal/pipeline"
	"salharness/internal/runner"
	"salharness/internal/storage"
)

type echoProcessor struct{}

func (echoProcessor) Process(_ context.Context, job pipeline.Job) pipeline.Result {
	return pipeline.Result{Job: job}
}

func newTestServer(t *testing.T) (*Server, *storage.Store, *httptest.Server) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	pipe := pipeline.New(context.Background(), nil, store, echoProcessor{})
	t.Cleanup(pipe.Stop)

	s := NewServer("", store, pipe, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.hub.Run(ctx)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, store, ts
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestRunsEndpoints(t *testing.T) {
	_, store, ts := newTestServer(t)
	if err := store.RecordRunStart(storage.RunRecord{ID: "r1", Model: "AIM"}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordImage(storage.ImageRecord{RunID: "r1", RelPath: "a.png", Status: "WRITTEN"}); err != nil {
		t.Fatal(err)
	}

	var runs []storage.RunRecord
	getJSON(t, ts.URL+"/runs", &runs)
	if len(runs) != 1 || runs[0].Model != "AIM" {
		t.Fatalf("unexpected runs %+v", runs)
	}

	var images []storage.ImageRecord
	getJSON(t, ts.URL+"/runs/r1/images", &images)
	if len(images) != 1 || images[0].RelPath != "a.png" {
		t.Fatalf("unexpected images %+v", images)
	}

	getJSON(t, ts.URL+"/runs/none/images", &images)
	if len(images) != 0 {
		t.Fatalf("expected no images for unknown run")
	}

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
}

func TestSubmitJob(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/jobs", "application/json", strings.NewReader(`{"input": "exp.yaml"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status %s", resp.Status)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["id"] == "" {
		t.Fatalf("missing job id: %v %v", body, err)
	}

	resp, err = http.Post(ts.URL+"/jobs", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing input, got %s", resp.Status)
	}
}

func TestStreamDeliversImageEvents(t *testing.T) {
	s, _, ts := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for s.Hub().Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.PublishImage(experiment.ImageEvent{RunID: "r1", Model: "AIM", Entry: runner.Entry{
		Index: 2, Total: 3, Rel: "b.png", Status: runner.StatusError, Err: errors.New("boom"),
	}})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got imageEvent
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	want := imageEvent{RunID: "r1", Model: "AIM", Index: 2, Total: 3, Path: "b.png", Status: "ERROR", Error: "boom"}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
