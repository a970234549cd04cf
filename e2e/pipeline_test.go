//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"modelchain/internal/api"
	"modelchain/internal/chain"
	"modelchain/internal/chain/steps"
	"modelchain/internal/health"
	"modelchain/internal/job"
	"modelchain/internal/notify"
	"modelchain/internal/store"
	"modelchain/internal/store/sqlite"
	"modelchain/internal/testutil"
	"modelchain/internal/toolrunner"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const owner = int64(11)

type stack struct {
	url    string
	store  store.Store
	fs     *testutil.FakeFS
	runner *testutil.FakeRunner
}

// newStack wires the controller the way main does, with fake tools and a
// fake file system.
func newStack(t *testing.T) *stack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "e2e.db"), sqlite.Options{WALMode: true}, logger)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}

	fs := testutil.NewFakeFS()
	runner := testutil.NewFakeRunner()
	hub := notify.NewHub(logger, nil)

	mgr := chain.NewManager(chain.Options{
		Store:      db,
		FS:         fs,
		Runner:     runner,
		Sink:       notify.Fanout{hub},
		Logger:     logger,
		Strategies: steps.Strategies(steps.Config{QuietPeriod: 50 * time.Millisecond}),
		Config: chain.Config{
			DataDir:       "/data",
			PoolSize:      1,
			WatchInterval: 10 * time.Millisecond,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		chain.NewReconciler(mgr, 10*time.Millisecond, 2).Run(ctx)
	}()

	router := api.NewRouter(api.RouterConfig{
		JobService:    job.NewService(db, logger),
		HealthChecker: health.NewChecker(db, runner),
		Hub:           hub,
	})
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		cancel()
		<-reconcilerDone
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		mgr.Close(closeCtx)
		hub.Close()
		db.Close()
	})

	return &stack{url: server.URL, store: db, fs: fs, runner: runner}
}

// seedJob creates a paused two-stage job: normals, then sampling.
func (s *stack) seedJob(t *testing.T) int64 {
	t.Helper()
	ctx := context.Background()
	rec, err := s.store.CreateJob(ctx, store.JobRecord{OwnerID: owner, Name: "statue", Command: store.CommandPause, State: store.StatePaused})
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	for i, unit := range []string{steps.NameNormal, steps.NameSampling} {
		stage, err := s.store.CreateStage(ctx, store.StageRecord{JobID: rec.ID, Ordering: i + 1, Name: unit})
		if err != nil {
			t.Fatalf("Failed to create stage: %v", err)
		}
		if _, err := s.store.CreateUnit(ctx, store.UnitRecord{StageID: stage.ID, Ordering: 1, Name: unit}); err != nil {
			t.Fatalf("Failed to create unit: %v", err)
		}
	}

	files := map[string]string{"pointCloud": "/data/cloud.ply", "mesh": "/data/mesh.ply"}
	for code, path := range files {
		s.fs.SetSize(path, 64)
		if _, err := s.store.CreateFile(ctx, store.FileRecord{JobID: rec.ID, Code: code, Path: path, Size: 64}); err != nil {
			t.Fatalf("Failed to create file: %v", err)
		}
	}
	points := "5000"
	if _, err := s.store.CreateParam(ctx, store.ParamRecord{JobID: rec.ID, Code: "samplingPointNumber", Value: &points}); err != nil {
		t.Fatalf("Failed to create param: %v", err)
	}
	return rec.ID
}

func (s *stack) request(t *testing.T, method string, jobID int64, suffix, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, fmt.Sprintf("%s/v1/jobs/%d%s", s.url, jobID, suffix), reader)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Owner-Id", fmt.Sprint(owner))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func (s *stack) status(t *testing.T, jobID int64) (job.Status, int) {
	t.Helper()
	resp := s.request(t, http.MethodGet, jobID, "", "")
	defer resp.Body.Close()
	var status job.Status
	if resp.StatusCode == http.StatusOK {
		json.NewDecoder(resp.Body).Decode(&status)
	}
	return status, resp.StatusCode
}

func TestPipeline_RunToCompletion(t *testing.T) {
	s := newStack(t)
	jobID := s.seedJob(t)

	// The cloud already has normals, so only the probe runs.
	s.runner.Script("PoissonRecon.x64", testutil.Script{
		Lines: []toolrunner.Line{{Stream: toolrunner.Stdout, Text: "Input Points: 1200"}},
	})
	s.runner.Script("cloudcompare", testutil.Script{
		OnStart: func(toolrunner.Command) { s.fs.Touch("/data/mesh_RESAMPLED.asc", 128) },
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.url, "http")+fmt.Sprintf("/v1/ws?ownerId=%d", owner), nil)
	if err != nil {
		t.Fatalf("Failed to open notification stream: %v", err)
	}
	defer conn.Close()

	var (
		mu     sync.Mutex
		states []string
	)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame struct {
				Payload notify.Notification `json:"payload"`
			}
			if json.Unmarshal(data, &frame) == nil && frame.Payload.Kind == notify.KindState {
				mu.Lock()
				states = append(states, frame.Payload.State)
				mu.Unlock()
			}
		}
	}()

	resp := s.request(t, http.MethodPost, jobID, "/command", `{"command":"RUN"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d", http.StatusAccepted, resp.StatusCode)
	}

	testutil.MustWaitFor(t, func() bool {
		status, _ := s.status(t, jobID)
		return status.State == string(store.StateDone)
	}, testutil.WithTimeout(10*time.Second), testutil.WithInterval(20*time.Millisecond))

	status, _ := s.status(t, jobID)
	for _, stage := range status.Stages {
		if stage.State != string(store.StateDone) {
			t.Errorf("Stage %s not done: %s", stage.Name, stage.State)
		}
		for _, unit := range stage.Units {
			if unit.Progress != 100 {
				t.Errorf("Unit %s progress = %d, want 100", unit.Name, unit.Progress)
			}
		}
	}

	started := s.runner.Started()
	if len(started) != 2 || started[0].Name != "PoissonRecon.x64" || started[1].Name != "cloudcompare" {
		t.Errorf("Unexpected tool runs: %+v", started)
	}

	files, err := s.store.Files(context.Background(), jobID, "mesh")
	if err != nil || len(files) != 1 || files[0].Path != "/data/mesh_RESAMPLED.asc" {
		t.Errorf("Expected resampled mesh to be recorded, got %+v (%v)", files, err)
	}

	testutil.MustWaitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) > 0 && states[len(states)-1] == string(store.StateDone)
	}, testutil.WithTimeout(5*time.Second))
}

func TestPipeline_OversizedCloudPausesWithError(t *testing.T) {
	s := newStack(t)
	jobID := s.seedJob(t)

	s.runner.Script("PoissonRecon.x64", testutil.Script{
		Lines: []toolrunner.Line{{Stream: toolrunner.Stdout, Text: "Input Points: 5000000"}},
		Hold:  true,
	})

	resp := s.request(t, http.MethodPost, jobID, "/command", `{"command":"RUN"}`)
	resp.Body.Close()

	testutil.MustWaitFor(t, func() bool {
		status, _ := s.status(t, jobID)
		return status.State == string(store.StatePaused) && status.Error != ""
	}, testutil.WithTimeout(10*time.Second), testutil.WithInterval(20*time.Millisecond))

	status, _ := s.status(t, jobID)
	if status.Command != string(store.CommandPause) {
		t.Errorf("Expected command PAUSE after a fatal error, got %s", status.Command)
	}
	if !strings.Contains(status.Error, "too large") {
		t.Errorf("Unexpected error %q", status.Error)
	}
	if inv := s.runner.Last("PoissonRecon.x64"); inv == nil || !inv.Exited() {
		t.Error("Expected the probe to be killed")
	}
}

func TestPipeline_DeleteRemovesJob(t *testing.T) {
	s := newStack(t)
	jobID := s.seedJob(t)

	s.runner.Script("PoissonRecon.x64", testutil.Script{Hold: true})

	resp := s.request(t, http.MethodPost, jobID, "/command", `{"command":"RUN"}`)
	resp.Body.Close()

	testutil.MustWaitFor(t, func() bool {
		return s.runner.Last("PoissonRecon.x64") != nil
	}, testutil.WithTimeout(10*time.Second))

	resp = s.request(t, http.MethodDelete, jobID, "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d", http.StatusAccepted, resp.StatusCode)
	}

	testutil.MustWaitFor(t, func() bool {
		_, code := s.status(t, jobID)
		return code == http.StatusNotFound
	}, testutil.WithTimeout(10*time.Second), testutil.WithInterval(20*time.Millisecond))

	if !s.runner.Last("PoissonRecon.x64").Exited() {
		t.Error("Expected the running tool to be killed")
	}
	removed := s.fs.Removed()
	if len(removed) == 0 || removed[len(removed)-1] != fmt.Sprintf("/data/%d", jobID) {
		t.Errorf("Expected job directory removal, got %v", removed)
	}
}

func TestPipeline_OtherOwnerIsRejected(t *testing.T) {
	s := newStack(t)
	jobID := s.seedJob(t)

	req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/v1/jobs/%d/command", s.url, jobID), bytes.NewBufferString(`{"command":"RUN"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Owner-Id", fmt.Sprint(owner+1))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected status %d, got %d", http.StatusForbidden, resp.StatusCode)
	}

	time.Sleep(50 * time.Millisecond)
	if len(s.runner.Started()) != 0 {
		t.Error("Expected no tool to start for a rejected command")
	}
}
