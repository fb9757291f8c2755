package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"mediamill/internal/domain"
	"mediamill/internal/registry"
)

type step struct {
	status Status
	err    error
}

// fakeEngine replays a scripted sequence of poll results, sticking on the
// final step once the script is exhausted.
type fakeEngine struct {
	mu       sync.Mutex
	script   []step
	openErr  error
	idx      int
	download int
	dropped  bool
}

func (e *fakeEngine) Open(magnet string) (Handle, error) {
	if e.openErr != nil {
		return nil, e.openErr
	}
	return (*fakeHandle)(e), nil
}

func (e *fakeEngine) Close() {}

type fakeHandle fakeEngine

func (h *fakeHandle) Status() (Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.script[h.idx]
	if h.idx < len(h.script)-1 {
		h.idx++
	}
	return s.status, s.err
}

func (h *fakeHandle) Download() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.download++
}

func (h *fakeHandle) Drop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropped = true
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() Config {
	return Config{
		PollInterval:    time.Millisecond,
		MaxPollFailures: 5,
		Logger:          quietLogger(),
	}
}

func waitForPhase(t *testing.T, reg *registry.Registry, kind domain.JobKind, phase domain.JobPhase) domain.JobState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state := reg.Get(kind); state.Phase == phase {
			return state
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("slot never reached phase %s, last state %+v", phase, reg.Get(kind))
	return domain.JobState{}
}

func waitForProgress(t *testing.T, reg *registry.Registry, min float64) domain.JobState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state := reg.Get(domain.JobKindTransfer); state.Progress >= min {
			return state
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("progress never reached %v, last state %+v", min, reg.Get(domain.JobKindTransfer))
	return domain.JobState{}
}

func TestRunnerLifecycle(t *testing.T) {
	engine := &fakeEngine{script: []step{
		{status: Status{Name: "movie"}},
		{status: Status{HasMetadata: true, Name: "movie.mkv", BytesCompleted: 250, TotalBytes: 1000}},
		{status: Status{HasMetadata: true, Name: "movie.mkv", BytesCompleted: 500, TotalBytes: 1000}},
		{status: Status{HasMetadata: true, Name: "movie.mkv", BytesCompleted: 1000, TotalBytes: 1000, Complete: true}},
	}}
	reg := registry.New()
	runID, err := reg.Begin(domain.JobKindTransfer)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	NewRunner(engine, reg, testConfig()).Run(context.Background(), runID, "magnet:?xt=urn:btih:deadbeef")

	state := reg.Get(domain.JobKindTransfer)
	if state.Phase != domain.JobPhaseComplete {
		t.Fatalf("phase = %s, want complete", state.Phase)
	}
	if state.Progress != 100 {
		t.Fatalf("progress = %v, want 100", state.Progress)
	}
	if state.Name != "movie.mkv" {
		t.Fatalf("name = %q, want movie.mkv", state.Name)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.download != 1 {
		t.Fatalf("Download called %d times, want 1", engine.download)
	}
	if !engine.dropped {
		t.Fatal("handle was not dropped")
	}
}

func TestRunnerProgressNeverDecreases(t *testing.T) {
	engine := &fakeEngine{script: []step{
		{status: Status{HasMetadata: true, Name: "movie.mkv", BytesCompleted: 500, TotalBytes: 1000}},
		// A noisy sample reporting fewer bytes must not move the needle back.
		{status: Status{HasMetadata: true, Name: "movie.mkv", BytesCompleted: 400, TotalBytes: 1000}},
	}}
	reg := registry.New()
	runID, err := reg.Begin(domain.JobKindTransfer)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewRunner(engine, reg, testConfig()).Run(ctx, runID, "magnet:?xt=urn:btih:deadbeef")
	}()

	waitForProgress(t, reg, 50)
	time.Sleep(20 * time.Millisecond)

	state := reg.Get(domain.JobKindTransfer)
	if state.Progress < 50 {
		t.Fatalf("progress regressed to %v", state.Progress)
	}
	if state.Phase != domain.JobPhaseRunning {
		t.Fatalf("phase = %s, want running", state.Phase)
	}

	cancel()
	<-done
}

func TestRunnerToleratesTransientPollFailure(t *testing.T) {
	engine := &fakeEngine{script: []step{
		{err: errors.New("session not ready")},
		{status: Status{HasMetadata: true, Name: "movie.mkv", BytesCompleted: 1000, TotalBytes: 1000, Complete: true}},
	}}
	reg := registry.New()
	runID, err := reg.Begin(domain.JobKindTransfer)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	NewRunner(engine, reg, testConfig()).Run(context.Background(), runID, "magnet:?xt=urn:btih:deadbeef")

	if state := reg.Get(domain.JobKindTransfer); state.Phase != domain.JobPhaseComplete {
		t.Fatalf("phase = %s, want complete after transient failure", state.Phase)
	}
}

func TestRunnerFailsAfterConsecutivePollFailures(t *testing.T) {
	pollErr := errors.New("tracker unreachable")
	engine := &fakeEngine{script: []step{{err: pollErr}}}
	reg := registry.New()
	runID, err := reg.Begin(domain.JobKindTransfer)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	cfg := testConfig()
	cfg.MaxPollFailures = 3
	NewRunner(engine, reg, cfg).Run(context.Background(), runID, "magnet:?xt=urn:btih:deadbeef")

	state := reg.Get(domain.JobKindTransfer)
	if state.Phase != domain.JobPhaseFailed {
		t.Fatalf("phase = %s, want failed", state.Phase)
	}
	if state.Error == "" {
		t.Fatal("failed state is missing error detail")
	}
}

func TestRunnerFailsWhenOpenFails(t *testing.T) {
	engine := &fakeEngine{openErr: fmt.Errorf("bad descriptor")}
	reg := registry.New()
	runID, err := reg.Begin(domain.JobKindTransfer)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	NewRunner(engine, reg, testConfig()).Run(context.Background(), runID, "magnet:?xt=urn:btih:deadbeef")

	state := reg.Get(domain.JobKindTransfer)
	if state.Phase != domain.JobPhaseFailed {
		t.Fatalf("phase = %s, want failed", state.Phase)
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{512, "512B"},
		{2048, "2.0KiB"},
		{5 * 1024 * 1024, "5.0MiB"},
	}
	for _, tc := range cases {
		if got := formatBytes(tc.in); got != tc.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
