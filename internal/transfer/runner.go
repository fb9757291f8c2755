package transfer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"mediamill/internal/domain"
	"mediamill/internal/registry"
)

// Config tunes the polling loop. Interval and failure bound are explicit so
// the policy can be tested with a fake engine.
type Config struct {
	PollInterval    time.Duration
	MaxPollFailures int
	Logger          *logrus.Logger
}

// Runner drives one acquisition job to completion, publishing snapshots to
// the registry on every poll tick. It owns the job's slot for the lifetime
// of Run and touches nothing else.
type Runner struct {
	engine   Engine
	registry *registry.Registry
	cfg      Config
}

func NewRunner(engine Engine, reg *registry.Registry, cfg Config) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxPollFailures <= 0 {
		cfg.MaxPollFailures = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Runner{engine: engine, registry: reg, cfg: cfg}
}

// Run blocks until the transfer reaches a terminal phase or ctx is
// cancelled. runID must come from registry.Begin.
func (r *Runner) Run(ctx context.Context, runID, magnet string) {
	logger := r.cfg.Logger.WithField("kind", domain.JobKindTransfer)

	state := domain.JobState{
		Kind:  domain.JobKindTransfer,
		RunID: runID,
		Phase: domain.JobPhaseStarting,
	}

	handle, err := r.engine.Open(magnet)
	if err != nil {
		r.fail(logger, state, fmt.Errorf("open transfer: %w", err))
		return
	}
	defer handle.Drop()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	var (
		downloading bool
		failures    int
		lastBytes   int64
		lastTime    = time.Now()
	)

	for {
		select {
		case <-ctx.Done():
			logger.Info("transfer abandoned on shutdown")
			return
		case <-ticker.C:
		}

		st, err := handle.Status()
		if err != nil {
			failures++
			if failures >= r.cfg.MaxPollFailures {
				r.fail(logger, state, fmt.Errorf("engine poll failed %d times: %w", failures, err))
				return
			}
			logger.Warnf("engine poll failed (%d/%d): %v", failures, r.cfg.MaxPollFailures, err)
			continue
		}
		failures = 0
		state.Name = st.Name

		if !st.HasMetadata {
			r.registry.Publish(state)
			continue
		}

		if !downloading {
			downloading = true
			handle.Download()
			lastBytes = st.BytesCompleted
			lastTime = time.Now()
			logger.Infof("metadata received, downloading %q (%s)", st.Name, formatBytes(st.TotalBytes))
		}

		if st.Complete {
			state.Phase = domain.JobPhaseComplete
			state.Progress = 100
			state.Rate = ""
			state.Output = st.Name
			r.registry.Publish(state)
			logger.Infof("download complete: %s", st.Name)
			return
		}

		progress := 0.0
		if st.TotalBytes > 0 {
			progress = round2(float64(st.BytesCompleted) / float64(st.TotalBytes) * 100)
		}
		// Samples are noisy; never let the published percentage move backwards.
		if progress > state.Progress {
			state.Progress = progress
		}

		elapsed := time.Since(lastTime).Seconds()
		if elapsed > 0 {
			speed := float64(st.BytesCompleted-lastBytes) / elapsed
			if speed >= 0 {
				state.Rate = formatBytes(int64(speed)) + "/s"
			}
		}
		lastBytes = st.BytesCompleted
		lastTime = time.Now()

		state.Phase = domain.JobPhaseRunning
		r.registry.Publish(state)
	}
}

func (r *Runner) fail(logger *logrus.Entry, state domain.JobState, failErr error) {
	state.Phase = domain.JobPhaseFailed
	state.Rate = ""
	state.Error = failErr.Error()
	r.registry.Publish(state)
	logger.Error(failErr.Error())
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB",
		float64(b)/float64(div),
		"KMGTPE"[exp],
	)
}
