package transcode

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mediamill/internal/domain"
	"mediamill/internal/registry"
	"mediamill/internal/storage"
)

// Request is one conversion as submitted by a caller, before validation.
type Request struct {
	Filename string
	Preset   string
	CRF      int
	Encoder  string
}

type Config struct {
	FFmpegPath   string
	FFprobePath  string
	InputDir     string
	OutputDir    string
	AudioBitrate string
	Logger       *logrus.Logger

	// Optional: finished outputs are archived here when configured.
	Archive        storage.Service
	ArchiveOptions storage.UploadOptions
}

// Runner supervises one ffmpeg invocation per run, publishing progress
// parsed from the encoder's -progress stream. Encoder failures are final;
// the caller resubmits explicitly.
type Runner struct {
	registry *registry.Registry
	cfg      Config
}

func NewRunner(reg *registry.Registry, cfg Config) *Runner {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.AudioBitrate == "" {
		cfg.AudioBitrate = "128k"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Runner{registry: reg, cfg: cfg}
}

// Prepare resolves and validates a request without spawning anything, so
// the supervisor can reject bad input synchronously.
func (r *Runner) Prepare(req Request) (Args, error) {
	inputPath, err := ResolveUnder(r.cfg.InputDir, req.Filename)
	if err != nil {
		return Args{}, err
	}
	if info, err := os.Stat(inputPath); err != nil {
		return Args{}, fmt.Errorf("input file %q: %w", req.Filename, err)
	} else if info.IsDir() {
		return Args{}, fmt.Errorf("input %q is a directory", req.Filename)
	}

	encoder := req.Encoder
	if encoder == "" {
		encoder = DefaultEncoder
	}

	args := Args{
		InputPath:    inputPath,
		OutputPath:   filepath.Join(r.cfg.OutputDir, OutputName(inputPath)),
		Encoder:      encoder,
		Preset:       req.Preset,
		CRF:          req.CRF,
		AudioBitrate: r.cfg.AudioBitrate,
	}
	if err := args.Validate(); err != nil {
		return Args{}, err
	}
	return args, nil
}

// Run blocks until the encoder exits. runID must come from registry.Begin.
func (r *Runner) Run(ctx context.Context, runID string, args Args) {
	logger := r.cfg.Logger.WithField("kind", domain.JobKindConvert)

	state := domain.JobState{
		Kind:  domain.JobKindConvert,
		RunID: runID,
		Phase: domain.JobPhaseRunning,
		Name:  filepath.Base(args.InputPath),
	}
	r.registry.Publish(state)

	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		r.fail(logger, state, fmt.Errorf("create output dir: %w", err))
		return
	}

	var durationUs int64
	if duration, err := probeDuration(ctx, r.cfg.FFprobePath, args.InputPath); err != nil {
		logger.Warnf("probe duration: %v (progress will be coarse)", err)
	} else {
		durationUs = duration.Microseconds()
	}

	cmd := commandContext(ctx, r.cfg.FFmpegPath, args.Vector()...)
	stderr := newTailBuffer(4096)
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.fail(logger, state, fmt.Errorf("stdout pipe: %w", err))
		return
	}

	logger.Infof("encoding %s -> %s (%s, preset %s, crf %d)",
		state.Name, filepath.Base(args.OutputPath), args.Encoder, args.Preset, args.CRF)

	if err := cmd.Start(); err != nil {
		r.fail(logger, state, fmt.Errorf("start encoder: %w", err))
		return
	}

	parseProgress(stdout, func(p Progress) {
		if durationUs <= 0 || p.OutTimeUs <= 0 {
			return
		}
		percent := round2(float64(p.OutTimeUs) / float64(durationUs) * 100)
		// 100 is reserved for a clean exit.
		percent = math.Min(percent, 99.99)
		if percent > state.Progress {
			state.Progress = percent
		}
		state.ETA = etaString(durationUs-p.OutTimeUs, p.Speed)
		r.registry.Publish(state)
	})

	if err := cmd.Wait(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		r.fail(logger, state, fmt.Errorf("encoder: %s", detail))
		return
	}

	if _, err := os.Stat(args.OutputPath); err != nil {
		r.fail(logger, state, fmt.Errorf("encoder exited cleanly but output is missing: %w", err))
		return
	}

	state.Phase = domain.JobPhaseComplete
	state.Progress = 100
	state.ETA = ""
	state.Output = filepath.Base(args.OutputPath)
	r.registry.Publish(state)
	logger.Infof("conversion complete: %s", state.Output)

	r.archive(ctx, logger, args.OutputPath)
}

// archive uploads the finished output when storage is configured. Failures
// are logged only; the job already reached its terminal phase.
func (r *Runner) archive(ctx context.Context, logger *logrus.Entry, outputPath string) {
	if r.cfg.Archive == nil {
		return
	}
	location, err := r.cfg.Archive.UploadFile(ctx, outputPath, r.cfg.ArchiveOptions)
	if err != nil {
		logger.Warnf("archive %s: %v", filepath.Base(outputPath), err)
		return
	}
	logger.Infof("archived to %s", location)
}

func (r *Runner) fail(logger *logrus.Entry, state domain.JobState, failErr error) {
	state.Phase = domain.JobPhaseFailed
	state.ETA = ""
	state.Error = failErr.Error()
	r.registry.Publish(state)
	logger.Error(failErr.Error())
}

func etaString(remainingUs int64, speed float64) string {
	if remainingUs <= 0 || speed <= 0 {
		return ""
	}
	remaining := time.Duration(float64(remainingUs)/speed) * time.Microsecond
	return remaining.Truncate(time.Second).String()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// tailBuffer keeps the last max bytes written, so the error detail carries
// the end of the encoder's stderr instead of its banner.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
