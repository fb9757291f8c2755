package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/sirupsen/logrus"

	"mediamill/internal/domain"
	"mediamill/internal/registry"
	"mediamill/internal/transcode"
	"mediamill/internal/transfer"
)

// Supervisor accepts job-start requests, validates them synchronously, and
// hands accepted jobs to their runner on a tracked goroutine. Start calls
// return as soon as the slot is registered in starting phase; everything
// after that is observed through the registry.
type Supervisor struct {
	registry  *registry.Registry
	transfer  *transfer.Runner
	transcode *transcode.Runner
	logger    *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[domain.JobKind]*runHandle
}

type runHandle struct {
	runID string
	done  chan struct{}
}

func New(ctx context.Context, reg *registry.Registry, transferRunner *transfer.Runner, transcodeRunner *transcode.Runner, logger *logrus.Logger) *Supervisor {
	if logger == nil {
		logger = logrus.New()
	}
	runCtx, cancel := context.WithCancel(ctx)
	return &Supervisor{
		registry:  reg,
		transfer:  transferRunner,
		transcode: transcodeRunner,
		logger:    logger,
		ctx:       runCtx,
		cancel:    cancel,
		active:    make(map[domain.JobKind]*runHandle),
	}
}

// StartTransfer validates the magnet link, claims the transfer slot, and
// launches the acquisition in the background.
func (s *Supervisor) StartTransfer(magnet string) error {
	magnet = strings.TrimSpace(magnet)
	if magnet == "" {
		return fmt.Errorf("magnet link is required")
	}
	if _, err := metainfo.ParseMagnetUri(magnet); err != nil {
		return fmt.Errorf("invalid magnet link: %w", err)
	}

	runID, err := s.registry.Begin(domain.JobKindTransfer)
	if err != nil {
		return err
	}

	s.spawn(domain.JobKindTransfer, runID, func(ctx context.Context) {
		s.transfer.Run(ctx, runID, magnet)
	})
	s.logger.WithField("kind", domain.JobKindTransfer).Infof("transfer accepted: %s", magnet)
	return nil
}

// StartTranscode validates the request (input resolution, traversal guard,
// parameter ranges), claims the convert slot, and launches the encoder in
// the background.
func (s *Supervisor) StartTranscode(req transcode.Request) error {
	args, err := s.transcode.Prepare(req)
	if err != nil {
		return err
	}

	runID, err := s.registry.Begin(domain.JobKindConvert)
	if err != nil {
		return err
	}

	s.spawn(domain.JobKindConvert, runID, func(ctx context.Context) {
		s.transcode.Run(ctx, runID, args)
	})
	s.logger.WithField("kind", domain.JobKindConvert).Infof("conversion accepted: %s", req.Filename)
	return nil
}

// spawn runs fn on its own goroutine with a handle the supervisor keeps for
// the lifetime of the run. The handle carries no cancel API yet; it exists
// so one can be added without reworking the call sites.
func (s *Supervisor) spawn(kind domain.JobKind, runID string, fn func(ctx context.Context)) {
	handle := &runHandle{runID: runID, done: make(chan struct{})}
	s.mu.Lock()
	s.active[kind] = handle
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			if s.active[kind] == handle {
				delete(s.active, kind)
			}
			s.mu.Unlock()
			close(handle.done)
		}()
		fn(s.ctx)
	}()
}

// Wait blocks until the current run of the given kind finishes. Returns
// immediately when nothing is in flight.
func (s *Supervisor) Wait(kind domain.JobKind) {
	s.mu.Lock()
	handle := s.active[kind]
	s.mu.Unlock()
	if handle != nil {
		<-handle.done
	}
}

// Shutdown stops accepting work and waits for in-flight runs to notice the
// cancelled context and publish their final state.
func (s *Supervisor) Shutdown() {
	s.cancel()
	s.wg.Wait()
}
