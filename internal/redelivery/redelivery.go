// Package redelivery re-dispatches events whose delivery never committed,
// typically because the process died or the dispatch wait timed out after
// the append succeeded.
package redelivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"roomlog/pkg/dispatch"
	"roomlog/pkg/logger"
	"roomlog/pkg/metrics"
	"roomlog/pkg/models"
)

var ErrInvalidCron = errors.New("invalid cron expression")

// Source lists undelivered events.
type Source interface {
	Undelivered(ctx context.Context, olderThan time.Time, limit int) ([]models.RoomEvent, error)
}

type Config struct {
	Cron      string
	MinAge    time.Duration
	BatchSize int
	// WaitTimeout bounds the wait for each re-dispatched event.
	WaitTimeout time.Duration
}

// Sweeper runs a sweep on every cron tick. Sweeps never overlap.
type Sweeper struct {
	cfg    Config
	src    Source
	d      dispatch.Dispatcher
	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	running bool
}

func New(cfg Config, src Source, d dispatch.Dispatcher) (*Sweeper, error) {
	if !gronx.IsValid(cfg.Cron) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCron, cfg.Cron)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Second
	}
	return &Sweeper{cfg: cfg, src: src, d: d, now: time.Now}, nil
}

// Start launches the schedule loop. Stop ends it.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	logger.Info("redelivery_enabled", "cron", s.cfg.Cron, "min_age", s.cfg.MinAge, "batch", s.cfg.BatchSize)
	go func() {
		defer close(s.done)
		s.scheduleLoop(ctx)
	}()
}

func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Sweeper) scheduleLoop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.cfg.Cron, s.now(), false)
		if err != nil {
			logger.Error("redelivery_nexttick_failed", "cron", s.cfg.Cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		wait := next.Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		select {
		case <-time.After(wait):
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("redelivery_run_error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce sweeps one batch and returns how many events were delivered. It
// is a no-op while another sweep is running.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return 0, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	start := s.now()
	runID := fmt.Sprintf("run-%d", start.UnixNano())
	events, err := s.src.Undelivered(ctx, start.Add(-s.cfg.MinAge), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list undelivered: %w", err)
	}
	if len(events) == 0 {
		logger.Debug("redelivery_run_empty", "run_id", runID)
		return 0, nil
	}
	logger.Info("redelivery_run_start", "run_id", runID, "candidates", len(events))

	audit := logger.AuditOrLog()
	futures := make([]*dispatch.Future, len(events))
	for i, e := range events {
		futures[i] = s.d.Dispatch(ctx, e)
	}
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WaitTimeout)
	defer cancel()

	var delivered, failed int
	for i, f := range futures {
		e := events[i]
		if err := f.Wait(wctx); err != nil {
			failed++
			audit.Warn("event_redelivery_failed", "run_id", runID, "event", e.ID, "clid", e.Clid, "cid", e.Cid, "type", e.T, "error", err)
			continue
		}
		delivered++
		audit.Info("event_redelivered", "run_id", runID, "event", e.ID, "clid", e.Clid, "cid", e.Cid, "type", e.T, "age", start.Sub(e.AppendTime()))
	}
	metrics.Redelivered.Add(float64(delivered))
	logger.Info("redelivery_run_done", "run_id", runID, "delivered", delivered, "failed", failed, "took", s.now().Sub(start))
	return delivered, nil
}
