package proxyrotator

import (
	"context"
	"time"
)

// Rotator runs a single rotation cycle. *Controller implements it.
type Rotator interface {
	Rotate(ctx context.Context, req RotateRequest) (RotationResult, error)
}

// Scheduler drives a Rotator on a fixed interval until its context is
// cancelled or its liveness marker goes away.
type Scheduler struct {
	rotator Rotator
	options options
	trigger chan RotateRequest
}

// NewScheduler creates a scheduler for rotator.
func NewScheduler(rotator Rotator, opts ...Option) *Scheduler {
	var o = defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Scheduler{
		rotator: rotator,
		options: o,
		trigger: make(chan RotateRequest, 1),
	}
}

// Trigger requests an immediate out-of-band rotation into region (NoRegion
// lets the picker choose). It never blocks and returns false when a triggered
// rotation is already pending.
func (s *Scheduler) Trigger(region RegionID) bool {
	select {
	case s.trigger <- RotateRequest{Region: region}:
		return true
	default:
		return false
	}
}

// Run blocks, rotating every interval and on every Trigger. It returns nil
// when ctx is cancelled or the liveness marker is gone. A rotation already
// in flight always runs to completion.
func (s *Scheduler) Run(ctx context.Context) error {
	var logger = s.options.logger.With().Str("component", "scheduler").Logger()

	logger.Info().
		Dur("interval", s.options.interval).
		Bool("rotate_on_start", s.options.rotateOnStart).
		Msg("scheduler started")

	if s.options.rotateOnStart {
		s.rotate(ctx, RotateRequest{})
	}

	var ticker = time.NewTicker(s.options.interval)
	defer ticker.Stop()

	for {
		var req RotateRequest
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler stopped")
			return nil
		case req = <-s.trigger:
		case <-ticker.C:
		}

		if !s.options.liveness.Alive() {
			logger.Info().Msg("liveness marker gone, scheduler exiting")
			return nil
		}

		s.rotate(ctx, req)
	}
}

func (s *Scheduler) rotate(ctx context.Context, req RotateRequest) {
	// Cancelling ctx stops the loop, never a cycle halfway through.
	var _, err = s.rotator.Rotate(context.WithoutCancel(ctx), req)
	if err != nil {
		s.options.logger.Error().Err(err).Msg("scheduled rotation failed")
	}
}
