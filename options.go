package proxyrotator

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

// options configures the Controller and Scheduler behavior (internal only).
type options struct {
	policy        Policy
	regions       []RegionID
	regionNames   map[RegionID]string
	rand          *rand.Rand
	now           func() time.Time
	postProcessor PostProcessor
	notifier      Notifier
	journal       *journal
	interval      time.Duration
	rotateOnStart bool
	liveness      Liveness
	logger        zerolog.Logger
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	var seed = uint64(time.Now().UnixNano())
	return options{
		policy:        PolicyLeastRecentlyUsedNewRegion,
		regions:       []RegionID{2, 3, 4, 6, 7, 8, 9, 10},
		regionNames:   map[RegionID]string{},
		rand:          rand.New(rand.NewPCG(seed, seed>>1|1)),
		now:           time.Now,
		postProcessor: noopPostProcessor{},
		notifier:      noopNotifier{},
		interval:      time.Hour,
		liveness:      alwaysAlive{},
		logger:        zerolog.Nop(),
	}
}

// Option is a functional option for configuring a Controller or Scheduler.
type Option func(*options)

// WithPolicy sets the retirement policy.
func WithPolicy(policy Policy) Option {
	return func(o *options) {
		o.policy = policy
	}
}

// WithRegions sets the known regions new proxies may be provisioned into.
func WithRegions(regions ...RegionID) Option {
	return func(o *options) {
		o.regions = append([]RegionID(nil), regions...)
	}
}

// WithRegionNames overrides the human readable datacenter names used in notifications.
func WithRegionNames(names map[RegionID]string) Option {
	return func(o *options) {
		o.regionNames = names
	}
}

// WithSeed makes every random decision reproducible.
func WithSeed(seed uint64) Option {
	return func(o *options) {
		o.rand = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
}

// WithClock sets the time source used for activation and deactivation stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithPostProcessor sets the remote configuration step run on new proxies.
// DEFAULT: no post-processing
func WithPostProcessor(p PostProcessor) Option {
	return func(o *options) {
		if p != nil {
			o.postProcessor = p
		}
	}
}

// WithNotifier sets the rotation notifier.
// DEFAULT: no notifications
func WithNotifier(n Notifier) Option {
	return func(o *options) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithInterval sets the time between scheduled rotations. Non-positive
// intervals keep the default of one hour.
func WithInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.interval = interval
		}
	}
}

// WithRotateOnStart makes the scheduler rotate once before its first wait.
func WithRotateOnStart(rotate bool) Option {
	return func(o *options) {
		o.rotateOnStart = rotate
	}
}

// WithLiveness sets the marker the scheduler checks before every cycle.
// DEFAULT: always alive, only context cancellation stops the scheduler
func WithLiveness(l Liveness) Option {
	return func(o *options) {
		if l != nil {
			o.liveness = l
		}
	}
}

// WithLogger sets the logger for the controller and scheduler.
// DEFAULT: A no-op logger
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

type noopPostProcessor struct{}

func (noopPostProcessor) Configure(_ context.Context, _ string) error { return nil }

type noopNotifier struct{}

func (noopNotifier) Notify(_ context.Context, _ RotationEvent) error { return nil }
