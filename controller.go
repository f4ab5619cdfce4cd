package proxyrotator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the phase of the rotation cycle the controller is in.
type State int32

const (
	StateIdle State = iota
	StatePickingRegion
	StateProvisioning
	StateCommitting
	StateReloading
	StateSelectingRetiree
	StateRetiring
	StateNotifying
)

var stateNames = map[State]string{
	StateIdle:             "idle",
	StatePickingRegion:    "picking_region",
	StateProvisioning:     "provisioning",
	StateCommitting:       "committing",
	StateReloading:        "reloading",
	StateSelectingRetiree: "selecting_retiree",
	StateRetiring:         "retiring",
	StateNotifying:        "notifying",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// RotateRequest parameterizes a single rotation.
type RotateRequest struct {
	// Region forces the target region. NoRegion lets the RegionPicker choose.
	Region RegionID
}

// RotationResult describes a finished cycle.
type RotationResult struct {
	Cycle        uint64
	CycleID      string
	Region       RegionID
	New          ProxyRecord
	Retired      ProxyRecord
	RetiredLabel string
	HasRetired   bool
	ReloadFailed bool
	DeleteFailed bool
	Duration     time.Duration
}

// Controller is the single writer of the fleet. It runs rotation cycles and
// the bulk fleet operations, one at a time.
type Controller struct {
	mu          sync.Mutex
	fleet       *Fleet
	store       Store
	provisioner Provisioner
	lb          LoadBalancer
	selector    *Selector
	picker      *RegionPicker
	options     options
	cycles      uint64
	state       atomic.Int32

	snapshotMu sync.RWMutex
	snapshot   []Member
}

// NewController creates a controller over fleet. A nil fleet starts empty.
func NewController(fleet *Fleet, store Store, provisioner Provisioner, lb LoadBalancer, opts ...Option) *Controller {
	var o = defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if fleet == nil {
		fleet = NewFleet(o.now)
	}

	var c = &Controller{
		fleet:       fleet,
		store:       store,
		provisioner: provisioner,
		lb:          lb,
		selector:    NewSelector(o.rand),
		picker:      NewRegionPicker(o.rand),
		options:     o,
	}
	c.publish()
	return c
}

// State returns the current cycle phase.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Cycles returns the number of rotation cycles started so far.
func (c *Controller) Cycles() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycles
}

// Snapshot returns the fleet as of the last commit. Safe for concurrent use.
func (c *Controller) Snapshot() []Member {
	c.snapshotMu.RLock()
	defer c.snapshotMu.RUnlock()
	return append([]Member(nil), c.snapshot...)
}

// Rotate runs one rotation cycle: provision a proxy, commit it, reload the
// load balancer, retire one proxy according to the policy, then post-process
// and notify.
func (c *Controller) Rotate(ctx context.Context, req RotateRequest) (RotationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.setState(StateIdle)

	c.cycles++
	var (
		startedAt = c.options.now()
		result    = RotationResult{Cycle: c.cycles, CycleID: uuid.NewString()}
		logger    = c.options.logger.With().
				Uint64("cycle", result.Cycle).
				Str("cycle_id", result.CycleID).
				Logger()
	)

	logger.Info().Msg("starting rotation cycle")
	var err = c.rotate(ctx, req, &result, logger)
	result.Duration = c.options.now().Sub(startedAt)

	c.recordRotation(ctx, result, err, startedAt, logger)

	if err != nil {
		logger.Error().Err(err).
			Int("region", int(result.Region)).
			Str("address", result.New.Address).
			Msg("rotation cycle failed")
		return result, err
	}

	logger.Info().
		Int("region", int(result.Region)).
		Str("address", result.New.Address).
		Str("retired", result.Retired.Address).
		Dur("duration", result.Duration).
		Msg("rotation cycle complete")
	return result, nil
}

func (c *Controller) rotate(ctx context.Context, req RotateRequest, result *RotationResult, logger zerolog.Logger) error {
	c.setState(StatePickingRegion)
	var region = req.Region
	if !region.Valid() {
		var err error
		if region, err = c.picker.PickRegion(c.fleet, c.options.regions); err != nil {
			return fmt.Errorf("failed to pick region: %w", err)
		}
	}
	result.Region = region

	c.setState(StateProvisioning)
	var record, err = c.provision(ctx, region, result.CycleID, logger)
	if err != nil {
		return err
	}
	result.New = record

	var cycleErr error

	c.setState(StateReloading)
	if err := c.applyLoadBalancer(ctx); err != nil {
		result.ReloadFailed = true
		cycleErr = err
		logger.Error().Err(err).
			Str("address", record.Address).
			Int("active", len(c.fleet.ActiveProxies())).
			Msg("load balancer reload failed, no proxy retired this cycle")
	} else {
		c.retire(ctx, record, result, logger, &cycleErr)
	}

	c.setState(StateNotifying)
	if err := c.options.postProcessor.Configure(ctx, record.Address); err != nil {
		logger.Error().Err(err).Str("address", record.Address).Msg("failed to post-process new proxy")
	}

	var event = RotationEvent{
		Cycle:          result.Cycle,
		CycleID:        result.CycleID,
		Region:         region,
		RegionName:     RegionName(region, c.options.regionNames),
		NewAddress:     record.Address,
		RetiredAddress: result.Retired.Address,
		RetiredLabel:   result.RetiredLabel,
	}
	if err := c.options.notifier.Notify(ctx, event); err != nil {
		logger.Error().Err(err).Msg("failed to send rotation notification")
	}

	return cycleErr
}

// provision creates one proxy in region and commits it. On any failure the
// fleet is left exactly as it was.
func (c *Controller) provision(ctx context.Context, region RegionID, cycleID string, logger zerolog.Logger) (ProxyRecord, error) {
	var instance, err = c.provisioner.Create(ctx, region)
	if err != nil {
		return ProxyRecord{}, fmt.Errorf("%w: failed to create proxy in region %s: %w", ErrProvisioning, region, err)
	}
	if instance.Address == "" {
		return ProxyRecord{}, fmt.Errorf("%w: instance %q in region %s has no address", ErrProvisioning, instance.InstanceID, region)
	}
	if !instance.Region.Valid() {
		instance.Region = region
	}

	c.setState(StateCommitting)
	var previous, existed = c.fleet.Lookup(instance.Address)
	var record = c.fleet.SwitchIn(instance.Address, instance.InstanceID, instance.Region)

	if err := c.persist(); err != nil {
		if existed {
			c.fleet.restore(previous)
		} else {
			c.fleet.remove(instance.Address)
		}
		logger.Error().Err(err).
			Str("address", instance.Address).
			Str("instance_id", instance.InstanceID).
			Int("region", int(instance.Region)).
			Msg("orphaned instance: new proxy could not be committed")
		return ProxyRecord{}, err
	}

	c.publish()
	c.recordEvent(ctx, cycleID, EventSwitchIn, record, logger)
	logger.Info().
		Str("address", record.Address).
		Str("instance_id", record.InstanceID).
		Int("region", int(record.Region)).
		Msg("switched in new proxy")
	return record, nil
}

// retire selects a retiree, commits its switch-out to disk and to the load
// balancer, and only then deletes its instance.
func (c *Controller) retire(ctx context.Context, fresh ProxyRecord, result *RotationResult, logger zerolog.Logger, cycleErr *error) {
	c.setState(StateSelectingRetiree)
	var before = c.fleet.Snapshot()

	var retired, found, err = c.selector.selectForRetirement(c.options.policy, c.fleet, result.Region, fresh.Address)
	if err != nil {
		*cycleErr = fmt.Errorf("failed to select proxy for retirement: %w", err)
		return
	}
	if !found {
		logger.Info().
			Str("policy", c.options.policy.String()).
			Int("region", int(result.Region)).
			Msg("no proxy available for retirement")
		return
	}

	c.setState(StateRetiring)
	var retireLogger = logger.With().
		Str("address", retired.Address).
		Str("instance_id", retired.InstanceID).
		Int("region", int(retired.Region)).
		Logger()

	if err := c.commitRetirement(ctx, result.CycleID, retired, before, retireLogger); err != nil {
		*cycleErr = err
		return
	}

	result.Retired = retired
	result.HasRetired = true
	c.recordEvent(ctx, result.CycleID, EventSwitchOut, retired, retireLogger)
	retireLogger.Info().Msg("switched out proxy")

	// The label is gone once the instance is deleted.
	result.RetiredLabel = c.label(ctx, retired, retireLogger)

	if !retired.Managed() {
		retireLogger.Info().Msg("retired proxy is externally managed, not deleting")
		return
	}

	if err := c.provisioner.Delete(ctx, retired.InstanceID); err != nil {
		result.DeleteFailed = true
		retireLogger.Error().
			Err(fmt.Errorf("%w: %w", ErrProvisioning, err)).
			Msg("orphaned instance: failed to delete retired proxy")
		return
	}
	c.recordEvent(ctx, result.CycleID, EventDrop, retired, retireLogger)
}

// commitRetirement persists the switch-out and removes the retiree from the
// load balancer. If either step fails the retiree is reactivated.
func (c *Controller) commitRetirement(ctx context.Context, cycleID string, retired ProxyRecord, before []Member, logger zerolog.Logger) error {
	var commitErr = c.persist()
	if commitErr == nil {
		commitErr = c.applyLoadBalancer(ctx)
	}
	if commitErr == nil {
		c.publish()
		return nil
	}

	for _, member := range before {
		if member.Address == retired.Address {
			c.fleet.restore(member)
			break
		}
	}
	if err := c.persist(); err != nil {
		logger.Error().Err(err).Msg("failed to persist reactivated proxy")
	}
	if errors.Is(commitErr, ErrReload) {
		if err := c.applyLoadBalancer(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to restore load balancer after aborted retirement")
		}
	}
	c.publish()
	c.recordEvent(ctx, cycleID, EventRestore, retired, logger)

	logger.Error().Err(commitErr).Msg("retirement aborted, proxy reactivated")
	return commitErr
}

func (c *Controller) label(ctx context.Context, record ProxyRecord, logger zerolog.Logger) string {
	var labeler, ok = c.provisioner.(Labeler)
	if !ok || !record.Managed() {
		return ""
	}
	var label, err = labeler.Label(ctx, record.InstanceID)
	if err != nil {
		logger.Warn().Err(err).Str("instance_id", record.InstanceID).Msg("failed to look up label of retired proxy")
		return ""
	}
	return label
}

// applyLoadBalancer renders the current active set, applies and reloads it.
func (c *Controller) applyLoadBalancer(ctx context.Context) error {
	var config, err = c.lb.Render(c.fleet.ActiveProxies())
	if err != nil {
		return fmt.Errorf("%w: failed to render config: %w", ErrReload, err)
	}
	if err := c.lb.Apply(ctx, config); err != nil {
		return fmt.Errorf("%w: failed to apply config: %w", ErrReload, err)
	}
	if err := c.lb.Reload(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrReload, err)
	}
	return nil
}

func (c *Controller) persist() error {
	var err = c.store.Persist(c.fleet)
	if err == nil || errors.Is(err, ErrPersist) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPersist, err)
}

func (c *Controller) publish() {
	var snapshot = c.fleet.Snapshot()
	c.snapshotMu.Lock()
	c.snapshot = snapshot
	c.snapshotMu.Unlock()
}

func (c *Controller) setState(state State) {
	c.state.Store(int32(state))
}

func (c *Controller) recordEvent(ctx context.Context, cycleID, kind string, record ProxyRecord, logger zerolog.Logger) {
	if err := c.options.journal.event(ctx, cycleID, kind, record, c.options.now()); err != nil {
		logger.Warn().Err(err).Str("kind", kind).Str("address", record.Address).Msg("failed to journal fleet event")
	}
}

func (c *Controller) recordRotation(ctx context.Context, result RotationResult, cycleErr error, startedAt time.Time, logger zerolog.Logger) {
	var entry = RotationEntry{
		CycleID:    result.CycleID,
		Cycle:      int64(result.Cycle),
		Region:     result.Region,
		New:        result.New,
		Retired:    result.Retired,
		Outcome:    outcomeOf(result, cycleErr),
		StartedAt:  startedAt,
		FinishedAt: startedAt.Add(result.Duration),
	}
	if cycleErr != nil {
		entry.Error = cycleErr.Error()
	}

	if err := c.options.journal.rotation(ctx, entry); err != nil {
		logger.Warn().Err(err).Msg("failed to journal rotation")
	}
}

func outcomeOf(result RotationResult, err error) string {
	switch {
	case result.ReloadFailed:
		return OutcomeReloadFailed
	case err != nil:
		return OutcomeFailed
	case result.HasRetired:
		return OutcomeRotated
	default:
		return OutcomeNoRetiree
	}
}
