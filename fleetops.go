package proxyrotator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Create provisions a single proxy in region, switches it in and rewrites the
// load balancer. NoRegion lets the RegionPicker choose.
func (c *Controller) Create(ctx context.Context, region RegionID) (ProxyRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.setState(StateIdle)

	var logger = c.options.logger.With().Str("operation", "create").Logger()

	c.setState(StatePickingRegion)
	if !region.Valid() {
		var err error
		if region, err = c.picker.PickRegion(c.fleet, c.options.regions); err != nil {
			return ProxyRecord{}, fmt.Errorf("failed to pick region: %w", err)
		}
	}

	c.setState(StateProvisioning)
	var record, err = c.provision(ctx, region, uuid.NewString(), logger)
	if err != nil {
		return ProxyRecord{}, err
	}

	c.setState(StateReloading)
	if err := c.applyLoadBalancer(ctx); err != nil {
		return record, err
	}

	c.setState(StateNotifying)
	if err := c.options.postProcessor.Configure(ctx, record.Address); err != nil {
		logger.Error().Err(err).Str("address", record.Address).Msg("failed to post-process new proxy")
	}
	return record, nil
}

// Provision creates count proxies round-robin over the known regions. Unless
// add is set the current fleet is dropped first. Creation failures are logged
// and skipped. It returns the number of proxies switched in.
func (c *Controller) Provision(ctx context.Context, count int, add bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.setState(StateIdle)

	var (
		logger  = c.options.logger.With().Str("operation", "provision").Logger()
		cycleID = uuid.NewString()
	)

	if count <= 0 {
		return 0, fmt.Errorf("%w: proxy count must be positive, got %d", ErrConfig, count)
	}
	if len(c.options.regions) == 0 {
		return 0, fmt.Errorf("%w: no known regions", ErrConfig)
	}

	if !add {
		if err := c.drop(ctx, cycleID); err != nil {
			return 0, err
		}
	}

	c.setState(StateProvisioning)
	var (
		previous = c.fleet.Clone()
		created  []ProxyRecord
	)
	for i := range count {
		var region = c.options.regions[i%len(c.options.regions)]

		var instance, err = c.provisioner.Create(ctx, region)
		if err != nil {
			logger.Error().Err(err).Int("region", int(region)).Msg("failed to create proxy, skipping")
			continue
		}
		if instance.Address == "" {
			logger.Error().Str("instance_id", instance.InstanceID).Msg("created instance has no address, skipping")
			continue
		}
		if !instance.Region.Valid() {
			instance.Region = region
		}

		var record = c.fleet.SwitchIn(instance.Address, instance.InstanceID, instance.Region)
		created = append(created, record)
		logger.Info().
			Str("address", record.Address).
			Str("instance_id", record.InstanceID).
			Int("region", int(record.Region)).
			Msg("provisioned proxy")
	}

	c.setState(StateCommitting)
	if err := c.persist(); err != nil {
		c.fleet.resetTo(previous)
		for _, record := range created {
			logger.Error().Err(err).
				Str("address", record.Address).
				Str("instance_id", record.InstanceID).
				Int("region", int(record.Region)).
				Msg("orphaned instance: provisioned proxy could not be committed")
		}
		return 0, err
	}
	c.publish()
	for _, record := range created {
		c.recordEvent(ctx, cycleID, EventSwitchIn, record, logger)
	}
	var provisioned = len(created)

	c.setState(StateReloading)
	if err := c.applyLoadBalancer(ctx); err != nil {
		return provisioned, err
	}

	logger.Info().Int("provisioned", provisioned).Int("requested", count).Msg("provisioning complete")
	return provisioned, nil
}

// Drop deletes every proxy instance the provider reports and clears the fleet.
func (c *Controller) Drop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.setState(StateIdle)

	return c.drop(ctx, uuid.NewString())
}

func (c *Controller) drop(ctx context.Context, cycleID string) error {
	var logger = c.options.logger.With().Str("operation", "drop").Logger()

	c.setState(StateRetiring)
	var instances, err = c.provisioner.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to list instances: %w", ErrProvisioning, err)
	}

	var (
		deleteErrs []error
		dropped    []ProxyRecord
	)
	for _, instance := range instances {
		var record = ProxyRecord{Address: instance.Address, Region: instance.Region, InstanceID: instance.InstanceID}
		if !record.Managed() {
			continue
		}
		if err := c.provisioner.Delete(ctx, instance.InstanceID); err != nil {
			logger.Error().Err(err).
				Str("address", instance.Address).
				Str("instance_id", instance.InstanceID).
				Msg("failed to delete proxy")
			deleteErrs = append(deleteErrs, fmt.Errorf("instance %s: %w", instance.InstanceID, err))
			continue
		}
		dropped = append(dropped, record)
		logger.Info().
			Str("address", instance.Address).
			Str("instance_id", instance.InstanceID).
			Int("region", int(instance.Region)).
			Msg("dropped proxy")
	}

	c.setState(StateCommitting)
	var previous = c.fleet.Clone()
	c.fleet.Drop()
	if err := c.persist(); err != nil {
		c.fleet.resetTo(previous)
		logger.Error().Err(err).Int("deleted", len(dropped)).Msg("fleet could not be cleared after deleting instances")
		return err
	}
	c.publish()
	for _, record := range dropped {
		c.recordEvent(ctx, cycleID, EventDrop, record, logger)
	}

	if len(deleteErrs) > 0 {
		return fmt.Errorf("%w: failed to delete %d instances: %w", ErrProvisioning, len(deleteErrs), errors.Join(deleteErrs...))
	}
	return nil
}

// Sync rebuilds the fleet from the instances the provider reports and
// persists it. Every synced proxy starts with fresh timestamps.
func (c *Controller) Sync(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.setState(StateIdle)

	var instances, err = c.provisioner.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to list instances: %w", ErrProvisioning, err)
	}

	c.setState(StateCommitting)
	var previous = c.fleet.Clone()
	c.fleet.rebuildFromInstances(instances)
	if err := c.persist(); err != nil {
		c.fleet.resetTo(previous)
		return 0, err
	}
	c.publish()

	c.options.logger.Info().Int("proxies", c.fleet.Len()).Msg("synced fleet from provider")
	return c.fleet.Len(), nil
}

// WriteLoadBalancer renders, applies and reloads the load balancer from the
// current active set.
func (c *Controller) WriteLoadBalancer(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.setState(StateIdle)

	c.setState(StateReloading)
	return c.applyLoadBalancer(ctx)
}
