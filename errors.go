package proxyrotator

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig is returned for missing or malformed configuration and record files.
	ErrConfig = errors.New("configuration error")

	// ErrMalformedRecord is returned when a record line cannot be parsed. It is an ErrConfig.
	ErrMalformedRecord = fmt.Errorf("%w: malformed proxy record", ErrConfig)

	// ErrUnknownProxy is returned when an operation references an address not in the fleet.
	ErrUnknownProxy = errors.New("unknown proxy")

	// ErrProvisioning is returned when the provider could not create or delete an instance.
	ErrProvisioning = errors.New("provisioning failure")

	// ErrReload is returned when the load balancer could not be applied or reloaded.
	ErrReload = errors.New("load balancer reload failure")

	// ErrPersist is returned when the fleet could not be written to durable storage.
	ErrPersist = errors.New("failed to persist fleet")

	// ErrLeaseHeld is returned when another rotator holds the writer lease.
	ErrLeaseHeld = errors.New("writer lease is held")
)
