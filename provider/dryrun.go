package provider

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	proxyrotator "go-proxyrotator"

	"github.com/google/uuid"
)

// DryRun pretends to provision proxies. Addresses are made up and nothing
// leaves the process.
type DryRun struct {
	mu        sync.Mutex
	rand      *rand.Rand
	instances []proxyrotator.Instance
}

// NewDryRun creates a DryRun provisioner seeded with the given instances.
func NewDryRun(rng *rand.Rand, existing ...proxyrotator.Instance) *DryRun {
	return &DryRun{
		rand:      rng,
		instances: append([]proxyrotator.Instance(nil), existing...),
	}
}

// Create returns a fake instance with an address made of octets in [20, 100).
func (d *DryRun) Create(_ context.Context, region proxyrotator.RegionID) (proxyrotator.Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var octets [4]int
	for i := range octets {
		octets[i] = 20 + d.rand.IntN(80)
	}

	var instance = proxyrotator.Instance{
		Address:    fmt.Sprintf("%d.%d.%d.%d", octets[0], octets[1], octets[2], octets[3]),
		Region:     region,
		InstanceID: "dry-" + uuid.NewString(),
	}
	instance.Label = "dry-proxy-" + instance.Address
	d.instances = append(d.instances, instance)
	return instance, nil
}

// Delete forgets the instance. Unknown ids are not an error.
func (d *DryRun) Delete(_ context.Context, instanceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, instance := range d.instances {
		if instance.InstanceID == instanceID {
			d.instances = append(d.instances[:i], d.instances[i+1:]...)
			return nil
		}
	}
	return nil
}

// ListActive returns the instances created and not deleted so far.
func (d *DryRun) ListActive(_ context.Context) ([]proxyrotator.Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]proxyrotator.Instance(nil), d.instances...), nil
}

// Label returns the fake label of an instance.
func (d *DryRun) Label(_ context.Context, instanceID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, instance := range d.instances {
		if instance.InstanceID == instanceID {
			return instance.Label, nil
		}
	}
	return "", fmt.Errorf("dry-run instance %s not found", instanceID)
}
