package proxyrotator

import (
	"context"
	"strconv"
	"time"
)

// RegionID identifies a provider datacenter. NoRegion (0) is reserved and is
// never a valid target region.
type RegionID int

// NoRegion means "unspecified".
const NoRegion RegionID = 0

// Valid reports whether the region can be used as a provisioning target.
func (r RegionID) Valid() bool {
	return r > NoRegion
}

func (r RegionID) String() string {
	return strconv.Itoa(int(r))
}

// ProxyRecord is the durable description of one proxy node.
type ProxyRecord struct {
	Address       string
	Region        RegionID
	InstanceID    string
	ActivatedAt   time.Time
	DeactivatedAt time.Time
}

// Managed reports whether the proxy's instance is owned by the rotator.
// An empty id or the "0" sentinel marks an externally managed node that must
// never be deleted.
func (p ProxyRecord) Managed() bool {
	return p.InstanceID != "" && p.InstanceID != "0"
}

// Member is a point-in-time view of a fleet entry.
type Member struct {
	ProxyRecord
	Active bool
}

// Instance is a provider-side machine as reported by a Provisioner.
type Instance struct {
	Address    string
	Region     RegionID
	InstanceID string
	Label      string
}

// RotationEvent is delivered to the Notifier at the end of a cycle.
type RotationEvent struct {
	Cycle          uint64
	CycleID        string
	Region         RegionID
	RegionName     string
	NewAddress     string
	RetiredAddress string
	RetiredLabel   string
}

// Provisioner creates and deletes proxy instances at the cloud provider.
// Delete must succeed for an id that is already gone.
type Provisioner interface {
	Create(ctx context.Context, region RegionID) (Instance, error)
	Delete(ctx context.Context, instanceID string) error
	ListActive(ctx context.Context) ([]Instance, error)
}

// Labeler is optionally implemented by provisioners that can name instances.
type Labeler interface {
	Label(ctx context.Context, instanceID string) (string, error)
}

// LoadBalancer renders and applies the backend list of the front load balancer.
type LoadBalancer interface {
	Render(active []ProxyRecord) ([]byte, error)
	Apply(ctx context.Context, config []byte) error
	Reload(ctx context.Context) error
}

// PostProcessor performs idempotent remote setup of a freshly switched-in proxy.
type PostProcessor interface {
	Configure(ctx context.Context, address string) error
}

// Notifier reports a completed rotation.
type Notifier interface {
	Notify(ctx context.Context, event RotationEvent) error
}

// Store is the durable side of the fleet.
type Store interface {
	Load() (*Fleet, error)
	Persist(fleet *Fleet) error
}
