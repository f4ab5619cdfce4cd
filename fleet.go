package proxyrotator

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Fleet is the in-memory fleet state: every known proxy keyed by address,
// kept in insertion order, with its active flag.
//
// A Fleet is not safe for concurrent use. The Controller is its only writer;
// other readers go through Controller.Snapshot.
type Fleet struct {
	entries map[string]*fleetEntry
	order   []string
	now     func() time.Time
}

type fleetEntry struct {
	record ProxyRecord
	active bool
}

// NewFleet creates an empty fleet. A nil now defaults to time.Now.
func NewFleet(now func() time.Time) *Fleet {
	if now == nil {
		now = time.Now
	}
	return &Fleet{
		entries: make(map[string]*fleetEntry),
		order:   make([]string, 0),
		now:     now,
	}
}

// timestamp returns the current time truncated to the persisted resolution.
func (f *Fleet) timestamp() time.Time {
	return time.Unix(f.now().Unix(), 0)
}

// Len returns the number of known proxies, active or not.
func (f *Fleet) Len() int {
	return len(f.order)
}

// Lookup returns the member stored under address.
func (f *Fleet) Lookup(address string) (Member, bool) {
	var entry, exists = f.entries[address]
	if !exists {
		return Member{}, false
	}
	return Member{ProxyRecord: entry.record, Active: entry.active}, true
}

// ActiveProxies returns all active records in insertion order.
func (f *Fleet) ActiveProxies() []ProxyRecord {
	var active = make([]ProxyRecord, 0, len(f.order))
	for _, address := range f.order {
		if entry := f.entries[address]; entry.active {
			active = append(active, entry.record)
		}
	}
	return active
}

// ActiveRegions returns the distinct regions among active records, ascending.
func (f *Fleet) ActiveRegions() []RegionID {
	var (
		seen    = make(map[RegionID]struct{})
		regions = make([]RegionID, 0)
	)
	for _, address := range f.order {
		var entry = f.entries[address]
		if !entry.active {
			continue
		}
		if _, ok := seen[entry.record.Region]; ok {
			continue
		}
		seen[entry.record.Region] = struct{}{}
		regions = append(regions, entry.record.Region)
	}

	sort.Slice(regions, func(i, j int) bool {
		return regions[i] < regions[j]
	})
	return regions
}

// SwitchIn activates address with a fresh record. An existing record under the
// same address is overwritten in place.
func (f *Fleet) SwitchIn(address, instanceID string, region RegionID) ProxyRecord {
	var (
		now    = f.timestamp()
		record = ProxyRecord{
			Address:       address,
			Region:        region,
			InstanceID:    instanceID,
			ActivatedAt:   now,
			DeactivatedAt: now,
		}
	)
	f.put(record, true)
	return record
}

// SwitchOut deactivates address and stamps its deactivation time.
func (f *Fleet) SwitchOut(address string) (ProxyRecord, error) {
	var entry, exists = f.entries[address]
	if !exists {
		return ProxyRecord{}, fmt.Errorf("%w: %s", ErrUnknownProxy, address)
	}

	entry.active = false
	entry.record.DeactivatedAt = f.timestamp()
	return entry.record, nil
}

// Drop forgets every proxy.
func (f *Fleet) Drop() {
	f.entries = make(map[string]*fleetEntry)
	f.order = make([]string, 0)
}

// Snapshot returns a copy of every member in insertion order.
func (f *Fleet) Snapshot() []Member {
	var members = make([]Member, 0, len(f.order))
	for _, address := range f.order {
		var entry = f.entries[address]
		members = append(members, Member{ProxyRecord: entry.record, Active: entry.active})
	}
	return members
}

// Clone returns an independent copy of the fleet sharing the same clock.
func (f *Fleet) Clone() *Fleet {
	var clone = NewFleet(f.now)
	for _, member := range f.Snapshot() {
		clone.put(member.ProxyRecord, member.Active)
	}
	return clone
}

// resetTo replaces the fleet's contents with a copy of previous.
func (f *Fleet) resetTo(previous *Fleet) {
	f.Drop()
	for _, member := range previous.Snapshot() {
		f.restore(member)
	}
}

// restore puts a member back exactly as it was captured.
func (f *Fleet) restore(member Member) {
	f.put(member.ProxyRecord, member.Active)
}

// remove deletes address entirely. Used to revert a switch-in of a new address.
func (f *Fleet) remove(address string) {
	if _, exists := f.entries[address]; !exists {
		return
	}
	delete(f.entries, address)
	for i, existing := range f.order {
		if existing == address {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// rebuildFromInstances replaces the fleet with the provider's instance list.
func (f *Fleet) rebuildFromInstances(instances []Instance) {
	f.Drop()
	for _, instance := range instances {
		f.SwitchIn(instance.Address, instance.InstanceID, instance.Region)
	}
}

func (f *Fleet) put(record ProxyRecord, active bool) {
	if entry, exists := f.entries[record.Address]; exists {
		entry.record = record
		entry.active = active
		return
	}
	f.entries[record.Address] = &fleetEntry{record: record, active: active}
	f.order = append(f.order, record.Address)
}

// String returns a visual representation of the fleet.
func (f *Fleet) String() string {
	var (
		b      strings.Builder
		active = f.ActiveProxies()
		now    = f.now()
	)

	b.WriteString(fmt.Sprintf("Fleet: %d proxies | Active: %d | Regions: %v\n",
		len(f.order), len(active), f.ActiveRegions()))

	if len(f.order) == 0 {
		b.WriteString("\n[Empty Fleet]\n")
		return b.String()
	}

	b.WriteString("\nProxies:\n")
	b.WriteString("┌─────────────────────────────────────────────────────────────┐\n")

	for _, member := range f.Snapshot() {
		var (
			marker = " "
			age    = now.Sub(member.ActivatedAt).Round(time.Second)
		)
		if member.Active {
			marker = "●"
		}

		b.WriteString(fmt.Sprintf("│ %s %-15s  region:%-3d  id:%-12s  up:%s\n",
			marker, member.Address, member.Region, member.InstanceID, age))
	}

	b.WriteString("└─────────────────────────────────────────────────────────────┘\n")
	return b.String()
}
