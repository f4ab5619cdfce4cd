package proxyrotator

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
)

// Policy decides which active proxy is retired in a rotation.
type Policy int

const (
	// PolicyRandom retires a uniformly random active proxy.
	PolicyRandom Policy = iota + 1
	// PolicyLeastRecentlyUsed retires the proxy with the oldest deactivation stamp.
	PolicyLeastRecentlyUsed
	// PolicyNewRegion retires a random proxy outside the new proxy's region.
	PolicyNewRegion
	// PolicyLeastRecentlyUsedNewRegion retires the least recently used proxy
	// outside the new proxy's region, falling back to plain LRU.
	PolicyLeastRecentlyUsedNewRegion
)

var policyNames = map[Policy]string{
	PolicyRandom:                     "random",
	PolicyLeastRecentlyUsed:          "lru",
	PolicyNewRegion:                  "new_region",
	PolicyLeastRecentlyUsedNewRegion: "lru_new_region",
}

// ParsePolicy maps a policy name to its Policy. Both the short names
// ("lru_new_region") and the legacy names ("ROTATION_LRU_NEW_REGION") are
// accepted, case-insensitively.
func ParsePolicy(name string) (Policy, error) {
	var normalized = strings.ToLower(strings.TrimSpace(name))
	normalized = strings.TrimPrefix(normalized, "rotation_")

	for policy, policyName := range policyNames {
		if policyName == normalized {
			return policy, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown rotation policy %q", ErrConfig, name)
}

func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// Selector chooses the proxy to retire. Selection and switch-out happen in a
// single call so a selected proxy is never left active.
type Selector struct {
	rand *rand.Rand
}

// NewSelector creates a Selector drawing randomness from rng.
func NewSelector(rng *rand.Rand) *Selector {
	return &Selector{rand: rng}
}

// SelectForRetirement picks a proxy according to policy and switches it out.
// target is the region of the proxy being provisioned. The boolean is false
// when no proxy is eligible, which is a valid outcome.
func (s *Selector) SelectForRetirement(policy Policy, fleet *Fleet, target RegionID) (ProxyRecord, bool, error) {
	return s.selectForRetirement(policy, fleet, target, "")
}

// selectForRetirement is SelectForRetirement with keep never considered a
// candidate. The controller passes the address it just switched in.
func (s *Selector) selectForRetirement(policy Policy, fleet *Fleet, target RegionID, keep string) (ProxyRecord, bool, error) {
	var active = fleet.ActiveProxies()
	if keep != "" {
		var filtered = active[:0]
		for _, record := range active {
			if record.Address != keep {
				filtered = append(filtered, record)
			}
		}
		active = filtered
	}
	if len(active) == 0 {
		if _, known := policyNames[policy]; !known {
			return ProxyRecord{}, false, fmt.Errorf("%w: unknown rotation policy %d", ErrConfig, int(policy))
		}
		return ProxyRecord{}, false, nil
	}

	var (
		candidate ProxyRecord
		found     bool
	)

	switch policy {
	case PolicyRandom:
		candidate, found = active[s.rand.IntN(len(active))], true
	case PolicyLeastRecentlyUsed:
		candidate, found = leastRecentlyUsed(active, NoRegion, false)
	case PolicyNewRegion:
		s.rand.Shuffle(len(active), func(i, j int) {
			active[i], active[j] = active[j], active[i]
		})
		candidate, found = firstOutsideRegion(active, target)
	case PolicyLeastRecentlyUsedNewRegion:
		candidate, found = leastRecentlyUsed(active, target, true)
	default:
		return ProxyRecord{}, false, fmt.Errorf("%w: unknown rotation policy %d", ErrConfig, int(policy))
	}

	if !found {
		return ProxyRecord{}, false, nil
	}

	retired, err := fleet.SwitchOut(candidate.Address)
	if err != nil {
		return ProxyRecord{}, false, err
	}
	return retired, true, nil
}

// leastRecentlyUsed orders records by deactivation stamp, oldest first, keeping
// insertion order for ties. With regionSwitch the first record outside target
// wins; if every record is in target the overall oldest is returned.
func leastRecentlyUsed(active []ProxyRecord, target RegionID, regionSwitch bool) (ProxyRecord, bool) {
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].DeactivatedAt.Before(active[j].DeactivatedAt)
	})

	if regionSwitch {
		if candidate, ok := firstOutsideRegion(active, target); ok {
			return candidate, true
		}
	}
	return active[0], true
}

func firstOutsideRegion(records []ProxyRecord, target RegionID) (ProxyRecord, bool) {
	for _, record := range records {
		if record.Region != target {
			return record, true
		}
	}
	return ProxyRecord{}, false
}
