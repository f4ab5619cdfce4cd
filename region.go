package proxyrotator

import (
	"fmt"
	"math/rand/v2"
)

// RegionPicker chooses the region for the next provisioned proxy.
type RegionPicker struct {
	rand *rand.Rand
}

// NewRegionPicker creates a RegionPicker drawing randomness from rng.
func NewRegionPicker(rng *rand.Rand) *RegionPicker {
	return &RegionPicker{rand: rng}
}

// PickRegion returns a random known region that has no active proxy yet. When
// every known region is already represented it returns a random known region.
// NoRegion entries in known are ignored and never returned.
func (p *RegionPicker) PickRegion(fleet *Fleet, known []RegionID) (RegionID, error) {
	var candidates = make([]RegionID, 0, len(known))
	for _, region := range known {
		if region.Valid() {
			candidates = append(candidates, region)
		}
	}
	if len(candidates) == 0 {
		return NoRegion, fmt.Errorf("%w: no known regions to pick from", ErrConfig)
	}

	var inUse = make(map[RegionID]struct{})
	for _, region := range fleet.ActiveRegions() {
		inUse[region] = struct{}{}
	}

	p.rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	for _, region := range candidates {
		if _, ok := inUse[region]; !ok {
			return region, nil
		}
	}

	return candidates[p.rand.IntN(len(candidates))], nil
}

var defaultRegionNames = map[RegionID]string{
	2:  "Dallas",
	3:  "Fremont",
	4:  "Atlanta",
	6:  "Newark",
	7:  "London",
	8:  "Tokyo",
	9:  "Singapore",
	10: "Frankfurt",
}

// RegionName returns the human readable name of a datacenter, looking in
// overrides first.
func RegionName(region RegionID, overrides map[RegionID]string) string {
	if name, ok := overrides[region]; ok && name != "" {
		return name
	}
	if name, ok := defaultRegionNames[region]; ok {
		return name
	}
	return "region-" + region.String()
}
