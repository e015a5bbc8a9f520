// Package pollscheduler implements the StaticCyclic per-group slot
// planner: a static cycle of poll slots computed from the least common
// multiple of the group's point intervals, bounded below by the
// group's minimum interval.
package pollscheduler

import (
	"fmt"
	"sort"
)

// PointSchedule is one point's scheduling-relevant facts, as seen by
// the plan builder. RemoteKey determines how points coalesce into
// batched reads; DeviceID is carried but does not affect the plan.
// IntervalSeconds must be an integer
// multiple of the group's minimum interval.
type PointSchedule struct {
	PointID         string
	DeviceID        string
	RemoteKey       string
	IntervalSeconds float64
}

// SlotEntry is one (remote, points) bucket due at a given slot. Points
// are ordered lexicographically by identifier for deterministic
// within-remote batching.
type SlotEntry struct {
	RemoteKey string
	PointIDs  []string
}

// Plan is the static cycle computed from a set of PointSchedules:
// SlotCount slots of MinimumInterval seconds each, together spanning
// CycleLength = SlotCount * MinimumInterval seconds (the LCM of every
// distinct interval multiple present).
type Plan struct {
	MinimumInterval float64
	StartOffset     float64
	CycleLength     float64
	SlotCount       int
	Slots           [][]SlotEntry // index 0..SlotCount-1
}

// ComputePlan builds a Plan from points. Every point's interval must
// be a positive integer multiple of minimumInterval (within floating
// point tolerance); points violating this are rejected rather than
// silently rounded, since silently changing a configured interval
// would be a scheduling-relevant surprise.
func ComputePlan(minimumInterval, startOffset float64, points []PointSchedule) (*Plan, error) {
	if minimumInterval <= 0 {
		return nil, fmt.Errorf("minimum interval must be positive, got %v", minimumInterval)
	}

	multiples := make(map[string]int64, len(points))
	var lcm int64 = 1
	for _, p := range points {
		k, err := intervalMultiple(p.IntervalSeconds, minimumInterval)
		if err != nil {
			return nil, fmt.Errorf("point %s: %w", p.PointID, err)
		}
		multiples[p.PointID] = k
		lcm = lcmInt64(lcm, k)
	}

	plan := &Plan{
		MinimumInterval: minimumInterval,
		StartOffset:     startOffset,
		CycleLength:     float64(lcm) * minimumInterval,
		SlotCount:       int(lcm),
		Slots:           make([][]SlotEntry, lcm),
	}

	for k := int64(0); k < lcm; k++ {
		byRemote := make(map[string][]string)
		for _, p := range points {
			if k%multiples[p.PointID] == 0 {
				byRemote[p.RemoteKey] = append(byRemote[p.RemoteKey], p.PointID)
			}
		}
		if len(byRemote) == 0 {
			continue
		}
		remotes := make([]string, 0, len(byRemote))
		for r := range byRemote {
			remotes = append(remotes, r)
		}
		sort.Strings(remotes)

		entries := make([]SlotEntry, 0, len(remotes))
		for _, r := range remotes {
			ids := byRemote[r]
			sort.Strings(ids)
			entries = append(entries, SlotEntry{RemoteKey: r, PointIDs: ids})
		}
		plan.Slots[k] = entries
	}

	return plan, nil
}

// intervalMultiple returns interval/minimum as an integer, erroring if
// the ratio is not within tolerance of a whole number.
func intervalMultiple(interval, minimum float64) (int64, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %v", interval)
	}
	ratio := interval / minimum
	rounded := int64(ratio + 0.5)
	if rounded < 1 {
		rounded = 1
	}
	const tolerance = 1e-6
	if diff := ratio - float64(rounded); diff > tolerance || diff < -tolerance {
		return 0, fmt.Errorf("interval %v is not a multiple of the group minimum interval %v", interval, minimum)
	}
	return rounded, nil
}

func gcdInt64(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcmInt64(a, b int64) int64 {
	return a / gcdInt64(a, b) * b
}

// EntriesAt returns the slot entries due at absolute slot index k
// (which may exceed SlotCount — the cycle repeats).
func (p *Plan) EntriesAt(k int64) []SlotEntry {
	if p.SlotCount == 0 {
		return nil
	}
	return p.Slots[k%int64(p.SlotCount)]
}
