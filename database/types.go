package database

import "time"

// RotationRecord represents one rotation cycle in the journal.
type RotationRecord struct {
	CycleID           string
	Cycle             int64
	Region            int
	NewAddress        string
	NewInstanceID     string
	RetiredAddress    string
	RetiredInstanceID string
	Outcome           string
	Error             string
	StartedAt         time.Time
	FinishedAt        time.Time
}

// EventRecord represents a single switch-in, switch-out or drop of a proxy.
type EventRecord struct {
	CycleID    string
	Kind       string
	Address    string
	InstanceID string
	Region     int
	At         time.Time
}

// LeaseRecord is the writer lease held by the process allowed to mutate the fleet.
type LeaseRecord struct {
	Name      string
	Holder    string
	ExpiresAt time.Time
}
