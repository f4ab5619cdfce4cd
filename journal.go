package proxyrotator

import (
	"context"
	"fmt"
	"time"

	"go-proxyrotator/database"
)

// Event kinds recorded in the journal.
const (
	EventSwitchIn  = "switch_in"
	EventSwitchOut = "switch_out"
	EventRestore   = "restore"
	EventDrop      = "drop"
)

// Rotation outcomes recorded in the journal.
const (
	OutcomeRotated      = "rotated"
	OutcomeNoRetiree    = "no_retiree"
	OutcomeReloadFailed = "reload_failed"
	OutcomeFailed       = "failed"
)

// RotationEntry is one journaled rotation cycle.
type RotationEntry struct {
	CycleID    string
	Cycle      int64
	Region     RegionID
	New        ProxyRecord
	Retired    ProxyRecord
	Outcome    string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// FleetEvent is one journaled change to a proxy.
type FleetEvent struct {
	CycleID string
	Kind    string
	Record  ProxyRecord
	At      time.Time
}

// Journal keeps the append-only history of rotations and fleet events. The
// record file only holds the current fleet; the journal keeps everything else.
type Journal struct {
	queries *database.Queries
}

// NewJournal creates a Journal on top of the given queries.
func NewJournal(queries *database.Queries) *Journal {
	return &Journal{queries: queries}
}

// WithJournal records every cycle and fleet change in j.
// DEFAULT: no journal
func WithJournal(j *Journal) Option {
	return func(o *options) {
		o.journal = &journal{j: j}
	}
}

// Rotations returns the most recent rotations, newest first.
func (j *Journal) Rotations(ctx context.Context, limit int) ([]RotationEntry, error) {
	var records, err = j.queries.ListRotations(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list rotations: %w", err)
	}

	var entries = make([]RotationEntry, len(records))
	for i, record := range records {
		entries[i] = RotationEntry{
			CycleID: record.CycleID,
			Cycle:   record.Cycle,
			Region:  RegionID(record.Region),
			New: ProxyRecord{
				Address:    record.NewAddress,
				Region:     RegionID(record.Region),
				InstanceID: record.NewInstanceID,
			},
			Retired: ProxyRecord{
				Address:    record.RetiredAddress,
				InstanceID: record.RetiredInstanceID,
			},
			Outcome:    record.Outcome,
			Error:      record.Error,
			StartedAt:  record.StartedAt,
			FinishedAt: record.FinishedAt,
		}
	}

	return entries, nil
}

// Events returns the history of address, or of every proxy when address is empty.
func (j *Journal) Events(ctx context.Context, address string) ([]FleetEvent, error) {
	var records, err = j.queries.ListEvents(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for %q: %w", address, err)
	}

	var events = make([]FleetEvent, len(records))
	for i, record := range records {
		events[i] = FleetEvent{
			CycleID: record.CycleID,
			Kind:    record.Kind,
			Record: ProxyRecord{
				Address:    record.Address,
				Region:     RegionID(record.Region),
				InstanceID: record.InstanceID,
			},
			At: record.At,
		}
	}

	return events, nil
}

// RecordRotation appends a finished cycle.
func (j *Journal) RecordRotation(ctx context.Context, entry RotationEntry) error {
	var record = &database.RotationRecord{
		CycleID:           entry.CycleID,
		Cycle:             entry.Cycle,
		Region:            int(entry.Region),
		NewAddress:        entry.New.Address,
		NewInstanceID:     entry.New.InstanceID,
		RetiredAddress:    entry.Retired.Address,
		RetiredInstanceID: entry.Retired.InstanceID,
		Outcome:           entry.Outcome,
		Error:             entry.Error,
		StartedAt:         entry.StartedAt,
		FinishedAt:        entry.FinishedAt,
	}

	if err := j.queries.InsertRotation(ctx, record); err != nil {
		return fmt.Errorf("failed to record rotation %s: %w", entry.CycleID, err)
	}
	return nil
}

// RecordEvent appends a fleet change.
func (j *Journal) RecordEvent(ctx context.Context, event FleetEvent) error {
	var record = &database.EventRecord{
		CycleID:    event.CycleID,
		Kind:       event.Kind,
		Address:    event.Record.Address,
		InstanceID: event.Record.InstanceID,
		Region:     int(event.Record.Region),
		At:         event.At,
	}

	if err := j.queries.InsertEvent(ctx, record); err != nil {
		return fmt.Errorf("failed to record %s event for %s: %w", event.Kind, event.Record.Address, err)
	}
	return nil
}

// journal is the controller's view of an optional Journal: every write is
// best effort and failures are only logged by the caller.
type journal struct {
	j *Journal
}

func (jr *journal) rotation(ctx context.Context, entry RotationEntry) error {
	if jr == nil || jr.j == nil {
		return nil
	}
	return jr.j.RecordRotation(ctx, entry)
}

func (jr *journal) event(ctx context.Context, cycleID, kind string, record ProxyRecord, at time.Time) error {
	if jr == nil || jr.j == nil {
		return nil
	}
	return jr.j.RecordEvent(ctx, FleetEvent{CycleID: cycleID, Kind: kind, Record: record, At: at})
}
