package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// DBTX is an interface that both sql.DB and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries provides table-aware journal operations.
type Queries struct {
	db          DBTX
	tablePrefix string
	builder     sq.StatementBuilderType
}

// NewQueries creates a new Queries instance for the given dialect and table prefix.
func NewQueries(db DBTX, dialect Dialect, tablePrefix string) *Queries {
	var placeholder sq.PlaceholderFormat = sq.Question
	if dialect == Postgres {
		placeholder = sq.Dollar
	}

	return &Queries{
		db:          db,
		tablePrefix: tablePrefix,
		builder:     sq.StatementBuilder.PlaceholderFormat(placeholder),
	}
}

var (
	rotationColumns = []string{
		"cycle_id", "cycle", "region", "new_address", "new_instance_id",
		"retired_address", "retired_instance_id", "outcome", "error",
		"started_at", "finished_at",
	}

	eventColumns = []string{
		"cycle_id", "kind", "address", "instance_id", "region", "at",
	}
)

func (q *Queries) rotationsTable() string {
	return q.tablePrefix + "_rotations"
}

func (q *Queries) eventsTable() string {
	return q.tablePrefix + "_events"
}

func (q *Queries) leasesTable() string {
	return q.tablePrefix + "_leases"
}

// InsertRotation appends a rotation cycle.
func (q *Queries) InsertRotation(ctx context.Context, rotation *RotationRecord) error {
	var query, args, err = q.builder.
		Insert(q.rotationsTable()).
		Columns(rotationColumns...).
		Values(
			rotation.CycleID, rotation.Cycle, rotation.Region,
			rotation.NewAddress, rotation.NewInstanceID,
			rotation.RetiredAddress, rotation.RetiredInstanceID,
			rotation.Outcome, rotation.Error,
			rotation.StartedAt.Unix(), rotation.FinishedAt.Unix(),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build rotation insert: %w", err)
	}

	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert rotation: %w", err)
	}
	return nil
}

// ListRotations returns the most recent rotations, newest first.
// A limit of zero or less returns every rotation.
func (q *Queries) ListRotations(ctx context.Context, limit int) ([]*RotationRecord, error) {
	var builder = q.builder.
		Select(rotationColumns...).
		From(q.rotationsTable()).
		OrderBy("started_at DESC", "cycle DESC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build rotation select: %w", err)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rotations: %w", err)
	}
	defer rows.Close()

	var rotations []*RotationRecord
	for rows.Next() {
		var (
			rotation              RotationRecord
			startedAt, finishedAt int64
		)
		if err := rows.Scan(&rotation.CycleID, &rotation.Cycle, &rotation.Region,
			&rotation.NewAddress, &rotation.NewInstanceID,
			&rotation.RetiredAddress, &rotation.RetiredInstanceID,
			&rotation.Outcome, &rotation.Error, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rotation: %w", err)
		}
		rotation.StartedAt = time.Unix(startedAt, 0)
		rotation.FinishedAt = time.Unix(finishedAt, 0)
		rotations = append(rotations, &rotation)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return rotations, nil
}

// InsertEvent appends a fleet event.
func (q *Queries) InsertEvent(ctx context.Context, event *EventRecord) error {
	var query, args, err = q.builder.
		Insert(q.eventsTable()).
		Columns(eventColumns...).
		Values(event.CycleID, event.Kind, event.Address, event.InstanceID, event.Region, event.At.Unix()).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build event insert: %w", err)
	}

	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ListEvents returns the events of a proxy in chronological order.
// An empty address returns the events of every proxy.
func (q *Queries) ListEvents(ctx context.Context, address string) ([]*EventRecord, error) {
	var builder = q.builder.
		Select(eventColumns...).
		From(q.eventsTable()).
		OrderBy("at ASC")
	if address != "" {
		builder = builder.Where(sq.Eq{"address": address})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build event select: %w", err)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*EventRecord
	for rows.Next() {
		var (
			event EventRecord
			at    int64
		)
		if err := rows.Scan(&event.CycleID, &event.Kind, &event.Address,
			&event.InstanceID, &event.Region, &at); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.At = time.Unix(at, 0)
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return events, nil
}

// AcquireLease takes the named lease for lease.Holder, or extends it when the
// holder already owns it. It reports false when another holder's lease has
// not expired by now.
func (q *Queries) AcquireLease(ctx context.Context, lease *LeaseRecord, now time.Time) (bool, error) {
	var table = q.leasesTable()
	var query, args, err = q.builder.
		Insert(table).
		Columns("name", "holder", "expires_at").
		Values(lease.Name, lease.Holder, lease.ExpiresAt.Unix()).
		Suffix("ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at "+
			"WHERE "+table+".holder = excluded.holder OR "+table+".expires_at < ?", now.Unix()).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build lease upsert: %w", err)
	}

	result, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lease result: %w", err)
	}
	return affected > 0, nil
}

// GetLease returns the named lease, or nil when nobody ever took it.
func (q *Queries) GetLease(ctx context.Context, name string) (*LeaseRecord, error) {
	var query, args, err = q.builder.
		Select("name", "holder", "expires_at").
		From(q.leasesTable()).
		Where(sq.Eq{"name": name}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build lease select: %w", err)
	}

	var (
		lease     LeaseRecord
		expiresAt int64
	)
	err = q.db.QueryRowContext(ctx, query, args...).Scan(&lease.Name, &lease.Holder, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	lease.ExpiresAt = time.Unix(expiresAt, 0)
	return &lease, nil
}

// ReleaseLease drops the named lease if holder owns it.
func (q *Queries) ReleaseLease(ctx context.Context, name, holder string) error {
	var query, args, err = q.builder.
		Delete(q.leasesTable()).
		Where(sq.Eq{"name": name, "holder": holder}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build lease delete: %w", err)
	}

	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}
