package proxyrotator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go-proxyrotator/database"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// writerLeaseName is the single lease every rotator sharing a journal competes for.
const writerLeaseName = "fleet_writer"

// leaseQueries is the part of database.Queries the writer lease uses.
type leaseQueries interface {
	AcquireLease(ctx context.Context, lease *database.LeaseRecord, now time.Time) (bool, error)
	GetLease(ctx context.Context, name string) (*database.LeaseRecord, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// WriterLease keeps a second rotator that shares the journal database from
// mutating the same fleet. The holder renews it while running; a crashed
// holder's lease expires after the TTL.
type WriterLease struct {
	queries leaseQueries
	holder  string
	ttl     time.Duration
	now     func() time.Time
}

// NewWriterLease creates a lease with the given TTL. The holder id names this
// process so that operators can tell who holds it.
func NewWriterLease(queries leaseQueries, ttl time.Duration) *WriterLease {
	var host, err = os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &WriterLease{
		queries: queries,
		holder:  fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()[:8]),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Holder returns this process's holder id.
func (l *WriterLease) Holder() string {
	return l.holder
}

// Acquire takes or extends the lease. It returns ErrLeaseHeld while another
// holder's lease is live.
func (l *WriterLease) Acquire(ctx context.Context) error {
	var now = l.now()
	var ok, err = l.queries.AcquireLease(ctx, &database.LeaseRecord{
		Name:      writerLeaseName,
		Holder:    l.holder,
		ExpiresAt: now.Add(l.ttl),
	}, now)
	if err != nil {
		return fmt.Errorf("failed to acquire writer lease: %w", err)
	}
	if ok {
		return nil
	}

	current, err := l.queries.GetLease(ctx, writerLeaseName)
	if err != nil {
		return fmt.Errorf("%w, failed to look up its holder: %w", ErrLeaseHeld, err)
	}
	if current == nil {
		return ErrLeaseHeld
	}
	return fmt.Errorf("%w by %s until %s", ErrLeaseHeld, current.Holder, current.ExpiresAt.UTC().Format(time.RFC3339))
}

// Release gives the lease up if this process holds it.
func (l *WriterLease) Release(ctx context.Context) error {
	if err := l.queries.ReleaseLease(ctx, writerLeaseName, l.holder); err != nil {
		return fmt.Errorf("failed to release writer lease: %w", err)
	}
	return nil
}

// Keep renews the lease every third of its TTL until ctx is done. It returns
// ErrLeaseHeld when another holder took the lease over; other renewal
// failures are logged and retried on the next tick.
func (l *WriterLease) Keep(ctx context.Context, logger zerolog.Logger) error {
	var ticker = time.NewTicker(max(l.ttl/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			var err = l.Acquire(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrLeaseHeld):
				return err
			case ctx.Err() != nil:
				return nil
			default:
				logger.Error().Err(err).Str("holder", l.holder).Msg("failed to renew writer lease")
			}
		}
	}
}
