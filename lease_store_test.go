package proxyrotator

import (
	"context"
	"testing"
	"time"

	"go-proxyrotator/database"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type refusingLeaseQueries struct {
	getErr error
}

func (q refusingLeaseQueries) AcquireLease(context.Context, *database.LeaseRecord, time.Time) (bool, error) {
	return false, nil
}

func (q refusingLeaseQueries) GetLease(context.Context, string) (*database.LeaseRecord, error) {
	return nil, q.getErr
}

func (q refusingLeaseQueries) ReleaseLease(context.Context, string, string) error {
	return nil
}

func TestWriterLease(t *testing.T) {
	var (
		newQueries = func(t *testing.T) *database.Queries {
			var db = database.SetupTestDatabase(t)
			require.NoError(t, database.Migrate(db, "rotator"))
			return database.NewQueries(db, database.SQLite, "rotator")
		}
		newLease = func(queries *database.Queries, clock *fakeClock) *WriterLease {
			var lease = NewWriterLease(queries, time.Minute)
			lease.now = clock.Now
			return lease
		}
		ctx = context.Background()
	)

	t.Run("should keep a second writer out", func(t *testing.T) {
		// Arrange
		var (
			queries = newQueries(t)
			clock   = newFakeClock()
			first   = newLease(queries, clock)
			second  = newLease(queries, clock)
		)
		require.NoError(t, first.Acquire(ctx))

		// Act
		var err = second.Acquire(ctx)

		// Assert
		require.ErrorIs(t, err, ErrLeaseHeld)
		assert.Contains(t, err.Error(), first.Holder())
	})

	t.Run("should explain why the holder could not be looked up", func(t *testing.T) {
		// Arrange
		var sut = NewWriterLease(refusingLeaseQueries{getErr: errInjected}, time.Minute)

		// Act
		var err = sut.Acquire(ctx)

		// Assert
		assert.ErrorIs(t, err, ErrLeaseHeld)
		assert.ErrorIs(t, err, errInjected)
	})

	t.Run("should hand over an expired lease", func(t *testing.T) {
		// Arrange
		var (
			queries = newQueries(t)
			clock   = newFakeClock()
			first   = newLease(queries, clock)
			second  = newLease(queries, clock)
		)
		require.NoError(t, first.Acquire(ctx))
		clock.Advance(2 * time.Minute)

		// Act
		var err = second.Acquire(ctx)

		// Assert
		require.NoError(t, err)
		assert.ErrorIs(t, first.Acquire(ctx), ErrLeaseHeld)
	})

	t.Run("should free the lease on release", func(t *testing.T) {
		// Arrange
		var (
			queries = newQueries(t)
			clock   = newFakeClock()
			first   = newLease(queries, clock)
			second  = newLease(queries, clock)
		)
		require.NoError(t, first.Acquire(ctx))

		// Act
		require.NoError(t, first.Release(ctx))

		// Assert
		assert.NoError(t, second.Acquire(ctx))
	})

	t.Run("should stop keeping a lease taken over by another holder", func(t *testing.T) {
		// Arrange
		var (
			queries = newQueries(t)
			clock   = newFakeClock()
			first   = NewWriterLease(queries, 30*time.Millisecond)
			second  = newLease(queries, clock)
		)
		first.now = clock.Now
		require.NoError(t, first.Acquire(ctx))
		clock.Advance(time.Second)
		require.NoError(t, second.Acquire(ctx))

		// Act
		var done = make(chan error, 1)
		go func() { done <- first.Keep(ctx, zerolog.Nop()) }()

		// Assert
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrLeaseHeld)
		case <-time.After(2 * time.Second):
			t.Fatal("Keep did not notice the lost lease")
		}
	})

	t.Run("should return when the context ends", func(t *testing.T) {
		// Arrange
		var lease = newLease(newQueries(t), newFakeClock())
		require.NoError(t, lease.Acquire(ctx))
		var keepCtx, cancel = context.WithCancel(ctx)
		cancel()

		// Act
		var err = lease.Keep(keepCtx, zerolog.Nop())

		// Assert
		assert.NoError(t, err)
	})
}
