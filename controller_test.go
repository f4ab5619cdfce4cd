package proxyrotator

import (
	"context"
	"strings"
	"testing"
	"time"

	"go-proxyrotator/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seedProxy struct {
	address    string
	region     RegionID
	instanceID string
	age        time.Duration
}

type harness struct {
	sut         *Controller
	fleet       *Fleet
	store       *fakeStore
	provisioner *fakeProvisioner
	lb          *fakeLoadBalancer
	notifier    *fakeNotifier
	post        *fakePostProcessor
	clock       *fakeClock
}

func newHarness(t *testing.T, seeds []seedProxy, opts ...Option) *harness {
	t.Helper()

	var (
		clock       = newFakeClock()
		fleet       = NewFleet(clock.Now)
		provisioner = &fakeProvisioner{}
	)
	for _, seed := range seeds {
		var stamp = clock.Now().Add(-seed.age)
		fleet.put(ProxyRecord{
			Address:       seed.address,
			Region:        seed.region,
			InstanceID:    seed.instanceID,
			ActivatedAt:   stamp,
			DeactivatedAt: stamp,
		}, true)
		provisioner.instances = append(provisioner.instances, Instance{
			Address:    seed.address,
			Region:     seed.region,
			InstanceID: seed.instanceID,
			Label:      "label-" + seed.address,
		})
	}

	var h = &harness{
		fleet:       fleet,
		store:       newFakeStore(fleet),
		provisioner: provisioner,
		lb:          &fakeLoadBalancer{},
		notifier:    &fakeNotifier{},
		post:        &fakePostProcessor{},
		clock:       clock,
	}

	var all = append([]Option{
		WithClock(clock.Now),
		WithSeed(1),
		WithNotifier(h.notifier),
		WithPostProcessor(h.post),
	}, opts...)
	h.sut = NewController(fleet, h.store, provisioner, h.lb, all...)
	return h
}

func activeAddresses(fleet *Fleet) []string {
	var out []string
	for _, record := range fleet.ActiveProxies() {
		out = append(out, record.Address)
	}
	return out
}

func TestControllerRotate(t *testing.T) {
	var (
		newCtx = func() context.Context {
			return context.Background()
		}
		twoProxies = []seedProxy{
			{address: "192.0.2.10", region: 2, instanceID: "501", age: time.Hour},
			{address: "192.0.2.20", region: 3, instanceID: "502", age: 2 * time.Hour},
		}
	)

	t.Run("should provision, commit, retire and notify", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, twoProxies, WithRegions(4))

		// Act
		var result, err = h.sut.Rotate(newCtx(), RotateRequest{})

		// Assert
		require.NoError(t, err)
		assert.Equal(t, uint64(1), result.Cycle)
		assert.NotEmpty(t, result.CycleID)
		assert.Equal(t, RegionID(4), result.Region)
		assert.Equal(t, "10.4.0.1", result.New.Address)
		require.True(t, result.HasRetired)
		assert.Equal(t, "192.0.2.20", result.Retired.Address)
		assert.False(t, result.ReloadFailed)

		assert.Equal(t, []string{"192.0.2.10", "10.4.0.1"}, activeAddresses(h.fleet))
		assert.Equal(t, []string{"502"}, h.provisioner.Deleted())
		assert.Equal(t, []string{"192.0.2.10", "10.4.0.1"}, h.lb.Current())

		var persisted = string(h.store.Bytes())
		assert.Contains(t, persisted, "10.4.0.1,4,1001,")
		assert.NotContains(t, persisted, "192.0.2.20")

		require.Len(t, h.notifier.events, 1)
		var event = h.notifier.events[0]
		assert.Equal(t, "192.0.2.20", event.RetiredAddress)
		assert.Equal(t, "label-192.0.2.20", event.RetiredLabel)
		assert.Equal(t, "10.4.0.1", event.NewAddress)
		assert.Equal(t, RegionID(4), event.Region)
		assert.Equal(t, "Atlanta", event.RegionName)
		assert.Equal(t, []string{"10.4.0.1"}, h.post.configured)
		assert.Equal(t, StateIdle, h.sut.State())
	})

	t.Run("should honour explicit region", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, twoProxies, WithRegions(4, 6, 7))

		// Act
		var result, err = h.sut.Rotate(newCtx(), RotateRequest{Region: 9})

		// Assert
		require.NoError(t, err)
		assert.Equal(t, RegionID(9), result.Region)
		assert.Equal(t, RegionID(9), result.New.Region)
	})

	t.Run("should leave state untouched when provisioning fails", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, twoProxies)
		h.provisioner.createErrs = []error{errInjected}
		var (
			before   = h.store.Bytes()
			snapshot = h.fleet.Snapshot()
		)

		// Act
		var _, err = h.sut.Rotate(newCtx(), RotateRequest{})

		// Assert
		assert.ErrorIs(t, err, ErrProvisioning)
		assert.ErrorIs(t, err, errInjected)
		assert.Equal(t, before, h.store.Bytes())
		assert.Equal(t, snapshot, h.fleet.Snapshot())
		assert.Equal(t, 0, h.store.persists)
		assert.Empty(t, h.lb.applied)
		assert.Empty(t, h.provisioner.Deleted())
		assert.Empty(t, h.notifier.events)
	})

	t.Run("should over-provision and retire nothing when reload fails", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, twoProxies)
		h.lb.reloadErr = []error{errInjected}

		// Act
		var result, err = h.sut.Rotate(newCtx(), RotateRequest{})

		// Assert
		assert.ErrorIs(t, err, ErrReload)
		assert.True(t, result.ReloadFailed)
		assert.False(t, result.HasRetired)
		assert.Len(t, h.fleet.ActiveProxies(), 3)
		assert.Empty(t, h.provisioner.Deleted())
		assert.Equal(t, 3, strings.Count(string(h.store.Bytes()), "\n"))

		require.Len(t, h.notifier.events, 1)
		assert.Empty(t, h.notifier.events[0].RetiredAddress)
		assert.Equal(t, []string{result.New.Address}, h.post.configured)
	})

	t.Run("should not delete externally managed retiree", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, []seedProxy{
			{address: "192.0.2.30", region: 2, instanceID: "0", age: time.Hour},
		}, WithRegions(3))

		// Act
		var result, err = h.sut.Rotate(newCtx(), RotateRequest{})

		// Assert
		require.NoError(t, err)
		require.True(t, result.HasRetired)
		assert.Equal(t, "192.0.2.30", result.Retired.Address)
		assert.Empty(t, h.provisioner.Deleted())
		assert.NotContains(t, string(h.store.Bytes()), "192.0.2.30")
	})

	t.Run("should keep committed state when delete fails", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, twoProxies, WithRegions(4))
		h.provisioner.deleteErr = errInjected

		// Act
		var result, err = h.sut.Rotate(newCtx(), RotateRequest{})

		// Assert
		require.NoError(t, err)
		assert.True(t, result.HasRetired)
		assert.True(t, result.DeleteFailed)
		assert.Equal(t, []string{"502"}, h.provisioner.Deleted())
		var member, ok = h.fleet.Lookup("192.0.2.20")
		require.True(t, ok)
		assert.False(t, member.Active)
		assert.NotContains(t, string(h.store.Bytes()), "192.0.2.20")
	})

	t.Run("should revert switch in when persisting fails", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, twoProxies)
		h.store.persistErrs = []error{errInjected}
		var (
			before   = h.store.Bytes()
			snapshot = h.fleet.Snapshot()
		)

		// Act
		var _, err = h.sut.Rotate(newCtx(), RotateRequest{})

		// Assert
		assert.ErrorIs(t, err, ErrPersist)
		assert.Equal(t, snapshot, h.fleet.Snapshot())
		assert.Equal(t, before, h.store.Bytes())
		assert.Empty(t, h.lb.applied)
		assert.Empty(t, h.notifier.events)
	})

	t.Run("should reactivate retiree when load balancer rejects its removal", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, twoProxies, WithRegions(4))
		h.lb.reloadErr = []error{nil, errInjected}

		// Act
		var result, err = h.sut.Rotate(newCtx(), RotateRequest{})

		// Assert
		assert.ErrorIs(t, err, ErrReload)
		assert.False(t, result.HasRetired)
		assert.Empty(t, h.provisioner.Deleted())
		assert.Equal(t, []string{"192.0.2.10", "192.0.2.20", "10.4.0.1"}, activeAddresses(h.fleet))
		assert.Equal(t, []string{"192.0.2.10", "192.0.2.20", "10.4.0.1"}, h.lb.Current())
		assert.Contains(t, string(h.store.Bytes()), "192.0.2.20")
	})

	t.Run("should reactivate retiree when its switch out cannot be persisted", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, twoProxies, WithRegions(4))
		h.store.persistErrs = []error{nil, errInjected}

		// Act
		var result, err = h.sut.Rotate(newCtx(), RotateRequest{})

		// Assert
		assert.ErrorIs(t, err, ErrPersist)
		assert.False(t, result.HasRetired)
		assert.Empty(t, h.provisioner.Deleted())
		assert.Len(t, h.fleet.ActiveProxies(), 3)
		assert.Equal(t, 3, strings.Count(string(h.store.Bytes()), "\n"))
	})

	t.Run("should proceed without retirement when no candidate exists", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, nil)

		// Act
		var result, err = h.sut.Rotate(newCtx(), RotateRequest{})

		// Assert
		require.NoError(t, err)
		assert.False(t, result.HasRetired)
		assert.Len(t, h.fleet.ActiveProxies(), 1)
		require.Len(t, h.notifier.events, 1)
	})

	t.Run("should keep cycle going when post-processing and notification fail", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, twoProxies)
		h.post.err = errInjected
		h.notifier.err = errInjected

		// Act
		var result, err = h.sut.Rotate(newCtx(), RotateRequest{})

		// Assert
		require.NoError(t, err)
		assert.True(t, result.HasRetired)
	})

	t.Run("should count cycles and publish snapshots", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, twoProxies)

		// Act
		for range 3 {
			h.clock.Advance(time.Hour)
			_, err := h.sut.Rotate(newCtx(), RotateRequest{})
			require.NoError(t, err)
		}

		// Assert
		assert.Equal(t, uint64(3), h.sut.Cycles())
		assert.Equal(t, h.fleet.Snapshot(), h.sut.Snapshot())
		assert.Len(t, h.fleet.ActiveProxies(), 2)
	})
}

func TestControllerFleetOperations(t *testing.T) {
	var (
		newCtx = func() context.Context {
			return context.Background()
		}
		seeds = []seedProxy{
			{address: "192.0.2.10", region: 2, instanceID: "501", age: time.Hour},
			{address: "192.0.2.20", region: 3, instanceID: "502", age: time.Hour},
		}
	)

	t.Run("should provision fresh fleet round robin after dropping", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, seeds, WithRegions(6, 7))

		// Act
		var count, err = h.sut.Provision(newCtx(), 3, false)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 3, count)
		assert.ElementsMatch(t, []string{"501", "502"}, h.provisioner.Deleted())
		assert.Equal(t, []string{"10.6.0.1", "10.7.0.2", "10.6.0.3"}, activeAddresses(h.fleet))
		assert.Equal(t, []string{"10.6.0.1", "10.7.0.2", "10.6.0.3"}, h.lb.Current())
		assert.Equal(t, 3, strings.Count(string(h.store.Bytes()), "\n"))
	})

	t.Run("should add to fleet and skip failed creations", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, seeds, WithRegions(6))
		h.provisioner.createErrs = []error{errInjected}

		// Act
		var count, err = h.sut.Provision(newCtx(), 3, true)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 2, count)
		assert.Empty(t, h.provisioner.Deleted())
		assert.Len(t, h.fleet.ActiveProxies(), 4)
	})

	t.Run("should reject non positive count", func(t *testing.T) {
		var h = newHarness(t, seeds)

		var _, err = h.sut.Provision(newCtx(), 0, true)

		assert.ErrorIs(t, err, ErrConfig)
	})

	t.Run("should drop every instance and persist empty fleet", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, seeds)

		// Act
		var err = h.sut.Drop(newCtx())

		// Assert
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"501", "502"}, h.provisioner.Deleted())
		assert.Equal(t, 0, h.fleet.Len())
		assert.Empty(t, h.store.Bytes())
		assert.Empty(t, h.sut.Snapshot())
	})

	t.Run("should report failed deletions on drop", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, seeds)
		h.provisioner.deleteErr = errInjected

		// Act
		var err = h.sut.Drop(newCtx())

		// Assert
		assert.ErrorIs(t, err, ErrProvisioning)
		assert.ErrorIs(t, err, errInjected)
	})

	t.Run("should sync fleet from provider", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, seeds)
		h.provisioner.instances = []Instance{
			{Address: "198.51.100.1", Region: 8, InstanceID: "801"},
			{Address: "198.51.100.2", Region: 9, InstanceID: "901"},
		}

		// Act
		var count, err = h.sut.Sync(newCtx())

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 2, count)
		assert.Equal(t, []string{"198.51.100.1", "198.51.100.2"}, activeAddresses(h.fleet))
		var member, _ = h.fleet.Lookup("198.51.100.1")
		assert.Equal(t, h.clock.Now(), member.ActivatedAt)
		assert.Contains(t, string(h.store.Bytes()), "198.51.100.2,9,901,1700000000,1700000000\n")
	})

	t.Run("should keep fleet when sync cannot persist", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, seeds)
		h.provisioner.instances = []Instance{{Address: "198.51.100.1", Region: 8, InstanceID: "801"}}
		h.store.persistErrs = []error{errInjected}

		// Act
		var _, err = h.sut.Sync(newCtx())

		// Assert
		assert.ErrorIs(t, err, ErrPersist)
		assert.Equal(t, []string{"192.0.2.10", "192.0.2.20"}, activeAddresses(h.fleet))
	})

	t.Run("should keep fleet when provision cannot persist", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, seeds, WithRegions(6))
		var before = string(h.store.Bytes())
		h.store.persistErrs = []error{errInjected}

		// Act
		var count, err = h.sut.Provision(newCtx(), 2, true)

		// Assert
		assert.ErrorIs(t, err, ErrPersist)
		assert.Zero(t, count)
		assert.Equal(t, []string{"192.0.2.10", "192.0.2.20"}, activeAddresses(h.fleet))
		assert.Equal(t, before, string(h.store.Bytes()))
		assert.Empty(t, h.lb.Current())
	})

	t.Run("should keep fleet when drop cannot persist", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, seeds)
		var before = string(h.store.Bytes())
		h.store.persistErrs = []error{errInjected}

		// Act
		var err = h.sut.Drop(newCtx())

		// Assert
		assert.ErrorIs(t, err, ErrPersist)
		assert.Equal(t, []string{"192.0.2.10", "192.0.2.20"}, activeAddresses(h.fleet))
		assert.Equal(t, before, string(h.store.Bytes()))
		assert.Len(t, h.sut.Snapshot(), 2)
	})

	t.Run("should create single proxy", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, seeds)

		// Act
		var record, err = h.sut.Create(newCtx(), 10)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, RegionID(10), record.Region)
		assert.Len(t, h.fleet.ActiveProxies(), 3)
		assert.Len(t, h.lb.Current(), 3)
		assert.Equal(t, []string{record.Address}, h.post.configured)
	})

	t.Run("should write load balancer from current state", func(t *testing.T) {
		// Arrange
		var h = newHarness(t, seeds)

		// Act
		var err = h.sut.WriteLoadBalancer(newCtx())

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{"192.0.2.10", "192.0.2.20"}, h.lb.Current())
		assert.Equal(t, 1, h.lb.reloads)
	})
}

func TestControllerJournal(t *testing.T) {
	t.Run("should journal rotations and fleet events", func(t *testing.T) {
		// Arrange
		var (
			ctx = context.Background()
			db  = database.SetupTestDatabase(t)
		)
		require.NoError(t, database.Migrate(db, "rotator"))
		var journal = NewJournal(database.NewQueries(db, database.SQLite, "rotator"))

		var h = newHarness(t, []seedProxy{
			{address: "192.0.2.10", region: 2, instanceID: "501", age: time.Hour},
		}, WithRegions(3), WithJournal(journal))

		// Act
		var result, err = h.sut.Rotate(ctx, RotateRequest{})
		require.NoError(t, err)

		var rotations, rotationsErr = journal.Rotations(ctx, 0)
		var events, eventsErr = journal.Events(ctx, "")

		// Assert
		require.NoError(t, rotationsErr)
		require.Len(t, rotations, 1)
		assert.Equal(t, result.CycleID, rotations[0].CycleID)
		assert.Equal(t, OutcomeRotated, rotations[0].Outcome)
		assert.Equal(t, "192.0.2.10", rotations[0].Retired.Address)
		assert.Equal(t, result.New.Address, rotations[0].New.Address)

		require.NoError(t, eventsErr)
		var kinds []string
		for _, event := range events {
			kinds = append(kinds, event.Kind+":"+event.Record.Address)
		}
		assert.ElementsMatch(t, []string{
			EventSwitchIn + ":" + result.New.Address,
			EventSwitchOut + ":192.0.2.10",
			EventDrop + ":192.0.2.10",
		}, kinds)

		var retireeHistory, historyErr = journal.Events(ctx, "192.0.2.10")
		require.NoError(t, historyErr)
		assert.Len(t, retireeHistory, 2)
	})

	t.Run("should journal failed cycles", func(t *testing.T) {
		// Arrange
		var (
			ctx = context.Background()
			db  = database.SetupTestDatabase(t)
		)
		require.NoError(t, database.Migrate(db, "rotator"))
		var journal = NewJournal(database.NewQueries(db, database.SQLite, "rotator"))

		var h = newHarness(t, nil, WithJournal(journal))
		h.provisioner.createErrs = []error{errInjected}

		// Act
		_, err := h.sut.Rotate(ctx, RotateRequest{})
		require.Error(t, err)

		var rotations, listErr = journal.Rotations(ctx, 10)

		// Assert
		require.NoError(t, listErr)
		require.Len(t, rotations, 1)
		assert.Equal(t, OutcomeFailed, rotations[0].Outcome)
		assert.Contains(t, rotations[0].Error, "injected failure")
	})
}
