package teleport

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) pendingTask(t *testing.T, r Request) *Task {
	t.Helper()
	ctx := context.Background()
	task, ok, err := f.engine.Prepare(ctx, r)
	require.NoError(t, err)
	require.True(t, ok)
	if d := task.Descriptor(); d.Escrowed() {
		f.mocks.Economy.Fund(d.ChargedParty, d.Cost)
		require.True(t, f.engine.hold(ctx, task, d.Requester))
	}
	return task
}

func TestTable_PutSupersedesAndRefundsBeforeVisible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.pendingTask(t, Request{Subject: alice, Target: bob, ChargedParty: alice, Cost: 50})
	f.table.Put(ctx, bob, f.table.NewRequest(bob, first))

	second := f.pendingTask(t, Request{Subject: alice, Target: bob})
	req := f.table.NewRequest(bob, second)
	f.table.Put(ctx, bob, req)

	assert.Equal(t, 1, f.mocks.Economy.DepositCount(alice))
	assert.Equal(t, 50.0, f.mocks.Economy.DepositedTo(alice))
	assert.ErrorIs(t, first.Reason(), ErrSuperseded)

	got, ok := f.table.Peek(ctx, bob)
	require.True(t, ok)
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, 1, f.table.Len())
}

func TestTable_ExpiryEvictsAndRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.pendingTask(t, Request{Subject: alice, Target: bob, ChargedParty: alice, Cost: 12})
	f.table.Put(ctx, bob, f.table.NewRequest(bob, task))

	f.clock.Advance(DefaultPendingTTL - time.Millisecond)
	_, ok := f.table.Peek(ctx, bob)
	require.True(t, ok, "entry must survive until its expiry")
	assert.Zero(t, f.mocks.Economy.DepositCount(alice))

	f.clock.Advance(time.Millisecond)
	_, ok = f.table.Peek(ctx, bob)
	assert.False(t, ok, "entry must be gone once expiry is reached")
	assert.Equal(t, 1, f.mocks.Economy.DepositCount(alice))
	assert.ErrorIs(t, task.Reason(), ErrExpired)

	assert.False(t, f.table.TakeAndExecute(ctx, bob))
	assert.Equal(t, 1, f.mocks.Economy.DepositCount(alice))
}

func TestTable_PurgeHappensOnEveryTouch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := f.pendingTask(t, Request{Subject: alice, Target: bob, ChargedParty: alice, Cost: 1})
	f.table.Put(ctx, bob, f.table.NewRequest(bob, stale))
	f.clock.Advance(time.Minute)

	// A write for an unrelated key still evicts the stale entry.
	f.mocks.Directory.Join(carol, nether)
	other := f.pendingTask(t, Request{Subject: bob, Target: carol, Safe: boolPtr(false)})
	f.table.Put(ctx, carol, f.table.NewRequest(carol, other))

	assert.Equal(t, 1, f.table.Len())
	assert.Equal(t, StateCancelled, stale.State())
}

func TestTable_TakeAndExecuteAtMostOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.pendingTask(t, Request{Subject: alice, Target: bob})
	f.table.Put(ctx, bob, f.table.NewRequest(bob, task))

	assert.True(t, f.table.TakeAndExecute(ctx, bob))
	assert.False(t, f.table.TakeAndExecute(ctx, bob))
	assert.Equal(t, 1, f.mocks.Directory.MoveCalls)
	assert.Equal(t, market, f.mocks.Directory.Position(alice))
}

func TestTable_ConcurrentTakeAndExecute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.pendingTask(t, Request{Subject: alice, Target: bob})
	f.table.Put(ctx, bob, f.table.NewRequest(bob, task))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.table.TakeAndExecute(ctx, bob) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1, f.mocks.Directory.MoveCalls)
}

func TestTable_ConcurrentPutAndExecuteResolveOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		ctx := context.Background()

		old := f.pendingTask(t, Request{Subject: alice, Target: bob, ChargedParty: alice, Cost: 5})
		f.table.Put(ctx, bob, f.table.NewRequest(bob, old))
		replacement := f.pendingTask(t, Request{Subject: alice, Target: bob})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.table.Put(ctx, bob, f.table.NewRequest(bob, replacement))
		}()
		go func() {
			defer wg.Done()
			f.table.TakeAndExecute(ctx, bob)
		}()
		wg.Wait()

		executed := old.State() == StateCompleted
		refunded := f.mocks.Economy.DepositCount(alice) == 1
		assert.True(t, executed != refunded, "old request must be either executed or refunded, never both")
		assert.True(t, old.State().Terminal())
	}
}

func TestTable_TakeDoesNotExecute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.pendingTask(t, Request{Subject: alice, Target: bob})
	f.table.Put(ctx, bob, f.table.NewRequest(bob, task))

	_, ok := f.table.Peek(ctx, bob)
	require.True(t, ok)
	assert.Equal(t, 1, f.table.Len(), "peek must not remove")

	req, ok := f.table.Take(ctx, bob)
	require.True(t, ok)
	assert.Same(t, task, req.Task)
	assert.Zero(t, f.table.Len())
	assert.Equal(t, StateCreated, task.State())
	assert.Zero(t, f.mocks.Directory.MoveCalls)
}

func TestTable_DelayedRequestSupersededByShorterWarmup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.pendingTask(t, Request{Subject: alice, Target: bob, ChargedParty: alice, Cost: 10, WarmupSeconds: 5})
	require.True(t, f.engine.Start(ctx, first))
	f.table.Put(ctx, bob, f.table.NewRequest(bob, first))

	second := f.pendingTask(t, Request{Subject: alice, Target: bob, ChargedParty: alice, Cost: 10, WarmupSeconds: 3})
	require.True(t, f.engine.Start(ctx, second))
	f.table.Put(ctx, bob, f.table.NewRequest(bob, second))

	assert.Equal(t, StateCancelled, first.State())
	assert.Equal(t, 1, f.mocks.Economy.DepositCount(alice))
	assert.Equal(t, 1, f.mocks.Scheduler.Live(), "the first timer must be stopped")

	assert.Equal(t, 1, f.mocks.Scheduler.Advance(ctx, 3*time.Second))
	assert.Equal(t, StateCompleted, second.State())
	assert.Equal(t, market, f.mocks.Directory.Position(alice))
	assert.Equal(t, 1, f.mocks.Economy.DepositCount(alice))
}

func TestTable_EvictionStopsScheduledTaskOfAnotherSubject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mocks.Directory.Join(carol, nether)

	// Different subjects, so only the table replacement can stop the first timer.
	first := f.pendingTask(t, Request{Subject: carol, Target: bob, ChargedParty: carol, Cost: 10, WarmupSeconds: 5})
	require.True(t, f.engine.Start(ctx, first))
	f.table.Put(ctx, bob, f.table.NewRequest(bob, first))
	require.Equal(t, StateScheduled, first.State())

	second := f.pendingTask(t, Request{Subject: alice, Target: bob, WarmupSeconds: 3})
	require.True(t, f.engine.Start(ctx, second))
	assert.Equal(t, StateScheduled, first.State(), "a warmup for alice must not touch carol's")
	f.table.Put(ctx, bob, f.table.NewRequest(bob, second))

	assert.Equal(t, StateCancelled, first.State())
	assert.ErrorIs(t, first.Reason(), ErrSuperseded)
	assert.Equal(t, 1, f.mocks.Scheduler.Live())
	assert.Equal(t, 1, f.mocks.Economy.DepositCount(carol))
	_, held := f.engine.Warmups().Get(carol)
	assert.False(t, held)

	assert.Equal(t, 1, f.mocks.Scheduler.Advance(ctx, 5*time.Second))
	assert.Equal(t, nether, f.mocks.Directory.Position(carol), "the stopped timer must never move carol")
	assert.Equal(t, market, f.mocks.Directory.Position(alice))
	assert.Equal(t, 1, f.mocks.Economy.DepositCount(carol))
}

func TestTable_SweeperEvictsWithoutTraffic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.pendingTask(t, Request{Subject: alice, Target: bob, ChargedParty: alice, Cost: 2})
	f.table.Put(ctx, bob, f.table.NewRequest(bob, task))
	f.clock.Advance(time.Hour)

	f.table.StartSweeper(5 * time.Millisecond)
	defer f.table.Stop()

	require.Eventually(t, func() bool {
		return f.mocks.Economy.DepositCount(alice) == 1
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, task.Reason(), ErrExpired)
}

func TestTable_DrainCancelsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mocks.Directory.Join(carol, nether)

	a := f.pendingTask(t, Request{Subject: alice, Target: bob, ChargedParty: alice, Cost: 3})
	c := f.pendingTask(t, Request{Subject: carol, Target: bob, ChargedParty: carol, Cost: 4})
	f.table.Put(ctx, bob, f.table.NewRequest(bob, a))
	f.table.Put(ctx, alice, f.table.NewRequest(alice, c))

	assert.Equal(t, 2, f.table.Drain(ctx))
	assert.Zero(t, f.table.Len())
	assert.ErrorIs(t, a.Reason(), ErrShutdown)
	assert.ErrorIs(t, c.Reason(), ErrShutdown)
	assert.Equal(t, 3.0, f.mocks.Economy.DepositedTo(alice))
	assert.Equal(t, 4.0, f.mocks.Economy.DepositedTo(carol))
}
