package sweeper_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oggyb/battle-engine/internal/battle"
	"github.com/oggyb/battle-engine/internal/cache"
	"github.com/oggyb/battle-engine/internal/db"
	"github.com/oggyb/battle-engine/internal/logger"
	"github.com/oggyb/battle-engine/internal/repository"
	"github.com/oggyb/battle-engine/internal/sweeper"
	"github.com/oggyb/battle-engine/internal/testutil"
)

//
// Fake engine
//

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeEngine struct {
	mu      sync.Mutex
	active  []db.Battle
	pending []db.Battle

	failOn  map[string]error
	panicOn map[string]bool
	ended   []string
	expired []string

	// block, when set, holds End until it is closed; entered is signalled first.
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeEngine) Now() time.Time { return epoch }

func page(all []db.Battle, token *string, limit int) ([]db.Battle, *string, error) {
	start := 0
	if token != nil {
		for i, b := range all {
			if b.ID == *token {
				start = i + 1
			}
		}
	}
	end := start + limit
	if end >= len(all) {
		return all[start:], nil, nil
	}
	next := all[end-1].ID
	return all[start:end], &next, nil
}

func (f *fakeEngine) ActiveBattles(_ context.Context, token *string, limit int) ([]db.Battle, *string, error) {
	return page(f.active, token, limit)
}

func (f *fakeEngine) PendingBattles(_ context.Context, token *string, limit int) ([]db.Battle, *string, error) {
	return page(f.pending, token, limit)
}

func (f *fakeEngine) End(_ context.Context, id string) (bool, error) {
	if f.block != nil {
		f.entered <- struct{}{}
		<-f.block
	}
	if f.panicOn[id] {
		panic("boom")
	}
	if err := f.failOn[id]; err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
	return true, nil
}

func (f *fakeEngine) ExpireInvitation(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, id)
	return true, nil
}

func activeAt(id string, end time.Time) db.Battle {
	return db.Battle{ID: id, Status: db.BattleActive, EndTime: &end}
}

func pendingUntil(id string, deadline time.Time) db.Battle {
	return db.Battle{ID: id, Status: db.BattlePending, AcceptDeadline: deadline}
}

//
// Tests
//

func TestSweepOnceEndsOnlyDueBattles(t *testing.T) {
	eng := &fakeEngine{
		active: []db.Battle{
			activeAt("a1", epoch.Add(-time.Minute)),
			activeAt("a2", epoch),
			activeAt("a3", epoch.Add(time.Minute)),
		},
		pending: []db.Battle{
			pendingUntil("p1", epoch.Add(-time.Second)),
			pendingUntil("p2", epoch.Add(time.Hour)),
		},
	}
	s := sweeper.New(eng, sweeper.Options{BatchSize: 2}, logger.Discard())

	rep := s.SweepOnce(context.Background())

	assert.False(t, rep.Skipped)
	assert.Equal(t, 5, rep.Scanned)
	assert.Equal(t, 2, rep.Ended)
	assert.Equal(t, 1, rep.Cancelled)
	assert.Equal(t, 0, rep.Failed)
	assert.Equal(t, []string{"a1", "a2"}, eng.ended)
	assert.Equal(t, []string{"p1"}, eng.expired)
}

func TestSweepOnceIsolatesFailures(t *testing.T) {
	eng := &fakeEngine{
		active: []db.Battle{
			activeAt("a1", epoch),
			activeAt("a2", epoch),
			activeAt("a3", epoch),
		},
		failOn:  map[string]error{"a1": errors.New("db down")},
		panicOn: map[string]bool{"a2": true},
	}
	s := sweeper.New(eng, sweeper.Options{}, logger.Discard())

	rep := s.SweepOnce(context.Background())

	assert.Equal(t, 2, rep.Failed)
	assert.Equal(t, 1, rep.Ended)
	assert.Equal(t, []string{"a3"}, eng.ended)
}

func TestSweepOnceSkipsOverlappingPass(t *testing.T) {
	eng := &fakeEngine{
		active:  []db.Battle{activeAt("a1", epoch)},
		block:   make(chan struct{}),
		entered: make(chan struct{}),
	}
	s := sweeper.New(eng, sweeper.Options{}, logger.Discard())

	first := make(chan sweeper.Report)
	go func() { first <- s.SweepOnce(context.Background()) }()

	<-eng.entered
	assert.True(t, s.SweepOnce(context.Background()).Skipped)

	close(eng.block)
	rep := <-first
	assert.False(t, rep.Skipped)
	assert.Equal(t, 1, rep.Ended)
}

func TestSweepOnceHonoursDistributedLock(t *testing.T) {
	rc, _ := testutil.NewRedis(t)
	locker := cache.NewLocker(rc)

	release, ok, err := locker.TryAcquire(context.Background(), sweeper.LockName, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	eng := &fakeEngine{active: []db.Battle{activeAt("a1", epoch)}}
	s := sweeper.New(eng, sweeper.Options{Locker: locker}, logger.Discard())

	assert.True(t, s.SweepOnce(context.Background()).Skipped, "lock held by another instance")
	assert.Empty(t, eng.ended)

	release()
	assert.Equal(t, 1, s.SweepOnce(context.Background()).Ended)
}

func TestStartStop(t *testing.T) {
	eng := &fakeEngine{active: []db.Battle{activeAt("a1", epoch)}}
	s := sweeper.New(eng, sweeper.Options{Interval: 10 * time.Millisecond}, logger.Discard())

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.ended) > 0
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestStartAgainAfterContextEnds(t *testing.T) {
	eng := &fakeEngine{active: []db.Battle{activeAt("a1", epoch)}}
	s := sweeper.New(eng, sweeper.Options{Interval: 10 * time.Millisecond}, logger.Discard())
	t.Cleanup(s.Stop)

	endedCount := func() int {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.ended)
	}

	first, cancel := context.WithCancel(context.Background())
	s.Start(first)
	require.Eventually(t, func() bool { return endedCount() > 0 }, time.Second, 5*time.Millisecond)
	cancel()

	// wait for the first loop to wind down
	var settled int
	require.Eventually(t, func() bool {
		settled = endedCount()
		time.Sleep(40 * time.Millisecond)
		return endedCount() == settled
	}, 2*time.Second, 10*time.Millisecond)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return endedCount() > settled }, time.Second, 5*time.Millisecond)
}

func TestSweeperAgainstEngine(t *testing.T) {
	ctx := context.Background()
	now := epoch
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	svc := battle.NewService(battle.Deps{
		Store:  repository.NewBattleRepository(testutil.NewDB(t)),
		Logger: logger.Discard(),
	}, battle.Options{VotingWindow: time.Hour, AcceptWindow: 30 * time.Minute, Clock: clock})

	active, err := svc.CreateBattle(ctx, "C", battle.CreateInput{PhotoURL: "u", Invitees: []string{"P"}})
	require.NoError(t, err)
	_, err = svc.Accept(ctx, "P", active.Battle.ID, "u")
	require.NoError(t, err)

	stale, err := svc.CreateBattle(ctx, "C", battle.CreateInput{PhotoURL: "u", Invitees: []string{"Q"}})
	require.NoError(t, err)

	s := sweeper.New(svc, sweeper.Options{BatchSize: 1}, logger.Discard())

	rep := s.SweepOnce(ctx)
	assert.Zero(t, rep.Ended+rep.Cancelled)

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	rep = s.SweepOnce(ctx)
	assert.Equal(t, 1, rep.Ended)
	assert.Equal(t, 1, rep.Cancelled)

	v, err := svc.GetBattleView(ctx, "C", active.Battle.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BattleEnded, v.Battle.Status)

	v, err = svc.GetBattleView(ctx, "C", stale.Battle.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BattleCancelled, v.Battle.Status)
	assert.Equal(t, battle.ReasonAcceptTimeout, v.Battle.CancelReason)

	rep = s.SweepOnce(ctx)
	assert.Zero(t, rep.Scanned, "nothing left to sweep")
}
