// Package sweeper runs the time-driven battle transitions: ending battles
// whose voting window elapsed and cancelling invitations nobody answered.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oggyb/battle-engine/internal/db"
)

// LockName is the distributed lock that keeps sweeps of several server
// instances from overlapping.
const LockName = "battle:sweep"

// Engine is the part of the battle service the sweeper drives.
type Engine interface {
	Now() time.Time
	ActiveBattles(ctx context.Context, token *string, limit int) ([]db.Battle, *string, error)
	PendingBattles(ctx context.Context, token *string, limit int) ([]db.Battle, *string, error)
	End(ctx context.Context, battleID string) (bool, error)
	ExpireInvitation(ctx context.Context, battleID string) (bool, error)
}

// Locker is satisfied by *cache.Locker.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// Options tune a Sweeper. Zero values take the defaults: a one minute
// interval, batches of 100 and a 30 second lock TTL.
type Options struct {
	Interval  time.Duration
	BatchSize int
	LockTTL   time.Duration
	// Locker is optional; nil means in-process overlap protection only.
	Locker Locker
}

// Report summarises one pass.
type Report struct {
	Skipped   bool
	Scanned   int
	Ended     int
	Cancelled int
	Failed    int
}

// Sweeper periodically moves battles past their deadlines.
type Sweeper struct {
	engine Engine
	opts   Options
	log    *slog.Logger

	running atomic.Bool

	mu     sync.Mutex
	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a stopped Sweeper; call Start to run it.
func New(engine Engine, opts Options, log *slog.Logger) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	return &Sweeper{engine: engine, opts: opts, log: log}
}

// Start launches the periodic loop. It returns immediately; the loop stops
// when ctx is done or Stop is called, after which Start may run it again.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.opts.Interval)
	s.done = make(chan struct{})

	ticker, done := s.ticker, s.done
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ticker.C:
				rep := s.SweepOnce(ctx)
				if rep.Ended+rep.Cancelled+rep.Failed > 0 {
					s.log.Info("sweep finished",
						"scanned", rep.Scanned,
						"ended", rep.Ended,
						"cancelled", rep.Cancelled,
						"failed", rep.Failed,
					)
				}
			case <-done:
				return
			case <-ctx.Done():
				s.detach(ticker)
				return
			}
		}
	}()
	s.log.Info("sweeper started", "interval", s.opts.Interval.String())
}

// Stop halts the loop and waits for a pass in progress to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.done)
	s.ticker = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("sweeper stopped")
}

// detach stops a loop's ticker after its context ended, so a later Start
// can launch a fresh loop. A ticker already replaced or stopped is left alone.
func (s *Sweeper) detach(ticker *time.Ticker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticker != ticker {
		return
	}
	ticker.Stop()
	s.ticker = nil
	s.done = nil
}

// SweepOnce runs a single pass synchronously.
//
// Behavior:
//   - Skipped when another pass is running in this process, or when the
//     distributed lock is held elsewhere.
//   - Each battle is handled on its own; an error or panic is logged and
//     counted, and the battle is picked up again on the next pass.
//   - Active battles are ended before pending invitations are expired.
func (s *Sweeper) SweepOnce(ctx context.Context) Report {
	if !s.running.CompareAndSwap(false, true) {
		return Report{Skipped: true}
	}
	defer s.running.Store(false)

	if s.opts.Locker != nil {
		release, ok, err := s.opts.Locker.TryAcquire(ctx, LockName, s.opts.LockTTL)
		if err != nil {
			s.log.Warn("sweep lock unavailable", "err", err)
			return Report{Skipped: true}
		}
		if !ok {
			return Report{Skipped: true}
		}
		defer release()
	}

	var rep Report
	now := s.engine.Now()

	s.scan(ctx, &rep, s.engine.ActiveBattles, func(b db.Battle) bool {
		return b.EndTime != nil && !now.Before(*b.EndTime)
	}, func(ctx context.Context, id string) error {
		ended, err := s.engine.End(ctx, id)
		if ended {
			rep.Ended++
		}
		return err
	})

	s.scan(ctx, &rep, s.engine.PendingBattles, func(b db.Battle) bool {
		return !now.Before(b.AcceptDeadline)
	}, func(ctx context.Context, id string) error {
		expired, err := s.engine.ExpireInvitation(ctx, id)
		if expired {
			rep.Cancelled++
		}
		return err
	})

	return rep
}

type pageFunc func(ctx context.Context, token *string, limit int) ([]db.Battle, *string, error)

func (s *Sweeper) scan(
	ctx context.Context,
	rep *Report,
	page pageFunc,
	due func(db.Battle) bool,
	apply func(ctx context.Context, id string) error,
) {
	var token *string
	for {
		if ctx.Err() != nil {
			return
		}
		battles, next, err := page(ctx, token, s.opts.BatchSize)
		if err != nil {
			s.log.Error("sweep page failed", "err", err)
			rep.Failed++
			return
		}
		for _, b := range battles {
			rep.Scanned++
			if !due(b) {
				continue
			}
			if err := s.process(ctx, b.ID, apply); err != nil {
				rep.Failed++
				s.log.Error("sweep battle failed", "battle_id", b.ID, "status", b.Status, "err", err)
			}
		}
		if next == nil {
			return
		}
		token = next
	}
}

// process isolates one battle so a panic cannot abort the whole pass.
func (s *Sweeper) process(ctx context.Context, id string, apply func(context.Context, string) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return apply(ctx, id)
}
