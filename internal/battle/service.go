// Package battle is the battle lifecycle engine: participant acceptance,
// voting, tallies and the time-driven transitions run by the sweeper.
package battle

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/oggyb/battle-engine/internal/broadcast"
	"github.com/oggyb/battle-engine/internal/db"
	"github.com/oggyb/battle-engine/internal/notify"
	"github.com/oggyb/battle-engine/internal/repository"
	"github.com/oggyb/battle-engine/internal/tally"
)

// Store is the durable state the engine drives. It is satisfied by
// *repository.BattleRepository.
type Store interface {
	CreateBattle(ctx context.Context, b *db.Battle, participants []db.Participant) error
	GetBattle(ctx context.Context, battleID string) (*db.Battle, error)
	ListParticipants(ctx context.Context, battleID string) ([]db.Participant, error)
	GetVote(ctx context.Context, battleID, voterID string) (*db.Vote, error)
	ComputeTally(ctx context.Context, battleID string) (tally.Result, error)
	ListByStatus(ctx context.Context, status db.BattleStatus, token *string, limit int) ([]db.Battle, *string, error)
	Invite(ctx context.Context, p *db.Participant) error
	Accept(ctx context.Context, in repository.AcceptParams) (*repository.AcceptResult, error)
	Decline(ctx context.Context, battleID, userID string, now time.Time, threshold int) (*repository.DeclineResult, error)
	Cancel(ctx context.Context, battleID, reason string, now time.Time) (*db.Battle, bool, error)
	CastVote(ctx context.Context, v *db.Vote) (*repository.VoteResult, error)
	Close(ctx context.Context, battleID string, now time.Time) (*repository.CloseResult, error)
}

// TallyCache is an advisory cache of computed tallies. Optional.
type TallyCache interface {
	GetTally(ctx context.Context, battleID string) (tally.Result, bool, error)
	SetTally(ctx context.Context, battleID string, t tally.Result, ttl time.Duration) error
	InvalidateTally(ctx context.Context, battleID string) error
}

// Deps are the collaborators of the engine. Tallies may be nil.
type Deps struct {
	Store     Store
	Notifier  notify.Notifier
	Publisher broadcast.Publisher
	Tallies   TallyCache
	Logger    *slog.Logger
}

// Options tune timing. Zero values fall back to the defaults below.
type Options struct {
	VotingWindow  time.Duration
	AcceptWindow  time.Duration
	TallyCacheTTL time.Duration
	NotifyTimeout time.Duration
	Clock         func() time.Time
	NewID         func() string
}

const (
	DefaultVotingWindow  = 24 * time.Hour
	DefaultAcceptWindow  = 2 * time.Hour
	DefaultTallyCacheTTL = 5 * time.Second

	maxTitleLen = 140
)

// Service implements the battle operations exposed to the request layer and
// the sweeper.
type Service struct {
	store     Store
	notifier  notify.Notifier
	publisher broadcast.Publisher
	tallies   TallyCache
	log       *slog.Logger
	opts      Options
}

// NewService wires the engine.
func NewService(d Deps, opts Options) *Service {
	if opts.VotingWindow <= 0 {
		opts.VotingWindow = DefaultVotingWindow
	}
	if opts.AcceptWindow <= 0 {
		opts.AcceptWindow = DefaultAcceptWindow
	}
	if opts.TallyCacheTTL <= 0 {
		opts.TallyCacheTTL = DefaultTallyCacheTTL
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Service{
		store:     d.Store,
		notifier:  d.Notifier,
		publisher: d.Publisher,
		tallies:   d.Tallies,
		log:       d.Logger,
		opts:      opts,
	}
}

// Now is the engine clock. The sweeper compares deadlines against it.
func (s *Service) Now() time.Time { return s.opts.Clock() }

// notify hands a message to the notification collaborator. Failures are
// logged and never reach the caller.
func (s *Service) notify(ctx context.Context, userID string, kind notify.Kind, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.NotifyTimeout)
	defer cancel()

	if err := s.notifier.Notify(ctx, userID, kind, payload); err != nil {
		s.log.Warn("notification failed", "user_id", userID, "kind", kind, "err", err)
	}
}

func (s *Service) publish(e broadcast.Event) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(e)
}

func (s *Service) invalidateTally(ctx context.Context, battleID string) {
	if s.tallies == nil {
		return
	}
	if err := s.tallies.InvalidateTally(ctx, battleID); err != nil {
		s.log.Warn("tally cache invalidation failed", "battle_id", battleID, "err", err)
	}
}
