package battles

import (
	"context"
	"log/slog"

	"github.com/oggyb/battle-engine/internal/app"
	"github.com/oggyb/battle-engine/internal/auth"
	"github.com/oggyb/battle-engine/internal/battle"
	"github.com/oggyb/battle-engine/internal/broadcast"
	"github.com/oggyb/battle-engine/internal/db"
	svcErr "github.com/oggyb/battle-engine/internal/errors"
	"github.com/oggyb/battle-engine/internal/logger"
	"github.com/oggyb/battle-engine/internal/tally"
)

// watchBuffer is how many events a slow Watch stream may lag behind before
// events are dropped for it.
const watchBuffer = 64

// Service implements the BattleService gRPC API on top of the battle engine.
// The caller is always taken from the authenticated context, never from the
// request body.
type Service struct {
	appCtx *app.AppContext
}

// NewBattleService creates the service with dependencies from AppContext:
//   - Battles, the lifecycle engine
//   - Hub, the broadcaster Watch subscribes to
func NewBattleService(appCtx *app.AppContext) *Service {
	return &Service{appCtx: appCtx}
}

// log is the request-scoped logger set by the server interceptors.
func (s *Service) log(ctx context.Context) *slog.Logger {
	return logger.FromContext(ctx)
}

func requireUser(ctx context.Context) (string, error) {
	uid := auth.UserFrom(ctx)
	if uid == "" {
		return "", svcErr.Map(svcErr.Unauthenticated("caller identity required"))
	}
	return uid, nil
}

// CreateBattle opens a battle for the caller.
//
// Example:
//
//	client.CreateBattle(ctx, &battles.CreateBattleRequest{PhotoURL: url, Invitees: []string{"u2"}})
func (s *Service) CreateBattle(ctx context.Context, req *CreateBattleRequest) (*BattleView, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	s.log(ctx).Debug("CreateBattle called", "invitees", len(req.Invitees))

	v, err := s.appCtx.Battles.CreateBattle(ctx, uid, battle.CreateInput{
		Title:      req.Title,
		Visibility: db.Visibility(req.Visibility),
		PhotoURL:   req.PhotoURL,
		Invitees:   req.Invitees,
	})
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return ToView(v), nil
}

// Invite adds an invitee to a pending battle. Creator only.
func (s *Service) Invite(ctx context.Context, req *InviteRequest) (*Participant, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	if req.BattleID == "" {
		return nil, svcErr.InvalidArgument("battle_id is required")
	}

	p, err := s.appCtx.Battles.Invite(ctx, uid, req.BattleID, req.UserID)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	out := toParticipant(p)
	return &out, nil
}

// Accept answers the caller's invitation with a photo.
func (s *Service) Accept(ctx context.Context, req *AcceptRequest) (*Battle, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	if req.BattleID == "" {
		return nil, svcErr.InvalidArgument("battle_id is required")
	}
	s.log(ctx).Debug("Accept called", "battle_id", req.BattleID)

	b, err := s.appCtx.Battles.Accept(ctx, uid, req.BattleID, req.PhotoURL)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	out := toBattle(b)
	return &out, nil
}

// Decline answers the caller's invitation negatively.
func (s *Service) Decline(ctx context.Context, req *BattleRequest) (*Battle, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	if req.BattleID == "" {
		return nil, svcErr.InvalidArgument("battle_id is required")
	}

	b, err := s.appCtx.Battles.Decline(ctx, uid, req.BattleID)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	out := toBattle(b)
	return &out, nil
}

// Cancel abandons a pending battle. Creator only.
func (s *Service) Cancel(ctx context.Context, req *BattleRequest) (*Battle, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	if req.BattleID == "" {
		return nil, svcErr.InvalidArgument("battle_id is required")
	}

	b, err := s.appCtx.Battles.Cancel(ctx, uid, req.BattleID)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	out := toBattle(b)
	return &out, nil
}

// CastVote records the caller's ballot and returns the fresh tally.
//
// Behavior:
//   - AlreadyExists on a second vote, InvalidArgument on a self vote,
//     FailedPrecondition when the battle is not active.
func (s *Service) CastVote(ctx context.Context, req *CastVoteRequest) (*tally.Result, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	if req.BattleID == "" || req.ParticipantID == "" {
		return nil, svcErr.InvalidArgument("battle_id and participant_id are required")
	}

	res, err := s.appCtx.Battles.CastVote(ctx, uid, req.BattleID, req.ParticipantID)
	if err != nil {
		s.log(ctx).Debug("CastVote rejected", "battle_id", req.BattleID, "err", err)
		return nil, svcErr.Map(err)
	}
	return &res, nil
}

// GetBattle returns the battle view. Anonymous callers are allowed.
func (s *Service) GetBattle(ctx context.Context, req *BattleRequest) (*BattleView, error) {
	if req.BattleID == "" {
		return nil, svcErr.InvalidArgument("battle_id is required")
	}
	v, err := s.appCtx.Battles.GetBattleView(ctx, auth.UserFrom(ctx), req.BattleID)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return ToView(v), nil
}

// Watch streams live events for one battle, or for the global feed.
//
// Behavior:
//   - A battle stream opens with a voteUpdate carrying the current tally, so
//     the viewer starts from a consistent state.
//   - It closes after the battle's battleEnded or battleCancelled event, or
//     straight after the snapshot when the battle is already over.
//   - A viewer that falls more than a buffer behind misses events; it should
//     call GetBattle to reconcile.
func (s *Service) Watch(req *WatchRequest, stream WatchServer) error {
	ctx := stream.Context()
	topic := broadcast.FeedTopic
	if req.BattleID != "" {
		topic = req.BattleID
	}

	// subscribe before the snapshot so nothing falls between the two
	sink := broadcast.NewChanSink(watchBuffer)
	id := s.appCtx.Hub.Subscribe(topic, sink)
	defer s.appCtx.Hub.Unsubscribe(topic, id)

	if req.BattleID != "" {
		v, err := s.appCtx.Battles.GetBattleView(ctx, auth.UserFrom(ctx), req.BattleID)
		if err != nil {
			return svcErr.Map(err)
		}
		if err := stream.Send(broadcast.NewVoteUpdate(v.Battle.ID, v.Tally)); err != nil {
			return err
		}
		if battle.IsTerminal(v.Battle.Status) {
			return nil
		}
	}

	s.log(ctx).Debug("Watch subscribed", "topic", topic)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-sink.C:
			if err := stream.Send(e); err != nil {
				return err
			}
			if req.BattleID != "" && closesBattle(e) {
				return nil
			}
		}
	}
}

func closesBattle(e broadcast.Event) bool {
	k := e.Kind()
	return k == broadcast.TypeBattleEnded || k == broadcast.TypeBattleCancelled
}
