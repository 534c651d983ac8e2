package battle

import (
	"context"

	"github.com/oggyb/battle-engine/internal/db"
	svcErr "github.com/oggyb/battle-engine/internal/errors"
	"github.com/oggyb/battle-engine/internal/tally"
)

// View is everything a client needs to render one battle.
type View struct {
	Battle       db.Battle
	Participants []db.Participant
	Tally        tally.Result
	MyVote       *db.Vote
}

// GetBattleView loads a battle, its participants, the live tally and the
// caller's own vote.
//
// Behavior:
//   - Pending and cancelled battles exist only for their creator and
//     participants; everybody else gets not found.
//   - The tally comes from the advisory cache when warm, otherwise from the ledger.
//   - MyVote is nil when the caller has not voted (or is anonymous).
func (s *Service) GetBattleView(ctx context.Context, callerID, battleID string) (*View, error) {
	b, err := s.store.GetBattle(ctx, battleID)
	if err != nil {
		return nil, err
	}
	parts, err := s.store.ListParticipants(ctx, battleID)
	if err != nil {
		return nil, err
	}

	if b.Status == db.BattlePending || b.Status == db.BattleCancelled {
		if !involved(b, parts, callerID) {
			return nil, svcErr.NotFound("battle %s not found", battleID)
		}
	}

	t, err := s.Tally(ctx, battleID)
	if err != nil {
		return nil, err
	}

	var mine *db.Vote
	if callerID != "" {
		if mine, err = s.store.GetVote(ctx, battleID, callerID); err != nil {
			return nil, err
		}
	}

	return &View{Battle: *b, Participants: parts, Tally: t, MyVote: mine}, nil
}

func involved(b *db.Battle, parts []db.Participant, userID string) bool {
	if userID == "" {
		return false
	}
	if b.CreatorID == userID {
		return true
	}
	for _, p := range parts {
		if p.UserID == userID {
			return true
		}
	}
	return false
}
