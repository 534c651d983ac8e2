package battle

import (
	"context"

	"github.com/oggyb/battle-engine/internal/broadcast"
	"github.com/oggyb/battle-engine/internal/db"
	svcErr "github.com/oggyb/battle-engine/internal/errors"
	"github.com/oggyb/battle-engine/internal/notify"
)

const (
	ReasonCreator       = "creator"
	ReasonDeclined      = "declined"
	ReasonAcceptTimeout = "accept_timeout"
)

// Cancel abandons a pending battle on behalf of its creator.
//
// Behavior:
//   - Forbidden for anyone but the creator.
//   - Cancelling an already cancelled battle is a no-op.
//   - Invalid state for active and ended battles.
func (s *Service) Cancel(ctx context.Context, callerID, battleID string) (*db.Battle, error) {
	b, err := s.store.GetBattle(ctx, battleID)
	if err != nil {
		return nil, err
	}
	if b.CreatorID != callerID {
		return nil, svcErr.Forbidden("only the creator can cancel battle %s", battleID)
	}
	if b.Status == db.BattleCancelled {
		return b, nil
	}
	if err := checkTransition(b, db.BattleCancelled); err != nil {
		return nil, err
	}

	nb, changed, err := s.store.Cancel(ctx, battleID, ReasonCreator, s.Now())
	if err != nil {
		return nil, err
	}
	if changed {
		s.log.Info("battle cancelled", "battle_id", battleID, "reason", ReasonCreator)
		s.onCancelled(ctx, nb, callerID)
	}
	return nb, nil
}

// End closes an active battle whose voting window has elapsed. Only the
// sweeper calls it; no client operation can end a battle.
//
// Behavior:
//   - Returns false without side effects when the battle is not active, its
//     deadline has not passed, or another sweep closed it first.
//   - The winner is the strict leader; a tie ends without one.
//   - Every accepted participant gets battle_result; viewers get battleEnded.
func (s *Service) End(ctx context.Context, battleID string) (bool, error) {
	b, err := s.store.GetBattle(ctx, battleID)
	if err != nil {
		return false, err
	}
	now := s.Now()
	if checkTransition(b, db.BattleEnded) != nil || b.EndTime == nil || now.Before(*b.EndTime) {
		return false, nil
	}

	res, err := s.store.Close(ctx, battleID, now)
	if err != nil {
		return false, err
	}
	if res == nil {
		return false, nil
	}

	s.log.Info("battle ended", "battle_id", battleID, "total_votes", res.Tally.TotalVotes, "winner", res.Tally.LeaderID)

	s.invalidateTally(ctx, battleID)
	s.publish(broadcast.NewBattleEnded(battleID, res.Battle.WinnerParticipantID))

	for _, p := range res.Participants {
		won := res.Battle.WinnerParticipantID != nil && *res.Battle.WinnerParticipantID == p.ID
		s.notify(ctx, p.UserID, notify.KindBattleResult, map[string]any{
			"battle_id":      battleID,
			"won":            won,
			"tie":            res.Battle.WinnerParticipantID == nil,
			"vote_count":     p.VoteCount,
			"winner_user_id": res.Battle.WinnerUserID,
		})
	}
	return true, nil
}

// ExpireInvitation cancels a pending battle whose accept deadline has passed.
// Returns false when there was nothing to do.
func (s *Service) ExpireInvitation(ctx context.Context, battleID string) (bool, error) {
	b, err := s.store.GetBattle(ctx, battleID)
	if err != nil {
		return false, err
	}
	if b.Status != db.BattlePending || s.Now().Before(b.AcceptDeadline) {
		return false, nil
	}

	nb, changed, err := s.store.Cancel(ctx, battleID, ReasonAcceptTimeout, s.Now())
	if err != nil {
		// lost a race against an acceptance that activated the battle
		if svcErr.KindOf(err) == svcErr.KindInvalidState {
			return false, nil
		}
		return false, err
	}
	if changed {
		s.log.Info("battle cancelled", "battle_id", battleID, "reason", ReasonAcceptTimeout)
		s.onCancelled(ctx, nb, "")
	}
	return changed, nil
}

// ActiveBattles pages through active battles for the sweeper.
func (s *Service) ActiveBattles(ctx context.Context, token *string, limit int) ([]db.Battle, *string, error) {
	return s.store.ListByStatus(ctx, db.BattleActive, token, limit)
}

// PendingBattles pages through pending battles for the sweeper.
func (s *Service) PendingBattles(ctx context.Context, token *string, limit int) ([]db.Battle, *string, error) {
	return s.store.ListByStatus(ctx, db.BattlePending, token, limit)
}
