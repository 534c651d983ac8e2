package battle

import (
	"context"

	"github.com/oggyb/battle-engine/internal/broadcast"
	"github.com/oggyb/battle-engine/internal/db"
	"github.com/oggyb/battle-engine/internal/notify"
	"github.com/oggyb/battle-engine/internal/tally"
)

// CastVote records a ballot and returns the battle's fresh tally.
//
// Behavior:
//   - Invalid state unless the battle is active.
//   - Not found unless the target is an accepted participant of the battle.
//   - Self vote when the voter owns the target.
//   - Conflict on a second ballot from the same voter, also under concurrency.
//   - After commit the voteUpdate event is queued (never blocks) and the
//     owner of the chosen entry is notified.
func (s *Service) CastVote(ctx context.Context, voterID, battleID, participantID string) (tally.Result, error) {
	res, err := s.store.CastVote(ctx, &db.Vote{
		BattleID:      battleID,
		VoterID:       voterID,
		ParticipantID: participantID,
	})
	if err != nil {
		return tally.Result{}, err
	}

	s.log.Debug("vote cast", "battle_id", battleID, "voter_id", voterID, "total", res.Tally.TotalVotes)

	s.invalidateTally(ctx, battleID)
	s.publish(broadcast.NewVoteUpdate(battleID, res.Tally))
	s.notify(ctx, res.Target.UserID, notify.KindVote, map[string]any{
		"battle_id":      battleID,
		"participant_id": participantID,
		"vote_count":     entryCount(res.Tally, participantID),
	})

	return res.Tally, nil
}

// Tally returns the live tally, from the advisory cache when it is warm.
//
// A vote that lands between the recount and the cache write invalidates
// before the stale copy is stored, so readers may see that copy for up to
// TallyCacheTTL. Writers never read the cache; closing recounts the ledger.
func (s *Service) Tally(ctx context.Context, battleID string) (tally.Result, error) {
	if s.tallies != nil {
		if t, ok, err := s.tallies.GetTally(ctx, battleID); err == nil && ok {
			return t, nil
		} else if err != nil {
			s.log.Debug("tally cache read failed", "battle_id", battleID, "err", err)
		}
	}

	t, err := s.store.ComputeTally(ctx, battleID)
	if err != nil {
		return tally.Result{}, err
	}

	if s.tallies != nil {
		if err := s.tallies.SetTally(ctx, battleID, t, s.opts.TallyCacheTTL); err != nil {
			s.log.Debug("tally cache write failed", "battle_id", battleID, "err", err)
		}
	}
	return t, nil
}

func entryCount(t tally.Result, participantID string) int64 {
	for _, e := range t.Entries {
		if e.ParticipantID == participantID {
			return e.VoteCount
		}
	}
	return 0
}
