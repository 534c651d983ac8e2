package battle

import (
	"github.com/oggyb/battle-engine/internal/db"
	svcErr "github.com/oggyb/battle-engine/internal/errors"
)

// ActivationThreshold is the number of accepted participants, creator
// included, that moves a battle from pending to active.
const ActivationThreshold = 2

var transitions = map[db.BattleStatus][]db.BattleStatus{
	db.BattlePending: {db.BattleActive, db.BattleCancelled},
	db.BattleActive:  {db.BattleEnded},
}

// CanTransition reports whether the lifecycle allows from → to.
// Ended and cancelled have no way out.
func CanTransition(from, to db.BattleStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status can never change again.
func IsTerminal(s db.BattleStatus) bool {
	return len(transitions[s]) == 0
}

func checkTransition(b *db.Battle, to db.BattleStatus) error {
	if CanTransition(b.Status, to) {
		return nil
	}
	return svcErr.InvalidState("battle %s cannot move from %s to %s", b.ID, b.Status, to)
}

func validVisibility(v db.Visibility) bool {
	switch v {
	case db.VisibilityPublic, db.VisibilityFollowers, db.VisibilityCloseFriends:
		return true
	}
	return false
}
