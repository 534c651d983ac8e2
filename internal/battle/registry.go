package battle

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/oggyb/battle-engine/internal/broadcast"
	"github.com/oggyb/battle-engine/internal/db"
	svcErr "github.com/oggyb/battle-engine/internal/errors"
	"github.com/oggyb/battle-engine/internal/notify"
	"github.com/oggyb/battle-engine/internal/repository"
)

// CreateInput is what a creator submits to open a battle.
type CreateInput struct {
	Title      string
	Visibility db.Visibility
	PhotoURL   string
	Invitees   []string
}

// CreateBattle opens a pending battle with the creator already accepted.
//
// Behavior:
//   - Visibility defaults to public.
//   - At least one invitee; no duplicates; the creator cannot invite themself.
//   - Battle and every participant are written in one transaction.
//   - The battle must reach the activation threshold before its accept
//     deadline or the sweeper cancels it.
//   - Each invitee is notified with battle_invite.
//
// Example:
//
//	v, err := svc.CreateBattle(ctx, "u1", battle.CreateInput{PhotoURL: url, Invitees: []string{"u2"}})
func (s *Service) CreateBattle(ctx context.Context, creatorID string, in CreateInput) (*View, error) {
	if creatorID == "" {
		return nil, svcErr.Unauthenticated("caller identity required")
	}
	if in.Visibility == "" {
		in.Visibility = db.VisibilityPublic
	}
	if !validVisibility(in.Visibility) {
		return nil, svcErr.Invalid("unknown visibility %q", in.Visibility)
	}
	in.Title = strings.TrimSpace(in.Title)
	if utf8.RuneCountInString(in.Title) > maxTitleLen {
		return nil, svcErr.Invalid("title longer than %d characters", maxTitleLen)
	}
	if strings.TrimSpace(in.PhotoURL) == "" {
		return nil, svcErr.Invalid("creator photo is required")
	}
	if len(in.Invitees) == 0 {
		return nil, svcErr.Invalid("at least one invitee is required")
	}

	now := s.Now()
	battleID := s.opts.NewID()
	photo := in.PhotoURL

	parts := []db.Participant{{
		ID:          s.opts.NewID(),
		BattleID:    battleID,
		UserID:      creatorID,
		Position:    0,
		PhotoURL:    &photo,
		Status:      db.ParticipantAccepted,
		RespondedAt: &now,
	}}
	seen := map[string]bool{creatorID: true}
	for _, u := range in.Invitees {
		u = strings.TrimSpace(u)
		switch {
		case u == "":
			return nil, svcErr.Invalid("empty invitee id")
		case u == creatorID:
			return nil, svcErr.Invalid("creator cannot invite themself")
		case seen[u]:
			return nil, svcErr.Invalid("user %s invited twice", u)
		}
		seen[u] = true
		parts = append(parts, db.Participant{
			ID:       s.opts.NewID(),
			BattleID: battleID,
			UserID:   u,
			Position: len(parts),
			Status:   db.ParticipantInvited,
		})
	}

	b := &db.Battle{
		ID:             battleID,
		CreatorID:      creatorID,
		Title:          in.Title,
		Visibility:     in.Visibility,
		Status:         db.BattlePending,
		AcceptDeadline: now.Add(s.opts.AcceptWindow),
	}
	if err := s.store.CreateBattle(ctx, b, parts); err != nil {
		return nil, err
	}

	s.log.Info("battle created", "battle_id", battleID, "creator_id", creatorID, "invitees", len(parts)-1)

	for _, p := range parts[1:] {
		s.notify(ctx, p.UserID, notify.KindBattleInvite, map[string]any{
			"battle_id":  battleID,
			"creator_id": creatorID,
			"title":      b.Title,
		})
	}

	return s.GetBattleView(ctx, creatorID, battleID)
}

// Invite adds another invitee to a pending battle. Only the creator may invite.
//
// Behavior:
//   - Forbidden for anyone but the creator.
//   - Invalid state unless the battle is pending.
//   - Conflict if the user already participates.
func (s *Service) Invite(ctx context.Context, callerID, battleID, userID string) (*db.Participant, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, svcErr.Invalid("invitee id is required")
	}

	b, err := s.store.GetBattle(ctx, battleID)
	if err != nil {
		return nil, err
	}
	if b.CreatorID != callerID {
		return nil, svcErr.Forbidden("only the creator can invite to battle %s", battleID)
	}

	p := &db.Participant{ID: s.opts.NewID(), BattleID: battleID, UserID: userID}
	if err := s.store.Invite(ctx, p); err != nil {
		return nil, err
	}

	s.notify(ctx, userID, notify.KindBattleInvite, map[string]any{
		"battle_id":  battleID,
		"creator_id": b.CreatorID,
		"title":      b.Title,
	})
	return p, nil
}

// Accept answers an invitation with a photo and, atomically with that write,
// activates the battle once enough participants have accepted.
//
// Behavior:
//   - Not found without an invitation; invalid state when the battle is not
//     pending or the user already answered.
//   - The creator is told about the acceptance.
//   - Activation side effects (battleActivated event, battle_start
//     notifications) fire only for the acceptance that performed it.
func (s *Service) Accept(ctx context.Context, userID, battleID, photoURL string) (*db.Battle, error) {
	if strings.TrimSpace(photoURL) == "" {
		return nil, svcErr.Invalid("a photo is required to accept")
	}

	res, err := s.store.Accept(ctx, repository.AcceptParams{
		BattleID:     battleID,
		UserID:       userID,
		PhotoURL:     photoURL,
		Now:          s.Now(),
		Threshold:    ActivationThreshold,
		VotingWindow: s.opts.VotingWindow,
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("invitation accepted", "battle_id", battleID, "user_id", userID, "activated", res.Activated)

	if res.Battle.CreatorID != userID {
		s.notify(ctx, res.Battle.CreatorID, notify.KindBattleAccepted, map[string]any{
			"battle_id": battleID,
			"user_id":   userID,
		})
	}
	if res.Activated {
		s.onActivated(ctx, res.Battle)
	}
	return res.Battle, nil
}

// Decline answers an invitation negatively. It never activates a battle; if
// it leaves the battle with no chance to activate, the battle is cancelled.
func (s *Service) Decline(ctx context.Context, userID, battleID string) (*db.Battle, error) {
	res, err := s.store.Decline(ctx, battleID, userID, s.Now(), ActivationThreshold)
	if err != nil {
		return nil, err
	}

	s.log.Info("invitation declined", "battle_id", battleID, "user_id", userID, "cancelled", res.Cancelled)

	if res.Cancelled {
		s.onCancelled(ctx, res.Battle, userID)
	}
	return res.Battle, nil
}

func (s *Service) onActivated(ctx context.Context, b *db.Battle) {
	s.invalidateTally(ctx, b.ID)
	if b.EndTime != nil {
		s.publish(broadcast.NewBattleActivated(b.ID, *b.EndTime))
	}

	parts, err := s.store.ListParticipants(ctx, b.ID)
	if err != nil {
		s.log.Warn("could not list participants for battle_start", "battle_id", b.ID, "err", err)
		return
	}
	for _, p := range parts {
		if p.Status != db.ParticipantAccepted {
			continue
		}
		s.notify(ctx, p.UserID, notify.KindBattleStart, map[string]any{
			"battle_id": b.ID,
			"end_time":  b.EndTime,
		})
	}
}

// onCancelled tells everybody still involved (except the actor who caused
// it) and publishes the lifecycle change.
func (s *Service) onCancelled(ctx context.Context, b *db.Battle, actorID string) {
	s.publish(broadcast.NewBattleCancelled(b.ID, b.CancelReason))

	parts, err := s.store.ListParticipants(ctx, b.ID)
	if err != nil {
		s.log.Warn("could not list participants for battle_cancelled", "battle_id", b.ID, "err", err)
		return
	}
	for _, p := range parts {
		if p.UserID == actorID || p.Status == db.ParticipantDeclined {
			continue
		}
		s.notify(ctx, p.UserID, notify.KindBattleCancelled, map[string]any{
			"battle_id": b.ID,
			"reason":    b.CancelReason,
		})
	}
}
