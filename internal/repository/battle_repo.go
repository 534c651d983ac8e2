package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/oggyb/battle-engine/internal/db"
	svcErr "github.com/oggyb/battle-engine/internal/errors"
	"github.com/oggyb/battle-engine/internal/tally"
	"github.com/oggyb/battle-engine/internal/utils/pagination"
)

// BattleRepository is the durable store of battles, participants and votes.
//
// Every write that depends on a battle's status goes through one transaction
// that starts with a guarded row bump (see lockBattle), so uniqueness and
// threshold decisions are made by the store and never by a read-then-write
// in application code.
type BattleRepository struct {
	db *gorm.DB
}

// NewBattleRepository creates a new repository bound to the given DB connection.
func NewBattleRepository(database *gorm.DB) *BattleRepository {
	return &BattleRepository{db: database}
}

// AcceptParams describes one invitee accepting, plus the activation rule to
// apply atomically with the write.
type AcceptParams struct {
	BattleID     string
	UserID       string
	PhotoURL     string
	Now          time.Time
	Threshold    int
	VotingWindow time.Duration
}

// AcceptResult reports the state after an accept. Activated is true only for
// the single caller whose write moved the battle to active.
type AcceptResult struct {
	Battle      *db.Battle
	Participant *db.Participant
	Activated   bool
}

// DeclineResult reports the state after a decline. Cancelled is true when the
// decline left the battle unable to ever reach the threshold.
type DeclineResult struct {
	Battle      *db.Battle
	Participant *db.Participant
	Cancelled   bool
}

// VoteResult carries the fresh tally computed in the vote's transaction.
type VoteResult struct {
	Vote   *db.Vote
	Target *db.Participant
	Tally  tally.Result
}

// CloseResult is returned to the single caller that ended a battle.
type CloseResult struct {
	Battle       *db.Battle
	Participants []db.Participant
	Tally        tally.Result
}

// CreateBattle inserts a battle together with its initial participants.
//
// Behavior:
//   - Runs in one transaction; either everything is written or nothing.
//   - A repeated user in participants fails with a conflict (unique index).
//
// Example:
//
//	repo.CreateBattle(ctx, &battle, []db.Participant{creatorEntry, invitee})
func (r *BattleRepository) CreateBattle(ctx context.Context, b *db.Battle, participants []db.Participant) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(b).Error; err != nil {
			return translate(err, "battle %s already exists", b.ID)
		}
		if len(participants) == 0 {
			return nil
		}
		if err := tx.Create(&participants).Error; err != nil {
			return translate(err, "duplicate participant in battle %s", b.ID)
		}
		return nil
	})
}

// GetBattle loads a battle by id.
func (r *BattleRepository) GetBattle(ctx context.Context, battleID string) (*db.Battle, error) {
	var b db.Battle
	err := r.db.WithContext(ctx).Where("id = ?", battleID).Take(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, svcErr.NotFound("battle %s not found", battleID)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListParticipants returns every participant of a battle in invitation order
// (the creator first).
func (r *BattleRepository) ListParticipants(ctx context.Context, battleID string) ([]db.Participant, error) {
	var parts []db.Participant
	err := r.db.WithContext(ctx).
		Where("battle_id = ?", battleID).
		Order("position ASC").
		Find(&parts).Error
	return parts, err
}

// GetVote returns the voter's ballot in a battle, or nil if they have not voted.
func (r *BattleRepository) GetVote(ctx context.Context, battleID, voterID string) (*db.Vote, error) {
	var v db.Vote
	err := r.db.WithContext(ctx).
		Where("battle_id = ? AND voter_id = ?", battleID, voterID).
		Take(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ComputeTally derives the live tally of a battle straight from the ledger.
//
// Behavior:
//   - Only accepted participants are part of the tally, in position order.
//   - Denormalised counters on participants are not read.
func (r *BattleRepository) ComputeTally(ctx context.Context, battleID string) (tally.Result, error) {
	var res tally.Result
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		parts, err := acceptedParticipants(tx, battleID)
		if err != nil {
			return err
		}
		counts, err := countVotes(tx, battleID)
		if err != nil {
			return err
		}
		res = tally.Compute(participantIDs(parts), counts)
		return nil
	})
	return res, err
}

// ListByStatus pages through battles in one status, ordered by id.
//
// Behavior:
//   - Keyset pagination on the primary key, so rows leaving the status while
//     a scan is running (e.g. a battle being ended) never shift the pages.
//   - Returns a next token only when more rows exist.
//   - A token issued for another status is rejected.
//
// Example:
//
//	battles, next, err := repo.ListByStatus(ctx, db.BattleActive, nil, 100)
func (r *BattleRepository) ListByStatus(
	ctx context.Context,
	status db.BattleStatus,
	paginationToken *string,
	limit int,
) ([]db.Battle, *string, error) {
	cursor, err := pagination.DecodeScoped(getString(paginationToken), string(status))
	if err != nil {
		return nil, nil, err
	}

	query := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("id ASC").
		Limit(limit + 1)
	if cursor.AfterID != "" {
		query = query.Where("id > ?", cursor.AfterID)
	}

	var battles []db.Battle
	if err := query.Find(&battles).Error; err != nil {
		return nil, nil, err
	}

	var nextToken *string
	if len(battles) > limit {
		battles = battles[:limit]
		token, _ := pagination.Encode(pagination.Next(string(status), battles[limit-1].ID))
		nextToken = &token
	}
	return battles, nextToken, nil
}

// Invite adds an invited participant to a pending battle.
//
// Behavior:
//   - Fails with not found / invalid state when the battle is missing or not pending.
//   - Fails with a conflict when the user is already a participant (unique index).
//   - Position is assigned after every existing participant.
//
// Example:
//
//	repo.Invite(ctx, &db.Participant{ID: uuid.NewString(), BattleID: id, UserID: "u2"})
func (r *BattleRepository) Invite(ctx context.Context, p *db.Participant) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockBattle(tx, p.BattleID, db.BattlePending); err != nil {
			return err
		}

		var maxPos int
		row := tx.Model(&db.Participant{}).
			Select("COALESCE(MAX(position), 0)").
			Where("battle_id = ?", p.BattleID).
			Row()
		if err := row.Scan(&maxPos); err != nil {
			return err
		}

		p.Position = maxPos + 1
		p.Status = db.ParticipantInvited
		if err := tx.Create(p).Error; err != nil {
			return translate(err, "user %s is already a participant of battle %s", p.UserID, p.BattleID)
		}
		return nil
	})
}

// Accept moves an invitation to accepted and runs the activation check in the
// same transaction.
//
// Behavior:
//   - Not found when the user holds no invitation for the battle.
//   - Invalid state when the battle is not pending or the user already responded.
//   - When the accepted count reaches Threshold, the battle is moved
//     pending → active with a compare-and-swap; only the transaction whose
//     swap hit a row reports Activated.
//
// Example:
//
//	res, err := repo.Accept(ctx, repository.AcceptParams{BattleID: id, UserID: "u2", PhotoURL: url, Threshold: 2})
func (r *BattleRepository) Accept(ctx context.Context, in AcceptParams) (*AcceptResult, error) {
	var out AcceptResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := respond(tx, in.BattleID, in.UserID, map[string]any{
			"status":       db.ParticipantAccepted,
			"photo_url":    in.PhotoURL,
			"responded_at": in.Now,
		}); err != nil {
			return err
		}

		var accepted int64
		if err := tx.Model(&db.Participant{}).
			Where("battle_id = ? AND status = ?", in.BattleID, db.ParticipantAccepted).
			Count(&accepted).Error; err != nil {
			return err
		}

		if accepted >= int64(in.Threshold) {
			res := tx.Model(&db.Battle{}).
				Where("id = ? AND status = ?", in.BattleID, db.BattlePending).
				Updates(map[string]any{
					"status":       db.BattleActive,
					"activated_at": in.Now,
					"end_time":     in.Now.Add(in.VotingWindow),
				})
			if res.Error != nil {
				return res.Error
			}
			out.Activated = res.RowsAffected == 1
		}

		return loadPair(tx, in.BattleID, in.UserID, &out.Battle, &out.Participant)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Decline moves an invitation to declined.
//
// Behavior:
//   - Same failures as Accept.
//   - If no invitation is left outstanding and fewer than threshold
//     participants accepted, the battle can never activate and is cancelled
//     in the same transaction.
func (r *BattleRepository) Decline(ctx context.Context, battleID, userID string, now time.Time, threshold int) (*DeclineResult, error) {
	var out DeclineResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := respond(tx, battleID, userID, map[string]any{
			"status":       db.ParticipantDeclined,
			"responded_at": now,
		}); err != nil {
			return err
		}

		var stats struct {
			Accepted int64
			Invited  int64
		}
		if err := tx.Model(&db.Participant{}).
			Select(
				"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS accepted, "+
					"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS invited",
				db.ParticipantAccepted, db.ParticipantInvited,
			).
			Where("battle_id = ?", battleID).
			Scan(&stats).Error; err != nil {
			return err
		}

		if stats.Invited == 0 && stats.Accepted < int64(threshold) {
			cancelled, err := cancelTx(tx, battleID, "declined", now)
			if err != nil {
				return err
			}
			out.Cancelled = cancelled
		}

		return loadPair(tx, battleID, userID, &out.Battle, &out.Participant)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel moves a pending battle to cancelled.
//
// Behavior:
//   - Compare-and-swap on status; returns changed=false if the battle was
//     already cancelled (repeat cancels are no-ops).
//   - Invalid state when the battle is active or ended.
//
// Example:
//
//	b, changed, err := repo.Cancel(ctx, id, "creator", now)
func (r *BattleRepository) Cancel(ctx context.Context, battleID, reason string, now time.Time) (*db.Battle, bool, error) {
	var (
		b       db.Battle
		changed bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if changed, err = cancelTx(tx, battleID, reason, now); err != nil {
			return err
		}
		if err := tx.Where("id = ?", battleID).Take(&b).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return svcErr.NotFound("battle %s not found", battleID)
			}
			return err
		}
		if !changed && b.Status != db.BattleCancelled {
			return svcErr.InvalidState("battle %s is %s and cannot be cancelled", battleID, b.Status)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &b, changed, nil
}

// CastVote appends a vote and recomputes the battle's tally.
//
// Behavior:
//   - Invalid state when the battle is not active. The guarded bump also
//     orders the vote against the closing sweep: a vote either commits before
//     the battle ends (and is counted) or is rejected.
//   - Not found when the target is not an accepted participant of the battle.
//   - Self vote when the voter owns the target entry.
//   - Conflict when the voter already voted; the (battle_id, voter_id)
//     primary key arbitrates, so concurrent duplicates cannot both commit.
//   - Denormalised counters on participants are rewritten from the ledger.
//
// Example:
//
//	res, err := repo.CastVote(ctx, &db.Vote{BattleID: id, VoterID: "v", ParticipantID: pid})
func (r *BattleRepository) CastVote(ctx context.Context, v *db.Vote) (*VoteResult, error) {
	var out VoteResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockBattle(tx, v.BattleID, db.BattleActive); err != nil {
			return err
		}

		var target db.Participant
		err := tx.Where("id = ? AND battle_id = ? AND status = ?", v.ParticipantID, v.BattleID, db.ParticipantAccepted).
			Take(&target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return svcErr.NotFound("participant %s is not an accepted entry of battle %s", v.ParticipantID, v.BattleID)
		}
		if err != nil {
			return err
		}
		if target.UserID == v.VoterID {
			return svcErr.SelfVote("user %s cannot vote for their own entry", v.VoterID)
		}

		if err := tx.Create(v).Error; err != nil {
			return translate(err, "user %s already voted in battle %s", v.VoterID, v.BattleID)
		}

		res, _, err := recount(tx, v.BattleID)
		if err != nil {
			return err
		}

		out = VoteResult{Vote: v, Target: &target, Tally: res}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Close ends an active battle and records its winner.
//
// Behavior:
//   - Compare-and-swap active → ended. If another caller already ended the
//     battle, returns (nil, nil) and nothing else is written.
//   - Tally, denormalised counters and winner are written in the same
//     transaction as the status change.
//   - Winner is set only for a strict leader; a tie leaves it nil.
//   - The caller is responsible for checking the deadline.
//
// Example:
//
//	res, err := repo.Close(ctx, id, now) // res == nil → already closed
func (r *BattleRepository) Close(ctx context.Context, battleID string, now time.Time) (*CloseResult, error) {
	var out *CloseResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&db.Battle{}).
			Where("id = ? AND status = ?", battleID, db.BattleActive).
			Updates(map[string]any{
				"status":   db.BattleEnded,
				"ended_at": now,
				"revision": gorm.Expr("revision + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		result, parts, err := recount(tx, battleID)
		if err != nil {
			return err
		}

		if result.LeaderID != "" {
			winnerUser := ""
			for _, p := range parts {
				if p.ID == result.LeaderID {
					winnerUser = p.UserID
				}
			}
			if err := tx.Model(&db.Battle{}).
				Where("id = ?", battleID).
				Updates(map[string]any{
					"winner_participant_id": result.LeaderID,
					"winner_user_id":        winnerUser,
				}).Error; err != nil {
				return err
			}
		}

		var b db.Battle
		if err := tx.Where("id = ?", battleID).Take(&b).Error; err != nil {
			return err
		}
		out = &CloseResult{Battle: &b, Participants: parts, Tally: result}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- helpers ---

// lockBattle bumps the battle's revision only if it is in the wanted status.
// The update takes the row lock, so concurrent writers on one battle queue up
// here and every later read in the transaction sees their committed result.
func lockBattle(tx *gorm.DB, battleID string, want db.BattleStatus) error {
	res := tx.Model(&db.Battle{}).
		Where("id = ? AND status = ?", battleID, want).
		UpdateColumn("revision", gorm.Expr("revision + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var b db.Battle
	err := tx.Select("id", "status").Where("id = ?", battleID).Take(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return svcErr.NotFound("battle %s not found", battleID)
	}
	if err != nil {
		return err
	}
	return svcErr.InvalidState("battle %s is %s, expected %s", battleID, b.Status, want)
}

// respond applies an invitee's answer. A missing invitation wins over a
// wrong battle state, so strangers always get not found.
func respond(tx *gorm.DB, battleID, userID string, updates map[string]any) error {
	lockErr := lockBattle(tx, battleID, db.BattlePending)
	if lockErr != nil && !errors.Is(lockErr, svcErr.ErrInvalidState) {
		return lockErr
	}

	var p db.Participant
	err := tx.Where("battle_id = ? AND user_id = ?", battleID, userID).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return svcErr.NotFound("user %s has no invitation to battle %s", userID, battleID)
	}
	if err != nil {
		return err
	}
	if lockErr != nil {
		return lockErr
	}

	res := tx.Model(&db.Participant{}).
		Where("id = ? AND status = ?", p.ID, db.ParticipantInvited).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return svcErr.InvalidState("user %s already %s battle %s", userID, p.Status, battleID)
	}
	return nil
}

func cancelTx(tx *gorm.DB, battleID, reason string, now time.Time) (bool, error) {
	res := tx.Model(&db.Battle{}).
		Where("id = ? AND status = ?", battleID, db.BattlePending).
		Updates(map[string]any{
			"status":        db.BattleCancelled,
			"cancelled_at":  now,
			"cancel_reason": reason,
			"revision":      gorm.Expr("revision + 1"),
		})
	return res.RowsAffected == 1, res.Error
}

func loadPair(tx *gorm.DB, battleID, userID string, b **db.Battle, p **db.Participant) error {
	var battle db.Battle
	if err := tx.Where("id = ?", battleID).Take(&battle).Error; err != nil {
		return err
	}
	var part db.Participant
	if err := tx.Where("battle_id = ? AND user_id = ?", battleID, userID).Take(&part).Error; err != nil {
		return err
	}
	*b, *p = &battle, &part
	return nil
}

// recount rebuilds the tally from the votes table and stores the derived
// counters on every accepted participant.
func recount(tx *gorm.DB, battleID string) (tally.Result, []db.Participant, error) {
	parts, err := acceptedParticipants(tx, battleID)
	if err != nil {
		return tally.Result{}, nil, err
	}
	counts, err := countVotes(tx, battleID)
	if err != nil {
		return tally.Result{}, nil, err
	}

	res := tally.Compute(participantIDs(parts), counts)
	for i, e := range res.Entries {
		if err := tx.Model(&db.Participant{}).
			Where("id = ?", e.ParticipantID).
			Updates(map[string]any{
				"vote_count":      e.VoteCount,
				"vote_percentage": e.Percentage,
			}).Error; err != nil {
			return tally.Result{}, nil, err
		}
		parts[i].VoteCount = e.VoteCount
		parts[i].VotePercentage = e.Percentage
	}
	return res, parts, nil
}

func acceptedParticipants(tx *gorm.DB, battleID string) ([]db.Participant, error) {
	var parts []db.Participant
	err := tx.Where("battle_id = ? AND status = ?", battleID, db.ParticipantAccepted).
		Order("position ASC").
		Find(&parts).Error
	return parts, err
}

func countVotes(tx *gorm.DB, battleID string) (map[string]int64, error) {
	var rows []struct {
		ParticipantID string
		Votes         int64
	}
	if err := tx.Model(&db.Vote{}).
		Select("participant_id, COUNT(*) AS votes").
		Where("battle_id = ?", battleID).
		Group("participant_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.ParticipantID] = r.Votes
	}
	return counts, nil
}

func participantIDs(parts []db.Participant) []string {
	ids := make([]string, len(parts))
	for i, p := range parts {
		ids[i] = p.ID
	}
	return ids
}

// translate turns a unique-constraint violation into a conflict and leaves
// every other error untouched.
func translate(err error, format string, args ...any) error {
	if isDuplicate(err) {
		return svcErr.Conflict(format, args...)
	}
	return err
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate entry")
}

// getString safely dereferences a string pointer for pagination tokens.
func getString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
