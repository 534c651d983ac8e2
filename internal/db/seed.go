package db

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/oggyb/battle-engine/internal/logger"
	"github.com/oggyb/battle-engine/internal/tally"
)

// DemoUsers are the user ids referenced by the seeded battles. Users live in
// an external service; cmd/seed prints a token for each.
var DemoUsers = func() []string {
	users := make([]string, 12)
	for i := range users {
		users[i] = fmt.Sprintf("user%d", i+1)
	}
	return users
}()

// SeedTestData resets the battle tables and populates them with demo data.
//
// Behavior:
//  1. Clears votes, participants and battles.
//  2. Creates 3 pending, 4 active and 3 ended battles between DemoUsers.
//  3. Active and ended battles get random votes from non-participants;
//     denormalised counters and winners are derived with tally.Compute so
//     the rows look exactly like ones the engine wrote.
//
// Compatible with both MySQL and SQLite.
func SeedTestData(db *gorm.DB, now time.Time) error {
	r := rand.New(rand.NewSource(now.UnixNano()))

	// --- Fresh start ---
	for _, table := range []string{"votes", "participants", "battles"} {
		if err := db.Exec("DELETE FROM " + table).Error; err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	logger.Info("cleared existing battle data")

	plan := []struct {
		status BattleStatus
		count  int
	}{
		{BattlePending, 3},
		{BattleActive, 4},
		{BattleEnded, 3},
	}

	n := 0
	for _, p := range plan {
		for i := 0; i < p.count; i++ {
			if err := seedBattle(db, r, p.status, now, n); err != nil {
				return err
			}
			n++
		}
	}
	logger.Info("seeded battles", "count", n)
	return nil
}

func seedBattle(db *gorm.DB, r *rand.Rand, status BattleStatus, now time.Time, n int) error {
	// pick 2-3 distinct entrants
	perm := r.Perm(len(DemoUsers))
	entrants := perm[:2+r.Intn(2)]
	created := now.Add(-time.Duration(5+r.Intn(55)) * time.Minute)

	b := Battle{
		ID:             uuid.NewString(),
		CreatorID:      DemoUsers[entrants[0]],
		Title:          fmt.Sprintf("Demo battle #%d", n+1),
		Visibility:     VisibilityPublic,
		Status:         status,
		AcceptDeadline: created.Add(2 * time.Hour),
		CreatedAt:      created,
	}
	if status == BattlePending {
		b.AcceptDeadline = now.Add(time.Duration(30+r.Intn(90)) * time.Minute)
	}

	parts := make([]Participant, 0, len(entrants))
	for pos, idx := range entrants {
		photo := fmt.Sprintf("https://picsum.photos/seed/%s-%d/600/800", b.ID[:8], pos)
		p := Participant{
			ID:       uuid.NewString(),
			BattleID: b.ID,
			UserID:   DemoUsers[idx],
			Position: pos,
			PhotoURL: &photo,
			Status:   ParticipantAccepted,
		}
		if status == BattlePending && pos > 0 {
			p.PhotoURL = nil
			p.Status = ParticipantInvited
		}
		parts = append(parts, p)
	}

	var votes []Vote
	if status != BattlePending {
		end := now.Add(time.Duration(1+r.Intn(20)) * time.Hour)
		if status == BattleEnded {
			end = now.Add(-time.Duration(1+r.Intn(12)) * time.Hour)
			b.EndedAt = &end
		}
		activated := end.Add(-24 * time.Hour)
		b.CreatedAt = activated.Add(-time.Duration(5+r.Intn(50)) * time.Minute)
		b.AcceptDeadline = b.CreatedAt.Add(2 * time.Hour)
		b.ActivatedAt = &activated
		b.EndTime = &end

		for _, idx := range perm[len(entrants):] {
			if r.Intn(100) < 20 {
				continue // not every user votes
			}
			target := parts[r.Intn(len(parts))]
			votes = append(votes, Vote{BattleID: b.ID, VoterID: DemoUsers[idx], ParticipantID: target.ID})
		}

		counts := map[string]int64{}
		for _, v := range votes {
			counts[v.ParticipantID]++
		}
		ids := make([]string, len(parts))
		for i := range parts {
			ids[i] = parts[i].ID
		}
		res := tally.Compute(ids, counts)
		for i, e := range res.Entries {
			parts[i].VoteCount = e.VoteCount
			parts[i].VotePercentage = e.Percentage
		}
		if status == BattleEnded && res.LeaderID != "" {
			for i := range parts {
				if parts[i].ID == res.LeaderID {
					b.WinnerParticipantID = &parts[i].ID
					b.WinnerUserID = &parts[i].UserID
				}
			}
		}
	}

	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&b).Error; err != nil {
			return fmt.Errorf("failed to seed battle: %w", err)
		}
		if err := tx.Create(&parts).Error; err != nil {
			return fmt.Errorf("failed to seed participants: %w", err)
		}
		if len(votes) == 0 {
			return nil
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&votes).Error; err != nil {
			return fmt.Errorf("failed to seed votes: %w", err)
		}
		return nil
	})
}
