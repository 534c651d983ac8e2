package db

import (
	"time"
)

// BattleStatus is the lifecycle state of a battle.
type BattleStatus string

const (
	BattlePending   BattleStatus = "pending"
	BattleActive    BattleStatus = "active"
	BattleEnded     BattleStatus = "ended"
	BattleCancelled BattleStatus = "cancelled"
)

// ParticipantStatus is an invitee's answer to a battle invitation.
type ParticipantStatus string

const (
	ParticipantInvited  ParticipantStatus = "invited"
	ParticipantAccepted ParticipantStatus = "accepted"
	ParticipantDeclined ParticipantStatus = "declined"
)

// Visibility controls who may see an active battle.
type Visibility string

const (
	VisibilityPublic       Visibility = "public"
	VisibilityFollowers    Visibility = "followers"
	VisibilityCloseFriends Visibility = "close_friends"
)

// Battle is a timed photo contest.
//
// Indexes:
//   - idx_battles_status_end(status, end_time)
//     Serves the sweeper scan of active battles past their deadline.
//   - idx_battles_status_deadline(status, accept_deadline)
//     Serves the acceptance-timeout scan of pending battles.
//
// Fields:
//   - Revision: bumped by every guarded write. The conditional bump
//     (WHERE status = ?) locks the row, which serialises writers on one battle.
//   - EndTime: only meaningful once Status reaches active.
//   - WinnerParticipantID / WinnerUserID: set only when Status is ended and
//     one participant strictly leads; nil on a tie.
type Battle struct {
	ID                  string       `gorm:"primaryKey;size:36"`
	CreatorID           string       `gorm:"size:64;not null;index"`
	Title               string       `gorm:"size:140"`
	Visibility          Visibility   `gorm:"size:16;not null;default:public"`
	Status              BattleStatus `gorm:"size:16;not null;index:idx_battles_status_end,priority:1;index:idx_battles_status_deadline,priority:1"`
	Revision            uint64       `gorm:"not null;default:0"`
	AcceptDeadline      time.Time    `gorm:"not null;index:idx_battles_status_deadline,priority:2"`
	ActivatedAt         *time.Time
	EndTime             *time.Time `gorm:"index:idx_battles_status_end,priority:2"`
	EndedAt             *time.Time
	CancelledAt         *time.Time
	CancelReason        string  `gorm:"size:32"`
	WinnerParticipantID *string `gorm:"size:36"`
	WinnerUserID        *string `gorm:"size:64"`
	CreatedAt           time.Time `gorm:"autoCreateTime"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime"`
}

// Participant is one user's entry in a battle.
//
// Unique index idx_participants_battle_user(battle_id, user_id) guarantees a
// user appears at most once per battle; a second invite fails at the store.
//
// VoteCount and VotePercentage are denormalised from the votes table and
// rewritten in the same transaction as every vote and the closing sweep.
type Participant struct {
	ID             string            `gorm:"primaryKey;size:36"`
	BattleID       string            `gorm:"size:36;not null;uniqueIndex:idx_participants_battle_user,priority:1"`
	UserID         string            `gorm:"size:64;not null;uniqueIndex:idx_participants_battle_user,priority:2;index"`
	Position       int               `gorm:"not null;default:0"`
	PhotoURL       *string           `gorm:"size:512"`
	Status         ParticipantStatus `gorm:"size:16;not null"`
	VoteCount      int64             `gorm:"not null;default:0"`
	VotePercentage int               `gorm:"not null;default:0"`
	RespondedAt    *time.Time
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// Vote is an immutable ballot.
//
// Composite PK: (BattleID, VoterID)
//   - One vote per voter per battle, arbitrated by the store, so two
//     concurrent casts from the same voter cannot both commit.
type Vote struct {
	BattleID      string    `gorm:"primaryKey;size:36"`
	VoterID       string    `gorm:"primaryKey;size:64"`
	ParticipantID string    `gorm:"size:36;not null;index"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&Battle{}, &Participant{}, &Vote{}}
}
