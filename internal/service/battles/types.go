package battles

import (
	"time"

	"github.com/oggyb/battle-engine/internal/battle"
	"github.com/oggyb/battle-engine/internal/db"
	"github.com/oggyb/battle-engine/internal/tally"
)

//
// Requests
//

type CreateBattleRequest struct {
	Title      string   `json:"title,omitempty"`
	Visibility string   `json:"visibility,omitempty"`
	PhotoURL   string   `json:"photoUrl"`
	Invitees   []string `json:"invitees"`
}

type InviteRequest struct {
	BattleID string `json:"battleId"`
	UserID   string `json:"userId"`
}

type AcceptRequest struct {
	BattleID string `json:"battleId"`
	PhotoURL string `json:"photoUrl"`
}

// BattleRequest addresses one battle: decline, cancel and get.
type BattleRequest struct {
	BattleID string `json:"battleId"`
}

type CastVoteRequest struct {
	BattleID      string `json:"battleId"`
	ParticipantID string `json:"participantId"`
}

// WatchRequest subscribes to one battle, or to the global feed when
// BattleID is empty.
type WatchRequest struct {
	BattleID string `json:"battleId,omitempty"`
}

//
// Responses
//

type Battle struct {
	ID                  string     `json:"id"`
	CreatorID           string     `json:"creatorId"`
	Title               string     `json:"title,omitempty"`
	Visibility          string     `json:"visibility"`
	Status              string     `json:"status"`
	AcceptDeadline      time.Time  `json:"acceptDeadline"`
	ActivatedAt         *time.Time `json:"activatedAt,omitempty"`
	EndTime             *time.Time `json:"endTime,omitempty"`
	EndedAt             *time.Time `json:"endedAt,omitempty"`
	CancelledAt         *time.Time `json:"cancelledAt,omitempty"`
	CancelReason        string     `json:"cancelReason,omitempty"`
	WinnerParticipantID *string    `json:"winnerParticipantId,omitempty"`
	WinnerUserID        *string    `json:"winnerUserId,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
}

type Participant struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId"`
	Position       int        `json:"position"`
	PhotoURL       *string    `json:"photoUrl,omitempty"`
	Status         string     `json:"status"`
	VoteCount      int64      `json:"voteCount"`
	VotePercentage int        `json:"votePercentage"`
	RespondedAt    *time.Time `json:"respondedAt,omitempty"`
}

type Vote struct {
	ParticipantID string    `json:"participantId"`
	CreatedAt     time.Time `json:"createdAt"`
}

type BattleView struct {
	Battle       Battle        `json:"battle"`
	Participants []Participant `json:"participants"`
	Tally        tally.Result  `json:"tally"`
	MyVote       *Vote         `json:"myVote,omitempty"`
}

//
// Conversions
//

func toBattle(b *db.Battle) Battle {
	return Battle{
		ID:                  b.ID,
		CreatorID:           b.CreatorID,
		Title:               b.Title,
		Visibility:          string(b.Visibility),
		Status:              string(b.Status),
		AcceptDeadline:      b.AcceptDeadline,
		ActivatedAt:         b.ActivatedAt,
		EndTime:             b.EndTime,
		EndedAt:             b.EndedAt,
		CancelledAt:         b.CancelledAt,
		CancelReason:        b.CancelReason,
		WinnerParticipantID: b.WinnerParticipantID,
		WinnerUserID:        b.WinnerUserID,
		CreatedAt:           b.CreatedAt,
	}
}

func toParticipant(p *db.Participant) Participant {
	return Participant{
		ID:             p.ID,
		UserID:         p.UserID,
		Position:       p.Position,
		PhotoURL:       p.PhotoURL,
		Status:         string(p.Status),
		VoteCount:      p.VoteCount,
		VotePercentage: p.VotePercentage,
		RespondedAt:    p.RespondedAt,
	}
}

// ToView converts an engine view into its wire form.
func ToView(v *battle.View) *BattleView {
	out := &BattleView{
		Battle:       toBattle(&v.Battle),
		Participants: make([]Participant, 0, len(v.Participants)),
		Tally:        v.Tally,
	}
	for i := range v.Participants {
		out.Participants = append(out.Participants, toParticipant(&v.Participants[i]))
	}
	if out.Tally.Entries == nil {
		out.Tally.Entries = []tally.Entry{}
	}
	if v.MyVote != nil {
		out.MyVote = &Vote{ParticipantID: v.MyVote.ParticipantID, CreatedAt: v.MyVote.CreatedAt}
	}
	return out
}
