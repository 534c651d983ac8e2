package broadcast

import (
	"time"

	"github.com/oggyb/battle-engine/internal/tally"
)

// FeedTopic is the global feed. Events about battles that went live are
// fanned out to it as well as to the battle's own topic.
const FeedTopic = "feed"

// Event types on the wire.
const (
	TypeVoteUpdate      = "voteUpdate"
	TypeBattleEnded     = "battleEnded"
	TypeBattleActivated = "battleActivated"
	TypeBattleCancelled = "battleCancelled"
)

// Event is anything that can be published about a battle.
type Event interface {
	Kind() string
	Topic() string
	// OnFeed reports whether the event may reach anonymous feed subscribers.
	// Only battles that were active are public there.
	OnFeed() bool
}

type VoteUpdate struct {
	Type           string        `json:"type"`
	BattleID       string        `json:"battleId"`
	PerParticipant []tally.Entry `json:"perParticipant"`
	TotalVotes     int64         `json:"totalVotes"`
}

func NewVoteUpdate(battleID string, t tally.Result) VoteUpdate {
	entries := t.Entries
	if entries == nil {
		entries = []tally.Entry{}
	}
	return VoteUpdate{Type: TypeVoteUpdate, BattleID: battleID, PerParticipant: entries, TotalVotes: t.TotalVotes}
}

func (e VoteUpdate) Kind() string  { return e.Type }
func (e VoteUpdate) Topic() string { return e.BattleID }
func (e VoteUpdate) OnFeed() bool  { return true }

// BattleEnded carries the winning participant id; WinnerID is null on a tie.
type BattleEnded struct {
	Type     string  `json:"type"`
	BattleID string  `json:"battleId"`
	WinnerID *string `json:"winnerId"`
}

func NewBattleEnded(battleID string, winnerID *string) BattleEnded {
	return BattleEnded{Type: TypeBattleEnded, BattleID: battleID, WinnerID: winnerID}
}

func (e BattleEnded) Kind() string  { return e.Type }
func (e BattleEnded) Topic() string { return e.BattleID }
func (e BattleEnded) OnFeed() bool  { return true }

type BattleActivated struct {
	Type     string    `json:"type"`
	BattleID string    `json:"battleId"`
	EndTime  time.Time `json:"endTime"`
}

func NewBattleActivated(battleID string, endTime time.Time) BattleActivated {
	return BattleActivated{Type: TypeBattleActivated, BattleID: battleID, EndTime: endTime}
}

func (e BattleActivated) Kind() string  { return e.Type }
func (e BattleActivated) Topic() string { return e.BattleID }
func (e BattleActivated) OnFeed() bool  { return true }

type BattleCancelled struct {
	Type     string `json:"type"`
	BattleID string `json:"battleId"`
	Reason   string `json:"reason"`
}

func NewBattleCancelled(battleID, reason string) BattleCancelled {
	return BattleCancelled{Type: TypeBattleCancelled, BattleID: battleID, Reason: reason}
}

func (e BattleCancelled) Kind() string  { return e.Type }
func (e BattleCancelled) Topic() string { return e.BattleID }

// OnFeed is false: only pending battles are cancelled, and those are visible
// to their creator and participants alone.
func (e BattleCancelled) OnFeed() bool { return false }

// Message is a flat decoding target for any event, for clients that read
// the stream without knowing the type up front.
type Message struct {
	Type           string        `json:"type"`
	BattleID       string        `json:"battleId"`
	PerParticipant []tally.Entry `json:"perParticipant,omitempty"`
	TotalVotes     int64         `json:"totalVotes,omitempty"`
	WinnerID       *string       `json:"winnerId,omitempty"`
	EndTime        *time.Time    `json:"endTime,omitempty"`
	Reason         string        `json:"reason,omitempty"`
}
