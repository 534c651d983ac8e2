// Package tally derives per-participant vote counts, percentages and the
// leader of a battle from raw ledger counts.
package tally

import "sort"

// Entry is one participant's share of the vote.
type Entry struct {
	ParticipantID string `json:"participantId"`
	VoteCount     int64  `json:"voteCount"`
	Percentage    int    `json:"percentage"`
}

// Result is the tally of one battle. LeaderID is empty when nobody strictly leads.
type Result struct {
	Entries    []Entry `json:"perParticipant"`
	TotalVotes int64   `json:"totalVotes"`
	LeaderID   string  `json:"leaderId,omitempty"`
}

// Compute builds the tally for the given participants, in the given order.
//
// Behavior:
//   - Counts for unknown participant ids are ignored.
//   - Percentages are 0 for everybody when there are no votes.
//   - Otherwise each share is rounded with the largest-remainder method so the
//     percentages sum to exactly 100. Equal remainders go to the earlier participant.
//   - LeaderID is set only if one participant has strictly more votes than
//     every other participant.
//
// Example:
//
//	tally.Compute([]string{"c", "p"}, map[string]int64{"c": 3, "p": 1})
//	// -> c: 3 (75%), p: 1 (25%), total 4, leader c
func Compute(participantIDs []string, counts map[string]int64) Result {
	res := Result{Entries: make([]Entry, len(participantIDs))}
	for i, id := range participantIDs {
		res.Entries[i] = Entry{ParticipantID: id, VoteCount: counts[id]}
		res.TotalVotes += counts[id]
	}
	if res.TotalVotes == 0 {
		return res
	}

	type share struct {
		idx       int
		remainder int64
	}
	shares := make([]share, len(res.Entries))
	assigned := 0
	for i, e := range res.Entries {
		scaled := e.VoteCount * 100
		res.Entries[i].Percentage = int(scaled / res.TotalVotes)
		assigned += res.Entries[i].Percentage
		shares[i] = share{idx: i, remainder: scaled % res.TotalVotes}
	}

	sort.SliceStable(shares, func(a, b int) bool {
		return shares[a].remainder > shares[b].remainder
	})
	for i := 0; assigned < 100 && i < len(shares); i++ {
		if shares[i].remainder == 0 {
			break
		}
		res.Entries[shares[i].idx].Percentage++
		assigned++
	}

	res.LeaderID = Leader(res.Entries)
	return res
}

// Leader returns the participant whose count is strictly greater than every
// other count, or "" on a tie or an empty slate.
func Leader(entries []Entry) string {
	var (
		best    string
		bestCnt int64 = -1
		tied    bool
	)
	for _, e := range entries {
		switch {
		case e.VoteCount > bestCnt:
			best, bestCnt, tied = e.ParticipantID, e.VoteCount, false
		case e.VoteCount == bestCnt:
			tied = true
		}
	}
	if tied {
		return ""
	}
	return best
}
