/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package game

import (
	"github.com/Seednode/slf/scoring"
)

// Ranks returns, per answer index in r, the 1-based rank of that answer among
// the column's valid (score > 0) answers in arrival order. Only a player's
// first valid answer is ranked; everything else maps to nil.
func Ranks(r *Round, column string) map[int]*int {
	ranks := make(map[int]*int)
	if r == nil {
		return ranks
	}

	seen := make(map[string]bool)
	next := 1

	for i, a := range r.Answers {
		if a.Column != column || a.Score == nil || *a.Score <= 0 {
			continue
		}
		if seen[a.Player.Name] {
			continue
		}
		seen[a.Player.Name] = true

		ranks[i] = scoring.Rank(next)
		next++
	}

	return ranks
}

// RoundResult is one player's outcome for a round.
type RoundResult struct {
	Player  string         `json:"player"`
	Base    int            `json:"base"`
	Bonus   int            `json:"bonus"`
	Total   int            `json:"total"`
	Trace   string         `json:"trace"`
	Counted map[string]int `json:"counted"`
}

// Tally scores a round for every player. For each column a player's counted
// answer is their first valid answer, or their first answer if none is valid.
func (s *State) Tally(r *Round) []RoundResult {
	results := make([]RoundResult, 0, len(s.Players))
	if r == nil {
		return results
	}

	ranks := make(map[string]map[int]*int, len(s.Columns))
	for _, c := range s.Columns {
		ranks[c] = Ranks(r, c)
	}

	numPlayers := len(s.Players)

	for _, p := range s.Players {
		res := RoundResult{Player: p.Name, Counted: make(map[string]int)}

		var pairs []scoring.Pair
		for _, c := range s.Columns {
			idx := counted(r, p.Name, c)
			if idx < 0 {
				continue
			}

			a := r.Answers[idx]
			score := 0
			if a.Score != nil {
				score = *a.Score
			}

			res.Base += score
			res.Counted[c] = score
			pairs = append(pairs, scoring.Pair{
				Score: float64(score),
				Rank:  ranks[c][idx],
			})
		}

		bonus := scoring.Bonus(pairs, numPlayers, len(s.Columns))
		res.Bonus = bonus.Points
		res.Trace = bonus.Trace
		res.Total = res.Base + res.Bonus

		results = append(results, res)
	}

	return results
}

// RecomputeScores sets every player's score to the sum of their totals over
// all finished rounds. Every replica derives the same totals from the same
// answers.
func (s *State) RecomputeScores() {
	totals := make(map[string]int, len(s.Players))
	for _, r := range s.Rounds {
		if !r.Finished {
			continue
		}

		for _, res := range s.Tally(r) {
			totals[res.Player] += res.Total
		}
	}

	for i := range s.Players {
		s.Players[i].Score = totals[s.Players[i].Name]
	}
}

func counted(r *Round, name, column string) int {
	first := -1
	for i, a := range r.Answers {
		if a.Player.Name != name || a.Column != column {
			continue
		}
		if a.Score != nil && *a.Score > 0 {
			return i
		}
		if first < 0 {
			first = i
		}
	}

	return first
}
