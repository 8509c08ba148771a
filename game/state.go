/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package game holds the shared game state: the column list, the players and
// the ordered rounds with their answers.
package game

import (
	"errors"
	"slices"
)

var (
	ErrNoColumns     = errors.New("column list is empty")
	ErrColumnsLocked = errors.New("columns are fixed once answers exist")
)

// Player is a participant in the session. ID is the transport endpoint
// identifier and stays empty until one has been assigned.
type Player struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
	Score int    `json:"score"`
}

// Answer is one player's entry for one column. Score stays nil until judged.
type Answer struct {
	Player Player `json:"player"`
	Column string `json:"column"`
	Text   string `json:"text"`
	Score  *int   `json:"score"`
}

// Round is one play of "pick a letter, everyone answers every column".
// Answers are kept in arrival order.
type Round struct {
	Seq      int      `json:"seq"`
	Letter   string   `json:"letter"`
	Finished bool     `json:"finished"`
	Answers  []Answer `json:"answers"`
}

// State is one replica of the game. It is not safe for concurrent use; the
// owning session serializes access.
type State struct {
	Columns []string `json:"columns"`
	Players []Player `json:"players"`
	Rounds  []*Round `json:"rounds"`
}

func New(columns []string) *State {
	return &State{
		Columns: slices.Clone(columns),
		Players: []Player{},
		Rounds:  []*Round{},
	}
}

// CurrentRound returns the unfinished round, appending a fresh one without a
// letter when the last round is finished or none exists yet.
func (s *State) CurrentRound() *Round {
	if n := len(s.Rounds); n > 0 && !s.Rounds[n-1].Finished {
		return s.Rounds[n-1]
	}

	r := &Round{Seq: len(s.Rounds) + 1, Answers: []Answer{}}
	s.Rounds = append(s.Rounds, r)

	return r
}

// StartRound appends a new unfinished round. Callers must make sure no other
// round is still open.
func (s *State) StartRound(letter string) *Round {
	r := &Round{Seq: len(s.Rounds) + 1, Letter: letter, Answers: []Answer{}}
	s.Rounds = append(s.Rounds, r)

	return r
}

// EndRound finishes the current round. When the last round is already
// finished this is a no-op and no new round is opened.
func (s *State) EndRound() {
	if n := len(s.Rounds); n > 0 && s.Rounds[n-1].Finished {
		return
	}

	s.CurrentRound().Finished = true
}

// AddAnswer appends an answer to the current round. Earlier answers for the
// same column are kept.
func (s *State) AddAnswer(player Player, column, text string) Answer {
	r := s.CurrentRound()

	a := Answer{Player: player, Column: column, Text: text}
	r.Answers = append(r.Answers, a)

	return a
}

// AssignScore judges every answer in round matching the player's name and
// column. Players are matched by name because a reconnecting participant may
// come back under a new endpoint id.
func (s *State) AssignScore(r *Round, player Player, column string, score int) int {
	if r == nil {
		return 0
	}

	matched := 0
	for i := range r.Answers {
		a := &r.Answers[i]
		if a.Player.Name != player.Name || a.Column != column {
			continue
		}

		v := score
		a.Score = &v
		matched++
	}

	return matched
}

// Round returns the round with the given sequence number, or nil.
func (s *State) Round(seq int) *Round {
	if seq < 1 || seq > len(s.Rounds) {
		return nil
	}

	return s.Rounds[seq-1]
}

// LastFinished returns the most recently finished round, or nil.
func (s *State) LastFinished() *Round {
	for i := len(s.Rounds) - 1; i >= 0; i-- {
		if s.Rounds[i].Finished {
			return s.Rounds[i]
		}
	}

	return nil
}

// LastCompleteFor returns the most recent round in which the named player
// answered every column, or nil.
func (s *State) LastCompleteFor(name string) *Round {
	for i := len(s.Rounds) - 1; i >= 0; i-- {
		r := s.Rounds[i]

		answered := make(map[string]bool, len(s.Columns))
		for _, a := range r.Answers {
			if a.Player.Name == name {
				answered[a.Column] = true
			}
		}

		complete := len(s.Columns) > 0
		for _, c := range s.Columns {
			if !answered[c] {
				complete = false
				break
			}
		}

		if complete {
			return r
		}
	}

	return nil
}

// HasColumn reports whether column is part of the game.
func (s *State) HasColumn(column string) bool {
	return slices.Contains(s.Columns, column)
}

// SetColumns replaces the column list. Columns are fixed once any answer has
// been given.
func (s *State) SetColumns(columns []string) error {
	if len(columns) == 0 {
		return ErrNoColumns
	}

	for _, r := range s.Rounds {
		if len(r.Answers) > 0 {
			return ErrColumnsLocked
		}
	}

	s.Columns = slices.Clone(columns)

	return nil
}

// AddPlayer appends a player in join order.
func (s *State) AddPlayer(p Player) {
	s.Players = append(s.Players, p)
}

// PlayerByName returns the index of the first player with the given name, or -1.
func (s *State) PlayerByName(name string) int {
	return slices.IndexFunc(s.Players, func(p Player) bool {
		return p.Name == name
	})
}

// PlayerByID returns the index of the player with the given endpoint id, or -1.
func (s *State) PlayerByID(id string) int {
	if id == "" {
		return -1
	}

	return slices.IndexFunc(s.Players, func(p Player) bool {
		return p.ID == id
	})
}

// UsedLetters returns the letters of all rounds so far.
func (s *State) UsedLetters() []string {
	letters := make([]string, 0, len(s.Rounds))
	for _, r := range s.Rounds {
		if r.Letter != "" {
			letters = append(letters, r.Letter)
		}
	}

	return letters
}

// Reset drops all rounds and zeroes scores. Players and columns stay.
func (s *State) Reset() {
	s.Rounds = []*Round{}
	for i := range s.Players {
		s.Players[i].Score = 0
	}
}

// Replace overwrites the whole replica with copies of the given values.
func (s *State) Replace(columns []string, players []Player, rounds []*Round) {
	s.Columns = slices.Clone(columns)
	if s.Columns == nil {
		s.Columns = []string{}
	}

	s.Players = slices.Clone(players)
	if s.Players == nil {
		s.Players = []Player{}
	}

	s.Rounds = cloneRounds(rounds)
}

// Snapshot returns a deep copy of the state.
func (s *State) Snapshot() *State {
	c := &State{}
	c.Replace(s.Columns, s.Players, s.Rounds)

	return c
}

// Clone returns a deep copy of the round.
func (r *Round) Clone() *Round {
	if r == nil {
		return nil
	}

	c := *r
	c.Answers = CloneAnswers(r.Answers)

	return &c
}

// CloneAnswers deep-copies an answer list, including the score pointers.
func CloneAnswers(answers []Answer) []Answer {
	out := make([]Answer, len(answers))
	for i, a := range answers {
		out[i] = a
		if a.Score != nil {
			v := *a.Score
			out[i].Score = &v
		}
	}

	return out
}

func cloneRounds(rounds []*Round) []*Round {
	out := make([]*Round, 0, len(rounds))
	for _, r := range rounds {
		if r == nil {
			continue
		}

		c := r.Clone()
		// Sequence numbers are positional.
		c.Seq = len(out) + 1
		out = append(out, c)
	}

	return out
}
