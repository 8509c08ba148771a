/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package protocol defines the replication messages exchanged between the
// host and its participants, and their JSON wire form.
package protocol

import (
	"github.com/Seednode/slf/game"
)

// Type is the wire discriminator of a message.
type Type string

const (
	TypeFullStateSync      Type = "fullStateSync"
	TypeSingleAnswer       Type = "singleAnswer"
	TypeCurrentRoundUpdate Type = "currentRoundUpdate"
	TypeEndRound           Type = "endRound"
	TypeRoundScores        Type = "roundScores"
)

// Message is the closed set of replication messages. Only the types in this
// package implement it.
type Message interface {
	Type() Type
	message()
}

// FullStateSync carries the entire replica. The receiver replaces its state.
type FullStateSync struct {
	Columns []string      `json:"columns"`
	Players []game.Player `json:"players"`
	Rounds  []*game.Round `json:"rounds"`
}

// SingleAnswer is a participant's answer for the round with sequence number Round.
type SingleAnswer struct {
	Round  int         `json:"round"`
	Player game.Player `json:"player"`
	Column string      `json:"column"`
	Text   string      `json:"text"`
}

// CurrentRoundUpdate is the host's full answer list for the open round.
type CurrentRoundUpdate struct {
	Round   int           `json:"round"`
	Answers []game.Answer `json:"answers"`
}

// EndRound asks the host to finish round Round.
type EndRound struct {
	Round int `json:"round"`
}

// RoundScores is one player's judged scores per column for round Round.
type RoundScores struct {
	Round  int            `json:"round"`
	Player game.Player    `json:"player"`
	Scores map[string]int `json:"scores"`
}

func (FullStateSync) Type() Type      { return TypeFullStateSync }
func (SingleAnswer) Type() Type       { return TypeSingleAnswer }
func (CurrentRoundUpdate) Type() Type { return TypeCurrentRoundUpdate }
func (EndRound) Type() Type           { return TypeEndRound }
func (RoundScores) Type() Type        { return TypeRoundScores }

func (FullStateSync) message()      {}
func (SingleAnswer) message()       {}
func (CurrentRoundUpdate) message() {}
func (EndRound) message()           {}
func (RoundScores) message()        {}

// Sync builds a FullStateSync from a state snapshot.
func Sync(s *game.State) FullStateSync {
	c := s.Snapshot()

	return FullStateSync{
		Columns: c.Columns,
		Players: c.Players,
		Rounds:  c.Rounds,
	}
}
