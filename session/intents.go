/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package session

import (
	"context"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/Seednode/slf/game"
	"github.com/Seednode/slf/protocol"
)

// letters offered when the host starts a round without choosing one.
const letters = "ABCDEFGHIJKLMNOPRSTUVWZ"

// SubmitAnswer records the local player's answer for column. A participant
// keeps it locally right away and forwards it to the host.
func (s *Session) SubmitAnswer(ctx context.Context, column, text string) error {
	return s.do(ctx, func() error {
		if s.self.Name == "" {
			return ErrNotPlaying
		}

		if !s.state.HasColumn(column) {
			return fmt.Errorf("%w: %q", ErrUnknownColumn, column)
		}

		player := s.selfPlayer()
		r := s.state.CurrentRound()
		s.state.AddAnswer(player, column, text)
		s.changed()

		if s.cfg.Role == RoleHost {
			s.broadcastRound()
			return nil
		}

		s.send(s.host, protocol.SingleAnswer{
			Round:  r.Seq,
			Player: player,
			Column: column,
			Text:   text,
		})

		return nil
	})
}

// EndRound finishes the open round (host) or asks the host to (participant).
func (s *Session) EndRound(ctx context.Context) error {
	return s.do(ctx, func() error {
		n := len(s.state.Rounds)
		if n == 0 || s.state.Rounds[n-1].Finished || len(s.state.Rounds[n-1].Answers) == 0 {
			return ErrNoRound
		}

		r := s.state.Rounds[n-1]

		if s.cfg.Role == RoleHost {
			s.endRound()
			return nil
		}

		s.endedSeq = r.Seq
		s.send(s.host, protocol.EndRound{Round: r.Seq})

		return nil
	})
}

// SubmitRoundScores publishes the local player's judged scores for the round
// that was just ended.
func (s *Session) SubmitRoundScores(ctx context.Context, scores map[string]int) error {
	return s.do(ctx, func() error {
		if s.self.Name == "" {
			return ErrNotPlaying
		}

		for column := range scores {
			if !s.state.HasColumn(column) {
				return fmt.Errorf("%w: %q", ErrUnknownColumn, column)
			}
		}

		seq := s.endedSeq
		if r := s.state.LastFinished(); r != nil && r.Seq > seq {
			seq = r.Seq
		}
		if seq == 0 {
			return ErrNoRound
		}

		msg := protocol.RoundScores{
			Round:  seq,
			Player: s.selfPlayer(),
			Scores: maps.Clone(scores),
		}

		if s.cfg.Role == RoleHost {
			s.hostScores(msg, nil)
			return nil
		}

		s.send(s.host, msg)

		return nil
	})
}

// SetColumns replaces the column list before the first answer.
func (s *Session) SetColumns(ctx context.Context, columns []string) error {
	if s.cfg.Role != RoleHost {
		return ErrHostOnly
	}

	return s.do(ctx, func() error {
		if err := s.state.SetColumns(columns); err != nil {
			return err
		}
		s.changed()

		s.log.Info().Strs("columns", columns).Msg("GAME: columns set")

		s.broadcastSync()

		return nil
	})
}

// ResetGame drops every round and score while keeping players and columns.
func (s *Session) ResetGame(ctx context.Context) error {
	if s.cfg.Role != RoleHost {
		return ErrHostOnly
	}

	return s.do(ctx, func() error {
		s.state.Reset()
		s.pending = nil
		s.changed()

		s.log.Info().Msg("GAME: reset")

		s.broadcastSync()

		return nil
	})
}

// StartRound opens a round with letter, or with a random unused letter when
// letter is empty. An open round without answers is reused.
func (s *Session) StartRound(ctx context.Context, letter string) (string, error) {
	if s.cfg.Role != RoleHost {
		return "", ErrHostOnly
	}

	letter = strings.ToUpper(strings.TrimSpace(letter))

	err := s.do(ctx, func() error {
		if letter == "" {
			letter = pickLetter(s.state.UsedLetters())
		}

		n := len(s.state.Rounds)
		if n > 0 && !s.state.Rounds[n-1].Finished {
			r := s.state.Rounds[n-1]
			if len(r.Answers) > 0 {
				return ErrRoundOpen
			}
			r.Letter = letter
		} else {
			s.state.StartRound(letter)
		}
		s.changed()

		s.log.Info().Str("letter", letter).Int("round", len(s.state.Rounds)).Msg("ROUND: started")

		s.broadcastSync()

		return nil
	})

	return letter, err
}

func pickLetter(used []string) string {
	var free []string
	for _, r := range letters {
		if !slices.Contains(used, string(r)) {
			free = append(free, string(r))
		}
	}

	if len(free) == 0 {
		return string(letters[rand.IntN(len(letters))])
	}

	return free[rand.IntN(len(free))]
}

// Accessors. Each returns a copy safe to keep.

func (s *Session) Role() Role {
	return s.cfg.Role
}

func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.phase
}

// EndpointID is the local endpoint identifier, empty until assigned.
func (s *Session) EndpointID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.self.ID
}

func (s *Session) Self() game.Player {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.selfPlayer()
}

func (s *Session) Columns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.state.Columns)
}

func (s *Session) Players() []game.Player {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.state.Players)
}

func (s *Session) Rounds() []*game.Round {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state.Snapshot().Rounds
}

// CurrentRound returns the open round, or an empty preview of the next one
// when every round is finished.
func (s *Session) CurrentRound() *game.Round {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n := len(s.state.Rounds); n > 0 && !s.state.Rounds[n-1].Finished {
		return s.state.Rounds[n-1].Clone()
	}

	return &game.Round{Seq: len(s.state.Rounds) + 1, Answers: []game.Answer{}}
}

// Snapshot returns a copy of the whole replica.
func (s *Session) Snapshot() *game.State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state.Snapshot()
}

// Tally returns the per-player results for round seq.
func (s *Session) Tally(seq int) ([]game.RoundResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.state.Round(seq)
	if r == nil {
		return nil, ErrNoRound
	}

	return s.state.Tally(r), nil
}
