/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package session

import (
	"github.com/Seednode/slf/game"
	"github.com/Seednode/slf/mesh"
	"github.com/Seednode/slf/protocol"
)

// receive decodes an inbound frame and hands it to the role's handlers.
func (s *Session) receive(from mesh.Channel, data []byte) {
	if s.phase != PhaseActive {
		s.log.Warn().Str("peer", from.Peer()).Msg("RECV: dropped, session not active")
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		s.log.Warn().Err(err).Str("peer", from.Peer()).Msg("RECV: dropped malformed message")
		return
	}

	if s.cfg.Role == RoleHost {
		s.hostReceive(from, data, msg)
		return
	}

	if from != s.host {
		s.log.Warn().Str("peer", from.Peer()).Str("type", string(msg.Type())).Msg("RECV: dropped, not from host")
		return
	}

	s.participantReceive(data, msg)
}

func (s *Session) drop(ch mesh.Channel) error {
	if s.cfg.Role == RoleHost {
		name, ok := s.peers[ch]
		if !ok {
			return nil
		}

		delete(s.peers, ch)
		s.log.Info().Str("peer", ch.Peer()).Str("name", name).Msg("LEAVE: channel dropped")

		return nil
	}

	if ch != s.host {
		return nil
	}

	s.log.Warn().Str("host", ch.Peer()).Msg("LEAVE: host channel dropped")

	return ErrHostGone
}

func (s *Session) participantReceive(raw []byte, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.FullStateSync:
		s.state.Replace(m.Columns, m.Players, m.Rounds)
		s.changed()
		s.log.Debug().Int("players", len(m.Players)).Int("rounds", len(m.Rounds)).Msg("SYNC: state replaced")

		s.reconcile()
		s.flushPending()

	case protocol.CurrentRoundUpdate:
		r := s.updateTarget(m.Round)
		if r == nil {
			s.log.Warn().Int("round", m.Round).Msg("SYNC: update for unknown round dropped")
			return
		}

		r.Answers = game.CloneAnswers(m.Answers)
		s.changed()

		s.flushPending()

	case protocol.RoundScores:
		s.participantScores(m, raw)

	default:
		s.log.Warn().Str("type", string(msg.Type())).Msg("RECV: dropped, not a participant message")
	}
}

// updateTarget finds the round a currentRoundUpdate refers to. The round
// just past the end is opened, since the host opens rounds implicitly on the
// first answer.
func (s *Session) updateTarget(seq int) *game.Round {
	if seq == 0 {
		return s.state.CurrentRound()
	}

	if r := s.state.Round(seq); r != nil {
		return r
	}

	if seq != len(s.state.Rounds)+1 {
		return nil
	}

	if r := s.state.CurrentRound(); r.Seq == seq {
		return r
	}

	return nil
}

func (s *Session) participantScores(m protocol.RoundScores, raw []byte) {
	var r *game.Round
	if m.Round != 0 {
		r = s.state.Round(m.Round)
	} else {
		r = s.state.LastCompleteFor(m.Player.Name)
	}

	if r == nil {
		s.buffer(m, raw)
		return
	}

	s.applyScores(r, m)
}

// reconcile forgets local bookkeeping the host's state no longer supports:
// an end request the host ignored, and scores for rounds that no longer
// exist after a reset.
func (s *Session) reconcile() {
	if s.endedSeq != 0 {
		if r := s.state.Round(s.endedSeq); r == nil || !r.Finished {
			s.log.Debug().Int("round", s.endedSeq).Msg("ROUND: end request not honoured by host")
			s.endedSeq = 0
		}
	}

	n := len(s.state.Rounds)
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.msg.Round > n {
			s.log.Debug().Int("round", p.msg.Round).Str("player", p.msg.Player.Name).Msg("SCORE: dropped buffered scores for vanished round")
			continue
		}
		kept = append(kept, p)
	}
	clear(s.pending[len(kept):])
	s.pending = kept
}
