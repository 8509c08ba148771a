/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package session

import (
	"crypto/subtle"
	"time"

	"github.com/Seednode/slf/game"
	"github.com/Seednode/slf/mesh"
	"github.com/Seednode/slf/protocol"
)

// accept runs admission for an incoming channel. Rejected channels are left
// alone: they get no state and their messages are ignored.
func (s *Session) accept(ch mesh.Channel) {
	if s.cfg.Role != RoleHost {
		s.log.Warn().Str("peer", ch.Peer()).Msg("ADMIT: participants do not accept channels")
		return
	}

	meta := ch.Metadata()
	name := meta["name"]
	log := s.log.With().Str("peer", ch.Peer()).Str("name", name).Logger()

	if name == "" {
		log.Warn().Msg("ADMIT: rejected, no player name")
		return
	}

	if s.cfg.Secret != "" && subtle.ConstantTimeCompare([]byte(meta["secret"]), []byte(s.cfg.Secret)) != 1 {
		log.Warn().Msg("ADMIT: rejected, wrong secret")
		return
	}

	if name == s.self.Name {
		log.Warn().Msg("ADMIT: rejected, name taken by host")
		return
	}

	i := s.state.PlayerByName(name)
	switch {
	case i >= 0 && s.state.Players[i].ID == ch.Peer() && s.connected(ch.Peer()):
		log.Warn().Msg("ADMIT: rejected, identity already joined")
		return
	case i >= 0:
		s.evict(name)
		s.state.Players[i].ID = ch.Peer()
		log.Info().Msg("ADMIT: player reconnected")
	default:
		s.state.AddPlayer(game.Player{ID: ch.Peer(), Name: name, Color: meta["color"]})
		log.Info().Int("players", len(s.state.Players)).Msg("ADMIT: player joined")
	}

	s.peers[ch] = name
	s.phase = PhaseActive
	s.changed()

	s.armSettle()
}

func (s *Session) connected(id string) bool {
	for ch := range s.peers {
		if ch.Peer() == id {
			return true
		}
	}

	return false
}

// evict closes any channel still bound to name. A reconnecting player's old
// link may be half open for a long while before the transport notices.
func (s *Session) evict(name string) {
	for ch, n := range s.peers {
		if n != name {
			continue
		}

		delete(s.peers, ch)
		_ = ch.Close()

		s.log.Info().Str("peer", ch.Peer()).Str("name", name).Msg("ADMIT: replacing stale channel")
	}
}

func (s *Session) armSettle() {
	if s.settle == nil {
		s.settle = time.NewTimer(s.cfg.SettleDelay)
	} else {
		s.settle.Stop()
		s.settle.Reset(s.cfg.SettleDelay)
	}

	s.settleC = s.settle.C
}

func (s *Session) hostReceive(from mesh.Channel, raw []byte, msg protocol.Message) {
	if _, ok := s.peers[from]; !ok {
		s.log.Warn().Str("peer", from.Peer()).Str("type", string(msg.Type())).Msg("RECV: dropped, channel not admitted")
		return
	}

	switch m := msg.(type) {
	case protocol.FullStateSync:
		s.state.Replace(m.Columns, m.Players, m.Rounds)
		s.changed()
		s.log.Info().Str("peer", from.Peer()).Int("rounds", len(m.Rounds)).Msg("SYNC: state replaced by participant")

		s.flushPending()
		s.broadcastSync()

	case protocol.SingleAnswer:
		s.hostAnswer(from, m)

	case protocol.EndRound:
		s.hostEndRound(m)

	case protocol.RoundScores:
		s.hostScores(m, raw)

	default:
		s.log.Warn().Str("peer", from.Peer()).Str("type", string(msg.Type())).Msg("RECV: dropped, not a host message")
	}
}

func (s *Session) hostAnswer(from mesh.Channel, m protocol.SingleAnswer) {
	log := s.log.With().Str("peer", from.Peer()).Int("round", m.Round).Str("column", m.Column).Logger()

	if !s.state.HasColumn(m.Column) {
		log.Warn().Msg("RECV: dropped answer for unknown column")
		return
	}

	if r := s.state.Round(m.Round); r != nil && r.Finished {
		log.Info().Msg("RECV: dropped late answer for finished round")
		return
	}

	player := m.Player
	if i := s.state.PlayerByName(s.peers[from]); i >= 0 {
		player = s.state.Players[i]
	}

	s.state.AddAnswer(player, m.Column, m.Text)
	s.changed()

	log.Debug().Str("player", player.Name).Msg("ANSWER: added")

	s.broadcastRound()
}

func (s *Session) hostEndRound(m protocol.EndRound) {
	if m.Round != 0 {
		if r := s.state.Round(m.Round); r != nil && r.Finished {
			s.log.Debug().Int("round", m.Round).Msg("ROUND: duplicate end ignored")
			return
		}
	}

	n := len(s.state.Rounds)
	if n == 0 || s.state.Rounds[n-1].Finished || len(s.state.Rounds[n-1].Answers) == 0 {
		s.log.Debug().Int("round", m.Round).Msg("ROUND: end ignored, no open round with answers")
		return
	}

	if m.Round != 0 && m.Round != s.state.Rounds[n-1].Seq {
		s.log.Warn().Int("round", m.Round).Int("current", s.state.Rounds[n-1].Seq).Msg("ROUND: end for unknown round ignored")
		return
	}

	s.endRound()
}

// endRound finishes the open round, tells everyone, then releases any
// scores that were waiting for it.
func (s *Session) endRound() {
	s.state.EndRound()
	s.changed()

	s.log.Info().Int("round", s.state.Rounds[len(s.state.Rounds)-1].Seq).Msg("ROUND: finished")

	s.broadcastSync()
	s.flushPending()
}

func (s *Session) hostScores(m protocol.RoundScores, raw []byte) {
	var r *game.Round
	if m.Round != 0 {
		r = s.state.Round(m.Round)
	} else {
		r = s.state.LastFinished()
	}

	switch {
	case r == nil:
		s.buffer(m, raw)
		return
	case !r.Finished:
		s.log.Warn().Int("round", r.Seq).Str("player", m.Player.Name).Msg("SCORE: dropped, round still open")
		return
	}

	s.applyScores(r, m)

	if raw == nil {
		b, err := protocol.Encode(m)
		if err != nil {
			s.log.Error().Err(err).Msg("SEND: encode failed")
			return
		}
		raw = b
	}

	s.broadcastRaw(protocol.TypeRoundScores, raw)
}

func (s *Session) broadcastSync() {
	if s.cfg.Role != RoleHost {
		return
	}

	s.broadcast(protocol.Sync(s.state))
}

func (s *Session) broadcastRound() {
	n := len(s.state.Rounds)
	if n == 0 {
		return
	}

	r := s.state.Rounds[n-1]
	s.broadcast(protocol.CurrentRoundUpdate{
		Round:   r.Seq,
		Answers: game.CloneAnswers(r.Answers),
	})
}

func (s *Session) broadcast(msg protocol.Message) {
	b, err := protocol.Encode(msg)
	if err != nil {
		s.log.Error().Err(err).Str("type", string(msg.Type())).Msg("SEND: encode failed")
		return
	}

	s.broadcastRaw(msg.Type(), b)
}

func (s *Session) broadcastRaw(t protocol.Type, b []byte) {
	for ch := range s.peers {
		s.sendRaw(ch, t, b)
	}

	s.log.Debug().Str("type", string(t)).Int("peers", len(s.peers)).Int("bytes", len(b)).Msg("SEND: broadcast")
}
