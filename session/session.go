/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package session binds the replicated game state to a transport. A session
// is either the host, which owns the canonical state and fans out every
// change, or a participant, which mirrors the host.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Seednode/slf/game"
	"github.com/Seednode/slf/mesh"
	"github.com/Seednode/slf/protocol"
)

const (
	DefaultSettleDelay = 500 * time.Millisecond

	// maxPending bounds the scores held back while waiting for their round.
	maxPending = 256
)

type Role int

const (
	RoleParticipant Role = iota
	RoleHost
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}

	return "participant"
}

type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseAwaitingTransportID
	PhaseAwaitingPeerConnection
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingTransportID:
		return "awaiting-transport-id"
	case PhaseAwaitingPeerConnection:
		return "awaiting-peer-connection"
	case PhaseActive:
		return "active"
	default:
		return "uninitialized"
	}
}

// Config describes the local process.
type Config struct {
	Role  Role
	Name  string
	Color string

	// HostID is the endpoint a participant joins.
	HostID string
	// Secret is required from joining participants by a host, and presented
	// to the host by a participant.
	Secret string

	// Columns seeds the host's game.
	Columns []string

	// SettleDelay batches near-simultaneous joins into one state broadcast.
	SettleDelay time.Duration

	Logger zerolog.Logger

	// OnChange is called, outside any lock, whenever observable state changed.
	OnChange func()
}

// Session owns one replica of the game. All mutation happens on the goroutine
// running Run; accessors may be called from anywhere.
type Session struct {
	cfg Config
	tr  mesh.Transport
	log zerolog.Logger

	mu    sync.RWMutex
	state *game.State
	self  game.Player
	phase Phase

	// owned by the Run goroutine
	peers    map[mesh.Channel]string
	host     mesh.Channel
	pending  []pendingScores
	endedSeq int
	dirty    bool
	settle   *time.Timer
	settleC  <-chan time.Time

	intents chan intent
	done    chan struct{}
}

type intent struct {
	fn    func() error
	reply chan error
}

type pendingScores struct {
	msg protocol.RoundScores
	raw []byte
}

func New(cfg Config, tr mesh.Transport) *Session {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}

	return &Session{
		cfg:     cfg,
		tr:      tr,
		log:     cfg.Logger.With().Str("role", cfg.Role.String()).Logger(),
		state:   game.New(cfg.Columns),
		self:    game.Player{Name: cfg.Name, Color: cfg.Color},
		peers:   make(map[mesh.Channel]string),
		intents: make(chan intent),
		done:    make(chan struct{}),
	}
}

// Run acquires an endpoint id, (for a participant) opens the channel to the
// host, then processes events until ctx ends. A participant returns
// ErrHostGone when its host channel drops.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	s.setPhase(PhaseAwaitingTransportID)

	id, err := s.tr.Open(ctx)
	if err != nil {
		return fmt.Errorf("open endpoint: %w", err)
	}

	s.mu.Lock()
	s.self.ID = id
	if s.cfg.Role == RoleHost && s.self.Name != "" {
		s.state.AddPlayer(s.self)
	}
	s.phase = PhaseAwaitingPeerConnection
	s.dirty = true
	s.mu.Unlock()
	s.notify()

	s.log.Info().Str("id", id).Msg("START: endpoint ready")

	if s.cfg.Role == RoleParticipant {
		ch, err := s.tr.Connect(ctx, s.cfg.HostID, mesh.Metadata{
			"name":   s.cfg.Name,
			"color":  s.cfg.Color,
			"secret": s.cfg.Secret,
		})
		if err != nil {
			return fmt.Errorf("connect to host: %w", err)
		}

		s.host = ch
		s.setPhase(PhaseActive)

		s.log.Info().Str("host", s.cfg.HostID).Msg("JOIN: channel to host open, waiting for state")
	}

	return s.loop(ctx)
}

func (s *Session) loop(ctx context.Context) error {
	for {
		var err error

		select {
		case <-ctx.Done():
			return nil

		case ev := <-s.tr.Events():
			s.locked(func() { err = s.handle(ev) })

		case it := <-s.intents:
			s.locked(func() { err = it.fn() })
			it.reply <- err
			err = nil

		case <-s.settleC:
			s.settleC = nil
			s.locked(s.broadcastSync)
		}

		if err != nil {
			return err
		}
	}
}

// handle applies one transport event. Events for a channel arrive in the
// order they happened, so a channel is always admitted before its first
// message and forgotten only after its last.
func (s *Session) handle(ev mesh.Event) error {
	switch ev.Kind {
	case mesh.EventOpen:
		s.accept(ev.Channel)
	case mesh.EventMessage:
		s.receive(ev.Channel, ev.Data)
	case mesh.EventDrop:
		return s.drop(ev.Channel)
	}

	return nil
}

func (s *Session) locked(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()

	s.notify()
}

func (s *Session) notify() {
	if !s.dirty {
		return
	}
	s.dirty = false

	if s.cfg.OnChange != nil {
		s.cfg.OnChange()
	}
}

func (s *Session) changed() {
	s.dirty = true
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.dirty = true
	s.mu.Unlock()

	s.notify()
}

// do runs fn on the event loop and returns its error.
func (s *Session) do(ctx context.Context, fn func() error) error {
	s.mu.RLock()
	phase := s.phase
	s.mu.RUnlock()

	switch {
	case s.cfg.Role == RoleHost && phase < PhaseAwaitingPeerConnection,
		s.cfg.Role == RoleParticipant && phase != PhaseActive:
		return ErrNotActive
	}

	it := intent{fn: fn, reply: make(chan error, 1)}

	select {
	case s.intents <- it:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	return <-it.reply
}

// send encodes msg for a single channel.
func (s *Session) send(ch mesh.Channel, msg protocol.Message) {
	b, err := protocol.Encode(msg)
	if err != nil {
		s.log.Error().Err(err).Str("type", string(msg.Type())).Msg("SEND: encode failed")
		return
	}

	s.sendRaw(ch, msg.Type(), b)
}

func (s *Session) sendRaw(ch mesh.Channel, t protocol.Type, b []byte) {
	if ch == nil {
		return
	}

	if err := ch.Send(b); err != nil {
		s.log.Warn().Err(err).Str("peer", ch.Peer()).Str("type", string(t)).Msg("SEND: failed")
	}
}

func (s *Session) selfPlayer() game.Player {
	if i := s.state.PlayerByName(s.self.Name); i >= 0 {
		return s.state.Players[i]
	}

	return s.self
}

func (s *Session) buffer(msg protocol.RoundScores, raw []byte) {
	if len(s.pending) >= maxPending {
		s.log.Warn().Int("round", s.pending[0].msg.Round).Msg("SCORE: dropping oldest buffered scores")
		s.pending = s.pending[1:]
	}

	s.pending = append(s.pending, pendingScores{msg: msg, raw: raw})

	s.log.Debug().Int("round", msg.Round).Str("player", msg.Player.Name).Msg("SCORE: round not ready, buffered")
}

// flushPending applies every buffered score message whose round is now ready.
func (s *Session) flushPending() {
	if len(s.pending) == 0 {
		return
	}

	waiting := s.pending
	s.pending = nil

	for _, p := range waiting {
		if s.cfg.Role == RoleHost {
			s.hostScores(p.msg, p.raw)
		} else {
			s.participantScores(p.msg, p.raw)
		}
	}
}

func (s *Session) applyScores(r *game.Round, msg protocol.RoundScores) {
	for _, column := range s.state.Columns {
		score, ok := msg.Scores[column]
		if !ok {
			continue
		}

		s.state.AssignScore(r, msg.Player, column, score)
	}

	s.state.RecomputeScores()
	s.changed()

	s.log.Debug().Int("round", r.Seq).Str("player", msg.Player.Name).Int("columns", len(msg.Scores)).Msg("SCORE: applied")
}
