/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/slf/game"
	"github.com/Seednode/slf/mesh"
	"github.com/Seednode/slf/protocol"
)

// fakeHost accepts one participant and speaks to it by hand.
type fakeHost struct {
	wire
	id string
}

func newFakeHost(t *testing.T, n *mesh.Network) *fakeHost {
	t.Helper()

	tr := n.Transport()
	id, err := tr.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	return &fakeHost{wire: wire{t: t, tr: tr}, id: id}
}

func (h *fakeHost) accept() {
	h.t.Helper()

	ev, ok := h.event(mesh.EventOpen, wait)
	if !ok {
		h.t.Fatalf("participant never connected")
		return
	}
	h.ch = ev.Channel
}

func TestParticipantNotActive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	n := mesh.NewNetwork()

	s := New(Config{Role: RoleParticipant, Name: "ann", HostID: "nobody@memory", Logger: zerolog.Nop()}, n.Transport())
	assert.Equal(t, PhaseUninitialized, s.Phase())
	assert.ErrorIs(t, s.SubmitAnswer(ctx, "City", "Berlin"), ErrNotActive)

	err := s.Run(ctx)
	require.ErrorIs(t, err, mesh.ErrUnknownPeer)
	assert.Equal(t, PhaseAwaitingPeerConnection, s.Phase())

	assert.ErrorIs(t, s.EndRound(ctx), ErrNotActive)
	assert.ErrorIs(t, s.SetColumns(ctx, []string{"City"}), ErrHostOnly)
	assert.ErrorIs(t, s.ResetGame(ctx), ErrHostOnly)
	_, err = s.StartRound(ctx, "A")
	assert.ErrorIs(t, err, ErrHostOnly)
}

func TestParticipantPresentsMetadata(t *testing.T) {
	t.Parallel()

	n := mesh.NewNetwork()
	host := newFakeHost(t, n)
	startParticipant(t, n, Config{Name: "ann", Color: "teal", Secret: "pw", HostID: host.id})
	host.accept()

	meta := host.ch.Metadata()
	assert.Equal(t, "ann", meta["name"])
	assert.Equal(t, "teal", meta["color"])
	assert.Equal(t, "pw", meta["secret"])
}

func TestParticipantFullStateSyncIdempotent(t *testing.T) {
	t.Parallel()

	var changes atomic.Int64

	n := mesh.NewNetwork()
	host := newFakeHost(t, n)
	s := startParticipant(t, n, Config{Name: "ann", HostID: host.id, OnChange: func() { changes.Add(1) }})
	host.accept()

	canon := game.New([]string{"City", "River"})
	canon.AddPlayer(game.Player{ID: host.id, Name: "hal"})
	canon.AddPlayer(game.Player{ID: s.EndpointID(), Name: "ann"})
	canon.StartRound("B")
	canon.AddAnswer(canon.Players[0], "City", "Berlin")

	payload := protocol.Sync(canon)

	host.send(payload)
	require.Eventually(t, func() bool { return len(s.Players()) == 2 }, wait, time.Millisecond)
	first := s.Snapshot()
	assert.Equal(t, []string{"City", "River"}, first.Columns)
	assert.Len(t, first.Players, 2)

	before := changes.Load()
	host.send(payload)
	require.Eventually(t, func() bool { return changes.Load() > before }, wait, time.Millisecond)

	if diff := cmp.Diff(first, s.Snapshot()); diff != "" {
		t.Fatalf("second sync changed the replica (-first +second):\n%s", diff)
	}
}

func TestParticipantFollowsHost(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	n := mesh.NewNetwork()
	host := newFakeHost(t, n)
	s := startParticipant(t, n, Config{Name: "ann", HostID: host.id})
	host.accept()

	canon := game.New([]string{"City", "River"})
	hal := game.Player{ID: host.id, Name: "hal"}
	ann := game.Player{ID: s.EndpointID(), Name: "ann"}
	canon.AddPlayer(hal)
	canon.AddPlayer(ann)
	host.send(protocol.Sync(canon))
	require.Eventually(t, func() bool { return len(s.Players()) == 2 }, wait, time.Millisecond)

	// Optimistic local answer, forwarded to the host.
	require.NoError(t, s.SubmitAnswer(ctx, "City", "Bonn"))
	assert.Len(t, s.CurrentRound().Answers, 1)

	sa := expect[protocol.SingleAnswer](&host.wire)
	assert.Equal(t, 1, sa.Round)
	assert.Equal(t, "ann", sa.Player.Name)
	assert.Equal(t, "Bonn", sa.Text)

	// The host's list replaces the local one.
	host.send(protocol.CurrentRoundUpdate{Round: 1, Answers: []game.Answer{
		{Player: hal, Column: "City", Text: "Berlin"},
		{Player: ann, Column: "City", Text: "Bonn"},
	}})
	require.Eventually(t, func() bool { return len(s.CurrentRound().Answers) == 2 }, wait, time.Millisecond)
	assert.Equal(t, "Berlin", s.CurrentRound().Answers[0].Text)

	require.NoError(t, s.SubmitAnswer(ctx, "River", "Bode"))
	expect[protocol.SingleAnswer](&host.wire)

	require.NoError(t, s.EndRound(ctx))
	end := expect[protocol.EndRound](&host.wire)
	assert.Equal(t, 1, end.Round)

	// Scores can be sent before the host's sync shows the round finished.
	require.NoError(t, s.SubmitRoundScores(ctx, map[string]int{"City": 10, "River": 5}))
	rs := expect[protocol.RoundScores](&host.wire)
	assert.Equal(t, 1, rs.Round)
	assert.Equal(t, map[string]int{"City": 10, "River": 5}, rs.Scores)

	assert.ErrorIs(t, s.SubmitRoundScores(ctx, map[string]int{"Animal": 1}), ErrUnknownColumn)
	assert.ErrorIs(t, s.SubmitAnswer(ctx, "Animal", "Bear"), ErrUnknownColumn)

	// Relayed scores land on the matching answers.
	host.send(rs)
	require.Eventually(t, func() bool {
		a := s.CurrentRound().Answers
		return len(a) == 3 && a[1].Score != nil && *a[1].Score == 10
	}, wait, time.Millisecond)
	assert.Nil(t, s.CurrentRound().Answers[0].Score)
}

func TestParticipantBuffersScoresForUnknownRound(t *testing.T) {
	t.Parallel()

	n := mesh.NewNetwork()
	host := newFakeHost(t, n)
	s := startParticipant(t, n, Config{Name: "ann", HostID: host.id})
	host.accept()

	canon := game.New([]string{"City"})
	bob := game.Player{ID: "bob-id", Name: "bob"}
	canon.AddPlayer(bob)
	host.send(protocol.Sync(canon))
	require.Eventually(t, func() bool { return len(s.Players()) == 1 }, wait, time.Millisecond)

	host.send(protocol.RoundScores{Round: 1, Player: bob, Scores: map[string]int{"City": 10}})

	canon.AddAnswer(bob, "City", "Bern")
	canon.EndRound()
	host.send(protocol.Sync(canon))

	require.Eventually(t, func() bool {
		rounds := s.Rounds()
		return len(rounds) == 1 && rounds[0].Answers[0].Score != nil
	}, wait, time.Millisecond)

	assert.Equal(t, 10, *s.Rounds()[0].Answers[0].Score)
	assert.Equal(t, 20, s.Players()[0].Score)
}

func TestParticipantScoresWithoutRound(t *testing.T) {
	t.Parallel()

	n := mesh.NewNetwork()
	host := newFakeHost(t, n)
	s := startParticipant(t, n, Config{Name: "ann", HostID: host.id})
	host.accept()

	canon := game.New([]string{"City", "River"})
	bob := game.Player{ID: "bob-id", Name: "bob"}
	canon.AddPlayer(bob)
	canon.AddAnswer(bob, "City", "Bern")
	canon.AddAnswer(bob, "River", "Bode")
	canon.EndRound()
	canon.AddAnswer(bob, "City", "Kiel")
	host.send(protocol.Sync(canon))

	// No round number: the latest round bob answered in full is used.
	host.send(protocol.RoundScores{Player: bob, Scores: map[string]int{"City": 10, "River": 10}})

	require.Eventually(t, func() bool {
		rounds := s.Rounds()
		return len(rounds) == 2 && rounds[0].Answers[0].Score != nil
	}, wait, time.Millisecond)
	assert.Nil(t, s.Rounds()[1].Answers[0].Score)
}

func TestParticipantForgetsIgnoredEndRound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	n := mesh.NewNetwork()
	host := newFakeHost(t, n)
	s := startParticipant(t, n, Config{Name: "ann", HostID: host.id})
	host.accept()

	canon := game.New([]string{"City"})
	ann := game.Player{ID: s.EndpointID(), Name: "ann"}
	canon.AddPlayer(ann)
	canon.StartRound("B")
	host.send(protocol.Sync(canon))
	require.Eventually(t, func() bool { return len(s.Rounds()) == 1 }, wait, time.Millisecond)

	// An open round with no answers cannot be ended.
	assert.ErrorIs(t, s.EndRound(ctx), ErrNoRound)

	require.NoError(t, s.SubmitAnswer(ctx, "City", "Bonn"))
	expect[protocol.SingleAnswer](&host.wire)
	require.NoError(t, s.EndRound(ctx))
	expect[protocol.EndRound](&host.wire)

	// The host answers with the round still open.
	canon.AddAnswer(ann, "City", "Berlin")
	host.send(protocol.Sync(canon))
	require.Eventually(t, func() bool {
		a := s.CurrentRound().Answers
		return len(a) == 1 && a[0].Text == "Berlin"
	}, wait, time.Millisecond)

	assert.ErrorIs(t, s.SubmitRoundScores(ctx, map[string]int{"City": 10}), ErrNoRound)
	host.quiet(50 * time.Millisecond)

	canon.EndRound()
	host.send(protocol.Sync(canon))
	require.Eventually(t, func() bool { return s.Rounds()[0].Finished }, wait, time.Millisecond)

	require.NoError(t, s.SubmitRoundScores(ctx, map[string]int{"City": 10}))
	rs := expect[protocol.RoundScores](&host.wire)
	assert.Equal(t, 1, rs.Round)
}

func TestParticipantDropsBufferedScoresAfterReset(t *testing.T) {
	t.Parallel()

	n := mesh.NewNetwork()
	host := newFakeHost(t, n)
	s := startParticipant(t, n, Config{Name: "ann", HostID: host.id})
	host.accept()

	bob := game.Player{ID: "bob-id", Name: "bob"}
	played := func(rounds int) *game.State {
		g := game.New([]string{"City"})
		g.AddPlayer(bob)
		for range rounds {
			g.AddAnswer(bob, "City", "Kiel")
			g.EndRound()
		}
		return g
	}

	host.send(protocol.Sync(played(1)))
	require.Eventually(t, func() bool { return len(s.Rounds()) == 1 }, wait, time.Millisecond)

	// Scores for a round this replica has not seen yet are held back.
	host.send(protocol.RoundScores{Round: 2, Player: bob, Scores: map[string]int{"City": 7}})

	host.send(protocol.Sync(played(0)))
	require.Eventually(t, func() bool { return len(s.Rounds()) == 0 }, wait, time.Millisecond)

	host.send(protocol.Sync(played(2)))
	require.Eventually(t, func() bool { return len(s.Rounds()) == 2 }, wait, time.Millisecond)

	assert.Nil(t, s.Rounds()[1].Answers[0].Score)
	assert.Zero(t, s.Players()[0].Score)
}

func TestParticipantHostGone(t *testing.T) {
	t.Parallel()

	n := mesh.NewNetwork()
	host := newFakeHost(t, n)

	tr := n.Transport()
	s := New(Config{Role: RoleParticipant, Name: "ann", HostID: host.id, Logger: zerolog.Nop()}, tr)
	stop, done := running(t, s)
	host.accept()

	require.NoError(t, host.ch.Close())

	select {
	case <-done:
	case <-time.After(wait):
		t.Fatalf("participant kept running without its host")
	}
	assert.ErrorIs(t, stop(), ErrHostGone)
	assert.ErrorIs(t, s.SubmitAnswer(context.Background(), "City", "x"), ErrClosed)
}

func TestGameConverges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	n := mesh.NewNetwork()

	host := startHost(t, n, Config{Name: "hal", Columns: []string{"City", "Country", "River"}})
	ann := startParticipant(t, n, Config{Name: "ann", HostID: host.EndpointID()})
	bob := startParticipant(t, n, Config{Name: "bob", HostID: host.EndpointID()})

	replicas := []*Session{host, ann, bob}

	require.Eventually(t, func() bool {
		for _, r := range replicas {
			if len(r.Players()) != 3 {
				return false
			}
		}
		return true
	}, wait, time.Millisecond)

	require.NoError(t, ann.SubmitAnswer(ctx, "City", "Berlin"))
	require.Eventually(t, func() bool { return len(host.CurrentRound().Answers) == 1 }, wait, time.Millisecond)
	require.NoError(t, bob.SubmitAnswer(ctx, "City", "Bonn"))
	require.Eventually(t, func() bool { return len(host.CurrentRound().Answers) == 2 }, wait, time.Millisecond)

	require.NoError(t, ann.EndRound(ctx))
	require.Eventually(t, func() bool {
		for _, r := range replicas {
			rounds := r.Rounds()
			if len(rounds) != 1 || !rounds[0].Finished {
				return false
			}
		}
		return true
	}, wait, time.Millisecond)

	require.NoError(t, ann.SubmitRoundScores(ctx, map[string]int{"City": 10, "Country": 0, "River": 0}))
	require.NoError(t, bob.SubmitRoundScores(ctx, map[string]int{"City": 5}))

	require.Eventually(t, func() bool {
		want := host.Snapshot()
		for _, r := range want.Rounds[0].Answers {
			if r.Score == nil {
				return false
			}
		}
		for _, r := range replicas[1:] {
			if cmp.Diff(want, r.Snapshot()) != "" {
				return false
			}
		}
		return true
	}, wait, 5*time.Millisecond)

	scores := map[string]int{}
	for _, p := range host.Players() {
		scores[p.Name] = p.Score
	}
	assert.Equal(t, map[string]int{"hal": 0, "ann": 13, "bob": 5}, scores)

	results, err := bob.Tally(1)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 3, results[1].Bonus)
	assert.NotEmpty(t, results[1].Trace)
}
