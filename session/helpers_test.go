/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/slf/mesh"
	"github.com/Seednode/slf/protocol"
)

const wait = 2 * time.Second

// running starts s. stop cancels it and returns Run's error; done closes
// when Run returns on its own.
func running(t *testing.T, s *Session) (stop func() error, done <-chan struct{}) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan struct{})

	var result error
	go func() {
		result = s.Run(ctx)
		close(exited)
	}()

	t.Cleanup(cancel)

	return func() error {
		cancel()
		<-exited
		return result
	}, exited
}

func startHost(t *testing.T, n *mesh.Network, cfg Config) *Session {
	t.Helper()

	cfg.Role = RoleHost
	cfg.Logger = zerolog.Nop()
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = 10 * time.Millisecond
	}
	if cfg.Columns == nil {
		cfg.Columns = []string{"City", "Country", "River"}
	}

	tr := n.Transport()
	s := New(cfg, tr)

	stop, _ := running(t, s)
	t.Cleanup(func() {
		_ = stop()
		_ = tr.Close()
	})

	require.Eventually(t, func() bool {
		return s.Phase() >= PhaseAwaitingPeerConnection
	}, wait, time.Millisecond)

	return s
}

func startParticipant(t *testing.T, n *mesh.Network, cfg Config) *Session {
	t.Helper()

	cfg.Role = RoleParticipant
	cfg.Logger = zerolog.Nop()
	if cfg.Color == "" {
		cfg.Color = "blue"
	}

	tr := n.Transport()
	s := New(cfg, tr)

	stop, _ := running(t, s)
	t.Cleanup(func() {
		_ = stop()
		_ = tr.Close()
	})

	require.Eventually(t, func() bool {
		return s.Phase() == PhaseActive
	}, wait, time.Millisecond)

	return s
}

// wire is a bare transport speaking the wire protocol by hand.
type wire struct {
	t  *testing.T
	tr *mesh.Memory
	ch mesh.Channel
}

func dial(t *testing.T, n *mesh.Network, hostID string, meta mesh.Metadata) *wire {
	t.Helper()

	tr := n.Transport()
	_, err := tr.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	ch, err := tr.Connect(context.Background(), hostID, meta)
	require.NoError(t, err)

	return &wire{t: t, tr: tr, ch: ch}
}

func (w *wire) send(msg protocol.Message) {
	w.t.Helper()

	b, err := protocol.Encode(msg)
	require.NoError(w.t, err)
	require.NoError(w.t, w.ch.Send(b))
}

func (w *wire) sendRaw(b []byte) {
	w.t.Helper()
	require.NoError(w.t, w.ch.Send(b))
}

// event waits for the next event of kind, skipping others.
func (w *wire) event(kind mesh.EventKind, d time.Duration) (mesh.Event, bool) {
	deadline := time.After(d)
	for {
		select {
		case ev := <-w.tr.Events():
			if ev.Kind == kind {
				return ev, true
			}
		case <-deadline:
			return mesh.Event{}, false
		}
	}
}

func (w *wire) next() (protocol.Message, []byte) {
	w.t.Helper()

	ev, ok := w.event(mesh.EventMessage, wait)
	if !ok {
		w.t.Fatalf("timed out waiting for a message")
		return nil, nil
	}

	msg, err := protocol.Decode(ev.Data)
	require.NoError(w.t, err)

	return msg, ev.Data
}

// quiet asserts that no message arrives for d.
func (w *wire) quiet(d time.Duration) {
	w.t.Helper()

	if ev, ok := w.event(mesh.EventMessage, d); ok {
		w.t.Fatalf("unexpected message: %s", ev.Data)
	}
}

// dropped waits for the channel to be closed from the far side.
func (w *wire) dropped() {
	w.t.Helper()

	ev, ok := w.event(mesh.EventDrop, wait)
	if !ok {
		w.t.Fatalf("channel was never dropped")
		return
	}
	assert.Equal(w.t, w.ch, ev.Channel)
}

// expect skips messages until one of type T arrives.
func expect[T protocol.Message](w *wire) T {
	w.t.Helper()

	deadline := time.Now().Add(wait)
	for {
		ev, ok := w.event(mesh.EventMessage, time.Until(deadline))
		if !ok {
			var zero T
			w.t.Fatalf("timed out waiting for %s", zero.Type())
			return zero
		}

		msg, err := protocol.Decode(ev.Data)
		require.NoError(w.t, err)
		if m, ok := msg.(T); ok {
			return m
		}
	}
}
