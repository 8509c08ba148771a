/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package mesh

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Network is an in-process switchboard of memory transports. Delivery keeps
// per-channel order, like the websocket endpoint.
type Network struct {
	mu    sync.Mutex
	nodes map[string]*Memory
}

func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*Memory)}
}

// Transport returns a new, unopened transport attached to the network.
func (n *Network) Transport() *Memory {
	return &Memory{
		net:    n,
		events: make(chan Event, 1024),
		closed: make(chan struct{}),
	}
}

func (n *Network) lookup(id string) (*Memory, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	m, ok := n.nodes[id]

	return m, ok
}

// Memory is a Transport whose channels never leave the process.
type Memory struct {
	net *Network

	mu sync.Mutex
	id string

	events chan Event

	closed    chan struct{}
	closeOnce sync.Once
}

func (m *Memory) Events() <-chan Event { return m.events }

func (m *Memory) emit(ev Event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.closed:
		return false
	}
}

func (m *Memory) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.id
}

func (m *Memory) Open(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.id != "" {
		return "", ErrAlreadyOpen
	}

	m.id = FormatID(uuid.NewString(), "memory")

	m.net.mu.Lock()
	m.net.nodes[m.id] = m
	m.net.mu.Unlock()

	return m.id, nil
}

func (m *Memory) Connect(ctx context.Context, target string, meta Metadata) (Channel, error) {
	self := m.ID()
	if self == "" {
		return nil, ErrNotOpen
	}

	remote, ok := m.net.lookup(target)
	if !ok {
		return nil, ErrUnknownPeer
	}

	local := &memChannel{owner: m, peer: target, meta: meta, done: make(chan struct{})}
	far := &memChannel{owner: remote, peer: self, meta: meta, done: make(chan struct{})}
	local.other, far.other = far, local

	select {
	case remote.events <- Event{Kind: EventOpen, Channel: far}:
		return local, nil
	case <-remote.closed:
		return nil, ErrUnknownPeer
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)

		m.net.mu.Lock()
		delete(m.net.nodes, m.id)
		m.net.mu.Unlock()
	})

	return nil
}

type memChannel struct {
	owner *Memory
	other *memChannel
	peer  string
	meta  Metadata

	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

func (c *memChannel) Peer() string       { return c.peer }
func (c *memChannel) Metadata() Metadata { return c.meta }

func (c *memChannel) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.other.mu.Lock()
	defer c.other.mu.Unlock()

	select {
	case <-c.other.done:
		return ErrClosed
	default:
	}

	if !c.other.owner.emit(Event{Kind: EventMessage, Channel: c.other, Data: slices.Clone(msg)}) {
		return ErrClosed
	}

	return nil
}

// Close closes both ends. The far owner sees the drop after every message
// already sent to it; the local owner is told without waiting, since it may
// be the one calling Close.
func (c *memChannel) Close() error {
	if c.shut() {
		go c.owner.emit(Event{Kind: EventDrop, Channel: c})
	}

	if c.other.shut() {
		c.other.owner.emit(Event{Kind: EventDrop, Channel: c.other})
	}

	return nil
}

// shut marks the end closed and reports whether this call did it. Holding
// mu keeps a concurrent Send from slipping a message in after the drop.
func (c *memChannel) shut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	closed := false
	c.once.Do(func() {
		close(c.done)
		closed = true
	})

	return closed
}
