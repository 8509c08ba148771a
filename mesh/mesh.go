/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package mesh provides the point-to-point channels the game is replicated
// over: a websocket endpoint for real sessions and an in-memory network for
// tests.
package mesh

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrClosed        = errors.New("channel closed")
	ErrSlowPeer      = errors.New("peer is not draining its channel")
	ErrInvalidID     = errors.New("invalid endpoint id")
	ErrUnknownPeer   = errors.New("unknown endpoint")
	ErrAlreadyOpen   = errors.New("endpoint already open")
	ErrNotOpen       = errors.New("endpoint not open")
	ErrBadMetadata   = errors.New("malformed connection metadata")
	ErrTransportDown = errors.New("transport closed")
)

// Metadata is presented by the dialing side when a channel is established.
type Metadata map[string]string

// Channel is one end of an ordered point-to-point link.
type Channel interface {
	// Peer is the endpoint id of the other side, as presented by it.
	Peer() string
	Metadata() Metadata
	Send(msg []byte) error
	Close() error
}

// EventKind tells what happened on a channel.
type EventKind int

const (
	// EventOpen reports a channel another endpoint opened to this one.
	EventOpen EventKind = iota
	// EventMessage carries one received message.
	EventMessage
	// EventDrop reports that the channel is gone.
	EventDrop
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	default:
		return "drop"
	}
}

// Event is one thing that happened on a channel. Data is set for
// EventMessage only.
type Event struct {
	Kind    EventKind
	Channel Channel
	Data    []byte
}

// Transport is what a session needs from the network. All events of one
// channel arrive on Events in the order they happened: its open (for
// channels dialed by the other side), then its messages in send order, then
// its drop. Nothing is promised across channels.
type Transport interface {
	// Open blocks until the local endpoint has an identifier.
	Open(ctx context.Context) (string, error)
	// Connect blocks until a channel to target is open. Channels opened
	// locally produce no EventOpen.
	Connect(ctx context.Context, target string, meta Metadata) (Channel, error)
	Events() <-chan Event
	Close() error
}

// FormatID joins an endpoint token and its dialable address.
func FormatID(token, addr string) string {
	return token + "@" + addr
}

// ParseID splits an endpoint id of the form token@host:port. The address
// part keeps a wss:// prefix when the endpoint serves TLS.
func ParseID(id string) (token, addr string, err error) {
	i := strings.LastIndex(id, "@")
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	return id[:i], id[i+1:], nil
}

func (m Metadata) encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeMetadata(s string) (Metadata, error) {
	m := Metadata{}
	if s == "" {
		return m, nil
	}

	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMetadata, err)
	}

	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadMetadata, err)
	}

	return m, nil
}
