/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package mesh

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 64
	readLimit    = 1 << 20
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
)

type link struct {
	ep   *Endpoint
	conn *websocket.Conn
	peer string
	meta Metadata

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newLink(ep *Endpoint, conn *websocket.Conn, peer string, meta Metadata) *link {
	return &link{
		ep:   ep,
		conn: conn,
		peer: peer,
		meta: meta,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (l *link) Peer() string       { return l.peer }
func (l *link) Metadata() Metadata { return l.meta }

// Send queues msg for the write pump. A peer that lets the queue fill up is
// disconnected.
func (l *link) Send(msg []byte) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	select {
	case l.send <- msg:
		return nil
	case <-l.done:
		return ErrClosed
	default:
		_ = l.Close()
		return ErrSlowPeer
	}
}

func (l *link) Close() error {
	var err error

	l.once.Do(func() {
		close(l.done)
		err = l.conn.Close()
	})

	return err
}

func (l *link) readPump() {
	defer func() {
		_ = l.Close()
		l.ep.detach(l)
	}()

	l.conn.SetReadLimit(readLimit)
	_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.ep.log.Debug().Err(err).Str("peer", l.peer).Msg("LINK: read failed")
			}
			return
		}

		if !l.ep.deliver(l, data) {
			return
		}
	}
}

func (l *link) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = l.Close()
	}()

	for {
		select {
		case msg := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := l.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-l.done:
			return
		}
	}
}
