/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package mesh

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
)

const (
	headerFrom     = "X-Mesh-From"
	headerMetadata = "X-Mesh-Metadata"

	peerPath = "/peer/"

	// tlsPrefix marks the address of an endpoint id that must be dialed
	// over TLS.
	tlsPrefix = "wss://"

	timeout time.Duration = 10 * time.Second
)

// Config describes where an endpoint listens and how peers reach it.
type Config struct {
	Bind string
	Port int
	// Advertise is the host:port peers dial. Defaults to the bound address,
	// with 127.0.0.1 standing in for an unspecified bind address.
	Advertise string
	// Router is shared with other handlers when set.
	Router *httprouter.Router
	Logger zerolog.Logger

	// TLSCert and TLSKey make the endpoint serve TLS. Its id then carries
	// the wss:// scheme so peers know to dial it that way.
	TLSCert string
	TLSKey  string
	// RootCAs verifies TLS endpoints this one dials. The system pool is
	// used when nil.
	RootCAs *x509.CertPool
}

// Endpoint is a websocket implementation of Transport. The endpoint's HTTP
// server accepts channels on /peer/:token and dials other endpoints directly.
type Endpoint struct {
	cfg    Config
	log    zerolog.Logger
	router *httprouter.Router

	mu    sync.Mutex
	id    string
	token string
	srv   *http.Server
	links map[*link]struct{}

	events chan Event

	closed    chan struct{}
	closeOnce sync.Once

	upgrader websocket.Upgrader
	dialer   websocket.Dialer
}

func NewEndpoint(cfg Config) *Endpoint {
	router := cfg.Router
	if router == nil {
		router = httprouter.New()
	}

	return &Endpoint{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "mesh").Logger(),
		router:   router,
		links:    make(map[*link]struct{}),
		events:   make(chan Event, 256),
		closed:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Peers are other game processes, not browsers.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		dialer: websocket.Dialer{
			HandshakeTimeout: timeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			TLSClientConfig: &tls.Config{
				RootCAs:    cfg.RootCAs,
				MinVersion: tls.VersionTLS12,
			},
		},
	}
}

// Router exposes the mux so callers can mount more handlers.
func (e *Endpoint) Router() *httprouter.Router {
	return e.router
}

// ID returns the endpoint identifier, or "" before Open.
func (e *Endpoint) ID() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.id
}

func (e *Endpoint) Events() <-chan Event { return e.events }

// emit queues ev unless the endpoint is closing. Each link emits from a
// single goroutine, which keeps its events in order.
func (e *Endpoint) emit(ev Event) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.closed:
		return false
	}
}

func strictTransport(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		next.ServeHTTP(w, r)
	})
}

// Open binds the listener, starts serving and returns the endpoint id.
func (e *Endpoint) Open(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.srv != nil {
		return "", ErrAlreadyOpen
	}

	var certs []tls.Certificate
	if e.cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(e.cfg.TLSCert, e.cfg.TLSKey)
		if err != nil {
			return "", fmt.Errorf("load tls keypair: %w", err)
		}
		certs = append(certs, cert)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(e.cfg.Bind, strconv.Itoa(e.cfg.Port)))
	if err != nil {
		return "", err
	}

	advertise := strings.TrimPrefix(e.cfg.Advertise, tlsPrefix)
	if advertise == "" {
		advertise = advertiseAddr(ln.Addr())
	}

	var handler http.Handler = e.router
	if len(certs) > 0 {
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: certs,
			MinVersion:   tls.VersionTLS12,
		})
		advertise = tlsPrefix + advertise
		handler = strictTransport(handler)
	}

	e.token = uuid.NewString()
	e.id = FormatID(e.token, advertise)

	e.router.GET(peerPath+":token", e.servePeer)

	e.srv = &http.Server{
		Handler:           handler,
		IdleTimeout:       10 * time.Minute,
		ReadHeaderTimeout: timeout,
	}

	go func() {
		err := e.srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error().Err(err).Msg("SERVE: endpoint stopped")
		}
	}()

	e.log.Info().Str("addr", ln.Addr().String()).Str("id", e.id).Msg("SERVE: endpoint listening")

	return e.id, nil
}

// Connect dials target and returns once the channel is open.
func (e *Endpoint) Connect(ctx context.Context, target string, meta Metadata) (Channel, error) {
	self := e.ID()
	if self == "" {
		return nil, ErrNotOpen
	}

	token, addr, err := ParseID(target)
	if err != nil {
		return nil, err
	}

	encoded, err := meta.encode()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set(headerFrom, self)
	header.Set(headerMetadata, encoded)

	u := url.URL{Scheme: "ws", Host: addr, Path: peerPath + token}
	if rest, ok := strings.CutPrefix(addr, tlsPrefix); ok {
		u.Scheme, u.Host = "wss", rest
	}

	conn, resp, err := e.dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, ErrUnknownPeer
		}
		return nil, err
	}

	l := e.attach(conn, target, meta)
	if l == nil {
		return nil, ErrTransportDown
	}

	go l.writePump()
	go l.readPump()

	e.log.Debug().Str("peer", target).Msg("LINK: connected")

	return l, nil
}

func (e *Endpoint) servePeer(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	e.mu.Lock()
	token := e.token
	e.mu.Unlock()

	if ps.ByName("token") != token {
		http.NotFound(w, r)
		return
	}

	meta, err := decodeMetadata(r.Header.Get(headerMetadata))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Warn().Err(err).Msg("LINK: upgrade failed")
		return
	}

	l := e.attach(conn, r.Header.Get(headerFrom), meta)
	if l == nil {
		return
	}

	if !e.emit(Event{Kind: EventOpen, Channel: l}) {
		_ = l.Close()
		return
	}

	e.log.Debug().Str("peer", l.peer).Msg("LINK: accepted")

	go l.writePump()
	l.readPump()
}

func (e *Endpoint) attach(conn *websocket.Conn, peer string, meta Metadata) *link {
	l := newLink(e, conn, peer, meta)

	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-e.closed:
		_ = conn.Close()
		return nil
	default:
	}

	e.links[l] = struct{}{}

	return l
}

func (e *Endpoint) detach(l *link) {
	e.mu.Lock()
	_, ok := e.links[l]
	delete(e.links, l)
	e.mu.Unlock()

	if !ok {
		return
	}

	e.emit(Event{Kind: EventDrop, Channel: l})
}

func (e *Endpoint) deliver(l *link, data []byte) bool {
	return e.emit(Event{Kind: EventMessage, Channel: l, Data: data})
}

// Close stops the server and tears down every channel.
func (e *Endpoint) Close() error {
	var err error

	e.closeOnce.Do(func() {
		close(e.closed)

		e.mu.Lock()
		srv := e.srv
		links := make([]*link, 0, len(e.links))
		for l := range e.links {
			links = append(links, l)
		}
		e.links = make(map[*link]struct{})
		e.mu.Unlock()

		for _, l := range links {
			_ = l.Close()
		}

		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = srv.Shutdown(ctx)
		}
	})

	return err
}

func advertiseAddr(a net.Addr) string {
	tcp, ok := a.(*net.TCPAddr)
	if !ok {
		return a.String()
	}

	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(tcp.Port))
	}

	return tcp.String()
}
