/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"golang.org/x/sync/errgroup"

	"github.com/Seednode/slf/game"
	"github.com/Seednode/slf/mesh"
	"github.com/Seednode/slf/session"
)

const (
	logDate string = `2006-01-02T15:04:05.000-07:00`

	maxBody int64 = 64 << 10
	qrSize        = 256
)

// controller is the part of a session the control surface drives.
type controller interface {
	Role() session.Role
	Phase() session.Phase
	EndpointID() string
	Self() game.Player
	Snapshot() *game.State
	CurrentRound() *game.Round
	Tally(seq int) ([]game.RoundResult, error)

	SubmitAnswer(ctx context.Context, column, text string) error
	EndRound(ctx context.Context) error
	SubmitRoundScores(ctx context.Context, scores map[string]int) error
	SetColumns(ctx context.Context, columns []string) error
	ResetGame(ctx context.Context) error
	StartRound(ctx context.Context, letter string) (string, error)
}

type stateView struct {
	Role    string        `json:"role"`
	Phase   string        `json:"phase"`
	ID      string        `json:"id"`
	Self    game.Player   `json:"self"`
	Columns []string      `json:"columns"`
	Players []game.Player `json:"players"`
	Rounds  []*game.Round `json:"rounds"`
	Current *game.Round   `json:"current"`
}

func securityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
	w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
	w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
	w.Header().Set("Permissions-Policy", "geolocation=(), midi=(), sync-xhr=(), microphone=(), camera=(), magnetometer=(), gyroscope=(), fullscreen=(), payment=()")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'self'")
}

func realIP(r *http.Request) string {
	host, port, _ := net.SplitHostPort(r.RemoteAddr)
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	} else if ip := r.Header.Get("X-Real-IP"); ip != "" {
		if net.ParseIP(ip) != nil {
			host = ip
		}
	}
	if net.ParseIP(host) != nil && strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port
	}
	return host
}

// loopback refuses requests that did not originate on this machine. The
// endpoint listens on every interface so peers can dial in; only /peer/ is
// meant for them. Forwarding headers are ignored here.
func loopback(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		h(w, r, p)
	}
}

func handler(h http.Handler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		h.ServeHTTP(w, r)
	}
}

// broker fans a change notification out to every open event stream. Slow
// readers miss intermediate notifications, never the latest one.
type broker struct {
	mu      sync.Mutex
	clients map[chan struct{}]struct{}
	closed  bool
}

func newBroker() *broker {
	return &broker{clients: make(map[chan struct{}]struct{})}
}

func (b *broker) subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.clients[ch] = struct{}{}

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if _, ok := b.clients[ch]; ok {
			delete(b.clients, ch)
			close(ch)
		}
	}
}

func (b *broker) publish() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.clients {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for ch := range b.clients {
		delete(b.clients, ch)
		close(ch)
	}
}

type api struct {
	ctl    controller
	events *broker
	log    zerolog.Logger
}

func (a *api) view() stateView {
	snap := a.ctl.Snapshot()

	return stateView{
		Role:    a.ctl.Role().String(),
		Phase:   a.ctl.Phase().String(),
		ID:      a.ctl.EndpointID(),
		Self:    a.ctl.Self(),
		Columns: snap.Columns,
		Players: snap.Players,
		Rounds:  snap.Rounds,
		Current: a.ctl.CurrentRound(),
	}
}

func (a *api) served(r *http.Request, what string, status int, start time.Time) {
	a.log.Debug().
		Str("remote", realIP(r)).
		Int("status", status).
		Dur("took", time.Since(start).Round(time.Microsecond)).
		Msgf("SERVE: %s", what)
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	securityHeaders(w)
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched
// when optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()

	err := dec.Decode(v)
	switch {
	case err == nil:
		return nil
	case optional && errors.Is(err, io.EOF):
		return nil
	default:
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
}

// intent wraps a handler that changes game state. Success answers 204.
func (a *api) intent(what string, fn func(w http.ResponseWriter, r *http.Request, p httprouter.Params) error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		start := time.Now()

		if err := fn(w, r, p); err != nil {
			status := writeError(w, err)
			a.log.Info().Err(err).Str("remote", realIP(r)).Int("status", status).Msgf("SERVE: %s refused", what)
			return
		}

		securityHeaders(w)
		w.WriteHeader(http.StatusNoContent)
		a.served(r, what, http.StatusNoContent, start)
	}
}

func (a *api) serveState(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	start := time.Now()

	if err := writeJSON(w, http.StatusOK, a.view()); err != nil {
		a.log.Warn().Err(err).Msg("SERVE: state write failed")
		return
	}

	a.served(r, "state", http.StatusOK, start)
}

func (a *api) serveEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	changes, unsubscribe := a.events.subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	securityHeaders(w)
	w.WriteHeader(http.StatusOK)

	a.log.Debug().Str("remote", realIP(r)).Msg("SERVE: event stream opened")

	send := func() error {
		b, err := json.Marshal(a.view())
		if err != nil {
			return err
		}

		if _, err := fmt.Fprintf(w, "event: refresh\ndata: %s\n\n", b); err != nil {
			return err
		}
		flusher.Flush()

		return nil
	}

	if err := send(); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			a.log.Debug().Str("remote", realIP(r)).Msg("SERVE: event stream closed")
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			if err := send(); err != nil {
				return
			}
		}
	}
}

func (a *api) serveTally(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	start := time.Now()

	seq, err := strconv.Atoi(p.ByName("seq"))
	if err != nil || seq < 1 {
		writeError(w, fmt.Errorf("%w: round %q", errBadRequest, p.ByName("seq")))
		return
	}

	results, err := a.ctl.Tally(seq)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, results); err != nil {
		return
	}

	a.served(r, "tally", http.StatusOK, start)
}

func (a *api) serveQR(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	start := time.Now()

	id := a.ctl.EndpointID()
	if id == "" {
		writeError(w, session.ErrNotActive)
		return
	}

	png, err := qrcode.Encode(id, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	securityHeaders(w)
	_, _ = w.Write(png)

	a.served(r, "qr", http.StatusOK, start)
}

func serveHealthCheck(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	securityHeaders(w)

	_, _ = w.Write([]byte("Ok\n"))
}

func serveVersion(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	securityHeaders(w)

	_, _ = w.Write([]byte("slf v" + releaseVersion + "\n"))
}

func registerAPI(mux *httprouter.Router, a *api, profile bool) {
	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		a.log.Error().Interface("panic", i).Str("path", r.URL.Path).Msg("SERVE: handler panicked")
		writeError(w, errors.New("an error has occurred, please try again"))
	}

	mux.GET("/healthz", serveHealthCheck)
	mux.GET("/version", serveVersion)

	mux.GET("/state", loopback(a.serveState))
	mux.GET("/events", loopback(a.serveEvents))
	mux.GET("/qr", loopback(a.serveQR))
	mux.GET("/tally/:seq", loopback(a.serveTally))

	mux.POST("/answers", loopback(a.intent("answer", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
		var body struct {
			Column string `json:"column"`
			Text   string `json:"text"`
		}
		if err := decodeBody(w, r, &body, false); err != nil {
			return err
		}
		return a.ctl.SubmitAnswer(r.Context(), body.Column, body.Text)
	})))

	mux.POST("/rounds", loopback(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var body struct {
			Letter string `json:"letter"`
		}
		if err := decodeBody(w, r, &body, true); err != nil {
			writeError(w, err)
			return
		}

		letter, err := a.ctl.StartRound(r.Context(), body.Letter)
		if err != nil {
			writeError(w, err)
			return
		}

		_ = writeJSON(w, http.StatusCreated, map[string]string{"letter": letter})
	}))

	mux.POST("/rounds/end", loopback(a.intent("end round", func(_ http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
		return a.ctl.EndRound(r.Context())
	})))

	mux.POST("/scores", loopback(a.intent("scores", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
		var body struct {
			Scores map[string]int `json:"scores"`
		}
		if err := decodeBody(w, r, &body, false); err != nil {
			return err
		}
		return a.ctl.SubmitRoundScores(r.Context(), body.Scores)
	})))

	mux.PUT("/columns", loopback(a.intent("columns", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
		var body struct {
			Columns []string `json:"columns"`
		}
		if err := decodeBody(w, r, &body, false); err != nil {
			return err
		}
		return a.ctl.SetColumns(r.Context(), body.Columns)
	})))

	mux.POST("/reset", loopback(a.intent("reset", func(_ http.ResponseWriter, r *http.Request, _ httprouter.Params) error {
		return a.ctl.ResetGame(r.Context())
	})))

	if profile {
		registerProfileHandlers(mux)
	}
}

// run wires the endpoint, the session and the control surface together and
// blocks until ctx ends or the session stops.
func run(ctx context.Context, cfg *Config, role session.Role) error {
	if tz := os.Getenv("TZ"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return err
		}
		time.Local = loc
	}

	logger := newLogger(cfg)
	logger.Info().Str("version", releaseVersion).Str("role", role.String()).Msg("START: slf")

	mux := httprouter.New()

	roots, err := cfg.rootCAs()
	if err != nil {
		return fmt.Errorf("load --tls-ca: %w", err)
	}

	ep := mesh.NewEndpoint(mesh.Config{
		Bind:      cfg.bind,
		Port:      cfg.port,
		Advertise: cfg.advertise,
		Router:    mux,
		Logger:    logger,
		TLSCert:   cfg.tlsCert,
		TLSKey:    cfg.tlsKey,
		RootCAs:   roots,
	})

	events := newBroker()

	scfg := cfg.sessionConfig(role)
	scfg.Logger = logger
	scfg.OnChange = events.publish

	s := session.New(scfg, ep)

	registerAPI(mux, &api{ctl: s, events: events, log: logger}, cfg.profile)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()

		events.close()

		return ep.Close()
	})

	return g.Wait()
}
