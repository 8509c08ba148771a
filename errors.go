/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"github.com/Seednode/slf/game"
	"github.com/Seednode/slf/session"
)

var errBadRequest = errors.New("malformed request body")

func newLogger(cfg *Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.verbose {
		level = zerolog.DebugLevel
	}

	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: logDate}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// statusFor maps intent errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, session.ErrUnknownColumn),
		errors.Is(err, game.ErrNoColumns):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrHostOnly),
		errors.Is(err, session.ErrNotPlaying):
		return http.StatusForbidden
	case errors.Is(err, session.ErrNoRound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotActive),
		errors.Is(err, session.ErrRoundOpen),
		errors.Is(err, game.ErrColumnsLocked):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed),
		errors.Is(err, session.ErrHostGone):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) int {
	status := statusFor(err)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	securityHeaders(w)
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})

	return status
}
