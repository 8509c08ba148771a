/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package session

import "errors"

var (
	ErrNotActive     = errors.New("session is not connected yet")
	ErrHostOnly      = errors.New("only the host can do that")
	ErrNotPlaying    = errors.New("this process has no player")
	ErrClosed        = errors.New("session has stopped")
	ErrHostGone      = errors.New("lost connection to host")
	ErrUnknownColumn = errors.New("unknown column")
	ErrNoRound       = errors.New("no round to act on")
	ErrRoundOpen     = errors.New("current round already has answers")
)
