/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// Envelope is the wire form of every message.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps msg in an envelope.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	return json.Marshal(Envelope{Type: msg.Type(), Payload: payload})
}

// DecodeEnvelope parses the envelope without looking at the payload.
func DecodeEnvelope(b []byte) (Envelope, error) {
	if len(b) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty frame", ErrMalformed)
	}

	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	if len(env.Payload) == 0 || bytes.Equal(env.Payload, []byte("null")) {
		return Envelope{}, fmt.Errorf("%w: missing payload for %q", ErrMalformed, env.Type)
	}

	return env, nil
}

// Decode parses a frame into one of the message types.
func Decode(b []byte) (Message, error) {
	env, err := DecodeEnvelope(b)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeFullStateSync:
		return decodePayload[FullStateSync](env)
	case TypeSingleAnswer:
		return decodePayload[SingleAnswer](env)
	case TypeCurrentRoundUpdate:
		return decodePayload[CurrentRoundUpdate](env)
	case TypeEndRound:
		return decodePayload[EndRound](env)
	case TypeRoundScores:
		return decodePayload[RoundScores](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodePayload[T Message](env Envelope) (Message, error) {
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}

	return out, nil
}
