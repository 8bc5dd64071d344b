// Package protocol implements the identify-face event protocol: it drives
// decode, recognition and exactly one reply per admitted payload.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Event names on the wire.
const (
	EventIdentifyFace = "identify-face"
	EventAuthSuccess  = "auth-success"
	EventAuthFail     = "auth-fail"
	EventConnected    = "connected"
	EventPing         = "ping"
	EventPong         = "pong"
)

var (
	// ErrMalformedFrame is returned for frames that are neither an event object nor an emit array.
	ErrMalformedFrame = errors.New("malformed event frame")
	// ErrInvalidPayload is returned when identify-face data is not a non-empty string.
	ErrInvalidPayload = errors.New("identify-face payload must be a non-empty string")
)

// Event is one inbound or outbound message.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AuthSuccess is the auth-success payload.
type AuthSuccess struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Connected is the payload sent once a connection is registered.
type Connected struct {
	SessionID string `json:"sid"`
}

// IdentifyRequest is a validated identify-face payload.
type IdentifyRequest struct {
	Raw string
}

// ParseEvent decodes a frame. Two shapes are accepted:
//
//	{"event": "identify-face", "data": "..."}
//	["identify-face", "..."]
func ParseEvent(frame []byte) (Event, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return Event{}, ErrMalformedFrame
	}

	switch frame[0] {
	case '{':
		var ev Event
		if err := json.Unmarshal(frame, &ev); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if ev.Name == "" {
			return Event{}, fmt.Errorf("%w: missing event name", ErrMalformedFrame)
		}
		return ev, nil
	case '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(frame, &parts); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if len(parts) == 0 {
			return Event{}, fmt.Errorf("%w: empty array", ErrMalformedFrame)
		}
		var ev Event
		if err := json.Unmarshal(parts[0], &ev.Name); err != nil || ev.Name == "" {
			return Event{}, fmt.Errorf("%w: first element must be the event name", ErrMalformedFrame)
		}
		if len(parts) > 1 {
			ev.Data = parts[1]
		}
		return ev, nil
	default:
		return Event{}, ErrMalformedFrame
	}
}

// ParseIdentifyRequest validates identify-face data.
func ParseIdentifyRequest(data json.RawMessage) (IdentifyRequest, error) {
	var raw string
	if len(data) == 0 || json.Unmarshal(data, &raw) != nil || raw == "" {
		return IdentifyRequest{}, ErrInvalidPayload
	}
	return IdentifyRequest{Raw: raw}, nil
}

// NewEvent builds an outbound event. A nil payload produces an event without data.
func NewEvent(name string, payload any) (Event, error) {
	ev := Event{Name: name}
	if payload == nil {
		return ev, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	ev.Data = data
	return ev, nil
}
