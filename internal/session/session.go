// Package session tracks live client connections and the per-connection
// identification state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrDuplicateSession is returned when registering an ID that is already live.
	ErrDuplicateSession = errors.New("session already registered")
	// ErrSessionNotFound is returned by Lookup for unknown IDs.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when acting on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrBusy is returned by Admit when an identification is in flight and the
	// policy does not allow another one.
	ErrBusy = errors.New("identification already in progress")
)

// State is the lifecycle state of a session.
type State int

const (
	// StateConnected is the state right after registration.
	StateConnected State = iota
	// StateIdentifying means one attempt is in flight.
	StateIdentifying
	// StateIdle means the last attempt finished.
	StateIdle
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdentifying:
		return "identifying"
	case StateIdle:
		return "idle"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Policy decides what happens to a payload that arrives while another one is
// still being identified.
type Policy string

const (
	// PolicyReject refuses the new payload.
	PolicyReject Policy = "reject"
	// PolicyQueue runs payloads one after another, up to a queue depth.
	PolicyQueue Policy = "queue"
	// PolicyRestart cancels the outstanding attempt and starts the new one.
	PolicyRestart Policy = "restart"
)

// ParsePolicy parses a policy name. The empty string selects PolicyReject.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyReject:
		return PolicyReject, nil
	case PolicyQueue, PolicyRestart:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown busy policy %q", s)
	}
}

// Handle addresses outbound events to one connection.
type Handle interface {
	Emit(ctx context.Context, event string, payload any) error
	Close(reason string) error
}

// Attempt is one admitted identification cycle.
type Attempt struct {
	Seq uint64
	Raw string

	ctx    context.Context
	cancel context.CancelFunc
}

// Context is canceled when the attempt is superseded or the session closes.
func (a *Attempt) Context() context.Context {
	return a.ctx
}

// Admission is the outcome of Session.Admit.
type Admission struct {
	// Start is the attempt to run now, if any.
	Start *Attempt
	// Queued is set when the payload waits behind the current attempt.
	Queued bool
	// Superseded is the attempt canceled by PolicyRestart.
	Superseded *Attempt
}

// Session is one live connection.
type Session struct {
	ID          string
	ConnectedAt time.Time

	handle Handle
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	seq     uint64
	current *Attempt
	queue   []string
}

func newSession(id string, handle Handle) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:          id,
		ConnectedAt: time.Now(),
		handle:      handle,
		ctx:         ctx,
		cancel:      cancel,
		state:       StateConnected,
	}
}

// Context is canceled when the session is unregistered.
func (s *Session) Context() context.Context {
	return s.ctx
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending returns the number of queued payloads.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Admit applies policy to a newly arrived payload.
func (s *Session) Admit(raw string, policy Policy, depth int) (Admission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return Admission{}, ErrSessionClosed
	case StateConnected, StateIdle:
		return Admission{Start: s.startLocked(raw)}, nil
	}

	switch policy {
	case PolicyRestart:
		prev := s.current
		prev.cancel()
		s.queue = nil
		return Admission{Start: s.startLocked(raw), Superseded: prev}, nil
	case PolicyQueue:
		if len(s.queue) >= depth {
			return Admission{}, ErrBusy
		}
		s.queue = append(s.queue, raw)
		return Admission{Queued: true}, nil
	default:
		return Admission{}, ErrBusy
	}
}

func (s *Session) startLocked(raw string) *Attempt {
	s.seq++
	ctx, cancel := context.WithCancel(s.ctx)
	a := &Attempt{Seq: s.seq, Raw: raw, ctx: ctx, cancel: cancel}
	s.current = a
	s.state = StateIdentifying
	return a
}

// Complete finishes attempt a. deliver, when non-nil, is called with the
// session handle only if a is still the current attempt and the session is
// open; it runs under the session lock so no event can follow a disconnect.
// If payloads are queued, the next attempt is started and returned.
func (s *Session) Complete(a *Attempt, deliver func(Handle) error) (next *Attempt, delivered bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer a.cancel()

	if s.state == StateClosed || s.current != a {
		return nil, false, nil
	}

	if deliver != nil {
		err = deliver(s.handle)
		delivered = err == nil
	}

	if len(s.queue) > 0 {
		raw := s.queue[0]
		s.queue = s.queue[1:]
		return s.startLocked(raw), delivered, err
	}

	s.current = nil
	s.state = StateIdle
	return nil, delivered, err
}

// Emit sends an event immediately, outside any attempt. It fails with
// ErrSessionClosed once the session is closed.
func (s *Session) Emit(ctx context.Context, event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	return s.handle.Emit(ctx, event, payload)
}

// close moves the session to StateClosed and cancels all work. It reports
// how many attempts (running or queued) were abandoned.
func (s *Session) close() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return 0
	}

	abandoned := len(s.queue)
	if s.current != nil {
		abandoned++
		s.current.cancel()
		s.current = nil
	}
	s.queue = nil
	s.state = StateClosed
	s.cancel()
	return abandoned
}
