package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/facegate/internal/domain"
	"github.com/ashureev/facegate/internal/imagedecode"
)

// Reason explains a failed identification.
type Reason string

const (
	// ReasonNoMatch means the recognizer found nobody.
	ReasonNoMatch Reason = "no-match"
	// ReasonInternal covers recognizer errors and panics.
	ReasonInternal Reason = "internal-error"
	// ReasonTimeout means the recognition budget ran out.
	ReasonTimeout Reason = "timeout"
	// ReasonBusy means another identification was already in flight.
	ReasonBusy Reason = "busy"
	// ReasonSuperseded means a newer payload replaced this one.
	ReasonSuperseded Reason = "superseded"
)

// Result is either a success carrying a Person or a failure carrying a Reason.
type Result struct {
	Person   domain.Person
	Reason   Reason
	canceled bool
}

// Success builds a successful Result.
func Success(p domain.Person) Result {
	return Result{Person: p}
}

// Failure builds a failed Result.
func Failure(reason Reason) Result {
	return Result{Reason: reason}
}

// OK reports whether the result is a success.
func (r Result) OK() bool {
	return r.Reason == "" && !r.canceled
}

// Canceled reports whether the caller's context ended before a result was
// produced. A canceled result must be discarded.
func (r Result) Canceled() bool {
	return r.canceled
}

func (r Result) String() string {
	switch {
	case r.canceled:
		return "canceled"
	case r.OK():
		return fmt.Sprintf("success(%s)", r.Person.ID)
	default:
		return fmt.Sprintf("failure(%s)", r.Reason)
	}
}

// DefaultTimeout bounds a single recognition call.
const DefaultTimeout = 5 * time.Second

var errRecognizerPanic = errors.New("recognizer panicked")

// Gateway invokes a Recognizer under a timeout and maps its outcome to a Result.
type Gateway struct {
	recognizer Recognizer
	timeout    time.Duration
	logger     *slog.Logger
}

// NewGateway creates a gateway. A non-positive timeout disables the budget.
func NewGateway(recognizer Recognizer, timeout time.Duration, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		recognizer: recognizer,
		timeout:    timeout,
		logger:     logger,
	}
}

type outcome struct {
	person domain.Person
	err    error
}

// Identify runs the recognizer. It never returns an error and never panics.
// The timeout holds even when the recognizer ignores its context: the call is
// abandoned and its eventual result discarded.
func (g *Gateway) Identify(ctx context.Context, bm *imagedecode.Bitmap) Result {
	if ctx.Err() != nil {
		return Result{canceled: true}
	}

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				g.logger.Error("Recognizer panicked", "panic", rec)
				done <- outcome{err: errRecognizerPanic}
			}
		}()
		person, err := g.recognizer.Identify(callCtx, bm)
		done <- outcome{person: person, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		out.err = callCtx.Err()
	}

	switch {
	case ctx.Err() != nil:
		return Result{canceled: true}
	case errors.Is(out.err, errRecognizerPanic):
		return Failure(ReasonInternal)
	case out.err == nil && out.person.Valid():
		return Success(out.person)
	case out.err == nil:
		g.logger.Error("Recognizer returned an incomplete person", "person_id", out.person.ID)
		return Failure(ReasonInternal)
	case errors.Is(out.err, ErrNoMatch):
		return Failure(ReasonNoMatch)
	case errors.Is(out.err, context.DeadlineExceeded):
		g.logger.Warn("Recognition timed out", "timeout", g.timeout)
		return Failure(ReasonTimeout)
	default:
		g.logger.Error("Recognition failed", "error", out.err)
		return Failure(ReasonInternal)
	}
}
