// Package recognition wraps the external face recognition capability.
//
// A Recognizer is the pluggable strategy that maps a bitmap to a person. The
// Gateway invokes it with a time budget and normalizes every outcome, including
// panics, into a Result so that callers never see an error.
package recognition

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/facegate/internal/domain"
	"github.com/ashureev/facegate/internal/imagedecode"
)

// ErrNoMatch is returned by a Recognizer when no known person matches.
var ErrNoMatch = errors.New("no matching person")

// Recognizer identifies the person in a bitmap.
type Recognizer interface {
	Identify(ctx context.Context, bm *imagedecode.Bitmap) (domain.Person, error)
}

// RecognizerFunc adapts a function to the Recognizer interface.
type RecognizerFunc func(ctx context.Context, bm *imagedecode.Bitmap) (domain.Person, error)

// Identify calls f.
func (f RecognizerFunc) Identify(ctx context.Context, bm *imagedecode.Bitmap) (domain.Person, error) {
	return f(ctx, bm)
}

// DefaultPerson is the identity returned by the simulated recognizer.
var DefaultPerson = domain.Person{ID: "p123", Name: "김철수"}

// DefaultLatency is the simulated recognition delay.
const DefaultLatency = 500 * time.Millisecond

// SimulatedRecognizer stands in for a real model: it waits Latency and then
// reports Person as matched.
type SimulatedRecognizer struct {
	Latency time.Duration
	Person  domain.Person
}

// NewSimulatedRecognizer returns a simulated recognizer that answers with DefaultPerson.
func NewSimulatedRecognizer(latency time.Duration) *SimulatedRecognizer {
	return &SimulatedRecognizer{Latency: latency, Person: DefaultPerson}
}

// Identify waits for the configured latency, honoring ctx.
func (s *SimulatedRecognizer) Identify(ctx context.Context, _ *imagedecode.Bitmap) (domain.Person, error) {
	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.Person{}, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return domain.Person{}, err
	}
	return s.Person, nil
}
