// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/facegate/internal/domain"
)

// Repository defines the interface for persisting identification attempts.
type Repository interface {
	// RecordAttempt stores one finished attempt and sets its ID.
	RecordAttempt(ctx context.Context, attempt *domain.Attempt) error

	// RecentAttempts returns up to limit attempts, newest first.
	RecentAttempts(ctx context.Context, limit int) ([]*domain.Attempt, error)

	// SessionAttempts returns the latest limit attempts of one session in sequence order.
	SessionAttempts(ctx context.Context, sessionID string, limit int) ([]*domain.Attempt, error)

	// Summary aggregates all stored attempts.
	Summary(ctx context.Context) (*domain.AttemptSummary, error)

	// DeleteAttemptsBefore removes attempts created before cutoff.
	DeleteAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
