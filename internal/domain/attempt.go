package domain

import "time"

// Outcome is the terminal result of one identification attempt.
type Outcome string

const (
	// OutcomeSuccess means auth-success was emitted.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailure means auth-fail was emitted.
	OutcomeFailure Outcome = "failure"
	// OutcomeDropped means the payload could not be decoded and nothing was emitted.
	OutcomeDropped Outcome = "dropped"
	// OutcomeCanceled means the session closed before a result was delivered.
	OutcomeCanceled Outcome = "canceled"
)

// Attempt is the audit record of one identify-face cycle.
type Attempt struct {
	ID           int64
	SessionID    string
	Sequence     uint64
	Outcome      Outcome
	PersonID     string
	Reason       string
	PayloadBytes int
	Format       string
	Width        int
	Height       int
	Latency      time.Duration
	CreatedAt    time.Time
}

// AttemptSummary aggregates recorded attempts.
type AttemptSummary struct {
	Total            int64   `json:"total"`
	Succeeded        int64   `json:"succeeded"`
	Failed           int64   `json:"failed"`
	Dropped          int64   `json:"dropped"`
	Canceled         int64   `json:"canceled"`
	SuccessRate      float64 `json:"success_rate"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}
