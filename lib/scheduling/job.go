package scheduling

import (
	"context"
	"time"
)

type RetryPolicy struct {
	// total attempts per run including the first, 0 uses 3.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = time.Second
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 30 * time.Second
	}
	return p
}

type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
	// per attempt, 0 means no timeout.
	Timeout time.Duration
	Retry   RetryPolicy
	// overrides BreakerConfig.TripAfter for this job when non-zero.
	TripAfter int
}

type Outcome string

const (
	OutcomeOk      Outcome = "ok"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Run is the record of one execution of a job.
type Run struct {
	Job        string    `json:"job"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Attempts   int       `json:"attempts"`
	Err        string    `json:"err,omitempty"`
	Outcome    Outcome   `json:"outcome"`
}

func (r Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

type EntryInfo struct {
	Name     string
	Schedule string
	Next     time.Time
	Prev     time.Time
}
