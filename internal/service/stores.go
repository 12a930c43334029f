package service

import (
	"context"
	"time"

	"server/internal/domain"
	"server/internal/gateway"
)

// Ledger is the balance contract the pipeline consumes. Reserve and Adjust
// are the only two mutations a job lifecycle may perform.
type Ledger interface {
	Reserve(ctx context.Context, ownerID string, amount int64) (domain.Balance, error)
	Adjust(ctx context.Context, ownerID string, delta int64) (domain.Balance, int64, error)
	TopUp(ctx context.Context, ownerID string, amount int64) (domain.Balance, error)
	Balance(ctx context.Context, ownerID string) (domain.Balance, error)
}

// JobStore is the job persistence contract.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	Claim(ctx context.Context) (*domain.Job, error)
	Finalize(ctx context.Context, jobID string, res domain.JobResult) error
	BumpRetry(ctx context.Context, jobID string) error
	GetForOwner(ctx context.Context, jobID, ownerID string) (*domain.Job, error)
	ExpireProcessing(ctx context.Context, budget time.Duration, message string) ([]domain.ExpiredJob, error)
}

// KeyStore resolves user-supplied gateway keys, read-only from here.
type KeyStore interface {
	Key(ctx context.Context, ownerID, provider string) (string, error)
}

// DispatcherSource resolves a typed route to a concrete dispatcher.
type DispatcherSource interface {
	Dispatcher(route gateway.Route, userKey string) (gateway.Dispatcher, error)
}
