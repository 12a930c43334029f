package service

import (
	"context"
	"errors"
	"fmt"

	"server/internal/domain"
	"server/internal/gateway"
	"server/internal/infra/credentials"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// MaxInstructionChars bounds the edit instruction.
	MaxInstructionChars = 10000
	// MaxImageBytes bounds each submitted image's decoded size.
	MaxImageBytes = 4 << 20
)

// Rejection codes returned synchronously by Enqueue. Anything after a job
// exists is only observable through the status endpoint.
const (
	RejectInvalidInstruction = "INVALID_INSTRUCTION"
	RejectImageTooLarge      = "IMAGE_TOO_LARGE"
	RejectUnsupportedBackend = "UNSUPPORTED_BACKEND"
	RejectNoKeyConfigured    = "NO_KEY_CONFIGURED"
	RejectInsufficientTokens = "INSUFFICIENT_TOKENS"
)

// Rejection is a typed synchronous refusal; no job record exists when one is
// returned.
type Rejection struct {
	Code            string
	Message         string
	TokensRemaining int64
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("enqueue rejected: %s: %s", r.Code, r.Message)
}

// Submission is one user request to edit images.
type Submission struct {
	Instruction     string
	RequestID       string
	BatchID         string
	InputImages     []domain.ImagePayload
	ReferenceImages []domain.ImagePayload
	Backend         string
	ImageSize       string
	AspectRatio     string
}

// Receipt is what the caller gets back; everything else is polled.
type Receipt struct {
	JobID           string
	RequestID       string
	Status          domain.JobStatus
	TokensRemaining int64
}

// Enqueuer validates a submission, takes the flat token reservation, creates
// the pending job row and nudges the worker. It returns before any dispatch
// happens.
type Enqueuer struct {
	jobs    JobStore
	ledger  Ledger
	keys    KeyStore
	reserve int64
	wake    func()
	logger  zerolog.Logger
}

func NewEnqueuer(jobs JobStore, ledger Ledger, keys KeyStore, reserve int64, wake func(), logger zerolog.Logger) *Enqueuer {
	if wake == nil {
		wake = func() {}
	}
	return &Enqueuer{jobs: jobs, ledger: ledger, keys: keys, reserve: reserve, wake: wake, logger: logger}
}

// Enqueue runs the fail-fast validation chain, reserves tokens, inserts the
// job and returns. The reserve+insert pair is compensated: an insert failure
// refunds the reservation before the error propagates.
func (e *Enqueuer) Enqueue(ctx context.Context, ownerID string, sub Submission) (*Receipt, error) {
	if sub.Instruction == "" {
		return nil, &Rejection{Code: RejectInvalidInstruction, Message: "instruction is required"}
	}
	if len(sub.Instruction) > MaxInstructionChars {
		return nil, &Rejection{Code: RejectInvalidInstruction, Message: fmt.Sprintf("instruction exceeds %d characters", MaxInstructionChars)}
	}
	for _, img := range append(append([]domain.ImagePayload{}, sub.InputImages...), sub.ReferenceImages...) {
		if len(img.Data) > MaxImageBytes {
			return nil, &Rejection{Code: RejectImageTooLarge, Message: "image exceeds 4 MiB"}
		}
	}

	route, err := gateway.ParseSelector(sub.Backend)
	if err != nil {
		return nil, &Rejection{Code: RejectUnsupportedBackend, Message: "unsupported backend selector"}
	}

	var reserved int64
	var balance domain.Balance
	if route.BilledByUser() {
		key, err := e.keys.Key(ctx, ownerID, credentials.ProviderGemini)
		if err != nil {
			return nil, fmt.Errorf("enqueue: load user key: %w", err)
		}
		if key == "" {
			return nil, &Rejection{Code: RejectNoKeyConfigured, Message: "no gateway key configured for this account"}
		}
		if balance, err = e.ledger.Balance(ctx, ownerID); err != nil {
			return nil, fmt.Errorf("enqueue: read balance: %w", err)
		}
	} else {
		balance, err = e.ledger.Reserve(ctx, ownerID, e.reserve)
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientTokens) {
				current, berr := e.ledger.Balance(ctx, ownerID)
				if berr != nil {
					e.logger.Warn().Err(berr).Str("owner_id", ownerID).Msg("enqueue: balance read after rejection failed")
				}
				return nil, &Rejection{
					Code:            RejectInsufficientTokens,
					Message:         "token balance too low for this job",
					TokensRemaining: current.TokensRemaining,
				}
			}
			return nil, fmt.Errorf("enqueue: reserve tokens: %w", err)
		}
		reserved = e.reserve
	}

	requestID := sub.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	job := &domain.Job{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		RequestID:       requestID,
		BatchID:         sub.BatchID,
		Status:          domain.JobStatusPending,
		Instruction:     sub.Instruction,
		InputImages:     sub.InputImages,
		ReferenceImages: sub.ReferenceImages,
		Backend:         string(route.Variant),
		Model:           route.Model,
		ImageSize:       sub.ImageSize,
		AspectRatio:     sub.AspectRatio,
		ReservedTokens:  reserved,
	}

	if err := e.jobs.Create(ctx, job); err != nil {
		if reserved > 0 {
			if _, _, rerr := e.ledger.Adjust(ctx, ownerID, -reserved); rerr != nil {
				e.logger.Error().Err(rerr).
					Str("owner_id", ownerID).
					Int64("reserved", reserved).
					Msg("enqueue: compensating refund failed, manual reconciliation required")
			}
		}
		return nil, fmt.Errorf("enqueue: create job: %w", err)
	}

	e.logger.Info().
		Str("job_id", job.ID).
		Str("owner_id", ownerID).
		Str("backend", job.Backend).
		Str("status", string(job.Status)).
		Msg("job enqueued")

	// The pending row is the durable hand-off; the wake is only a latency
	// hint and may be lost.
	go e.wake()

	return &Receipt{
		JobID:           job.ID,
		RequestID:       requestID,
		Status:          domain.JobStatusPending,
		TokensRemaining: balance.TokensRemaining,
	}, nil
}
