package service

import (
	"context"
	"time"

	"server/internal/gateway"

	"github.com/rs/zerolog"
)

// Sweeper is the reconciliation pass for jobs stuck in processing, covering
// worker crashes and abandoned in-flight calls. It forces the timed-out
// transition and issues the refund for every row it wins.
type Sweeper struct {
	jobs   JobStore
	ledger Ledger
	budget time.Duration
	logger zerolog.Logger
}

func NewSweeper(jobs JobStore, ledger Ledger, budget time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{jobs: jobs, ledger: ledger, budget: budget, logger: logger}
}

// SweepOnce expires every over-budget processing job and refunds its
// reservation. It returns how many jobs it transitioned.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	expired, err := s.jobs.ExpireProcessing(ctx, s.budget, "job exceeded its time budget")
	if err != nil {
		return 0, err
	}
	for _, job := range expired {
		log := s.logger.With().Str("job_id", job.ID).Str("owner_id", job.OwnerID).Logger()
		log.Warn().Str("status", "timed_out").Msg("sweep expired stuck job")

		if gateway.Variant(job.Backend) == gateway.VariantUserKey || job.ReservedTokens == 0 {
			continue
		}
		if _, _, err := s.ledger.Adjust(ctx, job.OwnerID, -job.ReservedTokens); err != nil {
			log.Error().Err(err).
				Int64("reserved", job.ReservedTokens).
				Msg("sweep refund failed, MANUAL RECONCILIATION REQUIRED")
			continue
		}
		log.Info().Int64("refunded", job.ReservedTokens).Msg("sweep refunded reservation")
	}
	return len(expired), nil
}
