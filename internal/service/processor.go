package service

import (
	"context"
	"errors"
	"time"

	"server/internal/domain"
	"server/internal/gateway"
	"server/internal/infra/credentials"

	"github.com/rs/zerolog"
)

// ProcessorConfig bounds one job's execution.
type ProcessorConfig struct {
	// JobTimeout is the wall-clock budget from started_at; past it the job is
	// timed out regardless of what is in flight.
	JobTimeout time.Duration
	// DispatchTimeout caps a single gateway attempt.
	DispatchTimeout time.Duration
	// MaxAttempts is the total attempt budget for retryable gateway errors.
	MaxAttempts int
	// SettleMaxAttempts bounds retries of the ledger settlement itself.
	SettleMaxAttempts int
}

func (c ProcessorConfig) withDefaults() ProcessorConfig {
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.SettleMaxAttempts <= 0 {
		c.SettleMaxAttempts = 5
	}
	return c
}

// Processor performs the dispatch for claimed jobs and reconciles ledger and
// job record exactly once per job.
type Processor struct {
	jobs     JobStore
	ledger   Ledger
	keys     KeyStore
	gateways DispatcherSource
	cfg      ProcessorConfig
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration)
}

func NewProcessor(jobs JobStore, ledger Ledger, keys KeyStore, gateways DispatcherSource, cfg ProcessorConfig, logger zerolog.Logger) *Processor {
	return &Processor{
		jobs:     jobs,
		ledger:   ledger,
		keys:     keys,
		gateways: gateways,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		sleep:    ctxSleep,
	}
}

// ErrNoJob is returned by ProcessNext when the queue is empty.
var ErrNoJob = errors.New("no job available")

// ProcessNext claims the oldest pending job and runs it to a terminal state.
func (p *Processor) ProcessNext(ctx context.Context) error {
	job, err := p.jobs.Claim(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrNoJob
		}
		return err
	}
	p.Process(ctx, job)
	return nil
}

// Process drives one claimed job to its terminal state. The terminal write is
// a compare-and-set; only the winner settles the ledger, which is what makes
// the settlement at-most-once.
func (p *Processor) Process(ctx context.Context, job *domain.Job) {
	log := p.logger.With().Str("job_id", job.ID).Str("owner_id", job.OwnerID).Str("backend", job.Backend).Logger()
	log.Info().Str("status", string(domain.JobStatusProcessing)).Msg("job claimed")

	route := gateway.Route{Variant: gateway.Variant(job.Backend), Model: job.Model}

	userKey := ""
	if route.BilledByUser() {
		key, err := p.keys.Key(ctx, job.OwnerID, credentials.ProviderGemini)
		if err != nil || key == "" {
			if err != nil {
				log.Error().Err(err).Msg("user key lookup failed")
			}
			p.finalize(ctx, job, route, domain.JobResult{
				Status:       domain.JobStatusFailed,
				ErrorCode:    RejectNoKeyConfigured,
				ErrorMessage: "gateway key no longer configured",
			}, log)
			return
		}
		userKey = key
	}

	dispatcher, err := p.gateways.Dispatcher(route, userKey)
	if err != nil {
		log.Error().Err(err).Msg("no dispatcher for route")
		p.finalize(ctx, job, route, domain.JobResult{
			Status:       domain.JobStatusFailed,
			ErrorCode:    string(gateway.CodeUnknownUpstream),
			ErrorMessage: "backend unavailable",
		}, log)
		return
	}

	resp, dispatchErr, timedOut := p.dispatch(ctx, job, dispatcher, log)

	var result domain.JobResult
	switch {
	case timedOut:
		result = domain.JobResult{
			Status:       domain.JobStatusTimedOut,
			ErrorCode:    string(gateway.CodeTimeout),
			ErrorMessage: "job exceeded its time budget",
		}
	case dispatchErr != nil:
		ge := classified(dispatchErr)
		result = domain.JobResult{
			Status:       domain.JobStatusFailed,
			ErrorCode:    string(ge.Code),
			ErrorMessage: ge.Message,
		}
	case len(resp.Images) == 0:
		// Upstream succeeded but produced nothing usable. The client sees a
		// completed job with an empty result; billing treats it as a failure
		// and refunds the whole reservation.
		result = domain.JobResult{
			Status:       domain.JobStatusCompleted,
			Text:         resp.Text,
			ErrorCode:    string(gateway.CodeNoImages),
			ErrorMessage: "backend returned no images",
		}
	default:
		usage := domain.Usage{Prompt: resp.Usage.Prompt, Completion: resp.Usage.Completion, Total: resp.Usage.Total}
		result = domain.JobResult{
			Status: domain.JobStatusCompleted,
			Images: resp.Images,
			Text:   resp.Text,
			Usage:  &usage,
		}
	}

	p.finalize(ctx, job, route, result, log)
}

// dispatch runs gateway attempts under the job's remaining wall budget.
// timedOut reports budget exhaustion; otherwise the last error (if any) is
// returned for classification.
func (p *Processor) dispatch(ctx context.Context, job *domain.Job, dispatcher gateway.Dispatcher, log zerolog.Logger) (resp *gateway.Response, err error, timedOut bool) {
	started := time.Now()
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	deadline := started.Add(p.cfg.JobTimeout)

	req := gateway.Request{
		Instruction: job.Instruction,
		ImageSize:   job.ImageSize,
		AspectRatio: job.AspectRatio,
		Model:       job.Model,
	}
	for _, img := range job.InputImages {
		req.Images = append(req.Images, gateway.ImagePart{MIME: img.MIME, Data: img.Data})
	}
	for _, img := range job.ReferenceImages {
		req.ReferenceImages = append(req.ReferenceImages, gateway.ImagePart{MIME: img.MIME, Data: img.Data})
	}

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, err, true
		}
		attemptBudget := p.cfg.DispatchTimeout
		if remaining < attemptBudget {
			attemptBudget = remaining
		}

		attemptCtx, cancel := context.WithTimeout(ctx, attemptBudget)
		resp, err = dispatcher.Dispatch(attemptCtx, req)
		cancel()
		if err == nil {
			return resp, nil, false
		}

		log.Warn().Err(err).Int("attempt", attempt).Msg("dispatch attempt failed")
		if !gateway.Retryable(err) {
			return nil, err, false
		}
		if berr := p.jobs.BumpRetry(ctx, job.ID); berr != nil {
			log.Error().Err(berr).Msg("retry count update failed")
		}
		if attempt < p.cfg.MaxAttempts {
			backoff := time.Duration(attempt) * time.Second
			if backoff > time.Until(deadline) {
				return nil, err, true
			}
			p.sleep(ctx, backoff)
		}
	}
	return nil, err, false
}

// finalize writes the terminal record and, if this call won the transition,
// performs the single ledger settlement.
func (p *Processor) finalize(ctx context.Context, job *domain.Job, route gateway.Route, result domain.JobResult, log zerolog.Logger) {
	usageTotal := int64(0)
	if result.Usage != nil {
		usageTotal = int64(result.Usage.Total)
	}
	delta := settlementDelta(job.ReservedTokens, result, route.BilledByUser())
	result.Settled = job.ReservedTokens + delta
	if route.BilledByUser() {
		result.Settled = 0
	}

	if err := p.jobs.Finalize(ctx, job.ID, result); err != nil {
		if errors.Is(err, domain.ErrJobFinalized) {
			// Lost the race, most likely to the timeout sweep. The winner
			// owns the settlement.
			log.Warn().Str("status", string(result.Status)).Msg("job already finalized elsewhere, skipping settlement")
			return
		}
		log.Error().Err(err).Msg("finalize failed, job left processing for the sweep")
		return
	}

	log.Info().
		Str("status", string(result.Status)).
		Str("error_code", result.ErrorCode).
		Int64("usage_total", usageTotal).
		Int64("settle_delta", delta).
		Msg("job finalized")

	if delta != 0 {
		p.settle(ctx, job, delta, log)
	}
}

// settle retries the reconciling adjust until it lands. A charge that is
// never applied or a refund that is never issued is the one unacceptable
// silent loss in this pipeline, hence the loud trail when retries run out.
func (p *Processor) settle(ctx context.Context, job *domain.Job, delta int64, log zerolog.Logger) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.SettleMaxAttempts; attempt++ {
		_, applied, err := p.ledger.Adjust(ctx, job.OwnerID, delta)
		if err == nil {
			log.Info().Int64("delta", delta).Int64("applied", applied).Msg("ledger settled")
			return
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("ledger settlement failed, retrying")
		p.sleep(ctx, time.Duration(attempt)*time.Second)
	}
	log.Error().Err(lastErr).
		Int64("delta", delta).
		Str("owner_id", job.OwnerID).
		Msg("ledger settlement abandoned, MANUAL RECONCILIATION REQUIRED")
}

// settlementDelta computes the single reconciling adjustment for a terminal
// job: actual-vs-reserved for completed jobs with output, full refund for
// everything else, and always zero on the user-key path.
func settlementDelta(reserved int64, result domain.JobResult, billedByUser bool) int64 {
	if billedByUser {
		return 0
	}
	if result.Status == domain.JobStatusCompleted && len(result.Images) > 0 {
		usage := int64(0)
		if result.Usage != nil {
			usage = int64(result.Usage.Total)
		}
		return usage - reserved
	}
	return -reserved
}

func classified(err error) *gateway.Error {
	if ge, ok := err.(*gateway.Error); ok {
		return ge
	}
	return &gateway.Error{Code: gateway.CodeUnknownUpstream, Message: gateway.Truncate(err.Error(), 100)}
}

func ctxSleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
