package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"server/internal/domain"
	"server/internal/gateway"
)

// fakeLedger mirrors the SQL semantics: guarded reserve, clamped charge,
// floored refund.
type fakeLedger struct {
	mu        sync.Mutex
	remaining map[string]int64
	used      map[string]int64
	adjusts   int
	failNext  int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{remaining: map[string]int64{}, used: map[string]int64{}}
}

func (l *fakeLedger) Reserve(ctx context.Context, ownerID string, amount int64) (domain.Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remaining[ownerID] < amount {
		return domain.Balance{}, domain.ErrInsufficientTokens
	}
	l.remaining[ownerID] -= amount
	l.used[ownerID] += amount
	return domain.Balance{TokensRemaining: l.remaining[ownerID], TokensUsed: l.used[ownerID]}, nil
}

func (l *fakeLedger) Adjust(ctx context.Context, ownerID string, delta int64) (domain.Balance, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext > 0 {
		l.failNext--
		return domain.Balance{}, 0, errors.New("ledger unavailable")
	}
	l.adjusts++
	applied := delta
	if delta >= 0 {
		if applied > l.remaining[ownerID] {
			applied = l.remaining[ownerID]
		}
	} else {
		if -applied > l.used[ownerID] {
			applied = -l.used[ownerID]
		}
	}
	l.remaining[ownerID] -= applied
	l.used[ownerID] += applied
	return domain.Balance{TokensRemaining: l.remaining[ownerID], TokensUsed: l.used[ownerID]}, applied, nil
}

func (l *fakeLedger) TopUp(ctx context.Context, ownerID string, amount int64) (domain.Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remaining[ownerID] += amount
	return domain.Balance{TokensRemaining: l.remaining[ownerID], TokensUsed: l.used[ownerID]}, nil
}

func (l *fakeLedger) Balance(ctx context.Context, ownerID string) (domain.Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return domain.Balance{TokensRemaining: l.remaining[ownerID], TokensUsed: l.used[ownerID]}, nil
}

type fakeJobs struct {
	mu         sync.Mutex
	jobs       map[string]*domain.Job
	order      []string
	failCreate bool
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: map[string]*domain.Job{}}
}

func (s *fakeJobs) Create(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate {
		return errors.New("insert failed")
	}
	copied := *job
	copied.CreatedAt = time.Now()
	s.jobs[job.ID] = &copied
	s.order = append(s.order, job.ID)
	return nil
}

func (s *fakeJobs) Claim(ctx context.Context) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		job := s.jobs[id]
		if job.Status == domain.JobStatusPending {
			job.Status = domain.JobStatusProcessing
			now := time.Now()
			job.StartedAt = &now
			copied := *job
			return &copied, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *fakeJobs) Finalize(ctx context.Context, jobID string, res domain.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status != domain.JobStatusProcessing {
		return domain.ErrJobFinalized
	}
	job.Status = res.Status
	job.ResultImages = res.Images
	job.ResultText = res.Text
	job.Usage = res.Usage
	job.ErrorCode = res.ErrorCode
	job.ErrorMessage = res.ErrorMessage
	job.SettledTokens = res.Settled
	now := time.Now()
	job.CompletedAt = &now
	return nil
}

func (s *fakeJobs) BumpRetry(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.RetryCount++
	}
	return nil
}

func (s *fakeJobs) GetForOwner(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *fakeJobs) ExpireProcessing(ctx context.Context, budget time.Duration, message string) ([]domain.ExpiredJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []domain.ExpiredJob
	cutoff := time.Now().Add(-budget)
	for _, id := range s.order {
		job := s.jobs[id]
		if job.Status != domain.JobStatusProcessing || job.StartedAt == nil || !job.StartedAt.Before(cutoff) {
			continue
		}
		job.Status = domain.JobStatusTimedOut
		job.ErrorCode = string(gateway.CodeTimeout)
		job.ErrorMessage = message
		now := time.Now()
		job.CompletedAt = &now
		expired = append(expired, domain.ExpiredJob{
			ID:             job.ID,
			OwnerID:        job.OwnerID,
			Backend:        job.Backend,
			ReservedTokens: job.ReservedTokens,
		})
	}
	return expired, nil
}

type fakeKeys map[string]string

func (k fakeKeys) Key(ctx context.Context, ownerID, provider string) (string, error) {
	return k[ownerID], nil
}

// scriptedDispatcher returns its queued outcomes in order, repeating the last
// one forever.
type scriptedDispatcher struct {
	mu       sync.Mutex
	outcomes []dispatchOutcome
	calls    int
}

type dispatchOutcome struct {
	resp *gateway.Response
	err  error
}

func (d *scriptedDispatcher) Name() string { return "scripted" }

func (d *scriptedDispatcher) Dispatch(ctx context.Context, req gateway.Request) (*gateway.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.calls
	d.calls++
	if idx >= len(d.outcomes) {
		idx = len(d.outcomes) - 1
	}
	out := d.outcomes[idx]
	return out.resp, out.err
}

type fakeGateways struct {
	dispatcher gateway.Dispatcher
	err        error
	lastKey    string
}

func (g *fakeGateways) Dispatcher(route gateway.Route, userKey string) (gateway.Dispatcher, error) {
	g.lastKey = userKey
	if g.err != nil {
		return nil, g.err
	}
	return g.dispatcher, nil
}
