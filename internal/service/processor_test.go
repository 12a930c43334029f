package service

import (
	"context"
	"testing"
	"time"

	"server/internal/domain"
	"server/internal/gateway"

	"github.com/rs/zerolog"
)

func newProcessor(jobs *fakeJobs, ledger *fakeLedger, keys fakeKeys, gw *fakeGateways, cfg ProcessorConfig) *Processor {
	p := NewProcessor(jobs, ledger, keys, gw, cfg, zerolog.Nop())
	p.sleep = func(ctx context.Context, d time.Duration) {}
	return p
}

// seedJob puts a pending job in the store against an account that already
// holds the reservation, matching the state Enqueue leaves behind.
func seedJob(t *testing.T, jobs *fakeJobs, ledger *fakeLedger, backend string, reserved int64) *domain.Job {
	t.Helper()
	job := &domain.Job{
		ID:             "job-1",
		OwnerID:        "u1",
		Status:         domain.JobStatusPending,
		Instruction:    "edit",
		Backend:        backend,
		Model:          "gemini-2.5-flash-image",
		ReservedTokens: reserved,
	}
	if err := jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if reserved > 0 {
		ledger.remaining["u1"] = 5000 - reserved
		ledger.used["u1"] = reserved
	}
	return job
}

func TestProcessSettlesActualUsage(t *testing.T) {
	jobs := newFakeJobs()
	ledger := newFakeLedger()
	seedJob(t, jobs, ledger, "direct", 1500)
	gw := &fakeGateways{dispatcher: &scriptedDispatcher{outcomes: []dispatchOutcome{
		{resp: &gateway.Response{
			Images: []string{"data:image/png;base64,AAAA"},
			Text:   "done",
			Usage:  gateway.Usage{Prompt: 1000, Completion: 800, Total: 1800},
		}},
	}}}
	p := newProcessor(jobs, ledger, fakeKeys{}, gw, ProcessorConfig{})

	if err := p.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext() error: %v", err)
	}

	job, _ := jobs.GetForOwner(context.Background(), "job-1", "u1")
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.SettledTokens != 1800 {
		t.Fatalf("settled = %d, want 1800", job.SettledTokens)
	}
	if ledger.remaining["u1"] != 3200 || ledger.used["u1"] != 1800 {
		t.Fatalf("balance = %d/%d, want 3200 remaining 1800 used", ledger.remaining["u1"], ledger.used["u1"])
	}
}

func TestProcessNoImagesRefundsEverything(t *testing.T) {
	jobs := newFakeJobs()
	ledger := newFakeLedger()
	seedJob(t, jobs, ledger, "direct", 1500)
	gw := &fakeGateways{dispatcher: &scriptedDispatcher{outcomes: []dispatchOutcome{
		{resp: &gateway.Response{Text: "nothing to change", Usage: gateway.Usage{Total: 40}}},
	}}}
	p := newProcessor(jobs, ledger, fakeKeys{}, gw, ProcessorConfig{})

	if err := p.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext() error: %v", err)
	}

	job, _ := jobs.GetForOwner(context.Background(), "job-1", "u1")
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.ErrorCode != string(gateway.CodeNoImages) {
		t.Fatalf("error code = %q, want NO_IMAGES", job.ErrorCode)
	}
	if ledger.remaining["u1"] != 5000 || ledger.used["u1"] != 0 {
		t.Fatalf("balance = %d/%d, want full refund", ledger.remaining["u1"], ledger.used["u1"])
	}
}

func TestProcessRetryBudgetExhausted(t *testing.T) {
	jobs := newFakeJobs()
	ledger := newFakeLedger()
	seedJob(t, jobs, ledger, "hosted", 1500)
	dispatcher := &scriptedDispatcher{outcomes: []dispatchOutcome{
		{err: &gateway.Error{Code: gateway.CodeRateLimited, Message: "quota", Retryable: true}},
	}}
	gw := &fakeGateways{dispatcher: dispatcher}
	p := newProcessor(jobs, ledger, fakeKeys{}, gw, ProcessorConfig{MaxAttempts: 3})

	if err := p.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext() error: %v", err)
	}

	if dispatcher.calls != 3 {
		t.Fatalf("dispatch calls = %d, want 3", dispatcher.calls)
	}
	job, _ := jobs.GetForOwner(context.Background(), "job-1", "u1")
	if job.Status != domain.JobStatusFailed || job.ErrorCode != string(gateway.CodeRateLimited) {
		t.Fatalf("job = %s/%s, want failed/RATE_LIMITED", job.Status, job.ErrorCode)
	}
	if job.RetryCount != 3 {
		t.Fatalf("retry count = %d, want 3", job.RetryCount)
	}
	if ledger.remaining["u1"] != 5000 || ledger.used["u1"] != 0 {
		t.Fatalf("balance = %d/%d, want full refund", ledger.remaining["u1"], ledger.used["u1"])
	}
}

func TestProcessNonRetryableFailsImmediately(t *testing.T) {
	jobs := newFakeJobs()
	ledger := newFakeLedger()
	seedJob(t, jobs, ledger, "direct", 1500)
	dispatcher := &scriptedDispatcher{outcomes: []dispatchOutcome{
		{err: &gateway.Error{Code: gateway.CodeContentBlocked, Message: "safety block"}},
	}}
	gw := &fakeGateways{dispatcher: dispatcher}
	p := newProcessor(jobs, ledger, fakeKeys{}, gw, ProcessorConfig{MaxAttempts: 3})

	if err := p.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext() error: %v", err)
	}

	if dispatcher.calls != 1 {
		t.Fatalf("dispatch calls = %d, want 1", dispatcher.calls)
	}
	job, _ := jobs.GetForOwner(context.Background(), "job-1", "u1")
	if job.Status != domain.JobStatusFailed || job.ErrorCode != string(gateway.CodeContentBlocked) {
		t.Fatalf("job = %s/%s, want failed/CONTENT_BLOCKED", job.Status, job.ErrorCode)
	}
	if job.RetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", job.RetryCount)
	}
	if ledger.remaining["u1"] != 5000 {
		t.Fatalf("remaining = %d, want full refund", ledger.remaining["u1"])
	}
}

func TestProcessUserKeyNeverTouchesLedger(t *testing.T) {
	jobs := newFakeJobs()
	ledger := newFakeLedger()
	ledger.remaining["u1"] = 3
	seedJob(t, jobs, ledger, "byok", 0)
	gw := &fakeGateways{dispatcher: &scriptedDispatcher{outcomes: []dispatchOutcome{
		{resp: &gateway.Response{Images: []string{"data:image/png;base64,AAAA"}, Usage: gateway.Usage{Total: 9999}}},
	}}}
	p := newProcessor(jobs, ledger, fakeKeys{"u1": "user-secret"}, gw, ProcessorConfig{})

	if err := p.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext() error: %v", err)
	}

	if gw.lastKey != "user-secret" {
		t.Fatalf("dispatcher key = %q, want user-secret", gw.lastKey)
	}
	job, _ := jobs.GetForOwner(context.Background(), "job-1", "u1")
	if job.Status != domain.JobStatusCompleted || job.SettledTokens != 0 {
		t.Fatalf("job = %s settled=%d, want completed settled=0", job.Status, job.SettledTokens)
	}
	if ledger.adjusts != 0 || ledger.remaining["u1"] != 3 {
		t.Fatalf("byok settlement touched the ledger")
	}
}

func TestProcessUserKeyRevokedBetweenEnqueueAndDispatch(t *testing.T) {
	jobs := newFakeJobs()
	ledger := newFakeLedger()
	seedJob(t, jobs, ledger, "byok", 0)
	gw := &fakeGateways{dispatcher: &scriptedDispatcher{outcomes: []dispatchOutcome{{resp: &gateway.Response{}}}}}
	p := newProcessor(jobs, ledger, fakeKeys{}, gw, ProcessorConfig{})

	if err := p.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext() error: %v", err)
	}

	job, _ := jobs.GetForOwner(context.Background(), "job-1", "u1")
	if job.Status != domain.JobStatusFailed || job.ErrorCode != RejectNoKeyConfigured {
		t.Fatalf("job = %s/%s, want failed/NO_KEY_CONFIGURED", job.Status, job.ErrorCode)
	}
	if ledger.adjusts != 0 {
		t.Fatalf("byok failure touched the ledger")
	}
}

func TestProcessLostFinalizeRaceSkipsSettlement(t *testing.T) {
	jobs := newFakeJobs()
	ledger := newFakeLedger()
	seedJob(t, jobs, ledger, "direct", 1500)
	gw := &fakeGateways{dispatcher: &scriptedDispatcher{outcomes: []dispatchOutcome{
		{resp: &gateway.Response{Images: []string{"data:image/png;base64,AAAA"}, Usage: gateway.Usage{Total: 1800}}},
	}}}
	p := newProcessor(jobs, ledger, fakeKeys{}, gw, ProcessorConfig{})

	claimed, err := jobs.Claim(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Another actor wins the terminal transition first, e.g. the sweep.
	if err := jobs.Finalize(context.Background(), claimed.ID, domain.JobResult{
		Status: domain.JobStatusTimedOut, ErrorCode: string(gateway.CodeTimeout),
	}); err != nil {
		t.Fatalf("pre-finalize: %v", err)
	}

	p.Process(context.Background(), claimed)

	job, _ := jobs.GetForOwner(context.Background(), "job-1", "u1")
	if job.Status != domain.JobStatusTimedOut {
		t.Fatalf("status = %s, loser overwrote the terminal record", job.Status)
	}
	if ledger.adjusts != 0 {
		t.Fatalf("loser of the finalize race settled the ledger")
	}
}

func TestProcessOverrunUsageClampedToBalance(t *testing.T) {
	jobs := newFakeJobs()
	ledger := newFakeLedger()
	seedJob(t, jobs, ledger, "direct", 1500)
	gw := &fakeGateways{dispatcher: &scriptedDispatcher{outcomes: []dispatchOutcome{
		{resp: &gateway.Response{Images: []string{"data:image/png;base64,AAAA"}, Usage: gateway.Usage{Total: 999999}}},
	}}}
	p := newProcessor(jobs, ledger, fakeKeys{}, gw, ProcessorConfig{})

	if err := p.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext() error: %v", err)
	}

	if ledger.remaining["u1"] != 0 {
		t.Fatalf("remaining = %d, want charge clamped to 0", ledger.remaining["u1"])
	}
	if ledger.remaining["u1"]+ledger.used["u1"] != 5000 {
		t.Fatalf("remaining+used = %d, conservation broken", ledger.remaining["u1"]+ledger.used["u1"])
	}
}

func TestProcessSettlementRetries(t *testing.T) {
	jobs := newFakeJobs()
	ledger := newFakeLedger()
	ledger.failNext = 1
	seedJob(t, jobs, ledger, "direct", 1500)
	gw := &fakeGateways{dispatcher: &scriptedDispatcher{outcomes: []dispatchOutcome{
		{resp: &gateway.Response{Images: []string{"data:image/png;base64,AAAA"}, Usage: gateway.Usage{Total: 1800}}},
	}}}
	p := newProcessor(jobs, ledger, fakeKeys{}, gw, ProcessorConfig{SettleMaxAttempts: 3})

	if err := p.ProcessNext(context.Background()); err != nil {
		t.Fatalf("ProcessNext() error: %v", err)
	}

	if ledger.remaining["u1"] != 3200 || ledger.used["u1"] != 1800 {
		t.Fatalf("balance = %d/%d after transient settlement failure", ledger.remaining["u1"], ledger.used["u1"])
	}
}

func TestProcessWallBudgetAlreadySpent(t *testing.T) {
	jobs := newFakeJobs()
	ledger := newFakeLedger()
	job := seedJob(t, jobs, ledger, "direct", 1500)
	dispatcher := &scriptedDispatcher{outcomes: []dispatchOutcome{{resp: &gateway.Response{}}}}
	gw := &fakeGateways{dispatcher: dispatcher}
	p := newProcessor(jobs, ledger, fakeKeys{}, gw, ProcessorConfig{JobTimeout: time.Minute})

	claimed, err := jobs.Claim(context.Background())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	started := time.Now().Add(-2 * time.Minute)
	claimed.StartedAt = &started

	p.Process(context.Background(), claimed)

	if dispatcher.calls != 0 {
		t.Fatalf("dispatch calls = %d, want none past the wall budget", dispatcher.calls)
	}
	got, _ := jobs.GetForOwner(context.Background(), job.ID, "u1")
	if got.Status != domain.JobStatusTimedOut || got.ErrorCode != string(gateway.CodeTimeout) {
		t.Fatalf("job = %s/%s, want timed_out/TIMEOUT", got.Status, got.ErrorCode)
	}
	if ledger.remaining["u1"] != 5000 {
		t.Fatalf("remaining = %d, want full refund", ledger.remaining["u1"])
	}
}

func TestProcessNextEmptyQueue(t *testing.T) {
	p := newProcessor(newFakeJobs(), newFakeLedger(), fakeKeys{}, &fakeGateways{}, ProcessorConfig{})
	if err := p.ProcessNext(context.Background()); err != ErrNoJob {
		t.Fatalf("ProcessNext() = %v, want ErrNoJob", err)
	}
}
