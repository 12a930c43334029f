package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"server/internal/domain"
	"server/internal/middleware"
	"server/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type memLedger struct {
	remaining map[string]int64
	used      map[string]int64
}

func newMemLedger() *memLedger {
	return &memLedger{remaining: map[string]int64{}, used: map[string]int64{}}
}

func (l *memLedger) Reserve(ctx context.Context, ownerID string, amount int64) (domain.Balance, error) {
	if l.remaining[ownerID] < amount {
		return domain.Balance{}, domain.ErrInsufficientTokens
	}
	l.remaining[ownerID] -= amount
	l.used[ownerID] += amount
	return domain.Balance{TokensRemaining: l.remaining[ownerID], TokensUsed: l.used[ownerID]}, nil
}

func (l *memLedger) Adjust(ctx context.Context, ownerID string, delta int64) (domain.Balance, int64, error) {
	l.remaining[ownerID] -= delta
	l.used[ownerID] += delta
	return domain.Balance{TokensRemaining: l.remaining[ownerID], TokensUsed: l.used[ownerID]}, delta, nil
}

func (l *memLedger) TopUp(ctx context.Context, ownerID string, amount int64) (domain.Balance, error) {
	l.remaining[ownerID] += amount
	return domain.Balance{TokensRemaining: l.remaining[ownerID], TokensUsed: l.used[ownerID]}, nil
}

func (l *memLedger) Balance(ctx context.Context, ownerID string) (domain.Balance, error) {
	return domain.Balance{TokensRemaining: l.remaining[ownerID], TokensUsed: l.used[ownerID]}, nil
}

type memJobs map[string]*domain.Job

func (s memJobs) Create(ctx context.Context, job *domain.Job) error {
	copied := *job
	copied.CreatedAt = time.Now()
	s[job.ID] = &copied
	return nil
}

func (s memJobs) Claim(ctx context.Context) (*domain.Job, error) { return nil, domain.ErrNotFound }

func (s memJobs) Finalize(ctx context.Context, jobID string, res domain.JobResult) error { return nil }

func (s memJobs) BumpRetry(ctx context.Context, jobID string) error { return nil }

func (s memJobs) GetForOwner(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	job, ok := s[jobID]
	if !ok || job.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (s memJobs) ExpireProcessing(ctx context.Context, budget time.Duration, message string) ([]domain.ExpiredJob, error) {
	return nil, nil
}

type memKeys map[string]string

func (k memKeys) Key(ctx context.Context, ownerID, provider string) (string, error) {
	return k[ownerID], nil
}

func newTestApp(jobs memJobs, ledger *memLedger) *App {
	return &App{
		Enqueue:       service.NewEnqueuer(jobs, ledger, memKeys{}, 1500, nil, zerolog.Nop()),
		Status:        service.NewStatusService(jobs),
		Ledger:        ledger,
		PaymentSecret: "hook-secret",
		Logger:        zerolog.Nop(),
	}
}

func asUser(req *http.Request, userID string) *http.Request {
	return req.WithContext(middleware.ContextWithUserID(req.Context(), userID))
}

func TestImagesEditAccepted(t *testing.T) {
	jobs := memJobs{}
	ledger := newMemLedger()
	ledger.remaining["u1"] = 5000
	app := newTestApp(jobs, ledger)

	body, _ := json.Marshal(map[string]any{
		"instruction": "remove the background",
		"backend":     "google/gemini-2.5-flash-image",
	})
	req := asUser(httptest.NewRequest(http.MethodPost, "/v1/images/edits", bytes.NewReader(body)), "u1")
	rec := httptest.NewRecorder()
	app.ImagesEdit(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var resp editResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "pending" || resp.JobID == "" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.TokensRemaining != 3500 {
		t.Fatalf("tokens_remaining = %d, want 3500", resp.TokensRemaining)
	}
	if _, ok := jobs[resp.JobID]; !ok {
		t.Fatalf("job row missing for %s", resp.JobID)
	}
}

func TestImagesEditInsufficientTokensLocalized(t *testing.T) {
	app := newTestApp(memJobs{}, newMemLedger())

	body, _ := json.Marshal(map[string]any{
		"instruction": "edit",
		"backend":     "gemini-2.0-flash",
	})
	req := asUser(httptest.NewRequest(http.MethodPost, "/v1/images/edits", bytes.NewReader(body)), "u1")
	req = req.WithContext(context.WithValue(req.Context(), middleware.LocaleKey, "id"))
	rec := httptest.NewRecorder()
	app.ImagesEdit(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["error"] != service.RejectInsufficientTokens {
		t.Fatalf("error = %v", resp["error"])
	}
	if resp["message"] != localizedMessages[service.RejectInsufficientTokens]["id"] {
		t.Fatalf("message = %v, want the Indonesian text", resp["message"])
	}
	if _, ok := resp["tokens_remaining"]; !ok {
		t.Fatalf("402 payload missing tokens_remaining: %v", resp)
	}
}

func TestImagesEditRequiresUser(t *testing.T) {
	app := newTestApp(memJobs{}, newMemLedger())
	req := httptest.NewRequest(http.MethodPost, "/v1/images/edits", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	app.ImagesEdit(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestJobStatusOwnership(t *testing.T) {
	jobs := memJobs{}
	_ = jobs.Create(context.Background(), &domain.Job{ID: "j1", OwnerID: "u1", Status: domain.JobStatusPending})
	app := newTestApp(jobs, newMemLedger())

	r := chi.NewRouter()
	r.Get("/v1/jobs/{job_id}", app.JobStatus)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, asUser(httptest.NewRequest(http.MethodGet, "/v1/jobs/j1", nil), "u1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("owner status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var view service.JobView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Status != "pending" || view.RetryAfter != 3000 {
		t.Fatalf("view = %+v", view)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, asUser(httptest.NewRequest(http.MethodGet, "/v1/jobs/j1", nil), "u2"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign status = %d, want 404", rec.Code)
	}
}

func TestCreditsTopUpSecret(t *testing.T) {
	ledger := newMemLedger()
	app := newTestApp(memJobs{}, ledger)

	body, _ := json.Marshal(topUpRequest{OwnerID: "u1", Amount: 10000})
	req := httptest.NewRequest(http.MethodPost, "/v1/credits/topup", bytes.NewReader(body))
	req.Header.Set("X-Payment-Secret", "wrong")
	rec := httptest.NewRecorder()
	app.CreditsTopUp(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret status = %d, want 401", rec.Code)
	}
	if ledger.remaining["u1"] != 0 {
		t.Fatalf("unauthorized call credited tokens")
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/credits/topup", bytes.NewReader(body))
	req.Header.Set("X-Payment-Secret", "hook-secret")
	rec = httptest.NewRecorder()
	app.CreditsTopUp(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if ledger.remaining["u1"] != 10000 {
		t.Fatalf("remaining = %d, want 10000", ledger.remaining["u1"])
	}
}
