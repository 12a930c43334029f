package service

import (
	"context"
	"time"

	"server/internal/domain"
)

// Poll cadence hints handed to clients, in milliseconds.
const (
	retryAfterPendingMs    = 3000
	retryAfterProcessingMs = 2000
)

// JobView is the read-only polling contract. Result and error payloads are
// present only once the job is terminal.
type JobView struct {
	JobID      string        `json:"jobId"`
	Status     string        `json:"status"`
	BatchID    string        `json:"batchId,omitempty"`
	ElapsedMs  int64         `json:"elapsed"`
	RetryAfter int           `json:"retryAfter"`
	RetryCount int           `json:"retryCount"`
	Images     []string      `json:"images,omitempty"`
	Content    string        `json:"content,omitempty"`
	Usage      *domain.Usage `json:"usage,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorCode  string        `json:"errorCode,omitempty"`
}

// StatusService serves job views with ownership enforced at the store layer.
type StatusService struct {
	jobs JobStore
	now  func() time.Time
}

func NewStatusService(jobs JobStore) *StatusService {
	return &StatusService{jobs: jobs, now: time.Now}
}

// Get returns the view for one job. A job owned by someone else is
// indistinguishable from a missing one: both are domain.ErrNotFound.
func (s *StatusService) Get(ctx context.Context, ownerID, jobID string) (*JobView, error) {
	job, err := s.jobs.GetForOwner(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	view := BuildJobView(job, s.now())
	return &view, nil
}

// BuildJobView projects a job record onto the polling contract.
func BuildJobView(job *domain.Job, now time.Time) JobView {
	view := JobView{
		JobID:      job.ID,
		Status:     string(job.Status),
		BatchID:    job.BatchID,
		RetryCount: job.RetryCount,
	}

	end := now
	if job.Status.Terminal() && job.CompletedAt != nil {
		end = *job.CompletedAt
	}
	view.ElapsedMs = end.Sub(job.CreatedAt).Milliseconds()

	switch job.Status {
	case domain.JobStatusPending:
		view.RetryAfter = retryAfterPendingMs
	case domain.JobStatusProcessing:
		view.RetryAfter = retryAfterProcessingMs
	default:
		view.RetryAfter = 0
	}

	if job.Status.Terminal() {
		view.Images = job.ResultImages
		view.Content = job.ResultText
		view.Usage = job.Usage
		view.Error = job.ErrorMessage
		view.ErrorCode = job.ErrorCode
	}
	return view
}
