package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/sqlinline"
)

// JobRepositoryPG owns persistence for job records and their status
// transitions.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
}

func NewJobRepository(sql infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: sql}
}

// Create inserts a new pending job.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	inputs, err := json.Marshal(job.InputImages)
	if err != nil {
		return fmt.Errorf("jobs: encode input images: %w", err)
	}
	refs, err := json.Marshal(job.ReferenceImages)
	if err != nil {
		return fmt.Errorf("jobs: encode reference images: %w", err)
	}
	_, err = r.sql.Exec(ctx, sqlinline.QInsertJob,
		job.ID,
		job.OwnerID,
		job.RequestID,
		job.BatchID,
		job.Instruction,
		inputs,
		refs,
		job.Backend,
		job.Model,
		job.ImageSize,
		job.AspectRatio,
		job.ReservedTokens,
	)
	if err != nil {
		return fmt.Errorf("jobs: insert: %w", err)
	}
	return nil
}

// Claim hands the oldest pending job to this worker, flipping it to
// processing. domain.ErrNotFound means the queue is empty.
func (r *JobRepositoryPG) Claim(ctx context.Context) (*domain.Job, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QClaimJob)
	var (
		job          domain.Job
		inputs, refs []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.RequestID,
		&job.Instruction,
		&inputs,
		&refs,
		&job.Backend,
		&job.Model,
		&job.ImageSize,
		&job.AspectRatio,
		&job.ReservedTokens,
		&job.RetryCount,
		&job.CreatedAt,
		&job.StartedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("jobs: claim: %w", err)
	}
	job.Status = domain.JobStatusProcessing
	if err := json.Unmarshal(inputs, &job.InputImages); err != nil {
		return nil, fmt.Errorf("jobs: decode input images: %w", err)
	}
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &job.ReferenceImages); err != nil {
			return nil, fmt.Errorf("jobs: decode reference images: %w", err)
		}
	}
	return &job, nil
}

// Finalize writes the terminal record. The processing->terminal transition is
// a compare-and-set; domain.ErrJobFinalized means another finalizer won and
// the caller must not settle the ledger.
func (r *JobRepositoryPG) Finalize(ctx context.Context, jobID string, res domain.JobResult) error {
	if !res.Status.Terminal() {
		return fmt.Errorf("jobs: finalize with non-terminal status %q", res.Status)
	}
	var images []byte
	if len(res.Images) > 0 {
		images = domain.MustMarshal(res.Images)
	}
	var usage []byte
	if res.Usage != nil {
		usage = domain.MustMarshal(res.Usage)
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QFinalizeJob,
		jobID,
		string(res.Status),
		images,
		res.Text,
		usage,
		res.ErrorCode,
		res.ErrorMessage,
		res.Settled,
	)
	if err != nil {
		return fmt.Errorf("jobs: finalize: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobFinalized
	}
	return nil
}

// BumpRetry increments retry_count after a transient attempt.
func (r *JobRepositoryPG) BumpRetry(ctx context.Context, jobID string) error {
	_, err := r.sql.Exec(ctx, sqlinline.QBumpRetryCount, jobID)
	return err
}

// GetForOwner fetches a job, enforcing ownership. A job belonging to a
// different owner reads as not found.
func (r *JobRepositoryPG) GetForOwner(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QSelectJobForOwner, jobID, ownerID)
	var (
		job           domain.Job
		status        string
		images, usage []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.RequestID,
		&job.BatchID,
		&status,
		&job.Instruction,
		&job.Backend,
		&job.Model,
		&job.ImageSize,
		&job.AspectRatio,
		&images,
		&job.ResultText,
		&usage,
		&job.ErrorCode,
		&job.ErrorMessage,
		&job.ReservedTokens,
		&job.SettledTokens,
		&job.RetryCount,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get: %w", err)
	}
	job.Status = domain.JobStatus(status)
	if len(images) > 0 {
		if err := json.Unmarshal(images, &job.ResultImages); err != nil {
			return nil, fmt.Errorf("jobs: decode result images: %w", err)
		}
	}
	if len(usage) > 0 {
		job.Usage = &domain.Usage{}
		if err := json.Unmarshal(usage, job.Usage); err != nil {
			return nil, fmt.Errorf("jobs: decode usage: %w", err)
		}
	}
	return &job, nil
}

// ExpireProcessing times out processing jobs older than budget and returns
// the rows this call transitioned.
func (r *JobRepositoryPG) ExpireProcessing(ctx context.Context, budget time.Duration, message string) ([]domain.ExpiredJob, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QExpireProcessingJobs, int64(budget.Seconds()), message)
	if err != nil {
		return nil, fmt.Errorf("jobs: expire: %w", err)
	}
	defer rows.Close()
	var expired []domain.ExpiredJob
	for rows.Next() {
		var e domain.ExpiredJob
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Backend, &e.ReservedTokens); err != nil {
			return nil, fmt.Errorf("jobs: expire scan: %w", err)
		}
		expired = append(expired, e)
	}
	return expired, rows.Err()
}
