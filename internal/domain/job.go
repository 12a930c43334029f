package domain

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusTimedOut   JobStatus = "timed_out"
)

// Terminal reports whether the status is one of the end states.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimedOut:
		return true
	default:
		return false
	}
}

// ImagePayload is one user-submitted image carried on a job record.
type ImagePayload struct {
	MIME string `json:"mime"`
	Data []byte `json:"data"`
}

// Usage is the normalized token accounting returned by a gateway call.
type Usage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Job encapsulates the lifecycle of one image-edit request.
type Job struct {
	ID              string
	OwnerID         string
	RequestID       string
	BatchID         string
	Status          JobStatus
	Instruction     string
	InputImages     []ImagePayload
	ReferenceImages []ImagePayload
	Backend         string
	Model           string
	ImageSize       string
	AspectRatio     string
	ResultImages    []string
	ResultText      string
	Usage           *Usage
	ErrorCode       string
	ErrorMessage    string
	ReservedTokens  int64
	SettledTokens   int64
	RetryCount      int
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

// JobResult is the terminal payload written exactly once by the processor.
// Result fields and error fields are mutually exclusive.
type JobResult struct {
	Status       JobStatus
	Images       []string
	Text         string
	Usage        *Usage
	ErrorCode    string
	ErrorMessage string
	Settled      int64
}

// ExpiredJob is one processing job the reconciliation sweep timed out; the
// sweeper owns its refund.
type ExpiredJob struct {
	ID             string
	OwnerID        string
	Backend        string
	ReservedTokens int64
}

// MustMarshal marshals v and panics on failure. Reserved for payloads the
// process itself constructed, never for user input.
func MustMarshal(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
