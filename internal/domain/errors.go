package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInsufficientTokens = errors.New("insufficient tokens")
	ErrNoKeyConfigured    = errors.New("no gateway key configured")
	ErrInvalidSubmission  = errors.New("invalid submission")
	ErrJobFinalized       = errors.New("job already finalized")
)
