package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"server/internal/domain"
	"server/internal/service"
)

type editRequest struct {
	Instruction     string                `json:"instruction"`
	RequestID       string                `json:"request_id"`
	BatchID         string                `json:"batch_id"`
	Images          []domain.ImagePayload `json:"images"`
	ReferenceImages []domain.ImagePayload `json:"reference_images"`
	Backend         string                `json:"backend"`
	ImageSize       string                `json:"image_size"`
	AspectRatio     string                `json:"aspect_ratio"`
}

type editResponse struct {
	JobID           string `json:"jobId"`
	RequestID       string `json:"requestId"`
	Status          string `json:"status"`
	TokensRemaining int64  `json:"tokens_remaining"`
}

// ImagesEdit accepts a submission and returns immediately; the caller polls
// the job status endpoint for the outcome.
func (a *App) ImagesEdit(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	receipt, err := a.Enqueue.Enqueue(r.Context(), userID, service.Submission{
		Instruction:     req.Instruction,
		RequestID:       req.RequestID,
		BatchID:         req.BatchID,
		InputImages:     req.Images,
		ReferenceImages: req.ReferenceImages,
		Backend:         req.Backend,
		ImageSize:       req.ImageSize,
		AspectRatio:     req.AspectRatio,
	})
	if err != nil {
		var rej *service.Rejection
		if errors.As(err, &rej) {
			status := http.StatusBadRequest
			payload := map[string]any{
				"error":   rej.Code,
				"message": a.message(r, rej.Code, rej.Message),
			}
			if rej.Code == service.RejectInsufficientTokens {
				status = http.StatusPaymentRequired
				payload["tokens_remaining"] = rej.TokensRemaining
			}
			a.json(w, status, payload)
			return
		}
		a.Logger.Error().Err(err).Str("owner_id", userID).Msg("enqueue failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue job")
		return
	}

	a.json(w, http.StatusAccepted, editResponse{
		JobID:           receipt.JobID,
		RequestID:       receipt.RequestID,
		Status:          string(receipt.Status),
		TokensRemaining: receipt.TokensRemaining,
	})
}
