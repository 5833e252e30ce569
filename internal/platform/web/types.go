package web

import "github.com/dontdude/usersearch/internal/domain"

const (
	ErrInvalidJSON      = "invalid_json"
	ErrInvalidSubmitter = "invalid_submitter_id"
	ErrInternal         = "internal_error"
	ErrNotFound         = "job_not_found"
	ErrTooManyRequests  = "too_many_requests"
	ErrWebSocketUpgrade = "websocket_upgrade_failed"
)

type SubmitRequest struct {
	SubmitterID string `json:"submitter_id"`
}

type SubmitResponse struct {
	JobID   string `json:"job_id"`
	Created bool   `json:"created"`
}

type ListResponse struct {
	Jobs []domain.Job `json:"jobs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
