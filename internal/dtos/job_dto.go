package dtos

import "time"

// PutCredentialRequest is the JSON form of a captured request. The raw
// text may also be sent as the plain request body.
type PutCredentialRequest struct {
	Raw string `json:"raw" binding:"required"`
}

type CredentialResponse struct {
	Name         string    `json:"name"`
	Method       string    `json:"method"`
	BaseURL      string    `json:"base_url"`
	PageSize     int       `json:"page_size"`
	Cookies      int       `json:"cookies"`
	HasCSRF      bool      `json:"has_csrf"`
	NeedsRefresh bool      `json:"needs_refresh"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type StatusUpdateRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

type AnalyzeRequest struct {
	Limit int `json:"limit"`
}

// RunStarted answers a streamed run when the client asked for JSON.
type RunStarted struct {
	RunID string `json:"run_id"`
	Kind  string `json:"kind"`
}
