package model

import "time"

// RunStatus is the outcome of one synthesis or classification attempt.
type RunStatus string

const (
	RunStatusSuccess          RunStatus = "success"
	RunStatusNoRecentActivity RunStatus = "no_recent_activity"
	RunStatusError            RunStatus = "error"
)

// Stage names the pipeline stage an audit record belongs to.
type Stage string

const (
	StageBriefing       Stage = "briefing"
	StageClassification Stage = "classification"
	StageExtraction     Stage = "extraction"
)

// RunRecord is the append-only audit entry for one attempt. Exactly one is
// written per attempt regardless of outcome.
type RunRecord struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Stage          Stage     `json:"stage"`
	Status         RunStatus `json:"status"`
	ErrorCode      string    `json:"error_code,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	BriefingID     *string   `json:"briefing_id,omitempty"`
	DocumentID     *string   `json:"document_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
