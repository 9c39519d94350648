package model

import "time"

// BriefingSummary is the serialized payload of a briefing.
type BriefingSummary struct {
	Bullets   []string `json:"bullets"`
	Narrative string   `json:"narrative"`
}

// Briefing is a synthesized narrative for one organization over a trailing
// window. An organization accumulates briefings; the latest is displayed.
type Briefing struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Summary        BriefingSummary `json:"summary"`
	WindowStart    time.Time       `json:"window_start"`
	WindowEnd      time.Time       `json:"window_end"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Window holds the material gathered for one briefing attempt.
type Window struct {
	Start     time.Time  `json:"start"`
	End       time.Time  `json:"end"`
	Signals   []Signal   `json:"signals"`
	Documents []Document `json:"documents"`
}

// Empty reports whether the window has nothing to summarize.
func (w *Window) Empty() bool {
	return w == nil || (len(w.Signals) == 0 && len(w.Documents) == 0)
}
