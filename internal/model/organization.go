// Package model defines the records produced and consumed by the document
// and briefing pipeline.
package model

import "time"

// Organization is the healthcare system (account) that documents, signals,
// entities, and briefings are scoped to.
type Organization struct {
	ID           string    `json:"id"`
	Slug         string    `json:"slug"`
	Name         string    `json:"name"`
	SalesforceID string    `json:"salesforce_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
