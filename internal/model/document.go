package model

import "time"

// SourceKind describes where an ingested document came from.
type SourceKind string

const (
	SourceKindNews         SourceKind = "news"
	SourceKindPressRelease SourceKind = "press_release"
	SourceKindJobPosting   SourceKind = "job_posting"
	SourceKindFiling       SourceKind = "filing"
	SourceKindWeb          SourceKind = "web"
)

// Document is one crawled or ingested unit of text. OrganizationID is nil
// until the document has been classified.
type Document struct {
	ID             string     `json:"id"`
	OrganizationID *string    `json:"organization_id,omitempty"`
	SourceKind     SourceKind `json:"source_kind"`
	Title          string     `json:"title"`
	URL            string     `json:"url"`
	RawText        string     `json:"raw_text"`
	CrawledAt      time.Time  `json:"crawled_at"`
	Processed      bool       `json:"processed"`
}

// OrgID returns the owning organization id or "" when unclassified.
func (d Document) OrgID() string {
	if d.OrganizationID == nil {
		return ""
	}
	return *d.OrganizationID
}
