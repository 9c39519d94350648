// Package store is the document store adapter: it owns all persistence of
// documents, derived records, briefings, and run records.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/account-intel/internal/model"
)

// DocumentFilter narrows the unprocessed-document work queue.
type DocumentFilter struct {
	OrganizationID string           `json:"organization_id,omitempty"`
	SourceKind     model.SourceKind `json:"source_kind,omitempty"`
}

// RunFilter specifies criteria for listing run records.
type RunFilter struct {
	OrganizationID string          `json:"organization_id,omitempty"`
	Stage          model.Stage     `json:"stage,omitempty"`
	Status         model.RunStatus `json:"status,omitempty"`
	CreatedAfter   time.Time       `json:"created_after,omitempty"`
	Limit          int             `json:"limit,omitempty"`
}

// Store defines the persistence operations the pipeline consumes. Every
// method may fail and every read may return zero rows.
type Store interface {
	// Documents
	FetchUnprocessedDocuments(ctx context.Context, filter DocumentFilter, limit int) ([]model.Document, error)
	FetchUnclassifiedNews(ctx context.Context, limit int) ([]model.Document, error)
	MarkProcessed(ctx context.Context, documentID string) (bool, error)
	AssignOrganization(ctx context.Context, documentID, organizationID string) (bool, error)
	OrganizationsWithUnprocessed(ctx context.Context) ([]string, error)

	// Derived records
	InsertEntity(ctx context.Context, e *model.Entity) error
	InsertSignal(ctx context.Context, s *model.Signal) error

	// Organizations
	GetOrganization(ctx context.Context, id string) (*model.Organization, error)
	FetchOrganizationBySlug(ctx context.Context, slug string) (*model.Organization, error)
	ListOrganizations(ctx context.Context) ([]model.Organization, error)
	ListOrganizationSlugs(ctx context.Context, limit int) ([]string, error)

	// Briefings
	FetchWindow(ctx context.Context, organizationID string, start, end time.Time) (*model.Window, error)
	InsertBriefing(ctx context.Context, b *model.Briefing) error
	LatestBriefing(ctx context.Context, organizationID string) (*model.Briefing, error)

	// Run records
	InsertRunRecord(ctx context.Context, r *model.RunRecord) error
	ListRunRecords(ctx context.Context, filter RunFilter) ([]model.RunRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Seeder loads organizations and documents. Ingestion proper lives outside
// this module; the seeder backs local fixtures and tests.
type Seeder interface {
	UpsertOrganization(ctx context.Context, o *model.Organization) error
	InsertDocument(ctx context.Context, d *model.Document) error
}

const defaultRunLimit = 100

func runLimit(n int) int {
	if n <= 0 {
		return defaultRunLimit
	}
	return n
}

func now() time.Time {
	return time.Now().UTC()
}

func stampEntity(e *model.Entity) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
}

func stampSignal(s *model.Signal) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now()
	}
}

func stampBriefing(b *model.Briefing) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now()
	}
}

func stampRun(r *model.RunRecord) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}
}

func stampOrganization(o *model.Organization) {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now()
	}
}

func stampDocument(d *model.Document) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CrawledAt.IsZero() {
		d.CrawledAt = now()
	}
}

// marshalDetails returns nil for empty details so the column stays NULL.
func marshalDetails(details map[string]any) ([]byte, error) {
	if len(details) == 0 {
		return nil, nil
	}
	return json.Marshal(details)
}
