package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/account-intel/internal/inference"
	"github.com/sells-group/account-intel/internal/model"
	"github.com/sells-group/account-intel/internal/store"
)

var errStoreDown = errors.New("store unavailable")

// --- Gateway mocks ---

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Infer(ctx context.Context, prompt string, format inference.Format) (string, error) {
	args := m.Called(ctx, prompt, format)
	return args.String(0), args.Error(1)
}

// gatewayFunc adapts a function to inference.Gateway for tests that answer
// based on the prompt.
type gatewayFunc func(ctx context.Context, prompt string) (string, error)

func (f gatewayFunc) Infer(ctx context.Context, prompt string, _ inference.Format) (string, error) {
	return f(ctx, prompt)
}

// --- In-memory store ---

// memStore is an in-memory store.Store with per-method failure injection.
type memStore struct {
	mu sync.Mutex

	orgs      []model.Organization
	docs      []model.Document
	entities  []model.Entity
	signals   []model.Signal
	briefings []model.Briefing
	runs      []model.RunRecord
	nextID    int

	// failOn maps a method name to the error it returns.
	failOn map[string]error
	// entityErr, when set, decides per entity whether the insert fails.
	entityErr func(e *model.Entity) error
	// assignLost makes AssignOrganization report that another run won.
	assignLost bool
}

var _ store.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{failOn: make(map[string]error)}
}

func (m *memStore) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *memStore) fail(method string) error {
	return m.failOn[method]
}

func (m *memStore) addOrg(slug, name string) model.Organization {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := model.Organization{ID: m.id("org"), Slug: slug, Name: name, CreatedAt: time.Now()}
	m.orgs = append(m.orgs, o)
	return o
}

func (m *memStore) addDoc(d model.Document) model.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = m.id("doc")
	}
	m.docs = append(m.docs, d)
	return d
}

func (m *memStore) doc(id string) model.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs {
		if d.ID == id {
			return d
		}
	}
	return model.Document{}
}

func (m *memStore) runsFor(orgID string) []model.RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.RunRecord
	for _, r := range m.runs {
		if r.OrganizationID == orgID {
			out = append(out, r)
		}
	}
	return out
}

func (m *memStore) FetchUnprocessedDocuments(_ context.Context, f store.DocumentFilter, limit int) ([]model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FetchUnprocessedDocuments"); err != nil {
		return nil, err
	}
	var out []model.Document
	for _, d := range m.docs {
		if d.Processed {
			continue
		}
		if f.OrganizationID != "" && d.OrgID() != f.OrganizationID {
			continue
		}
		if f.SourceKind != "" && d.SourceKind != f.SourceKind {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CrawledAt.Before(out[j].CrawledAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) FetchUnclassifiedNews(_ context.Context, limit int) ([]model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FetchUnclassifiedNews"); err != nil {
		return nil, err
	}
	var out []model.Document
	for _, d := range m.docs {
		if d.Processed && d.OrganizationID == nil && d.SourceKind == model.SourceKindNews {
			out = append(out, d)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) MarkProcessed(_ context.Context, documentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("MarkProcessed"); err != nil {
		return false, err
	}
	for i := range m.docs {
		if m.docs[i].ID == documentID && !m.docs[i].Processed {
			m.docs[i].Processed = true
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) AssignOrganization(_ context.Context, documentID, organizationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AssignOrganization"); err != nil {
		return false, err
	}
	if m.assignLost {
		return false, nil
	}
	for i := range m.docs {
		if m.docs[i].ID == documentID && m.docs[i].OrganizationID == nil {
			id := organizationID
			m.docs[i].OrganizationID = &id
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) OrganizationsWithUnprocessed(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("OrganizationsWithUnprocessed"); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, d := range m.docs {
		if d.Processed || d.OrganizationID == nil || seen[*d.OrganizationID] {
			continue
		}
		seen[*d.OrganizationID] = true
		out = append(out, *d.OrganizationID)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) InsertEntity(_ context.Context, e *model.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertEntity"); err != nil {
		return err
	}
	if m.entityErr != nil {
		if err := m.entityErr(e); err != nil {
			return err
		}
	}
	e.ID = m.id("ent")
	m.entities = append(m.entities, *e)
	return nil
}

func (m *memStore) InsertSignal(_ context.Context, s *model.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertSignal"); err != nil {
		return err
	}
	s.ID = m.id("sig")
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.signals = append(m.signals, *s)
	return nil
}

func (m *memStore) GetOrganization(_ context.Context, id string) (*model.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetOrganization"); err != nil {
		return nil, err
	}
	for _, o := range m.orgs {
		if o.ID == id {
			o := o
			return &o, nil
		}
	}
	return nil, nil
}

func (m *memStore) FetchOrganizationBySlug(_ context.Context, slug string) (*model.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FetchOrganizationBySlug"); err != nil {
		return nil, err
	}
	for _, o := range m.orgs {
		if o.Slug == slug {
			o := o
			return &o, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListOrganizations(_ context.Context) ([]model.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListOrganizations"); err != nil {
		return nil, err
	}
	return append([]model.Organization(nil), m.orgs...), nil
}

func (m *memStore) ListOrganizationSlugs(_ context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("ListOrganizationSlugs"); err != nil {
		return nil, err
	}
	var out []string
	for _, o := range m.orgs {
		out = append(out, o.Slug)
	}
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) FetchWindow(_ context.Context, organizationID string, start, end time.Time) (*model.Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FetchWindow"); err != nil {
		return nil, err
	}
	w := &model.Window{Start: start, End: end}
	for _, s := range m.signals {
		if s.OrganizationID == organizationID && !s.CreatedAt.Before(start) && s.CreatedAt.Before(end) {
			w.Signals = append(w.Signals, s)
		}
	}
	for _, d := range m.docs {
		if d.OrgID() == organizationID && !d.CrawledAt.Before(start) && d.CrawledAt.Before(end) {
			w.Documents = append(w.Documents, d)
		}
	}
	return w, nil
}

func (m *memStore) InsertBriefing(_ context.Context, b *model.Briefing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertBriefing"); err != nil {
		return err
	}
	b.ID = m.id("brf")
	b.CreatedAt = time.Now().UTC()
	m.briefings = append(m.briefings, *b)
	return nil
}

func (m *memStore) LatestBriefing(_ context.Context, organizationID string) (*model.Briefing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.briefings) - 1; i >= 0; i-- {
		if m.briefings[i].OrganizationID == organizationID {
			b := m.briefings[i]
			return &b, nil
		}
	}
	return nil, nil
}

func (m *memStore) InsertRunRecord(_ context.Context, r *model.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertRunRecord"); err != nil {
		return err
	}
	r.ID = m.id("run")
	r.CreatedAt = time.Now().UTC()
	m.runs = append(m.runs, *r)
	return nil
}

func (m *memStore) ListRunRecords(_ context.Context, f store.RunFilter) ([]model.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.RunRecord
	for _, r := range m.runs {
		if f.OrganizationID != "" && r.OrganizationID != f.OrganizationID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Ping(context.Context) error    { return nil }
func (m *memStore) Close() error                  { return nil }

func strPtr(s string) *string { return &s }
