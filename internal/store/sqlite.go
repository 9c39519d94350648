package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/account-intel/internal/model"
)

// sqliteTimeLayout is fixed width so lexical order matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// SQLiteStore implements Store using modernc.org/sqlite. It suits a single
// instance or local runs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer keeps conditional updates serialized.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS organizations (
	id            TEXT PRIMARY KEY,
	slug          TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL,
	salesforce_id TEXT,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	id              TEXT PRIMARY KEY,
	organization_id TEXT REFERENCES organizations(id),
	source_kind     TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	url             TEXT NOT NULL DEFAULT '',
	raw_text        TEXT NOT NULL DEFAULT '',
	crawled_at      TEXT NOT NULL,
	processed       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS signals (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL REFERENCES organizations(id),
	document_id     TEXT REFERENCES documents(id),
	severity        TEXT NOT NULL,
	category        TEXT NOT NULL,
	summary         TEXT NOT NULL,
	details         TEXT,
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS entities (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL REFERENCES organizations(id),
	document_id     TEXT REFERENCES documents(id),
	name            TEXT NOT NULL,
	kind            TEXT NOT NULL,
	role            TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS briefings (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL REFERENCES organizations(id),
	summary         TEXT NOT NULL,
	window_start    TEXT NOT NULL,
	window_end      TEXT NOT NULL,
	created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS run_records (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	stage           TEXT NOT NULL,
	status          TEXT NOT NULL,
	error_code      TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	briefing_id     TEXT REFERENCES briefings(id),
	document_id     TEXT,
	created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_processed ON documents(processed, crawled_at);
CREATE INDEX IF NOT EXISTS idx_documents_org_crawled ON documents(organization_id, crawled_at);
CREATE INDEX IF NOT EXISTS idx_signals_org_created ON signals(organization_id, created_at);
CREATE INDEX IF NOT EXISTS idx_briefings_org_created ON briefings(organization_id, created_at);
CREATE INDEX IF NOT EXISTS idx_run_records_org_created ON run_records(organization_id, created_at);
`

// Migrate creates the schema if absent.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

const sqliteDocumentColumns = "id, organization_id, source_kind, title, url, raw_text, crawled_at, processed"

func scanSQLiteDocument(row scannable) (model.Document, error) {
	var d model.Document
	var orgID sql.NullString
	var kind, crawled string
	var processed int
	if err := row.Scan(&d.ID, &orgID, &kind, &d.Title, &d.URL, &d.RawText, &crawled, &processed); err != nil {
		return d, eris.Wrap(err, "sqlite: scan document")
	}
	t, err := parseSQLiteTime(crawled)
	if err != nil {
		return d, err
	}
	d.OrganizationID = stringPtr(orgID)
	d.SourceKind = model.SourceKind(kind)
	d.CrawledAt = t
	d.Processed = processed != 0
	return d, nil
}

func (s *SQLiteStore) queryDocuments(ctx context.Context, query string, args ...any) ([]model.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query documents")
	}
	defer rows.Close() //nolint:errcheck

	var docs []model.Document
	for rows.Next() {
		d, err := scanSQLiteDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, eris.Wrap(rows.Err(), "sqlite: iterate documents")
}

// FetchUnprocessedDocuments returns the oldest unprocessed documents
// matching filter.
func (s *SQLiteStore) FetchUnprocessedDocuments(ctx context.Context, filter DocumentFilter, limit int) ([]model.Document, error) {
	where := []string{"processed = 0"}
	var args []any
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.SourceKind != "" {
		where = append(where, "source_kind = ?")
		args = append(args, string(filter.SourceKind))
	}
	args = append(args, max(limit, 1))

	query := "SELECT " + sqliteDocumentColumns + " FROM documents WHERE " +
		strings.Join(where, " AND ") + " ORDER BY crawled_at ASC, id ASC LIMIT ?"
	docs, err := s.queryDocuments(ctx, query, args...)
	return docs, eris.Wrap(err, "sqlite: fetch unprocessed documents")
}

// FetchUnclassifiedNews returns processed news documents with no organization.
func (s *SQLiteStore) FetchUnclassifiedNews(ctx context.Context, limit int) ([]model.Document, error) {
	docs, err := s.queryDocuments(ctx,
		`SELECT `+sqliteDocumentColumns+` FROM documents
		 WHERE organization_id IS NULL AND source_kind = ? AND processed = 1
		 ORDER BY crawled_at DESC, id ASC LIMIT ?`,
		string(model.SourceKindNews), max(limit, 1),
	)
	return docs, eris.Wrap(err, "sqlite: fetch unclassified news")
}

// MarkProcessed flips processed once and reports whether it changed the row.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, documentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET processed = 1 WHERE id = ? AND processed = 0`, documentID)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark processed %s", documentID)
	}
	return affectedOne(res)
}

// AssignOrganization links an unclassified document.
func (s *SQLiteStore) AssignOrganization(ctx context.Context, documentID, organizationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET organization_id = ? WHERE id = ? AND organization_id IS NULL`,
		organizationID, documentID)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: assign organization %s", documentID)
	}
	return affectedOne(res)
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

// OrganizationsWithUnprocessed lists organizations that have queued documents.
func (s *SQLiteStore) OrganizationsWithUnprocessed(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx,
		`SELECT DISTINCT organization_id FROM documents
		 WHERE processed = 0 AND organization_id IS NOT NULL ORDER BY organization_id`)
}

func (s *SQLiteStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query strings")
	}
	defer rows.Close() //nolint:errcheck

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan string")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate strings")
}

// InsertEntity appends an entity.
func (s *SQLiteStore) InsertEntity(ctx context.Context, e *model.Entity) error {
	stampEntity(e)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (id, organization_id, document_id, name, kind, role, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrganizationID, nullString(e.DocumentID), e.Name, string(e.Kind), e.Role, sqliteTime(e.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert entity for organization %s", e.OrganizationID)
}

// InsertSignal appends a signal.
func (s *SQLiteStore) InsertSignal(ctx context.Context, sig *model.Signal) error {
	stampSignal(sig)
	details, err := marshalDetails(sig.Details)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal signal details")
	}
	var detailsCol sql.NullString
	if details != nil {
		detailsCol = sql.NullString{String: string(details), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO signals (id, organization_id, document_id, severity, category, summary, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.OrganizationID, nullString(sig.DocumentID), string(sig.Severity), string(sig.Category),
		sig.Summary, detailsCol, sqliteTime(sig.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert signal for organization %s", sig.OrganizationID)
}

func scanSQLiteOrganization(row scannable) (*model.Organization, error) {
	var o model.Organization
	var sfID sql.NullString
	var created string
	if err := row.Scan(&o.ID, &o.Slug, &o.Name, &sfID, &created); err != nil {
		return nil, err
	}
	t, err := parseSQLiteTime(created)
	if err != nil {
		return nil, err
	}
	o.SalesforceID = sfID.String
	o.CreatedAt = t
	return &o, nil
}

func (s *SQLiteStore) getOrganizationWhere(ctx context.Context, column, value string) (*model.Organization, error) {
	o, err := scanSQLiteOrganization(s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, salesforce_id, created_at FROM organizations WHERE `+column+` = ?`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get organization by %s %s", column, value)
	}
	return o, nil
}

// GetOrganization returns nil, nil when absent.
func (s *SQLiteStore) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	return s.getOrganizationWhere(ctx, "id", id)
}

// FetchOrganizationBySlug returns nil, nil when absent.
func (s *SQLiteStore) FetchOrganizationBySlug(ctx context.Context, slug string) (*model.Organization, error) {
	return s.getOrganizationWhere(ctx, "slug", slug)
}

// ListOrganizations returns every organization ordered by name.
func (s *SQLiteStore) ListOrganizations(ctx context.Context) ([]model.Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, slug, name, salesforce_id, created_at FROM organizations ORDER BY name, id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list organizations")
	}
	defer rows.Close() //nolint:errcheck

	var orgs []model.Organization
	for rows.Next() {
		o, err := scanSQLiteOrganization(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan organization")
		}
		orgs = append(orgs, *o)
	}
	return orgs, eris.Wrap(rows.Err(), "sqlite: iterate organizations")
}

// ListOrganizationSlugs returns up to limit slugs.
func (s *SQLiteStore) ListOrganizationSlugs(ctx context.Context, limit int) ([]string, error) {
	slugs, err := s.queryStrings(ctx, `SELECT slug FROM organizations ORDER BY slug LIMIT ?`, max(limit, 1))
	return slugs, eris.Wrap(err, "sqlite: list organization slugs")
}

// FetchWindow gathers signals and documents for [start, end).
func (s *SQLiteStore) FetchWindow(ctx context.Context, organizationID string, start, end time.Time) (*model.Window, error) {
	w := &model.Window{Start: start, End: end}

	var err error
	w.Signals, err = s.windowSignals(ctx, organizationID, start, end)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: fetch window signals %s", organizationID)
	}

	w.Documents, err = s.queryDocuments(ctx,
		`SELECT `+sqliteDocumentColumns+` FROM documents
		 WHERE organization_id = ? AND crawled_at >= ? AND crawled_at < ?
		 ORDER BY crawled_at ASC`,
		organizationID, sqliteTime(start), sqliteTime(end),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: fetch window documents %s", organizationID)
	}
	return w, nil
}

// windowSignals must release its rows before the next query because the
// pool holds a single connection.
func (s *SQLiteStore) windowSignals(ctx context.Context, organizationID string, start, end time.Time) ([]model.Signal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, organization_id, document_id, severity, category, summary, details, created_at
		 FROM signals WHERE organization_id = ? AND created_at >= ? AND created_at < ?
		 ORDER BY created_at ASC`,
		organizationID, sqliteTime(start), sqliteTime(end),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query signals")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Signal
	for rows.Next() {
		var sig model.Signal
		var docID, details sql.NullString
		var severity, category, created string
		if err := rows.Scan(&sig.ID, &sig.OrganizationID, &docID, &severity, &category, &sig.Summary, &details, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan signal")
		}
		if sig.CreatedAt, err = parseSQLiteTime(created); err != nil {
			return nil, err
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &sig.Details); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal signal details")
			}
		}
		sig.DocumentID = stringPtr(docID)
		sig.Severity = model.Severity(severity)
		sig.Category = model.Category(category)
		out = append(out, sig)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate signals")
}

// InsertBriefing appends a briefing.
func (s *SQLiteStore) InsertBriefing(ctx context.Context, b *model.Briefing) error {
	stampBriefing(b)
	summary, err := json.Marshal(b.Summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal briefing summary")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO briefings (id, organization_id, summary, window_start, window_end, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.OrganizationID, string(summary), sqliteTime(b.WindowStart), sqliteTime(b.WindowEnd), sqliteTime(b.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert briefing for organization %s", b.OrganizationID)
}

// LatestBriefing returns the newest briefing or nil, nil.
func (s *SQLiteStore) LatestBriefing(ctx context.Context, organizationID string) (*model.Briefing, error) {
	var b model.Briefing
	var summary, start, end, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, summary, window_start, window_end, created_at
		 FROM briefings WHERE organization_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		organizationID,
	).Scan(&b.ID, &b.OrganizationID, &summary, &start, &end, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest briefing %s", organizationID)
	}
	if err := json.Unmarshal([]byte(summary), &b.Summary); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal briefing summary")
	}
	if b.WindowStart, err = parseSQLiteTime(start); err != nil {
		return nil, err
	}
	if b.WindowEnd, err = parseSQLiteTime(end); err != nil {
		return nil, err
	}
	if b.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	return &b, nil
}

// InsertRunRecord appends an audit record.
func (s *SQLiteStore) InsertRunRecord(ctx context.Context, r *model.RunRecord) error {
	stampRun(r)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_records (id, organization_id, stage, status, error_code, error_message, briefing_id, document_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OrganizationID, string(r.Stage), string(r.Status), r.ErrorCode, r.ErrorMessage,
		nullString(r.BriefingID), nullString(r.DocumentID), sqliteTime(r.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert run record for organization %s", r.OrganizationID)
}

// ListRunRecords returns run records newest first.
func (s *SQLiteStore) ListRunRecords(ctx context.Context, filter RunFilter) ([]model.RunRecord, error) {
	query := `SELECT id, organization_id, stage, status, error_code, error_message, briefing_id, document_id, created_at
		FROM run_records WHERE 1=1`
	var args []any
	if filter.OrganizationID != "" {
		query += " AND organization_id = ?"
		args = append(args, filter.OrganizationID)
	}
	if filter.Stage != "" {
		query += " AND stage = ?"
		args = append(args, string(filter.Stage))
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, sqliteTime(filter.CreatedAfter))
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, runLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list run records")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RunRecord
	for rows.Next() {
		var r model.RunRecord
		var stage, status, created string
		var briefingID, documentID sql.NullString
		if err := rows.Scan(&r.ID, &r.OrganizationID, &stage, &status, &r.ErrorCode, &r.ErrorMessage, &briefingID, &documentID, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run record")
		}
		if r.CreatedAt, err = parseSQLiteTime(created); err != nil {
			return nil, err
		}
		r.Stage = model.Stage(stage)
		r.Status = model.RunStatus(status)
		r.BriefingID = stringPtr(briefingID)
		r.DocumentID = stringPtr(documentID)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate run records")
}

// UpsertOrganization inserts or updates an organization keyed by slug.
func (s *SQLiteStore) UpsertOrganization(ctx context.Context, o *model.Organization) error {
	stampOrganization(o)
	var sfID sql.NullString
	if o.SalesforceID != "" {
		sfID = sql.NullString{String: o.SalesforceID, Valid: true}
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO organizations (id, slug, name, salesforce_id, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (slug) DO UPDATE SET name = excluded.name, salesforce_id = excluded.salesforce_id
		 RETURNING id`,
		o.ID, o.Slug, o.Name, sfID, sqliteTime(o.CreatedAt),
	).Scan(&o.ID)
	return eris.Wrapf(err, "sqlite: upsert organization %s", o.Slug)
}

// InsertDocument stores a document.
func (s *SQLiteStore) InsertDocument(ctx context.Context, d *model.Document) error {
	stampDocument(d)
	processed := 0
	if d.Processed {
		processed = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (`+sqliteDocumentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, nullString(d.OrganizationID), string(d.SourceKind), d.Title, d.URL, d.RawText, sqliteTime(d.CrawledAt), processed,
	)
	return eris.Wrapf(err, "sqlite: insert document %s", d.ID)
}

var (
	_ Store  = (*SQLiteStore)(nil)
	_ Seeder = (*SQLiteStore)(nil)
)
