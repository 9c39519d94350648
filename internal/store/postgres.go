package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/account-intel/internal/db"
	"github.com/sells-group/account-intel/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller keeps ownership.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying pool for subsystems that share it, such as
// the shared rate-limit counter.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS organizations (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	slug          TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL,
	salesforce_id TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS documents (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	organization_id TEXT REFERENCES organizations(id),
	source_kind     TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	url             TEXT NOT NULL DEFAULT '',
	raw_text        TEXT NOT NULL DEFAULT '',
	crawled_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed       BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS signals (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	organization_id TEXT NOT NULL REFERENCES organizations(id),
	document_id     TEXT REFERENCES documents(id),
	severity        TEXT NOT NULL,
	category        TEXT NOT NULL,
	summary         TEXT NOT NULL,
	details         JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS entities (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	organization_id TEXT NOT NULL REFERENCES organizations(id),
	document_id     TEXT REFERENCES documents(id),
	name            TEXT NOT NULL,
	kind            TEXT NOT NULL,
	role            TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS briefings (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	organization_id TEXT NOT NULL REFERENCES organizations(id),
	summary         JSONB NOT NULL,
	window_start    TIMESTAMPTZ NOT NULL,
	window_end      TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_records (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	organization_id TEXT NOT NULL,
	stage           TEXT NOT NULL,
	status          TEXT NOT NULL,
	error_code      TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT '',
	briefing_id     TEXT REFERENCES briefings(id),
	document_id     TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rate_limit_counters (
	key          TEXT PRIMARY KEY,
	count        INTEGER NOT NULL,
	window_start TIMESTAMPTZ NOT NULL,
	reset_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_unprocessed ON documents(organization_id, crawled_at) WHERE NOT processed;
CREATE INDEX IF NOT EXISTS idx_documents_unclassified ON documents(source_kind, crawled_at) WHERE organization_id IS NULL;
CREATE INDEX IF NOT EXISTS idx_documents_org_crawled ON documents(organization_id, crawled_at);
CREATE INDEX IF NOT EXISTS idx_signals_org_created ON signals(organization_id, created_at);
CREATE INDEX IF NOT EXISTS idx_entities_org ON entities(organization_id);
CREATE INDEX IF NOT EXISTS idx_briefings_org_created ON briefings(organization_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_run_records_org_created ON run_records(organization_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_run_records_status ON run_records(status);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the schema if absent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool when this store created it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const documentColumns = "id, organization_id, source_kind, title, url, raw_text, crawled_at, processed"

func scanDocuments(rows pgx.Rows) ([]model.Document, error) {
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		var d model.Document
		var kind string
		if err := rows.Scan(&d.ID, &d.OrganizationID, &kind, &d.Title, &d.URL, &d.RawText, &d.CrawledAt, &d.Processed); err != nil {
			return nil, eris.Wrap(err, "postgres: scan document")
		}
		d.SourceKind = model.SourceKind(kind)
		docs = append(docs, d)
	}
	return docs, eris.Wrap(rows.Err(), "postgres: iterate documents")
}

// FetchUnprocessedDocuments returns the oldest unprocessed documents
// matching filter.
func (s *PostgresStore) FetchUnprocessedDocuments(ctx context.Context, filter DocumentFilter, limit int) ([]model.Document, error) {
	q := psql.Select(documentColumns).From("documents").Where(sq.Eq{"processed": false})
	if filter.OrganizationID != "" {
		q = q.Where(sq.Eq{"organization_id": filter.OrganizationID})
	}
	if filter.SourceKind != "" {
		q = q.Where(sq.Eq{"source_kind": string(filter.SourceKind)})
	}
	q = q.OrderBy("crawled_at ASC", "id ASC").Limit(uint64(max(limit, 1)))

	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build unprocessed query")
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: fetch unprocessed documents")
	}
	return scanDocuments(rows)
}

// FetchUnclassifiedNews returns processed news documents that have no
// organization yet.
func (s *PostgresStore) FetchUnclassifiedNews(ctx context.Context, limit int) ([]model.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE organization_id IS NULL AND source_kind = $1 AND processed = true
		 ORDER BY crawled_at DESC, id ASC LIMIT $2`,
		string(model.SourceKindNews), max(limit, 1),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: fetch unclassified news")
	}
	return scanDocuments(rows)
}

// MarkProcessed flips processed to true. It reports false when the document
// was already processed (or does not exist), so concurrent runs flip it once.
func (s *PostgresStore) MarkProcessed(ctx context.Context, documentID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET processed = true WHERE id = $1 AND processed = false`,
		documentID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: mark processed %s", documentID)
	}
	return tag.RowsAffected() == 1, nil
}

// AssignOrganization links an unclassified document. It reports false when
// another run linked it first.
func (s *PostgresStore) AssignOrganization(ctx context.Context, documentID, organizationID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET organization_id = $1 WHERE id = $2 AND organization_id IS NULL`,
		organizationID, documentID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: assign organization %s", documentID)
	}
	return tag.RowsAffected() == 1, nil
}

// OrganizationsWithUnprocessed lists organizations that have queued documents.
func (s *PostgresStore) OrganizationsWithUnprocessed(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT organization_id FROM documents
		 WHERE processed = false AND organization_id IS NOT NULL
		 ORDER BY organization_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: organizations with unprocessed")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan organization id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: iterate organization ids")
}

// InsertEntity appends an entity, assigning ID and CreatedAt when unset.
func (s *PostgresStore) InsertEntity(ctx context.Context, e *model.Entity) error {
	stampEntity(e)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entities (id, organization_id, document_id, name, kind, role, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.OrganizationID, e.DocumentID, e.Name, string(e.Kind), e.Role, e.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert entity for organization %s", e.OrganizationID)
}

// InsertSignal appends a signal, assigning ID and CreatedAt when unset.
func (s *PostgresStore) InsertSignal(ctx context.Context, sig *model.Signal) error {
	stampSignal(sig)
	details, err := marshalDetails(sig.Details)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal signal details")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO signals (id, organization_id, document_id, severity, category, summary, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sig.ID, sig.OrganizationID, sig.DocumentID, string(sig.Severity), string(sig.Category),
		sig.Summary, details, sig.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert signal for organization %s", sig.OrganizationID)
}

const organizationColumns = "id, slug, name, salesforce_id, created_at"

func scanOrganization(row pgx.Row) (*model.Organization, error) {
	var o model.Organization
	var sfID *string
	if err := row.Scan(&o.ID, &o.Slug, &o.Name, &sfID, &o.CreatedAt); err != nil {
		return nil, err
	}
	if sfID != nil {
		o.SalesforceID = *sfID
	}
	return &o, nil
}

// GetOrganization returns nil, nil when the organization does not exist.
func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	o, err := scanOrganization(s.pool.QueryRow(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get organization %s", id)
	}
	return o, nil
}

// FetchOrganizationBySlug returns nil, nil when no organization has slug.
func (s *PostgresStore) FetchOrganizationBySlug(ctx context.Context, slug string) (*model.Organization, error) {
	o, err := scanOrganization(s.pool.QueryRow(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE slug = $1`, slug))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: fetch organization by slug %s", slug)
	}
	return o, nil
}

// ListOrganizations returns every organization ordered by name.
func (s *PostgresStore) ListOrganizations(ctx context.Context) ([]model.Organization, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+organizationColumns+` FROM organizations ORDER BY name, id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list organizations")
	}
	defer rows.Close()

	var orgs []model.Organization
	for rows.Next() {
		o, err := scanOrganization(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan organization")
		}
		orgs = append(orgs, *o)
	}
	return orgs, eris.Wrap(rows.Err(), "postgres: iterate organizations")
}

// ListOrganizationSlugs returns up to limit slugs, used to ground the
// classification prompt.
func (s *PostgresStore) ListOrganizationSlugs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT slug FROM organizations ORDER BY slug LIMIT $1`, max(limit, 1))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list organization slugs")
	}
	defer rows.Close()

	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, eris.Wrap(err, "postgres: scan slug")
		}
		slugs = append(slugs, slug)
	}
	return slugs, eris.Wrap(rows.Err(), "postgres: iterate slugs")
}

// FetchWindow gathers the signals created and documents crawled for an
// organization within [start, end).
func (s *PostgresStore) FetchWindow(ctx context.Context, organizationID string, start, end time.Time) (*model.Window, error) {
	w := &model.Window{Start: start, End: end}

	rows, err := s.pool.Query(ctx,
		`SELECT id, organization_id, document_id, severity, category, summary, details, created_at
		 FROM signals WHERE organization_id = $1 AND created_at >= $2 AND created_at < $3
		 ORDER BY created_at ASC`,
		organizationID, start, end,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: fetch window signals %s", organizationID)
	}
	for rows.Next() {
		var sig model.Signal
		var severity, category string
		var details []byte
		if err := rows.Scan(&sig.ID, &sig.OrganizationID, &sig.DocumentID, &severity, &category, &sig.Summary, &details, &sig.CreatedAt); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan signal")
		}
		sig.Severity = model.Severity(severity)
		sig.Category = model.Category(category)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &sig.Details); err != nil {
				rows.Close()
				return nil, eris.Wrap(err, "postgres: unmarshal signal details")
			}
		}
		w.Signals = append(w.Signals, sig)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate signals")
	}

	docRows, err := s.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE organization_id = $1 AND crawled_at >= $2 AND crawled_at < $3
		 ORDER BY crawled_at ASC`,
		organizationID, start, end,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: fetch window documents %s", organizationID)
	}
	w.Documents, err = scanDocuments(docRows)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// InsertBriefing appends a briefing, assigning ID and CreatedAt when unset.
func (s *PostgresStore) InsertBriefing(ctx context.Context, b *model.Briefing) error {
	stampBriefing(b)
	summary, err := json.Marshal(b.Summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal briefing summary")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO briefings (id, organization_id, summary, window_start, window_end, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.OrganizationID, summary, b.WindowStart, b.WindowEnd, b.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert briefing for organization %s", b.OrganizationID)
}

// LatestBriefing returns the newest briefing or nil, nil when none exist.
func (s *PostgresStore) LatestBriefing(ctx context.Context, organizationID string) (*model.Briefing, error) {
	var b model.Briefing
	var summary []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, summary, window_start, window_end, created_at
		 FROM briefings WHERE organization_id = $1 ORDER BY created_at DESC LIMIT 1`,
		organizationID,
	).Scan(&b.ID, &b.OrganizationID, &summary, &b.WindowStart, &b.WindowEnd, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: latest briefing %s", organizationID)
	}
	if err := json.Unmarshal(summary, &b.Summary); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal briefing summary")
	}
	return &b, nil
}

// InsertRunRecord appends an audit record.
func (s *PostgresStore) InsertRunRecord(ctx context.Context, r *model.RunRecord) error {
	stampRun(r)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_records (id, organization_id, stage, status, error_code, error_message, briefing_id, document_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.OrganizationID, string(r.Stage), string(r.Status), r.ErrorCode, r.ErrorMessage,
		r.BriefingID, r.DocumentID, r.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert run record for organization %s", r.OrganizationID)
}

// ListRunRecords returns run records newest first.
func (s *PostgresStore) ListRunRecords(ctx context.Context, filter RunFilter) ([]model.RunRecord, error) {
	q := psql.Select("id, organization_id, stage, status, error_code, error_message, briefing_id, document_id, created_at").
		From("run_records")
	if filter.OrganizationID != "" {
		q = q.Where(sq.Eq{"organization_id": filter.OrganizationID})
	}
	if filter.Stage != "" {
		q = q.Where(sq.Eq{"stage": string(filter.Stage)})
	}
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": string(filter.Status)})
	}
	if !filter.CreatedAfter.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": filter.CreatedAfter})
	}
	q = q.OrderBy("created_at DESC").Limit(uint64(runLimit(filter.Limit)))

	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build run records query")
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list run records")
	}
	defer rows.Close()

	var out []model.RunRecord
	for rows.Next() {
		var r model.RunRecord
		var stage, status string
		if err := rows.Scan(&r.ID, &r.OrganizationID, &stage, &status, &r.ErrorCode, &r.ErrorMessage, &r.BriefingID, &r.DocumentID, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run record")
		}
		r.Stage = model.Stage(stage)
		r.Status = model.RunStatus(status)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate run records")
}

// UpsertOrganization inserts or updates an organization keyed by slug.
func (s *PostgresStore) UpsertOrganization(ctx context.Context, o *model.Organization) error {
	stampOrganization(o)
	var sfID *string
	if o.SalesforceID != "" {
		sfID = &o.SalesforceID
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO organizations (id, slug, name, salesforce_id, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name, salesforce_id = EXCLUDED.salesforce_id
		 RETURNING id`,
		o.ID, o.Slug, o.Name, sfID, o.CreatedAt,
	).Scan(&o.ID)
	return eris.Wrapf(err, "postgres: upsert organization %s", o.Slug)
}

// InsertDocument stores a document as an ingestion collaborator would.
func (s *PostgresStore) InsertDocument(ctx context.Context, d *model.Document) error {
	stampDocument(d)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (`+documentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.OrganizationID, string(d.SourceKind), d.Title, d.URL, d.RawText, d.CrawledAt, d.Processed,
	)
	return eris.Wrapf(err, "postgres: insert document %s", d.ID)
}

var (
	_ Store  = (*PostgresStore)(nil)
	_ Seeder = (*PostgresStore)(nil)
)
