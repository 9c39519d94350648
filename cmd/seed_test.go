package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/account-intel/internal/store"
)

const fixture = `
organizations:
  - slug: acme-health
    name: Acme Health
    salesforce_id: 001A000001
  - slug: beacon-clinic
    name: Beacon Clinic
documents:
  - organization: acme-health
    source_kind: press_release
    title: Acme opens new cardiology wing
    url: https://acme.example.com/news/1
    text: Acme Health announced a new cardiology wing.
    crawled_at: 2025-03-01T09:00:00Z
  - source_kind: news
    title: Regional health systems expand
    url: https://news.example.com/2
    text: Beacon Clinic hired a new CIO.
    processed: true
`

func writeFixture(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestReadSeedFile(t *testing.T) {
	f, err := readSeedFile(writeFixture(t, fixture))
	require.NoError(t, err)
	require.Len(t, f.Organizations, 2)
	require.Len(t, f.Documents, 2)
	assert.Equal(t, "001A000001", f.Organizations[0].SalesforceID)
	assert.Equal(t, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), f.Documents[0].CrawledAt)

	_, err = readSeedFile(writeFixture(t, "organizations: [oops"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse seed file")

	_, err = readSeedFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestApplySeed_SQLite(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "seed.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	f, err := readSeedFile(writeFixture(t, fixture))
	require.NoError(t, err)

	counts, err := applySeed(ctx, st, f)
	require.NoError(t, err)
	assert.Equal(t, seedCounts{Organizations: 2, Documents: 2}, counts)

	org, err := st.FetchOrganizationBySlug(ctx, "acme-health")
	require.NoError(t, err)
	require.NotNil(t, org)
	assert.Equal(t, "001A000001", org.SalesforceID)

	pending, err := st.FetchUnprocessedDocuments(ctx, store.DocumentFilter{OrganizationID: org.ID}, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Acme opens new cardiology wing", pending[0].Title)

	news, err := st.FetchUnclassifiedNews(ctx, 10)
	require.NoError(t, err)
	require.Len(t, news, 1)
	assert.Nil(t, news[0].OrganizationID)
}

func TestApplySeed_UnknownOrganization(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "seed.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	_, err = applySeed(ctx, st, &seedFile{Documents: []seedDocument{{Organization: "ghost", Title: "x"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown organization")

	_, err = applySeed(ctx, st, &seedFile{Organizations: []seedOrganization{{Name: "No Slug"}}})
	require.Error(t, err)
}
