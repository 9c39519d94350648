package main

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/account-intel/internal/model"
	"github.com/sells-group/account-intel/internal/store"
)

// seedFile is the fixture format loaded by the seed command.
type seedFile struct {
	Organizations []seedOrganization `yaml:"organizations"`
	Documents     []seedDocument     `yaml:"documents"`
}

type seedOrganization struct {
	Slug         string `yaml:"slug"`
	Name         string `yaml:"name"`
	SalesforceID string `yaml:"salesforce_id"`
}

// seedDocument names its organization by slug. Leave it empty for news
// that still needs classification.
type seedDocument struct {
	Organization string    `yaml:"organization"`
	SourceKind   string    `yaml:"source_kind"`
	Title        string    `yaml:"title"`
	URL          string    `yaml:"url"`
	Text         string    `yaml:"text"`
	CrawledAt    time.Time `yaml:"crawled_at"`
	Processed    bool      `yaml:"processed"`
}

type seedCounts struct {
	Organizations int
	Documents     int
}

var seedCmd = &cobra.Command{
	Use:   "seed <fixture.yaml>",
	Short: "Load organizations and documents from a YAML fixture",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		fixture, err := readSeedFile(args[0])
		if err != nil {
			return err
		}

		env, err := initStoreOnly(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		seeder, ok := env.Store.(store.Seeder)
		if !ok {
			return eris.Errorf("store driver %s cannot be seeded", cfg.Store.Driver)
		}
		counts, err := applySeed(ctx, seeder, fixture)
		if err != nil {
			return err
		}
		zap.L().Info("seed complete",
			zap.Int("organizations", counts.Organizations),
			zap.Int("documents", counts.Documents),
		)
		return nil
	},
}

func readSeedFile(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read seed file %s", path)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "parse seed file %s", path)
	}
	return &f, nil
}

func applySeed(ctx context.Context, s store.Seeder, f *seedFile) (seedCounts, error) {
	var counts seedCounts
	ids := make(map[string]string, len(f.Organizations))

	for _, so := range f.Organizations {
		if so.Slug == "" {
			return counts, eris.New("seed: organization slug is required")
		}
		org := &model.Organization{Slug: so.Slug, Name: so.Name, SalesforceID: so.SalesforceID}
		if err := s.UpsertOrganization(ctx, org); err != nil {
			return counts, err
		}
		ids[so.Slug] = org.ID
		counts.Organizations++
	}

	for i, sd := range f.Documents {
		doc := &model.Document{
			SourceKind: model.SourceKind(sd.SourceKind),
			Title:      sd.Title,
			URL:        sd.URL,
			RawText:    sd.Text,
			CrawledAt:  sd.CrawledAt,
			Processed:  sd.Processed,
		}
		if doc.SourceKind == "" {
			doc.SourceKind = model.SourceKindWeb
		}
		if sd.Organization != "" {
			id, ok := ids[sd.Organization]
			if !ok {
				return counts, eris.Errorf("seed: document %d references unknown organization %q", i, sd.Organization)
			}
			doc.OrganizationID = &id
		}
		if err := s.InsertDocument(ctx, doc); err != nil {
			return counts, err
		}
		counts.Documents++
	}
	return counts, nil
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
