package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/account-intel/internal/config"
	"github.com/sells-group/account-intel/internal/model"
)

func TestLoadPrompts_Defaults(t *testing.T) {
	p, err := LoadPrompts("")
	require.NoError(t, err)
	assert.Equal(t, defaultBriefingPrompt, p.Briefing)
}

func TestLoadPrompts_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	yaml := `
briefing: |
  Brief {{.OrganizationName}} with {{len .Signals}} signals.
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	p, err := LoadPrompts(path)
	require.NoError(t, err)
	assert.Equal(t, defaultExtractionPrompt, p.Extraction)

	got, err := p.BriefingPrompt(&model.Organization{Name: "Mercy"}, &model.Window{
		Signals: []model.Signal{{Summary: "a"}, {Summary: "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Brief Mercy with 2 signals.\n", got)
}

func TestLoadPrompts_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadPrompts(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read prompts")

	badYAML := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badYAML, []byte("briefing: [unclosed"), 0o644))
	_, err = LoadPrompts(badYAML)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse prompts")

	badTemplate := filepath.Join(dir, "tmpl.yaml")
	require.NoError(t, os.WriteFile(badTemplate, []byte("extraction: \"{{.Title\"\n"), 0o644))
	_, err = LoadPrompts(badTemplate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse extraction template")
}

func TestBriefingPrompt_Default(t *testing.T) {
	p := DefaultPrompts()
	w := &model.Window{
		Start: refTime.Add(-24 * time.Hour),
		End:   refTime,
		Signals: []model.Signal{
			{Category: model.CategoryExpansion, Severity: model.SeverityMedium, Summary: "Opening clinic"},
		},
	}

	got, err := p.BriefingPrompt(&model.Organization{Name: "Mercy Health"}, w)
	require.NoError(t, err)
	assert.Contains(t, got, "Window: 2025-03-01T12:00:00Z to 2025-03-02T12:00:00Z")
	assert.Contains(t, got, "- [expansion/medium] Opening clinic")
	assert.NotContains(t, got, "Documents:")
	assert.Contains(t, got, `"bullets"`)
}

func TestClassificationPrompt_Default(t *testing.T) {
	got, err := DefaultPrompts().ClassificationPrompt(model.Document{
		Title:   "Baptist names CEO",
		URL:     "https://news.test/b",
		RawText: "<div>Baptist Health named a new chief executive.</div>",
	}, []string{"baptist", "mercy"}, false, 0)
	require.NoError(t, err)
	assert.Contains(t, got, "- baptist\n- mercy\n")
	assert.NotContains(t, got, "partial list")
	assert.Contains(t, got, "Baptist Health named a new chief executive.")
	assert.Contains(t, got, "organization_slug")
}

func TestClassificationPrompt_PartialList(t *testing.T) {
	got, err := DefaultPrompts().ClassificationPrompt(model.Document{Title: "t"}, []string{"a"}, true, 0)
	require.NoError(t, err)
	assert.Contains(t, got, "Known organization slugs (partial list, sorted by slug):")
}

func TestSettingsFromConfig(t *testing.T) {
	s, err := SettingsFromConfig(config.PipelineConfig{
		ExtractBatchSize:  5,
		BriefingWindowHrs: 48,
		ItemTimeoutSecs:   30,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, s.ExtractBatchSize)
	assert.Equal(t, defaultClassifyBatchSize, s.ClassifyBatchSize)
	assert.Equal(t, 48*time.Hour, s.BriefingWindow)
	assert.Equal(t, 30*time.Second, s.ItemTimeout)
	require.NotNil(t, s.MinConfidence)
	assert.Zero(t, *s.MinConfidence)
	assert.NotNil(t, s.Prompts)

	s, err = SettingsFromConfig(config.PipelineConfig{MinConfidence: -1})
	require.NoError(t, err)
	assert.InDelta(t, defaultMinConfidence, *s.MinConfidence, 0.0001)

	s, err = SettingsFromConfig(config.PipelineConfig{MinConfidence: 0.8})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, *s.MinConfidence, 0.0001)

	_, err = SettingsFromConfig(config.PipelineConfig{PromptsFile: filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Error(t, err)
}
