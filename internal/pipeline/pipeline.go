// Package pipeline implements the document extraction, news classification,
// and briefing synthesis stages, plus the orchestrator that drives them.
//
// Items are processed sequentially. Per-item failures are logged, recorded,
// and counted; only systemic failures are returned as errors.
package pipeline

import (
	"time"

	"github.com/sells-group/account-intel/internal/config"
)

const (
	defaultExtractBatchSize  = 3
	defaultClassifyBatchSize = 100
	defaultBriefingWindow    = 24 * time.Hour
	defaultMaxDocumentChars  = 12000
	defaultItemTimeout       = 2 * time.Minute
	defaultMinConfidence     = 0.5
	defaultRecordTimeout     = 10 * time.Second

	// maxClassificationSlugs bounds the slug list embedded in the
	// classification prompt.
	maxClassificationSlugs = 500
)

// Settings tunes the stages. Zero values take the defaults, except
// MinConfidence where only nil does so that zero can mean "link any guess".
type Settings struct {
	ExtractBatchSize  int
	ClassifyBatchSize int
	BriefingWindow    time.Duration
	MaxDocumentChars  int
	ItemTimeout       time.Duration
	MinConfidence     *float64
	Prompts           *Prompts
}

// SettingsFromConfig converts pipeline configuration, loading the prompts
// override file when one is configured.
func SettingsFromConfig(cfg config.PipelineConfig) (Settings, error) {
	prompts, err := LoadPrompts(cfg.PromptsFile)
	if err != nil {
		return Settings{}, err
	}
	var minConfidence *float64
	if cfg.MinConfidence >= 0 {
		minConfidence = &cfg.MinConfidence
	}
	return Settings{
		ExtractBatchSize:  cfg.ExtractBatchSize,
		ClassifyBatchSize: cfg.ClassifyBatchSize,
		BriefingWindow:    time.Duration(cfg.BriefingWindowHrs) * time.Hour,
		MaxDocumentChars:  cfg.MaxDocumentChars,
		ItemTimeout:       time.Duration(cfg.ItemTimeoutSecs) * time.Second,
		MinConfidence:     minConfidence,
		Prompts:           prompts,
	}.withDefaults(), nil
}

func (s Settings) withDefaults() Settings {
	if s.ExtractBatchSize <= 0 {
		s.ExtractBatchSize = defaultExtractBatchSize
	}
	if s.ClassifyBatchSize <= 0 {
		s.ClassifyBatchSize = defaultClassifyBatchSize
	}
	if s.BriefingWindow <= 0 {
		s.BriefingWindow = defaultBriefingWindow
	}
	if s.MaxDocumentChars <= 0 {
		s.MaxDocumentChars = defaultMaxDocumentChars
	}
	if s.ItemTimeout <= 0 {
		s.ItemTimeout = defaultItemTimeout
	}
	if s.MinConfidence == nil || *s.MinConfidence < 0 {
		v := defaultMinConfidence
		s.MinConfidence = &v
	}
	if s.Prompts == nil {
		s.Prompts = DefaultPrompts()
	}
	return s
}
