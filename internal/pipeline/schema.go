package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/account-intel/internal/model"
)

// ParseError reports model output that could not be turned into a
// structured result. Kind is CodeInvalidJSON or CodeInvalidShape.
type ParseError struct {
	Kind string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("pipeline: parse failure (%s): %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type validator interface {
	validate() error
}

// stripFences extracts a JSON object from text that may be wrapped in
// markdown code fences or surrounding prose.
func stripFences(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// decodeStrict rejects unknown keys and then applies dst's own checks.
func decodeStrict(raw string, dst validator) error {
	return decodeOutput(raw, dst, true)
}

func decodeOutput(raw string, dst validator, strict bool) error {
	text := stripFences(raw)
	if !json.Valid([]byte(text)) {
		return &ParseError{Kind: CodeInvalidJSON, Err: eris.Errorf("output is not valid JSON (%d bytes)", len(raw))}
	}

	dec := json.NewDecoder(strings.NewReader(text))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		return &ParseError{Kind: CodeInvalidShape, Err: eris.Wrap(err, "decode")}
	}
	if err := dst.validate(); err != nil {
		return &ParseError{Kind: CodeInvalidShape, Err: err}
	}
	return nil
}

// EntityOut is one stakeholder named by the extraction model.
type EntityOut struct {
	Name string
	Kind model.EntityKind
	Role string
}

// SignalOut is one account fact found by the extraction model.
type SignalOut struct {
	Category model.Category
	Severity model.Severity
	Summary  string
	Details  map[string]any
}

// ExtractionOutput is the validated result for one document.
type ExtractionOutput struct {
	Entities []EntityOut
	Signals  []SignalOut
}

type extractionWire struct {
	Entities *[]entityWire `json:"entities"`
	Signals  *[]signalWire `json:"signals"`
}

type entityWire struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Role string `json:"role"`
}

type signalWire struct {
	Category string         `json:"category"`
	Severity string         `json:"severity"`
	Summary  string         `json:"summary"`
	Details  map[string]any `json:"details"`
}

func (w *extractionWire) validate() error {
	if w.Entities == nil {
		return eris.New(`missing "entities" array`)
	}
	if w.Signals == nil {
		return eris.New(`missing "signals" array`)
	}
	for i, e := range *w.Entities {
		if strings.TrimSpace(e.Name) == "" {
			return eris.Errorf("entities[%d]: empty name", i)
		}
	}
	for i, s := range *w.Signals {
		if _, err := model.ParseCategory(s.Category); err != nil {
			return eris.Wrapf(err, "signals[%d]", i)
		}
		if _, err := model.ParseSeverity(s.Severity); err != nil {
			return eris.Wrapf(err, "signals[%d]", i)
		}
		if strings.TrimSpace(s.Summary) == "" {
			return eris.Errorf("signals[%d]: empty summary", i)
		}
	}
	return nil
}

// ParseExtraction validates raw extraction output. Both arrays must be
// present; either may be empty.
func ParseExtraction(raw string) (*ExtractionOutput, error) {
	var w extractionWire
	if err := decodeStrict(raw, &w); err != nil {
		return nil, err
	}

	out := &ExtractionOutput{
		Entities: make([]EntityOut, 0, len(*w.Entities)),
		Signals:  make([]SignalOut, 0, len(*w.Signals)),
	}
	for _, e := range *w.Entities {
		out.Entities = append(out.Entities, EntityOut{
			Name: strings.TrimSpace(e.Name),
			Kind: model.ParseEntityKind(e.Kind),
			Role: strings.TrimSpace(e.Role),
		})
	}
	for _, s := range *w.Signals {
		// Already checked in validate.
		cat, _ := model.ParseCategory(s.Category)
		sev, _ := model.ParseSeverity(s.Severity)
		out.Signals = append(out.Signals, SignalOut{
			Category: cat,
			Severity: sev,
			Summary:  strings.TrimSpace(s.Summary),
			Details:  s.Details,
		})
	}
	return out, nil
}

// ClassificationOutput is the model's best guess at a document's
// organization.
type ClassificationOutput struct {
	OrganizationSlug *string  `json:"organization_slug"`
	Confidence       *float64 `json:"confidence"`
}

func (c *ClassificationOutput) validate() error {
	if c.Confidence == nil {
		return eris.New(`missing "confidence"`)
	}
	if *c.Confidence < 0 || *c.Confidence > 1 {
		return eris.Errorf("confidence %v outside [0,1]", *c.Confidence)
	}
	return nil
}

// Slug returns the trimmed, lowercased guess or "" when there is none.
func (c *ClassificationOutput) Slug() string {
	if c.OrganizationSlug == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(*c.OrganizationSlug))
}

// ParseClassification validates raw classification output.
func ParseClassification(raw string) (*ClassificationOutput, error) {
	var out ClassificationOutput
	if err := decodeStrict(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type briefingWire struct {
	Bullets   *[]string `json:"bullets"`
	Narrative *string   `json:"narrative"`
}

func (w *briefingWire) validate() error {
	if w.Bullets == nil {
		return eris.New(`missing "bullets" array`)
	}
	if w.Narrative == nil {
		return eris.New(`missing "narrative" string`)
	}
	return nil
}

// ParseBriefing validates raw synthesis output into a briefing summary.
// Only the types of bullets and narrative are enforced: an empty list, an
// empty narrative and extra top-level keys are all accepted. Blank bullets
// are dropped.
func ParseBriefing(raw string) (*model.BriefingSummary, error) {
	var w briefingWire
	if err := decodeOutput(raw, &w, false); err != nil {
		return nil, err
	}
	bullets := make([]string, 0, len(*w.Bullets))
	for _, b := range *w.Bullets {
		if b = strings.TrimSpace(b); b != "" {
			bullets = append(bullets, b)
		}
	}
	return &model.BriefingSummary{
		Bullets:   bullets,
		Narrative: strings.TrimSpace(*w.Narrative),
	}, nil
}
