package pipeline

import (
	"bytes"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/account-intel/internal/model"
	"github.com/sells-group/account-intel/internal/textclean"
)

const defaultExtractionPrompt = `You are an analyst supporting a healthcare sales team. Read one source document about a health system and pull out who is involved and what is changing.

Title: {{.Title}}
Source URL: {{.URL}}

Document text:
{{.Text}}

Entities are named stakeholders: people, departments, vendors, facilities.
Signals are account-relevant facts. Allowed categories: {{join .Categories ", "}}.
Allowed severities: low, medium, high.

Return a JSON object with exactly these keys:
{"entities": [{"name": "...", "kind": "person|department|vendor|facility|other", "role": "..."}],
 "signals": [{"category": "...", "severity": "...", "summary": "<one sentence>", "details": {}}]}
Use empty arrays when the document has nothing relevant.`

const defaultClassificationPrompt = `You match news articles to the healthcare system they are about.

Known organization slugs{{if .Partial}} (partial list, sorted by slug){{end}}:
{{range .Slugs}}- {{.}}
{{end}}
Title: {{.Title}}
Source URL: {{.URL}}

Article text:
{{.Text}}

Return a JSON object with exactly these keys:
{"organization_slug": "<one slug from the list, or null>", "confidence": <0.0-1.0>}
Use null when the article is not clearly about one of the listed organizations.`

const defaultBriefingPrompt = `You write short daily account briefings for a healthcare sales team.

Organization: {{.OrganizationName}}
Window: {{.WindowStart}} to {{.WindowEnd}}
{{if .Signals}}
Signals:
{{range .Signals}}- [{{.Category}}/{{.Severity}}] {{.Summary}}
{{end}}{{end}}{{if .Documents}}
Documents:
{{range .Documents}}- {{.Title}} ({{.URL}})
{{end}}{{end}}
Summarize what changed for this account and why a seller should care.
Return a JSON object with exactly these keys:
{"bullets": ["<short point>", "..."], "narrative": "<two or three sentences>"}`

// Prompts holds the stage prompt templates in text/template syntax. Any
// field left empty in an override file keeps its default.
type Prompts struct {
	Extraction     string `yaml:"extraction"`
	Classification string `yaml:"classification"`
	Briefing       string `yaml:"briefing"`

	extraction     *template.Template
	classification *template.Template
	briefing       *template.Template
}

var promptFuncs = template.FuncMap{
	"join": strings.Join,
}

// DefaultPrompts returns the built-in prompts, already compiled.
func DefaultPrompts() *Prompts {
	p := &Prompts{
		Extraction:     defaultExtractionPrompt,
		Classification: defaultClassificationPrompt,
		Briefing:       defaultBriefingPrompt,
	}
	if err := p.compile(); err != nil {
		panic(err)
	}
	return p
}

// LoadPrompts reads a YAML prompts file and overlays it on the defaults.
// An empty path returns the defaults.
func LoadPrompts(path string) (*Prompts, error) {
	if path == "" {
		return DefaultPrompts(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read prompts %s", path)
	}

	var override Prompts
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse prompts %s", path)
	}

	p := &Prompts{
		Extraction:     firstNonEmpty(override.Extraction, defaultExtractionPrompt),
		Classification: firstNonEmpty(override.Classification, defaultClassificationPrompt),
		Briefing:       firstNonEmpty(override.Briefing, defaultBriefingPrompt),
	}
	if err := p.compile(); err != nil {
		return nil, eris.Wrapf(err, "pipeline: prompts %s", path)
	}
	return p, nil
}

func (p *Prompts) compile() error {
	var err error
	if p.extraction, err = parsePrompt("extraction", p.Extraction); err != nil {
		return err
	}
	if p.classification, err = parsePrompt("classification", p.Classification); err != nil {
		return err
	}
	if p.briefing, err = parsePrompt("briefing", p.Briefing); err != nil {
		return err
	}
	return nil
}

func parsePrompt(name, text string) (*template.Template, error) {
	t, err := template.New(name).Funcs(promptFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, eris.Wrapf(err, "parse %s template", name)
	}
	return t, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", eris.Wrapf(err, "execute %s template", t.Name())
	}
	return buf.String(), nil
}

type extractionData struct {
	Title      string
	URL        string
	Text       string
	Categories []string
}

// ExtractionPrompt renders the prompt for one document. The raw text is
// cleaned and truncated to maxChars runes.
func (p *Prompts) ExtractionPrompt(doc model.Document, maxChars int) (string, error) {
	cats := make([]string, 0, len(model.AllCategories()))
	for _, c := range model.AllCategories() {
		cats = append(cats, string(c))
	}
	return render(p.extraction, extractionData{
		Title:      textclean.CollapseWhitespace(doc.Title),
		URL:        doc.URL,
		Text:       textclean.Normalize(doc.RawText, maxChars),
		Categories: cats,
	})
}

type classificationData struct {
	Title   string
	URL     string
	Text    string
	Slugs   []string
	Partial bool
}

// ClassificationPrompt renders the prompt asking which organization a news
// document is about. partial marks a slug list cut short by the cap.
func (p *Prompts) ClassificationPrompt(doc model.Document, slugs []string, partial bool, maxChars int) (string, error) {
	return render(p.classification, classificationData{
		Title:   textclean.CollapseWhitespace(doc.Title),
		URL:     doc.URL,
		Text:    textclean.Normalize(doc.RawText, maxChars),
		Slugs:   slugs,
		Partial: partial,
	})
}

type briefingData struct {
	OrganizationName string
	WindowStart      string
	WindowEnd        string
	Signals          []model.Signal
	Documents        []model.Document
}

// BriefingPrompt renders the synthesis prompt for one window.
func (p *Prompts) BriefingPrompt(org *model.Organization, w *model.Window) (string, error) {
	return render(p.briefing, briefingData{
		OrganizationName: org.Name,
		WindowStart:      w.Start.UTC().Format(time.RFC3339),
		WindowEnd:        w.End.UTC().Format(time.RFC3339),
		Signals:          w.Signals,
		Documents:        w.Documents,
	})
}
