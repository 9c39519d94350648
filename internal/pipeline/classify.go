package pipeline

import (
	"context"
	"net/http"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/account-intel/internal/inference"
	"github.com/sells-group/account-intel/internal/model"
	"github.com/sells-group/account-intel/internal/store"
)

// ClassifyResult counts one classification batch.
type ClassifyResult struct {
	Classified int `json:"classified"`
	Total      int `json:"total"`
}

// Classifier links processed news documents that have no organization to
// the organization the model says they are about.
type Classifier struct {
	store    store.Store
	gateway  inference.Gateway
	settings Settings
	rec      *recorder
}

// NewClassifier creates a Classifier.
func NewClassifier(st store.Store, gw inference.Gateway, s Settings) *Classifier {
	return &Classifier{store: st, gateway: gw, settings: s.withDefaults(), rec: newRecorder(st)}
}

// skipReason explains why a document was left unassociated.
type skipReason string

const (
	skipNoGuess       skipReason = "no_guess"
	skipLowConfidence skipReason = "low_confidence"
	skipUnknownSlug   skipReason = "unknown_slug"
	skipLostRace      skipReason = "already_linked"
	skipError         skipReason = "error"
)

// Run classifies one batch. Per-document failures are logged and the
// batch continues; only failing to load the batch itself is an error.
func (c *Classifier) Run(ctx context.Context) (ClassifyResult, error) {
	log := zap.L().With(zap.String("stage", string(model.StageClassification)))

	docs, err := c.store.FetchUnclassifiedNews(ctx, c.settings.ClassifyBatchSize)
	if err != nil {
		return ClassifyResult{}, eris.Wrap(err, "classify: fetch unclassified news")
	}
	res := ClassifyResult{Total: len(docs)}
	if len(docs) == 0 {
		return res, nil
	}

	slugs, err := c.store.ListOrganizationSlugs(ctx, maxClassificationSlugs+1)
	if err != nil {
		return res, eris.Wrap(err, "classify: list organization slugs")
	}
	cands := candidates{slugs: slugs}
	if len(slugs) > maxClassificationSlugs {
		cands = candidates{slugs: slugs[:maxClassificationSlugs], partial: true}
		log.Warn("classify: organization list truncated for prompt",
			zap.Int("max_slugs", maxClassificationSlugs),
			zap.String("last_slug", slugs[maxClassificationSlugs-1]))
	}

	skipped := make(map[skipReason]int)
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		linked, reason := c.classifyOne(ctx, doc, cands)
		if linked {
			res.Classified++
			continue
		}
		skipped[reason]++
	}

	log.Info("classify: batch complete",
		zap.Int("classified", res.Classified),
		zap.Int("total", res.Total),
		zap.Int("no_guess", skipped[skipNoGuess]),
		zap.Int("low_confidence", skipped[skipLowConfidence]),
		zap.Int("unknown_slug", skipped[skipUnknownSlug]),
		zap.Int("already_linked", skipped[skipLostRace]),
		zap.Int("errors", skipped[skipError]),
	)
	return res, nil
}

func (c *Classifier) classifyOne(ctx context.Context, doc model.Document, cands candidates) (linked bool, reason skipReason) {
	log := zap.L().With(zap.String("stage", string(model.StageClassification)), zap.String("document_id", doc.ID))

	defer func() {
		if p := recover(); p != nil {
			log.Error("classify: recovered panic", zap.Any("panic", p))
			linked, reason = false, skipError
		}
	}()

	guess, err := c.guess(ctx, doc, cands)
	if err != nil {
		log.Warn("classify: inference failed", zap.String("code", Code(err)), zap.Error(err))
		return false, skipError
	}

	slug := guess.Slug()
	if slug == "" {
		return false, skipNoGuess
	}
	if *guess.Confidence < *c.settings.MinConfidence {
		log.Debug("classify: low confidence", zap.String("slug", slug), zap.Float64("confidence", *guess.Confidence))
		return false, skipLowConfidence
	}

	org, err := c.store.FetchOrganizationBySlug(ctx, slug)
	if err != nil {
		log.Warn("classify: organization lookup failed", zap.String("slug", slug), zap.Error(err))
		return false, skipError
	}
	if org == nil {
		log.Debug("classify: unknown slug", zap.String("slug", slug))
		return false, skipUnknownSlug
	}

	docID := doc.ID
	out := c.rec.attempt(ctx, scope{
		stage:          model.StageClassification,
		organizationID: org.ID,
		documentID:     &docID,
	}, func(ctx context.Context) outcome {
		ok, err := c.store.AssignOrganization(ctx, doc.ID, org.ID)
		if err != nil {
			return outcome{err: newStageError(CodeLinkWrite, http.StatusInternalServerError, err)}
		}
		if !ok {
			return outcome{skipRecord: true}
		}
		return outcome{status: model.RunStatusSuccess}
	})

	switch {
	case out.err != nil:
		log.Warn("classify: link failed", zap.String("organization_id", org.ID), zap.Error(out.err))
		return false, skipError
	case out.skipRecord:
		return false, skipLostRace
	}
	log.Debug("classify: linked", zap.String("organization_id", org.ID), zap.String("slug", slug))
	return true, ""
}

// candidates is the slug list offered to the model. partial is set when
// organizations past the cap were left out.
type candidates struct {
	slugs   []string
	partial bool
}

func (c *Classifier) guess(ctx context.Context, doc model.Document, cands candidates) (*ClassificationOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, c.settings.ItemTimeout)
	defer cancel()

	prompt, err := c.settings.Prompts.ClassificationPrompt(doc, cands.slugs, cands.partial, c.settings.MaxDocumentChars)
	if err != nil {
		return nil, newStageError(CodePrompt, http.StatusInternalServerError, err)
	}
	raw, err := c.gateway.Infer(inference.WithCaller(ctx, string(model.StageClassification)), prompt, inference.FormatJSONObject)
	if err != nil {
		return nil, classifyInferenceError(err)
	}
	out, err := ParseClassification(raw)
	if err != nil {
		return nil, classifyInferenceError(err)
	}
	return out, nil
}
