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

// ExtractResult counts one extraction batch. Attempted is the number of
// documents fetched, whatever happened to each.
type ExtractResult struct {
	Attempted int `json:"attempted"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

func (r *ExtractResult) add(o ExtractResult) {
	r.Attempted += o.Attempted
	r.Processed += o.Processed
	r.Failed += o.Failed
}

// Extractor turns unprocessed documents into entities and signals.
//
// Derived records are inserted one at a time without a transaction. If any
// insert fails the document keeps processed=false and a later run retries
// it, which may duplicate the records that did commit. A document is never
// marked processed with records missing.
type Extractor struct {
	store    store.Store
	gateway  inference.Gateway
	settings Settings
	rec      *recorder
}

// NewExtractor creates an Extractor.
func NewExtractor(st store.Store, gw inference.Gateway, s Settings) *Extractor {
	return &Extractor{store: st, gateway: gw, settings: s.withDefaults(), rec: newRecorder(st)}
}

// Run processes one batch of unprocessed documents for orgID.
func (e *Extractor) Run(ctx context.Context, orgID string) (ExtractResult, error) {
	log := zap.L().With(zap.String("stage", string(model.StageExtraction)), zap.String("organization_id", orgID))

	docs, err := e.store.FetchUnprocessedDocuments(ctx, store.DocumentFilter{OrganizationID: orgID}, e.settings.ExtractBatchSize)
	if err != nil {
		return ExtractResult{}, eris.Wrapf(err, "extract: fetch unprocessed documents for %s", orgID)
	}

	res := ExtractResult{Attempted: len(docs)}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		docID := doc.ID
		out := e.rec.attempt(ctx, scope{
			stage:          model.StageExtraction,
			organizationID: doc.OrgID(),
			documentID:     &docID,
		}, func(ctx context.Context) outcome {
			return e.processDocument(ctx, doc)
		})

		if out.err != nil {
			res.Failed++
			log.Warn("extract: document failed",
				zap.String("document_id", doc.ID),
				zap.String("code", Code(out.err)),
				zap.Error(out.err),
			)
			continue
		}
		res.Processed++
	}

	log.Info("extract: batch complete",
		zap.Int("attempted", res.Attempted),
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// RunAll runs one batch for every organization that has unprocessed
// documents. A batch that cannot fetch its documents is logged and
// skipped.
func (e *Extractor) RunAll(ctx context.Context) (ExtractResult, error) {
	orgIDs, err := e.store.OrganizationsWithUnprocessed(ctx)
	if err != nil {
		return ExtractResult{}, eris.Wrap(err, "extract: list organizations with work")
	}

	var total ExtractResult
	for _, orgID := range orgIDs {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := e.Run(ctx, orgID)
		total.add(res)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			zap.L().Error("extract: organization batch failed",
				zap.String("organization_id", orgID),
				zap.Error(err),
			)
		}
	}
	return total, nil
}

func (e *Extractor) processDocument(ctx context.Context, doc model.Document) outcome {
	ctx, cancel := context.WithTimeout(ctx, e.settings.ItemTimeout)
	defer cancel()

	prompt, err := e.settings.Prompts.ExtractionPrompt(doc, e.settings.MaxDocumentChars)
	if err != nil {
		return outcome{err: newStageError(CodePrompt, http.StatusInternalServerError, err)}
	}

	raw, err := e.gateway.Infer(inference.WithCaller(ctx, string(model.StageExtraction)), prompt, inference.FormatJSONObject)
	if err != nil {
		return outcome{err: classifyInferenceError(err)}
	}
	parsed, err := ParseExtraction(raw)
	if err != nil {
		return outcome{err: classifyInferenceError(err)}
	}

	orgID := doc.OrgID()
	for _, ent := range parsed.Entities {
		if err := e.store.InsertEntity(ctx, &model.Entity{
			OrganizationID: orgID,
			DocumentID:     &doc.ID,
			Name:           ent.Name,
			Kind:           ent.Kind,
			Role:           ent.Role,
		}); err != nil {
			return outcome{err: newStageError(CodeDerivedWrite, http.StatusInternalServerError,
				eris.Wrapf(err, "insert entity %q", ent.Name))}
		}
	}
	for _, sig := range parsed.Signals {
		if err := e.store.InsertSignal(ctx, &model.Signal{
			OrganizationID: orgID,
			DocumentID:     &doc.ID,
			Severity:       sig.Severity,
			Category:       sig.Category,
			Summary:        sig.Summary,
			Details:        sig.Details,
		}); err != nil {
			return outcome{err: newStageError(CodeDerivedWrite, http.StatusInternalServerError,
				eris.Wrapf(err, "insert signal %q", sig.Summary))}
		}
	}

	flipped, err := e.store.MarkProcessed(ctx, doc.ID)
	if err != nil {
		return outcome{err: newStageError(CodeMarkProcessed, http.StatusInternalServerError, err)}
	}
	if !flipped {
		// Another run finished this document first. Its records and ours
		// both stand.
		zap.L().Info("extract: document already processed",
			zap.String("document_id", doc.ID),
			zap.String("organization_id", orgID),
		)
	}

	zap.L().Debug("extract: document processed",
		zap.String("document_id", doc.ID),
		zap.Int("entities", len(parsed.Entities)),
		zap.Int("signals", len(parsed.Signals)),
	)
	return outcome{status: model.RunStatusSuccess}
}
