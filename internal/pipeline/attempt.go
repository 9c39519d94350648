package pipeline

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/account-intel/internal/model"
	"github.com/sells-group/account-intel/internal/store"
	"github.com/sells-group/account-intel/internal/textclean"
)

const maxRecordedMessage = 2000

// scope identifies what a run record is about.
type scope struct {
	stage          model.Stage
	organizationID string
	documentID     *string
}

// outcome is what an attempted unit of work reports back to the recorder.
type outcome struct {
	status     model.RunStatus
	briefingID *string
	err        error
	// skipRecord suppresses the run record for outcomes that did no work,
	// such as losing a classification race.
	skipRecord bool
}

// recorder runs one unit of work and writes exactly one run record for it,
// whatever path the work takes. A failed record write is logged and never
// replaces the work's own outcome.
type recorder struct {
	store   store.Store
	timeout time.Duration
}

func newRecorder(st store.Store) *recorder {
	return &recorder{store: st, timeout: defaultRecordTimeout}
}

func (r *recorder) attempt(ctx context.Context, sc scope, fn func(context.Context) outcome) (out outcome) {
	defer func() {
		if p := recover(); p != nil {
			zap.L().Error("pipeline: recovered panic",
				zap.String("stage", string(sc.stage)),
				zap.String("organization_id", sc.organizationID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			out = outcome{err: newStageError(CodeInternal, http.StatusInternalServerError,
				eris.Errorf("panic: %v", p))}
		}
		if out.skipRecord {
			return
		}
		r.record(ctx, sc, out)
	}()
	return fn(ctx)
}

func (r *recorder) record(ctx context.Context, sc scope, out outcome) {
	rec := &model.RunRecord{
		OrganizationID: sc.organizationID,
		Stage:          sc.stage,
		Status:         out.status,
		BriefingID:     out.briefingID,
		DocumentID:     sc.documentID,
	}
	if out.err != nil {
		rec.Status = model.RunStatusError
		rec.ErrorCode = Code(out.err)
		rec.ErrorMessage = textclean.Truncate(out.err.Error(), maxRecordedMessage)
	}
	if rec.Status == "" {
		rec.Status = model.RunStatusSuccess
	}

	// The attempt's own context may already be cancelled or past its
	// deadline; the audit trail is still written.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.store.InsertRunRecord(wctx, rec); err != nil {
		zap.L().Error("pipeline: run record write failed",
			zap.String("stage", string(sc.stage)),
			zap.String("organization_id", sc.organizationID),
			zap.String("status", string(rec.Status)),
			zap.String("code", rec.ErrorCode),
			zap.Error(err),
		)
	}
}
