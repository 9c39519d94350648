package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/account-intel/internal/inference"
	"github.com/sells-group/account-intel/internal/model"
	"github.com/sells-group/account-intel/internal/store"
)

// Publisher pushes a freshly stored briefing to a downstream system.
type Publisher interface {
	Publish(ctx context.Context, org *model.Organization, b *model.Briefing) error
}

// Outcome is the result of one synthesis attempt.
type Outcome struct {
	OrganizationID string          `json:"organization_id"`
	Status         model.RunStatus `json:"status"`
	BriefingID     string          `json:"briefing_id,omitempty"`
	Briefing       *model.Briefing `json:"briefing,omitempty"`
	Code           string          `json:"error,omitempty"`
}

// Synthesizer writes briefings from an organization's recent signals and
// documents. Every call to Synthesize writes exactly one run record.
type Synthesizer struct {
	store     store.Store
	gateway   inference.Gateway
	settings  Settings
	rec       *recorder
	publisher Publisher
	now       func() time.Time
}

// SynthesizerOption configures a Synthesizer.
type SynthesizerOption func(*Synthesizer)

// WithPublisher publishes each successful briefing. Publish errors are
// logged and do not change the outcome.
func WithPublisher(p Publisher) SynthesizerOption {
	return func(s *Synthesizer) { s.publisher = p }
}

// WithClock sets the time source used when no reference time is given.
func WithClock(now func() time.Time) SynthesizerOption {
	return func(s *Synthesizer) { s.now = now }
}

// NewSynthesizer creates a Synthesizer.
func NewSynthesizer(st store.Store, gw inference.Gateway, s Settings, opts ...SynthesizerOption) *Synthesizer {
	syn := &Synthesizer{
		store:    st,
		gateway:  gw,
		settings: s.withDefaults(),
		rec:      newRecorder(st),
		now:      time.Now,
	}
	for _, o := range opts {
		o(syn)
	}
	return syn
}

// Synthesize builds a briefing for orgID over [ref-window, ref). A zero ref
// means now. An organization with no material in the window gets a
// no_recent_activity record and no model call.
//
// On failure the returned error is a *StageError; the Outcome is still
// returned so callers can report the organization and code.
func (s *Synthesizer) Synthesize(ctx context.Context, orgID string, ref time.Time) (*Outcome, error) {
	if ref.IsZero() {
		ref = s.now()
	}
	end := ref.UTC()
	start := end.Add(-s.settings.BriefingWindow)

	result := &Outcome{OrganizationID: orgID}
	var org *model.Organization

	out := s.rec.attempt(ctx, scope{stage: model.StageBriefing, organizationID: orgID}, func(ctx context.Context) outcome {
		ctx, cancel := context.WithTimeout(ctx, s.settings.ItemTimeout)
		defer cancel()

		var err error
		org, err = s.store.GetOrganization(ctx, orgID)
		if err != nil {
			return outcome{err: newStageError(CodeStoreFetch, http.StatusInternalServerError,
				eris.Wrap(err, "get organization"))}
		}
		if org == nil {
			return outcome{err: newStageError(CodeOrgNotFound, http.StatusNotFound,
				eris.Errorf("organization %s not found", orgID))}
		}

		window, err := s.store.FetchWindow(ctx, orgID, start, end)
		if err != nil {
			return outcome{err: newStageError(CodeStoreFetch, http.StatusInternalServerError,
				eris.Wrap(err, "fetch window"))}
		}
		if window.Empty() {
			return outcome{status: model.RunStatusNoRecentActivity}
		}

		prompt, err := s.settings.Prompts.BriefingPrompt(org, window)
		if err != nil {
			return outcome{err: newStageError(CodePrompt, http.StatusInternalServerError, err)}
		}
		raw, err := s.gateway.Infer(inference.WithCaller(ctx, string(model.StageBriefing)), prompt, inference.FormatJSONObject)
		if err != nil {
			return outcome{err: classifyInferenceError(err)}
		}
		summary, err := ParseBriefing(raw)
		if err != nil {
			return outcome{err: classifyInferenceError(err)}
		}

		b := &model.Briefing{
			OrganizationID: orgID,
			Summary:        *summary,
			WindowStart:    start,
			WindowEnd:      end,
		}
		if err := s.store.InsertBriefing(ctx, b); err != nil {
			return outcome{err: newStageError(CodeBriefingWrite, http.StatusInternalServerError,
				eris.Wrap(err, "insert briefing"))}
		}
		result.Briefing = b
		result.BriefingID = b.ID
		return outcome{status: model.RunStatusSuccess, briefingID: &b.ID}
	})

	log := zap.L().With(zap.String("stage", string(model.StageBriefing)), zap.String("organization_id", orgID))

	if out.err != nil {
		result.Status = model.RunStatusError
		result.Code = Code(out.err)
		log.Warn("briefing: synthesis failed", zap.String("code", result.Code), zap.Error(out.err))
		return result, out.err
	}

	result.Status = out.status
	if result.Status == model.RunStatusSuccess {
		log.Info("briefing: stored", zap.String("briefing_id", result.BriefingID))
		s.publish(ctx, org, result.Briefing)
	} else {
		log.Info("briefing: no recent activity")
	}
	return result, nil
}

func (s *Synthesizer) publish(ctx context.Context, org *model.Organization, b *model.Briefing) {
	if s.publisher == nil || org == nil || b == nil {
		return
	}
	if err := s.publisher.Publish(ctx, org, b); err != nil {
		zap.L().Warn("briefing: publish failed",
			zap.String("organization_id", org.ID),
			zap.String("briefing_id", b.ID),
			zap.Error(err),
		)
	}
}
