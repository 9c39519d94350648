package pipeline

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/account-intel/internal/model"
	"github.com/sells-group/account-intel/internal/store"
)

// Aggregate is the result of a briefing run across organizations. Skipped
// counts organizations with no recent activity.
type Aggregate struct {
	TotalSystems int `json:"totalSystems"`
	Successful   int `json:"successful"`
	Failed       int `json:"failed"`
	Skipped      int `json:"skipped"`
}

// Orchestrator drives the stages for trigger callers. Overlapping calls for
// the same job in one process share a single execution and its result.
type Orchestrator struct {
	store      store.Store
	extractor  *Extractor
	classifier *Classifier
	synth      *Synthesizer
	group      singleflight.Group
}

// NewOrchestrator wires the stages together.
func NewOrchestrator(st store.Store, ex *Extractor, cl *Classifier, sy *Synthesizer) *Orchestrator {
	return &Orchestrator{store: st, extractor: ex, classifier: cl, synth: sy}
}

// RunExtraction runs one extraction batch for orgID, or for every
// organization with unprocessed documents when orgID is empty.
func (o *Orchestrator) RunExtraction(ctx context.Context, orgID string) (ExtractResult, error) {
	v, err, shared := o.group.Do("extract|"+orgID, func() (any, error) {
		if orgID == "" {
			return o.extractor.RunAll(ctx)
		}
		return o.extractor.Run(ctx, orgID)
	})
	logShared(shared, "extract")
	res, _ := v.(ExtractResult)
	return res, err
}

// RunClassification runs one classification batch.
func (o *Orchestrator) RunClassification(ctx context.Context) (ClassifyResult, error) {
	v, err, shared := o.group.Do("classify", func() (any, error) {
		return o.classifier.Run(ctx)
	})
	logShared(shared, "classify")
	res, _ := v.(ClassifyResult)
	return res, err
}

// SynthesizeOne runs synthesis for a single organization.
func (o *Orchestrator) SynthesizeOne(ctx context.Context, orgID string, ref time.Time) (*Outcome, error) {
	v, err, shared := o.group.Do(briefingKey("briefing", []string{orgID}, ref), func() (any, error) {
		return o.synth.Synthesize(ctx, orgID, ref)
	})
	logShared(shared, "briefing")
	out, _ := v.(*Outcome)
	return out, err
}

// RunBriefings synthesizes a briefing for each of orgIDs, or for every
// organization when orgIDs is empty. A failing organization is counted and
// the loop moves on; only failing to list organizations is an error. On
// cancellation the partial aggregate is returned with ctx.Err().
func (o *Orchestrator) RunBriefings(ctx context.Context, orgIDs []string, ref time.Time) (Aggregate, error) {
	v, err, shared := o.group.Do(briefingKey("briefings", orgIDs, ref), func() (any, error) {
		return o.runBriefings(ctx, orgIDs, ref)
	})
	logShared(shared, "briefings")
	agg, _ := v.(Aggregate)
	return agg, err
}

func (o *Orchestrator) runBriefings(ctx context.Context, orgIDs []string, ref time.Time) (Aggregate, error) {
	if len(orgIDs) == 0 {
		orgs, err := o.store.ListOrganizations(ctx)
		if err != nil {
			return Aggregate{}, eris.Wrap(err, "briefings: list organizations")
		}
		for _, org := range orgs {
			orgIDs = append(orgIDs, org.ID)
		}
	}

	// One reference time for the whole run.
	if ref.IsZero() {
		ref = o.synth.now()
	}

	agg := Aggregate{TotalSystems: len(orgIDs)}
	for _, id := range orgIDs {
		if err := ctx.Err(); err != nil {
			return agg, err
		}
		out, err := o.synth.Synthesize(ctx, id, ref)
		switch {
		case err != nil:
			agg.Failed++
		case out.Status == model.RunStatusNoRecentActivity:
			agg.Skipped++
		default:
			agg.Successful++
		}
	}

	zap.L().Info("briefings: run complete",
		zap.Int("total_systems", agg.TotalSystems),
		zap.Int("successful", agg.Successful),
		zap.Int("failed", agg.Failed),
		zap.Int("skipped", agg.Skipped),
	)
	return agg, nil
}

// briefingKey identifies a briefing job by its kind, organization set and
// exact reference time. An empty set means all organizations.
func briefingKey(kind string, orgIDs []string, ref time.Time) string {
	ids := slices.Clone(orgIDs)
	slices.Sort(ids)
	stamp := "now"
	if !ref.IsZero() {
		stamp = strconv.FormatInt(ref.UnixNano(), 10)
	}
	return kind + "|" + strings.Join(ids, ",") + "|" + stamp
}

func logShared(shared bool, job string) {
	if shared {
		zap.L().Info("pipeline: shared in-flight run", zap.String("job", job))
	}
}
