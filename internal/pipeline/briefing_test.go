package pipeline

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/account-intel/internal/inference"
	"github.com/sells-group/account-intel/internal/model"
)

var refTime = time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)

func seedSignals(st *memStore, orgID string, n int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := 0; i < n; i++ {
		st.signals = append(st.signals, model.Signal{
			ID:             st.id("sig"),
			OrganizationID: orgID,
			Severity:       model.SeverityHigh,
			Category:       model.CategoryLeadershipChange,
			Summary:        "New CFO appointed",
			CreatedAt:      refTime.Add(-time.Duration(i+1) * time.Hour),
		})
	}
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, org *model.Organization, b *model.Briefing) error {
	return m.Called(ctx, org, b).Error(0)
}

func TestSynthesize_AcmeScenario(t *testing.T) {
	st := newMemStore()
	acme := st.addOrg("acme", "Acme Health")
	seedSignals(st, acme.ID, 2)

	gw := &mockGateway{}
	gw.On("Infer", mock.Anything, mock.Anything, inference.FormatJSONObject).
		Return(`{"bullets":["a","b"],"narrative":"..."}`, nil).Once()

	out, err := NewSynthesizer(st, gw, Settings{}).Synthesize(context.Background(), acme.ID, refTime)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, out.Status)
	gw.AssertExpectations(t)

	require.Len(t, st.briefings, 1)
	b := st.briefings[0]
	assert.Equal(t, []string{"a", "b"}, b.Summary.Bullets)
	assert.Equal(t, "...", b.Summary.Narrative)
	assert.True(t, b.WindowEnd.Equal(refTime))
	assert.True(t, b.WindowStart.Equal(refTime.Add(-24*time.Hour)))
	assert.Equal(t, b.ID, out.BriefingID)

	runs := st.runsFor(acme.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusSuccess, runs[0].Status)
	assert.Equal(t, model.StageBriefing, runs[0].Stage)
	require.NotNil(t, runs[0].BriefingID)
	assert.Equal(t, b.ID, *runs[0].BriefingID)
}

func TestSynthesize_AcceptsSparseBriefings(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		bullets []string
	}{
		{"no bullets", `{"bullets":[],"narrative":"Quiet day for the account."}`, []string{}},
		{"empty narrative", `{"bullets":["a"],"narrative":""}`, []string{"a"}},
		{"extra key", `{"bullets":["a"],"narrative":"n","title":"x"}`, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newMemStore()
			acme := st.addOrg("acme", "Acme Health")
			seedSignals(st, acme.ID, 2)

			gw := &mockGateway{}
			gw.On("Infer", mock.Anything, mock.Anything, inference.FormatJSONObject).Return(tt.raw, nil).Once()

			out, err := NewSynthesizer(st, gw, Settings{}).Synthesize(context.Background(), acme.ID, refTime)
			require.NoError(t, err)
			assert.Equal(t, model.RunStatusSuccess, out.Status)
			require.Len(t, st.briefings, 1)
			assert.Equal(t, tt.bullets, st.briefings[0].Summary.Bullets)

			runs := st.runsFor(acme.ID)
			require.Len(t, runs, 1)
			assert.Equal(t, model.RunStatusSuccess, runs[0].Status)
		})
	}
}

func TestSynthesize_PromptEnumeratesWindow(t *testing.T) {
	st := newMemStore()
	org := st.addOrg("mercy", "Mercy Health")
	seedSignals(st, org.ID, 1)
	st.addDoc(model.Document{
		OrganizationID: strPtr(org.ID),
		SourceKind:     model.SourceKindPressRelease,
		Title:          "Mercy opens tower",
		URL:            "https://mercy.test/pr",
		CrawledAt:      refTime.Add(-2 * time.Hour),
	})

	var prompt string
	gw := gatewayFunc(func(ctx context.Context, p string) (string, error) {
		prompt = p
		assert.Equal(t, "briefing", inference.Caller(ctx))
		return `{"bullets":["x"],"narrative":"y"}`, nil
	})

	_, err := NewSynthesizer(st, gw, Settings{}).Synthesize(context.Background(), org.ID, refTime)
	require.NoError(t, err)
	assert.Contains(t, prompt, "Organization: Mercy Health")
	assert.Contains(t, prompt, "[leadership_change/high] New CFO appointed")
	assert.Contains(t, prompt, "Mercy opens tower (https://mercy.test/pr)")
}

func TestSynthesize_NoRecentActivity(t *testing.T) {
	st := newMemStore()
	org := st.addOrg("quiet", "Quiet Health")
	// Outside the window on both ends.
	st.signals = append(st.signals,
		model.Signal{OrganizationID: org.ID, Summary: "old", CreatedAt: refTime.Add(-25 * time.Hour)},
		model.Signal{OrganizationID: org.ID, Summary: "at end", CreatedAt: refTime},
	)

	gw := &mockGateway{}
	out, err := NewSynthesizer(st, gw, Settings{}).Synthesize(context.Background(), org.ID, refTime)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusNoRecentActivity, out.Status)
	gw.AssertNotCalled(t, "Infer", mock.Anything, mock.Anything, mock.Anything)

	runs := st.runsFor(org.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusNoRecentActivity, runs[0].Status)
	assert.Empty(t, st.briefings)
}

func TestSynthesize_UnparsableOutput(t *testing.T) {
	st := newMemStore()
	org := st.addOrg("acme", "Acme Health")
	seedSignals(st, org.ID, 2)

	gw := gatewayFunc(func(context.Context, string) (string, error) {
		return "Here is your briefing: things happened.", nil
	})

	out, err := NewSynthesizer(st, gw, Settings{}).Synthesize(context.Background(), org.ID, refTime)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(err))
	assert.Equal(t, CodeInvalidJSON, Code(err))
	assert.Equal(t, model.RunStatusError, out.Status)
	assert.Empty(t, st.briefings)

	runs := st.runsFor(org.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusError, runs[0].Status)
	assert.Equal(t, CodeInvalidJSON, runs[0].ErrorCode)
	assert.Contains(t, runs[0].ErrorMessage, "parse failure")
}

func TestSynthesize_ExactlyOneRunRecordPerAttempt(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		inferErr   error
		failOn     string
		noSignals  bool
		missingOrg bool
		wantStatus model.RunStatus
		wantCode   string
		wantHTTP   int
	}{
		{name: "success", raw: `{"bullets":["a"],"narrative":"n"}`, wantStatus: model.RunStatusSuccess, wantHTTP: http.StatusOK},
		{name: "empty window", noSignals: true, wantStatus: model.RunStatusNoRecentActivity, wantHTTP: http.StatusOK},
		{name: "no output", inferErr: inference.ErrNoOutput, wantStatus: model.RunStatusError, wantCode: CodeNoOutput, wantHTTP: http.StatusBadGateway},
		{name: "bullets not array", raw: `{"bullets":"a","narrative":"n"}`, wantStatus: model.RunStatusError, wantCode: CodeInvalidShape, wantHTTP: http.StatusBadGateway},
		{name: "narrative missing", raw: `{"bullets":["a"]}`, wantStatus: model.RunStatusError, wantCode: CodeInvalidShape, wantHTTP: http.StatusBadGateway},
		{name: "narrative not string", raw: `{"bullets":["a"],"narrative":7}`, wantStatus: model.RunStatusError, wantCode: CodeInvalidShape, wantHTTP: http.StatusBadGateway},
		{name: "provider error", inferErr: errors.New("dial tcp: timeout"), wantStatus: model.RunStatusError, wantCode: CodeInferenceFailed, wantHTTP: http.StatusBadGateway},
		{name: "circuit open", inferErr: inference.ErrUnavailable, wantStatus: model.RunStatusError, wantCode: CodeInferenceFailed, wantHTTP: http.StatusBadGateway},
		{name: "quota", inferErr: &inference.QuotaError{Key: "inference:briefing", ResetAt: refTime}, wantStatus: model.RunStatusError, wantCode: CodeRateLimited, wantHTTP: http.StatusTooManyRequests},
		{name: "window fetch", failOn: "FetchWindow", wantStatus: model.RunStatusError, wantCode: CodeStoreFetch, wantHTTP: http.StatusInternalServerError},
		{name: "org fetch", failOn: "GetOrganization", wantStatus: model.RunStatusError, wantCode: CodeStoreFetch, wantHTTP: http.StatusInternalServerError},
		{name: "briefing write", raw: `{"bullets":["a"],"narrative":"n"}`, failOn: "InsertBriefing", wantStatus: model.RunStatusError, wantCode: CodeBriefingWrite, wantHTTP: http.StatusInternalServerError},
		{name: "unknown org", missingOrg: true, wantStatus: model.RunStatusError, wantCode: CodeOrgNotFound, wantHTTP: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newMemStore()
			org := st.addOrg("acme", "Acme Health")
			orgID := org.ID
			if tt.missingOrg {
				orgID = "org-missing"
			}
			if !tt.noSignals {
				seedSignals(st, org.ID, 2)
			}
			if tt.failOn != "" {
				st.failOn[tt.failOn] = errStoreDown
			}
			gw := gatewayFunc(func(context.Context, string) (string, error) { return tt.raw, tt.inferErr })

			out, err := NewSynthesizer(st, gw, Settings{}).Synthesize(context.Background(), orgID, refTime)
			require.NotNil(t, out)
			assert.Equal(t, tt.wantStatus, out.Status)
			assert.Equal(t, tt.wantCode, Code(err))
			assert.Equal(t, tt.wantHTTP, HTTPStatus(err))

			runs := st.runsFor(orgID)
			require.Len(t, runs, 1)
			assert.Equal(t, tt.wantStatus, runs[0].Status)
			assert.Equal(t, tt.wantCode, runs[0].ErrorCode)

			if tt.wantStatus != model.RunStatusSuccess {
				assert.Empty(t, st.briefings)
			}
		})
	}
}

func TestSynthesize_QuotaCarriesReset(t *testing.T) {
	st := newMemStore()
	org := st.addOrg("acme", "Acme Health")
	seedSignals(st, org.ID, 1)
	reset := refTime.Add(time.Minute)

	gw := gatewayFunc(func(context.Context, string) (string, error) {
		return "", &inference.QuotaError{Key: "inference:briefing", ResetAt: reset}
	})

	_, err := NewSynthesizer(st, gw, Settings{}).Synthesize(context.Background(), org.ID, refTime)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.ResetAt.Equal(reset))
	assert.ErrorIs(t, err, inference.ErrRateLimited)
}

func TestSynthesize_RunRecordFailureDoesNotMaskOutcome(t *testing.T) {
	st := newMemStore()
	org := st.addOrg("acme", "Acme Health")
	seedSignals(st, org.ID, 1)
	st.failOn["InsertRunRecord"] = errStoreDown

	gw := gatewayFunc(func(context.Context, string) (string, error) {
		return `{"bullets":["a"],"narrative":"n"}`, nil
	})

	out, err := NewSynthesizer(st, gw, Settings{}).Synthesize(context.Background(), org.ID, refTime)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, out.Status)
	assert.Len(t, st.briefings, 1)
}

func TestSynthesize_PanicRecordedAsInternal(t *testing.T) {
	st := newMemStore()
	org := st.addOrg("acme", "Acme Health")
	seedSignals(st, org.ID, 1)

	gw := gatewayFunc(func(context.Context, string) (string, error) {
		panic("nil map write")
	})

	out, err := NewSynthesizer(st, gw, Settings{}).Synthesize(context.Background(), org.ID, refTime)
	require.Error(t, err)
	assert.Equal(t, CodeInternal, Code(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
	assert.Equal(t, model.RunStatusError, out.Status)

	runs := st.runsFor(org.ID)
	require.Len(t, runs, 1)
	assert.Equal(t, CodeInternal, runs[0].ErrorCode)
	assert.Contains(t, runs[0].ErrorMessage, "nil map write")
}

func TestSynthesize_RecordWrittenAfterCancellation(t *testing.T) {
	st := newMemStore()
	org := st.addOrg("acme", "Acme Health")
	seedSignals(st, org.ID, 1)

	ctx, cancel := context.WithCancel(context.Background())
	gw := gatewayFunc(func(ctx context.Context, _ string) (string, error) {
		cancel()
		return "", ctx.Err()
	})

	_, err := NewSynthesizer(st, gw, Settings{}).Synthesize(ctx, org.ID, refTime)
	require.Error(t, err)
	assert.Equal(t, CodeInferenceFailed, Code(err))
	assert.Len(t, st.runsFor(org.ID), 1)
}

func TestSynthesize_DefaultsReferenceToClock(t *testing.T) {
	st := newMemStore()
	org := st.addOrg("acme", "Acme Health")
	seedSignals(st, org.ID, 1)

	gw := gatewayFunc(func(context.Context, string) (string, error) {
		return `{"bullets":["a"],"narrative":"n"}`, nil
	})
	syn := NewSynthesizer(st, gw, Settings{}, WithClock(func() time.Time { return refTime }))

	out, err := syn.Synthesize(context.Background(), org.ID, time.Time{})
	require.NoError(t, err)
	assert.True(t, out.Briefing.WindowEnd.Equal(refTime))
}

func TestSynthesize_Publisher(t *testing.T) {
	st := newMemStore()
	org := st.addOrg("acme", "Acme Health")
	seedSignals(st, org.ID, 1)
	gw := gatewayFunc(func(context.Context, string) (string, error) {
		return `{"bullets":["a"],"narrative":"n"}`, nil
	})

	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(o *model.Organization) bool { return o.ID == org.ID }),
		mock.AnythingOfType("*model.Briefing")).Return(errors.New("salesforce down")).Once()

	out, err := NewSynthesizer(st, gw, Settings{}, WithPublisher(pub)).Synthesize(context.Background(), org.ID, refTime)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, out.Status)
	pub.AssertExpectations(t)
}

func TestSynthesize_PublisherSkippedWithoutBriefing(t *testing.T) {
	st := newMemStore()
	org := st.addOrg("quiet", "Quiet Health")
	pub := &mockPublisher{}

	_, err := NewSynthesizer(st, &mockGateway{}, Settings{}, WithPublisher(pub)).Synthesize(context.Background(), org.ID, refTime)
	require.NoError(t, err)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}
