// Package monitoring summarizes recent run records and raises webhook alerts
// when the error rate crosses a configured threshold.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/account-intel/internal/model"
	"github.com/sells-group/account-intel/internal/store"
)

// maxSnapshotRuns bounds how many run records one snapshot reads.
const maxSnapshotRuns = 10000

// StageStats counts outcomes for a single stage.
type StageStats struct {
	Total            int     `json:"total"`
	Success          int     `json:"success"`
	NoRecentActivity int     `json:"no_recent_activity"`
	Errors           int     `json:"errors"`
	ErrorRate        float64 `json:"error_rate"`
}

// CodeCount is one row of the error-code histogram.
type CodeCount struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
}

// MetricsSnapshot is a point-in-time summary of run records.
type MetricsSnapshot struct {
	Total            int                         `json:"total"`
	Success          int                         `json:"success"`
	NoRecentActivity int                         `json:"no_recent_activity"`
	Errors           int                         `json:"errors"`
	ErrorRate        float64                     `json:"error_rate"`
	ByStage          map[model.Stage]*StageStats `json:"by_stage"`
	TopErrorCodes    []CodeCount                 `json:"top_error_codes"`
	Truncated        bool                        `json:"truncated,omitempty"`
	LookbackHours    int                         `json:"lookback_hours"`
	CollectedAt      time.Time                   `json:"collected_at"`
}

// CodeTotal returns how many errors carried code.
func (s *MetricsSnapshot) CodeTotal(code string) int {
	for _, c := range s.TopErrorCodes {
		if c.Code == code {
			return c.Count
		}
	}
	return 0
}

// Collector gathers run metrics from the store.
type Collector struct {
	store store.Store
	now   func() time.Time
}

// NewCollector creates a metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Collect summarizes run records created in the last lookbackHours.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	now := c.now()
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.store.ListRunRecords(ctx, store.RunFilter{
		CreatedAfter: cutoff,
		Limit:        maxSnapshotRuns,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list run records")
	}

	snap := Summarize(runs)
	snap.Truncated = len(runs) >= maxSnapshotRuns
	snap.LookbackHours = lookbackHours
	snap.CollectedAt = now
	return snap, nil
}

// Summarize folds run records into a snapshot without touching the store.
func Summarize(runs []model.RunRecord) *MetricsSnapshot {
	snap := &MetricsSnapshot{ByStage: make(map[model.Stage]*StageStats)}
	codes := make(map[string]int)

	for _, r := range runs {
		st := snap.ByStage[r.Stage]
		if st == nil {
			st = &StageStats{}
			snap.ByStage[r.Stage] = st
		}
		snap.Total++
		st.Total++
		switch r.Status {
		case model.RunStatusSuccess:
			snap.Success++
			st.Success++
		case model.RunStatusNoRecentActivity:
			snap.NoRecentActivity++
			st.NoRecentActivity++
		case model.RunStatusError:
			snap.Errors++
			st.Errors++
			if r.ErrorCode != "" {
				codes[r.ErrorCode]++
			}
		}
	}

	snap.ErrorRate = rate(snap.Errors, snap.Total)
	for _, st := range snap.ByStage {
		st.ErrorRate = rate(st.Errors, st.Total)
	}

	for code, n := range codes {
		snap.TopErrorCodes = append(snap.TopErrorCodes, CodeCount{Code: code, Count: n})
	}
	sort.Slice(snap.TopErrorCodes, func(i, j int) bool {
		a, b := snap.TopErrorCodes[i], snap.TopErrorCodes[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Code < b.Code
	})
	return snap
}

func rate(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}
