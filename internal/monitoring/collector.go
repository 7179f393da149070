// Package monitoring watches the extraction run log and alerts on failing or
// stuck runs.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/street-directory/internal/model"
	"github.com/sells-group/street-directory/internal/store"
)

const maxRuns = 10000

// MetricsSnapshot is a point-in-time view of extraction health.
type MetricsSnapshot struct {
	Total    int     `json:"total"`
	Complete int     `json:"complete"`
	Failed   int     `json:"failed"`
	Running  int     `json:"running"`
	Stuck    int     `json:"stuck"`
	FailRate float64 `json:"fail_rate"`
	Records  int64   `json:"records"`

	// FailedAreas lists the most recent failure per kind and area.
	FailedAreas []AreaFailure `json:"failed_areas,omitempty"`

	Lookback    time.Duration `json:"lookback"`
	CollectedAt time.Time     `json:"collected_at"`
}

// AreaFailure is the latest failed run for one kind and area.
type AreaFailure struct {
	Kind   model.EntityKind `json:"kind"`
	AreaID int64            `json:"area_id"`
	Error  string           `json:"error"`
	At     time.Time        `json:"at"`
}

// RunLister is the part of the store the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.ExtractionRun, error)
}

// Collector gathers metrics from the run log.
type Collector struct {
	runs RunLister
	now  func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(runs RunLister) *Collector {
	return &Collector{runs: runs, now: time.Now}
}

// Collect summarizes the runs started within lookback. A run still running
// after stuckAfter counts as stuck; zero disables that check.
func (c *Collector) Collect(ctx context.Context, lookback, stuckAfter time.Duration) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		Lookback:    lookback,
		CollectedAt: now,
	}
	cutoff := now.Add(-lookback)

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: maxRuns})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	type areaKey struct {
		kind   model.EntityKind
		areaID int64
	}
	seen := make(map[areaKey]bool)

	// Runs arrive newest first.
	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.Total++
		snap.Records += r.Records

		key := areaKey{r.Kind, r.AreaID}
		latest := !seen[key]
		seen[key] = true

		switch r.Status {
		case model.RunStatusComplete:
			snap.Complete++
		case model.RunStatusFailed:
			snap.Failed++
			if latest {
				snap.FailedAreas = append(snap.FailedAreas, AreaFailure{
					Kind:   r.Kind,
					AreaID: r.AreaID,
					Error:  r.Error,
					At:     r.StartedAt,
				})
			}
		case model.RunStatusRunning:
			snap.Running++
			if stuckAfter > 0 && now.Sub(r.StartedAt) > stuckAfter {
				snap.Stuck++
			}
		}
	}

	if finished := snap.Complete + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}
	return snap, nil
}
