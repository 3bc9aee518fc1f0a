// Package monitoring watches the report backlog and raises webhook alerts
// when failed, exhausted or pending reports pile up.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/adreport-cli/internal/model"
	"github.com/sells-group/adreport-cli/internal/store"
)

// Snapshot is a point-in-time count of live reports.
type Snapshot struct {
	Pending    int `json:"pending"`
	Generating int `json:"generating"`
	Ready      int `json:"ready"`
	Failed     int `json:"failed"`
	Delivered  int `json:"delivered"`

	// Exhausted counts failed reports that no longer retry automatically.
	Exhausted int `json:"exhausted"`

	// ExhaustedIDs lists up to maxListedIDs exhausted report ids.
	ExhaustedIDs []int64 `json:"exhausted_ids,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

const maxListedIDs = 20

// ReportLister is the slice of the store the collector reads.
type ReportLister interface {
	ListReports(ctx context.Context, filter store.ReportFilter) ([]model.Report, error)
}

// Collector gathers backlog counts from the store.
type Collector struct {
	store ReportLister
	now   func() time.Time
}

// NewCollector creates a new backlog collector.
func NewCollector(st ReportLister) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect counts live reports by status.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	reports, err := c.store.ListReports(ctx, store.ReportFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list reports")
	}

	snap := &Snapshot{CollectedAt: c.now().UTC()}
	for _, r := range reports {
		switch r.Status {
		case model.ReportStatusPending:
			snap.Pending++
		case model.ReportStatusGenerating:
			snap.Generating++
		case model.ReportStatusReady:
			snap.Ready++
		case model.ReportStatusFailed:
			snap.Failed++
			if r.Exhausted {
				snap.Exhausted++
				if len(snap.ExhaustedIDs) < maxListedIDs {
					snap.ExhaustedIDs = append(snap.ExhaustedIDs, r.ID)
				}
			}
		case model.ReportStatusDelivered:
			snap.Delivered++
		}
	}
	return snap, nil
}
