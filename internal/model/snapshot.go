package model

import "time"

// GroupStatus is the live state of an ad group.
type GroupStatus string

const (
	GroupActive   GroupStatus = "active"
	GroupPaused   GroupStatus = "paused"
	GroupArchived GroupStatus = "archived"
)

// Performance is the delivery of a group or ad over the request period.
// BounceRate is a percentage of tracked visits; HasBounceRate is false when
// the period had none.
type Performance struct {
	Impressions   int64   `json:"impressions"`
	Clicks        int64   `json:"clicks"`
	BounceRate    float64 `json:"bounce_rate"`
	HasBounceRate bool    `json:"has_bounce_rate"`
}

// Ctr is the click-through rate in percent.
func (p Performance) Ctr() float64 {
	if p.Impressions == 0 {
		return 0
	}
	return float64(p.Clicks) * 100 / float64(p.Impressions)
}

// SumPerformance totals ps. The bounce rate is the click-weighted mean of
// the parts that have one.
func SumPerformance(ps ...Performance) Performance {
	var (
		out            Performance
		weighted       float64
		bounceClicks   int64
		unweighted     float64
		unweightedSeen int
	)
	for _, p := range ps {
		out.Impressions += p.Impressions
		out.Clicks += p.Clicks
		if !p.HasBounceRate {
			continue
		}
		out.HasBounceRate = true
		weighted += p.BounceRate * float64(p.Clicks)
		bounceClicks += p.Clicks
		unweighted += p.BounceRate
		unweightedSeen++
	}
	switch {
	case bounceClicks > 0:
		out.BounceRate = weighted / float64(bounceClicks)
	case unweightedSeen > 0:
		out.BounceRate = unweighted / float64(unweightedSeen)
	}
	return out
}

// AdRef identifies one ad for screenshot capture. Stats is nil when no ad
// statistics were fetched for it.
type AdRef struct {
	ID      int64        `json:"id"`
	GroupID int64        `json:"group_id"`
	Title   string       `json:"title,omitempty"`
	Href    string       `json:"href"`
	Stats   *Performance `json:"stats,omitempty"`
}

// GroupState is one ad group as reported by the ads platform at fetch time.
// HasSpend is false when the platform returned no figures for the group;
// Spend and Stats are zero then.
type GroupState struct {
	ID       int64       `json:"id"`
	Name     string      `json:"name"`
	Status   GroupStatus `json:"status"`
	Spend    float64     `json:"spend"`
	HasSpend bool        `json:"has_spend"`
	Stats    Performance `json:"stats"`
	Ads      []AdRef     `json:"ads,omitempty"`
}

// CampaignSnapshot is the live state of one campaign. Missing is set when the
// platform explicitly reported the campaign as gone; it is never inferred from
// an absent entry.
type CampaignSnapshot struct {
	CampaignID int64        `json:"campaign_id"`
	Name       string       `json:"name"`
	State      string       `json:"state"`
	Groups     []GroupState `json:"groups"`
	Missing    bool         `json:"missing,omitempty"`
	FetchedAt  time.Time    `json:"fetched_at"`
}

// Group returns the group with the given id, if present.
func (s *CampaignSnapshot) Group(id int64) (GroupState, bool) {
	for _, g := range s.Groups {
		if g.ID == id {
			return g, true
		}
	}
	return GroupState{}, false
}

// Snapshots indexes fetched campaigns by id.
type Snapshots map[int64]*CampaignSnapshot
