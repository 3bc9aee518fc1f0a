package model

import (
	"cmp"
	"slices"
)

// GenerationInput is the data every artifact generator renders from: the
// reconciled request projection plus everything resolved for it.
type GenerationInput struct {
	Report    *Report        `json:"-"`
	Request   Request        `json:"request"`
	Contract  ContractDetail `json:"contract"`
	Terms     []Term         `json:"terms,omitempty"`
	Snapshots Snapshots      `json:"snapshots"`
	Volumes   []PhraseVolume `json:"volumes,omitempty"`
}

// LiveGroups returns the fetched groups of a campaign that are not recorded
// as deleted on the request.
func (in *GenerationInput) LiveGroups(campaignID int64) []GroupState {
	snap, ok := in.Snapshots[campaignID]
	if !ok || snap == nil {
		return nil
	}
	var out []GroupState
	for _, g := range snap.Groups {
		if in.Request.DeletedGroups.Contains(g.ID) {
			continue
		}
		out = append(out, g)
	}
	return out
}

// LiveAds returns the ads of every live group across the request's
// campaigns, in campaign order.
func (in *GenerationInput) LiveAds() []AdRef {
	var out []AdRef
	for _, cid := range in.Request.CampaignIDs() {
		for _, g := range in.LiveGroups(cid) {
			out = append(out, g.Ads...)
		}
	}
	return out
}

// Performance totals the live groups of every campaign of the request.
func (in *GenerationInput) Performance() Performance {
	var parts []Performance
	for _, cid := range in.Request.CampaignIDs() {
		for _, g := range in.LiveGroups(cid) {
			parts = append(parts, g.Stats)
		}
	}
	return SumPerformance(parts...)
}

// KPI compares the contract plan with delivered figures. A zero plan value
// sets no target and is always met; a bounce-rate target without tracked
// visits is not.
type KPI struct {
	PlanClicks          int64   `json:"plan_clicks"`
	ActualClicks        int64   `json:"actual_clicks"`
	ClicksMet           bool    `json:"clicks_met"`
	PlanMaxBounceRate   float64 `json:"plan_max_bounce_rate"`
	ActualBounceRate    float64 `json:"actual_bounce_rate"`
	HasActualBounceRate bool    `json:"has_actual_bounce_rate"`
	BounceRateMet       bool    `json:"bounce_rate_met"`
}

// KPI evaluates the contract targets against the live groups.
func (in *GenerationInput) KPI() KPI {
	p := in.Performance()
	k := KPI{
		PlanClicks:          in.Contract.TargetClicks,
		ActualClicks:        p.Clicks,
		PlanMaxBounceRate:   in.Contract.MaxBounceRatePct,
		ActualBounceRate:    p.BounceRate,
		HasActualBounceRate: p.HasBounceRate,
	}
	k.ClicksMet = k.PlanClicks <= 0 || k.ActualClicks >= k.PlanClicks
	k.BounceRateMet = k.PlanMaxBounceRate <= 0 ||
		(p.HasBounceRate && p.BounceRate <= k.PlanMaxBounceRate)
	return k
}

// TopAd is a live ad ranked for the content report.
type TopAd struct {
	AdRef
	CampaignID   int64  `json:"campaign_id"`
	CampaignName string `json:"campaign_name"`
}

// TopAds returns up to n live ads with statistics, most clicks first, ties
// by ad id. Ads whose bounce rate is maxBounceRate or higher are left out
// unless that would leave none; ads without a bounce rate stay in.
func (in *GenerationInput) TopAds(n int, maxBounceRate float64) []TopAd {
	var all, kept []TopAd
	for _, c := range in.Request.Campaigns {
		name := c.Name
		if snap := in.Snapshots[c.ID]; snap != nil && snap.Name != "" {
			name = snap.Name
		}
		for _, g := range in.LiveGroups(c.ID) {
			for _, ad := range g.Ads {
				if ad.Stats == nil {
					continue
				}
				t := TopAd{AdRef: ad, CampaignID: c.ID, CampaignName: name}
				all = append(all, t)
				if !ad.Stats.HasBounceRate || ad.Stats.BounceRate < maxBounceRate {
					kept = append(kept, t)
				}
			}
		}
	}
	if len(kept) == 0 {
		kept = all
	}
	slices.SortStableFunc(kept, func(a, b TopAd) int {
		if c := cmp.Compare(b.Stats.Clicks, a.Stats.Clicks); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if n >= 0 && len(kept) > n {
		kept = kept[:n]
	}
	return kept
}
