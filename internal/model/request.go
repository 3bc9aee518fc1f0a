package model

import (
	"slices"
	"time"

	"github.com/rotisserie/eris"
)

// GroupRef is an ad group as recorded when the request was created.
type GroupRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

// CampaignRef is one entry of the request's stored campaign snapshot. The
// system treats it as opaque apart from identity.
type CampaignRef struct {
	ID     int64      `json:"id"`
	Name   string     `json:"name"`
	Groups []GroupRef `json:"groups,omitempty"`
}

// DeletedGroups records, per campaign id, the groups removed from the live
// campaign since the request was created. Stored as
// {"<campaign id>": [group ids]}.
type DeletedGroups map[int64][]int64

// Contains reports whether the group id is recorded under any campaign.
func (d DeletedGroups) Contains(groupID int64) bool {
	for _, ids := range d {
		if slices.Contains(ids, groupID) {
			return true
		}
	}
	return false
}

// Add records a group as deleted. Returns false if it was already present.
func (d DeletedGroups) Add(campaignID, groupID int64) bool {
	ids := d[campaignID]
	if slices.Contains(ids, groupID) {
		return false
	}
	ids = append(ids, groupID)
	slices.Sort(ids)
	d[campaignID] = ids
	return true
}

// Clone returns a deep copy with sorted, de-duplicated id lists.
func (d DeletedGroups) Clone() DeletedGroups {
	out := make(DeletedGroups, len(d))
	for cid, ids := range d {
		cp := slices.Clone(ids)
		slices.Sort(cp)
		out[cid] = slices.Compact(cp)
	}
	return out
}

// Union returns d ∪ other without modifying either.
func (d DeletedGroups) Union(other DeletedGroups) DeletedGroups {
	out := d.Clone()
	for cid, ids := range other {
		for _, id := range ids {
			out.Add(cid, id)
		}
	}
	return out
}

// All returns every deleted group id, sorted.
func (d DeletedGroups) All() []int64 {
	var all []int64
	for _, ids := range d {
		all = append(all, ids...)
	}
	slices.Sort(all)
	return slices.Compact(all)
}

// Len is the number of distinct deleted group ids.
func (d DeletedGroups) Len() int {
	return len(d.All())
}

// Request is a single fulfillment order under a contract.
type Request struct {
	ID                   int64         `json:"id"`
	ContractID           int64         `json:"contract_id"`
	StartDate            time.Time     `json:"start_date"`
	EndDate              time.Time     `json:"end_date"`
	Campaigns            []CampaignRef `json:"campaigns"`
	DeletedGroups        DeletedGroups `json:"deleted_groups"`
	Targeting            string        `json:"targeting,omitempty"`
	MediaPlacement       string        `json:"media_placement,omitempty"`
	FinancialTerms       string        `json:"financial_terms,omitempty"`
	FinancialTotalAmount float64       `json:"financial_total_amount"`
	Keyphrases           []string      `json:"keyphrases,omitempty"`
	IsDeleted            bool          `json:"is_deleted"`
	CreatedAt            time.Time     `json:"created_at"`
}

// Validate enforces the request date range and campaign reference.
func (r *Request) Validate() error {
	if r.ContractID <= 0 {
		return eris.Wrap(ErrInvalid, "request: contract is required")
	}
	if r.StartDate.IsZero() || r.EndDate.IsZero() {
		return eris.Wrap(ErrInvalid, "request: start and end dates are required")
	}
	if r.StartDate.After(r.EndDate) {
		return eris.Wrapf(ErrInvalid, "request: start date %s after end date %s",
			r.StartDate.Format(time.DateOnly), r.EndDate.Format(time.DateOnly))
	}
	return nil
}

// CampaignIDs returns the ids of the stored campaign snapshot in order.
func (r *Request) CampaignIDs() []int64 {
	ids := make([]int64, 0, len(r.Campaigns))
	for _, c := range r.Campaigns {
		ids = append(ids, c.ID)
	}
	return ids
}
