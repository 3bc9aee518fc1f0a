// Package reconcile folds live campaign snapshots into a request: groups
// removed from the campaign are recorded as deleted and the financial total
// is recomputed by a pluggable policy.
package reconcile

import (
	"slices"

	"github.com/rotisserie/eris"

	"github.com/sells-group/adreport-cli/internal/model"
)

// Result is the reconciled projection of a request.
type Result struct {
	// Request carries the updated DeletedGroups and FinancialTotalAmount.
	Request model.Request `json:"request"`
	// NewlyDeleted holds the groups first recorded by this pass.
	NewlyDeleted model.DeletedGroups `json:"newly_deleted"`
	Total        float64             `json:"total"`
	// PhraseVolumes are the stored counts for the request's keyphrases, in
	// request order. Phrases without a live count are omitted.
	PhraseVolumes []model.PhraseVolume `json:"phrase_volumes,omitempty"`
}

// Changed reports whether the projection differs from the stored request.
func (r *Result) Changed(stored model.Request) bool {
	return r.NewlyDeleted.Len() > 0 || r.Total != stored.FinancialTotalAmount
}

// Engine reconciles requests with one financial policy.
type Engine struct {
	policy FinancialPolicy
}

// NewEngine creates an engine. A nil policy keeps stored totals.
func NewEngine(policy FinancialPolicy) *Engine {
	if policy == nil {
		policy = KeepTotal{}
	}
	return &Engine{policy: policy}
}

// Policy returns the configured financial policy.
func (e *Engine) Policy() FinancialPolicy { return e.policy }

// Reconcile computes the projection of req against freshly fetched
// snapshots. A stored group is deleted when its campaign snapshot lacks it
// or reports it archived. A campaign absent from snapshots is left alone;
// only a snapshot flagged Missing deletes all of its stored groups.
// Deleted groups only ever grow.
func (e *Engine) Reconcile(req model.Request, snapshots model.Snapshots, volumes []model.PhraseVolume) *Result {
	observed := model.DeletedGroups{}
	for _, c := range req.Campaigns {
		snap, ok := snapshots[c.ID]
		if !ok || snap == nil {
			continue
		}
		for _, g := range c.Groups {
			if gone(snap, g.ID) {
				observed.Add(c.ID, g.ID)
			}
		}
	}

	deleted := req.DeletedGroups.Union(observed)
	newly := model.DeletedGroups{}
	for cid, ids := range observed {
		for _, id := range ids {
			if !slices.Contains(req.DeletedGroups[cid], id) {
				newly.Add(cid, id)
			}
		}
	}

	out := req
	out.DeletedGroups = deleted
	out.FinancialTotalAmount = e.policy.Total(req, snapshots, deleted)

	return &Result{
		Request:       out,
		NewlyDeleted:  newly,
		Total:         out.FinancialTotalAmount,
		PhraseVolumes: match(req.Keyphrases, volumes),
	}
}

func gone(snap *model.CampaignSnapshot, groupID int64) bool {
	if snap.Missing {
		return true
	}
	g, ok := snap.Group(groupID)
	return !ok || g.Status == model.GroupArchived
}

func match(phrases []string, volumes []model.PhraseVolume) []model.PhraseVolume {
	if len(phrases) == 0 || len(volumes) == 0 {
		return nil
	}
	counts := make(map[string]int64, len(volumes))
	for _, v := range volumes {
		counts[model.NormalizePhrase(v.Phrase)] = v.Count
	}
	var out []model.PhraseVolume
	seen := map[string]bool{}
	for _, p := range phrases {
		n := model.NormalizePhrase(p)
		if seen[n] {
			continue
		}
		seen[n] = true
		if c, ok := counts[n]; ok {
			out = append(out, model.PhraseVolume{Phrase: n, Count: c})
		}
	}
	return out
}

// FinancialPolicy derives the request's financial total after deletion.
type FinancialPolicy interface {
	Name() string
	Total(req model.Request, snapshots model.Snapshots, deleted model.DeletedGroups) float64
}

// Policy names accepted by PolicyByName.
const (
	PolicyKeepTotal           = "keep_total"
	PolicyExcludeDeletedSpend = "exclude_deleted_spend"
)

// PolicyByName resolves the configured policy.
func PolicyByName(name string) (FinancialPolicy, error) {
	switch name {
	case PolicyKeepTotal:
		return KeepTotal{}, nil
	case PolicyExcludeDeletedSpend:
		return ExcludeDeletedSpend{}, nil
	default:
		return nil, eris.Errorf("reconcile: unknown financial policy %q", name)
	}
}

// KeepTotal leaves the stored total unchanged.
type KeepTotal struct{}

func (KeepTotal) Name() string { return PolicyKeepTotal }

func (KeepTotal) Total(req model.Request, _ model.Snapshots, _ model.DeletedGroups) float64 {
	return req.FinancialTotalAmount
}

// ExcludeDeletedSpend sums the spend of the request's surviving groups. When
// the fetch carried no spend figures at all the stored total is kept.
type ExcludeDeletedSpend struct{}

func (ExcludeDeletedSpend) Name() string { return PolicyExcludeDeletedSpend }

func (ExcludeDeletedSpend) Total(req model.Request, snapshots model.Snapshots, deleted model.DeletedGroups) float64 {
	var total float64
	var withSpend bool
	for _, c := range req.Campaigns {
		snap, ok := snapshots[c.ID]
		if !ok || snap == nil {
			continue
		}
		for _, g := range snap.Groups {
			if !g.HasSpend {
				continue
			}
			withSpend = true
			if deleted.Contains(g.ID) {
				continue
			}
			total += g.Spend
		}
	}
	if !withSpend {
		return req.FinancialTotalAmount
	}
	return total
}
