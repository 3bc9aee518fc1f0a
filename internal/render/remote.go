package render

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/adreport-cli/internal/model"
	"github.com/sells-group/adreport-cli/pkg/docrender"
)

// RemoteRenderer fills docx/pptx templates through the document-rendering
// service.
type RemoteRenderer struct {
	client docrender.Client
}

// NewRemoteRenderer creates a RemoteRenderer.
func NewRemoteRenderer(client docrender.Client) *RemoteRenderer {
	return &RemoteRenderer{client: client}
}

func (r *RemoteRenderer) Render(ctx context.Context, t Template, in *model.GenerationInput) ([]byte, error) {
	data, err := r.client.Render(ctx, docrender.RenderRequest{
		Template: t.Key,
		Format:   t.Format,
		Data:     NewDocument(in),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "remote: render %s", t.Kind)
	}
	return data, nil
}

// Content report ranking of ads.
const (
	topAdsCount         = 2
	topAdsMaxBounceRate = 35.0
)

// Document is the template data sent to the rendering service.
type Document struct {
	ReportID   int64                `json:"report_id"`
	Contract   model.ContractDetail `json:"contract"`
	Terms      []model.Term         `json:"terms,omitempty"`
	StartDate  string               `json:"start_date"`
	EndDate    string               `json:"end_date"`
	Targeting  string               `json:"targeting,omitempty"`
	Placement  string               `json:"media_placement,omitempty"`
	Financial  string               `json:"financial_terms,omitempty"`
	Total      float64              `json:"financial_total_amount"`
	Campaigns  []DocumentCampaign   `json:"campaigns"`
	Keyphrases []model.PhraseVolume `json:"keyphrases,omitempty"`

	Performance DocumentPerformance `json:"performance"`
	KPI         model.KPI           `json:"kpi"`
	TopAds      []DocumentAd        `json:"top_ads"`
}

// DocumentPerformance is delivery over the request period with the
// click-through rate resolved.
type DocumentPerformance struct {
	Impressions   int64   `json:"impressions"`
	Clicks        int64   `json:"clicks"`
	Ctr           float64 `json:"ctr"`
	BounceRate    float64 `json:"bounce_rate"`
	HasBounceRate bool    `json:"has_bounce_rate"`
}

func newDocumentPerformance(p model.Performance) DocumentPerformance {
	return DocumentPerformance{
		Impressions:   p.Impressions,
		Clicks:        p.Clicks,
		Ctr:           p.Ctr(),
		BounceRate:    p.BounceRate,
		HasBounceRate: p.HasBounceRate,
	}
}

// DocumentAd is one top ad of the content report.
type DocumentAd struct {
	ID           int64               `json:"id"`
	CampaignID   int64               `json:"campaign_id"`
	CampaignName string              `json:"campaign_name"`
	Title        string              `json:"title,omitempty"`
	Href         string              `json:"href"`
	Stats        DocumentPerformance `json:"stats"`
}

// DocumentCampaign is one campaign with its live groups.
type DocumentCampaign struct {
	ID     int64              `json:"id"`
	Name   string             `json:"name"`
	State  string             `json:"state,omitempty"`
	Groups []model.GroupState `json:"groups"`
}

// NewDocument flattens a generation input into template data. Deleted
// groups are excluded.
func NewDocument(in *model.GenerationInput) Document {
	doc := Document{
		Contract:   in.Contract,
		Terms:      in.Terms,
		Targeting:  in.Request.Targeting,
		Placement:  in.Request.MediaPlacement,
		Financial:  in.Request.FinancialTerms,
		Total:      in.Request.FinancialTotalAmount,
		Keyphrases: in.Volumes,
		Campaigns:  make([]DocumentCampaign, 0, len(in.Request.Campaigns)),

		Performance: newDocumentPerformance(in.Performance()),
		KPI:         in.KPI(),
		TopAds:      []DocumentAd{},
	}
	if in.Report != nil {
		doc.ReportID = in.Report.ID
	}
	if !in.Request.StartDate.IsZero() {
		doc.StartDate = in.Request.StartDate.Format(time.DateOnly)
		doc.EndDate = in.Request.EndDate.Format(time.DateOnly)
	}
	for _, c := range in.Request.Campaigns {
		dc := DocumentCampaign{ID: c.ID, Name: c.Name, Groups: in.LiveGroups(c.ID)}
		if snap := in.Snapshots[c.ID]; snap != nil {
			dc.State = snap.State
		}
		if dc.Groups == nil {
			dc.Groups = []model.GroupState{}
		}
		doc.Campaigns = append(doc.Campaigns, dc)
	}
	for _, ad := range in.TopAds(topAdsCount, topAdsMaxBounceRate) {
		doc.TopAds = append(doc.TopAds, DocumentAd{
			ID:           ad.ID,
			CampaignID:   ad.CampaignID,
			CampaignName: ad.CampaignName,
			Title:        ad.Title,
			Href:         ad.Href,
			Stats:        newDocumentPerformance(*ad.Stats),
		})
	}
	return doc
}
