package direct

import (
	"context"
)

// Campaign is a campaigns.get item.
type Campaign struct {
	ID     int64  `json:"Id"`
	Name   string `json:"Name"`
	State  string `json:"State"`
	Status string `json:"Status"`
}

// AdGroup is an adgroups.get item.
type AdGroup struct {
	ID         int64  `json:"Id"`
	Name       string `json:"Name"`
	CampaignID int64  `json:"CampaignId"`
	Status     string `json:"Status"`
	// ServingStatus is ELIGIBLE or RARELY_SERVED.
	ServingStatus string `json:"ServingStatus,omitempty"`
	Type          string `json:"Type"`
}

// TextAd holds the creative of a text ad.
type TextAd struct {
	Title  string `json:"Title"`
	Title2 string `json:"Title2"`
	Text   string `json:"Text"`
	Href   string `json:"Href"`
}

// Ad is an ads.get item.
type Ad struct {
	ID         int64   `json:"Id"`
	AdGroupID  int64   `json:"AdGroupId"`
	CampaignID int64   `json:"CampaignId"`
	Type       string  `json:"Type"`
	State      string  `json:"State"`
	Status     string  `json:"Status"`
	TextAd     *TextAd `json:"TextAd,omitempty"`
}

type selectionCriteria struct {
	IDs         []int64 `json:"Ids,omitempty"`
	CampaignIDs []int64 `json:"CampaignIds,omitempty"`
}

type getParams struct {
	SelectionCriteria selectionCriteria `json:"SelectionCriteria"`
	FieldNames        []string          `json:"FieldNames"`
	TextAdFieldNames  []string          `json:"TextAdFieldNames,omitempty"`
	Page              *page             `json:"Page,omitempty"`
}

var (
	campaignFields = []string{"Id", "Name", "State", "Status"}
	adGroupFields  = []string{"Id", "Name", "CampaignId", "Status", "ServingStatus", "Type"}
	adFields       = []string{"Id", "AdGroupId", "CampaignId", "Type", "State", "Status"}
	textAdFields   = []string{"Title", "Title2", "Text", "Href"}
)

func (c *httpClient) Campaigns(ctx context.Context, ids []int64) ([]Campaign, error) {
	var all []Campaign
	for _, batch := range chunk(ids, maxIDsPerCall) {
		params := getParams{
			SelectionCriteria: selectionCriteria{IDs: batch},
			FieldNames:        campaignFields,
		}
		err := c.paginate(ctx, "campaigns", &params, func(raw *pageResult) int {
			all = append(all, raw.Campaigns...)
			return len(raw.Campaigns)
		})
		if err != nil {
			return nil, err
		}
	}
	return all, nil
}

func (c *httpClient) AdGroups(ctx context.Context, campaignIDs []int64) ([]AdGroup, error) {
	var all []AdGroup
	for _, batch := range chunk(campaignIDs, maxIDsPerCall) {
		params := getParams{
			SelectionCriteria: selectionCriteria{CampaignIDs: batch},
			FieldNames:        adGroupFields,
		}
		err := c.paginate(ctx, "adgroups", &params, func(raw *pageResult) int {
			all = append(all, raw.AdGroups...)
			return len(raw.AdGroups)
		})
		if err != nil {
			return nil, err
		}
	}
	return all, nil
}

func (c *httpClient) Ads(ctx context.Context, campaignIDs []int64) ([]Ad, error) {
	var all []Ad
	for _, batch := range chunk(campaignIDs, maxIDsPerCall) {
		params := getParams{
			SelectionCriteria: selectionCriteria{CampaignIDs: batch},
			FieldNames:        adFields,
			TextAdFieldNames:  textAdFields,
		}
		err := c.paginate(ctx, "ads", &params, func(raw *pageResult) int {
			all = append(all, raw.Ads...)
			return len(raw.Ads)
		})
		if err != nil {
			return nil, err
		}
	}
	return all, nil
}

// pageResult is the union of the get results this client reads.
type pageResult struct {
	Campaigns []Campaign `json:"Campaigns"`
	AdGroups  []AdGroup  `json:"AdGroups"`
	Ads       []Ad       `json:"Ads"`
	// LimitedBy is set when more objects remain past this page.
	LimitedBy int64 `json:"LimitedBy"`
}

// paginate repeats a get call while the platform reports LimitedBy.
func (c *httpClient) paginate(ctx context.Context, service string, params *getParams, collect func(*pageResult) int) error {
	params.Page = &page{Limit: pageLimit}
	for {
		var res pageResult
		if err := c.call(ctx, service, params, &res); err != nil {
			return err
		}
		n := collect(&res)
		if res.LimitedBy == 0 || n == 0 {
			return nil
		}
		params.Page.Offset = res.LimitedBy
	}
}
