package direct

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

const dateLayout = "2006-01-02"

type reportFilter struct {
	Field    string   `json:"Field"`
	Operator string   `json:"Operator"`
	Values   []string `json:"Values"`
}

type reportCriteria struct {
	DateFrom string         `json:"DateFrom"`
	DateTo   string         `json:"DateTo"`
	Filter   []reportFilter `json:"Filter"`
}

type reportDefinition struct {
	SelectionCriteria reportCriteria `json:"SelectionCriteria"`
	FieldNames        []string       `json:"FieldNames"`
	ReportName        string         `json:"ReportName"`
	ReportType        string         `json:"ReportType"`
	DateRangeType     string         `json:"DateRangeType"`
	Format            string         `json:"Format"`
	IncludeVAT        string         `json:"IncludeVAT"`
	IncludeDiscount   string         `json:"IncludeDiscount"`
}

// Stats is the delivery figures of one ad group or ad over a report period.
// BounceRate is a percentage of tracked visits; HasBounceRate is false when
// the period had none.
type Stats struct {
	Impressions   int64
	Clicks        int64
	Cost          float64
	BounceRate    float64
	HasBounceRate bool
}

// Ctr is the click-through rate in percent.
func (s Stats) Ctr() float64 {
	if s.Impressions == 0 {
		return 0
	}
	return float64(s.Clicks) * 100 / float64(s.Impressions)
}

// add merges a report row into s. Bounce rates are weighted by clicks.
func (s Stats) add(row Stats) Stats {
	if row.HasBounceRate {
		switch {
		case !s.HasBounceRate:
			s.BounceRate = row.BounceRate
		case s.Clicks+row.Clicks > 0:
			s.BounceRate = (s.BounceRate*float64(s.Clicks) + row.BounceRate*float64(row.Clicks)) /
				float64(s.Clicks+row.Clicks)
		}
		s.HasBounceRate = true
	}
	s.Impressions += row.Impressions
	s.Clicks += row.Clicks
	s.Cost += row.Cost
	return s
}

var statsFields = []string{"Impressions", "Clicks", "Cost", "BounceRate"}

// GroupStats requests an ad-group performance report and returns the
// figures per ad group. A group present in the report has spend for the
// period, possibly zero.
func (c *httpClient) GroupStats(ctx context.Context, campaignIDs []int64, from, to time.Time) (map[int64]Stats, error) {
	return c.performanceReport(ctx, "ADGROUP_PERFORMANCE_REPORT", "AdGroupId", campaignIDs, from, to)
}

// AdStats requests an ad performance report and returns the figures per ad.
func (c *httpClient) AdStats(ctx context.Context, campaignIDs []int64, from, to time.Time) (map[int64]Stats, error) {
	return c.performanceReport(ctx, "AD_PERFORMANCE_REPORT", "AdId", campaignIDs, from, to)
}

// performanceReport runs one report keyed by keyField. The reports service
// may build the report offline: 201 and 202 mean "poll again after retryIn
// seconds" with the same definition.
func (c *httpClient) performanceReport(ctx context.Context, reportType, keyField string, campaignIDs []int64, from, to time.Time) (map[int64]Stats, error) {
	if len(campaignIDs) == 0 {
		return map[int64]Stats{}, nil
	}

	values := make([]string, len(campaignIDs))
	for i, id := range campaignIDs {
		values[i] = strconv.FormatInt(id, 10)
	}
	def := reportDefinition{
		SelectionCriteria: reportCriteria{
			DateFrom: from.Format(dateLayout),
			DateTo:   to.Format(dateLayout),
			Filter:   []reportFilter{{Field: "CampaignId", Operator: "IN", Values: values}},
		},
		FieldNames:      append([]string{keyField}, statsFields...),
		ReportName:      strings.ToLower(reportType) + "-" + uuid.NewString(),
		ReportType:      reportType,
		DateRangeType:   "CUSTOM_DATE",
		Format:          "TSV",
		IncludeVAT:      "YES",
		IncludeDiscount: "NO",
	}
	body, err := json.Marshal(map[string]any{"params": def})
	if err != nil {
		return nil, eris.Wrap(err, "direct: marshal report definition")
	}

	headers := http.Header{}
	headers.Set("processingMode", "auto")
	headers.Set("returnMoneyInMicros", "false")
	headers.Set("skipReportHeader", "true")
	headers.Set("skipReportSummary", "true")

	for poll := 0; ; poll++ {
		resp, respBody, err := c.post(ctx, "/reports", body, headers)
		if err != nil {
			return nil, err
		}

		switch resp.StatusCode {
		case http.StatusOK:
			return parseStatsReport(bytes.NewReader(respBody), keyField)
		case http.StatusCreated, http.StatusAccepted:
			if poll+1 >= c.maxReportPolls {
				return nil, &APIError{
					HTTPStatus: resp.StatusCode,
					RequestID:  resp.Header.Get("RequestId"),
					RetryAfter: retryAfter(resp.Header),
				}
			}
			if err := sleep(ctx, retryAfter(resp.Header)); err != nil {
				return nil, eris.Wrap(err, "direct: wait for offline report")
			}
		default:
			return nil, apiError(resp, respBody)
		}
	}
}

// parseStatsReport sums rows per keyField. "--" marks a figure the
// platform has no value for. The key and Cost columns are required, the
// rest are optional.
func parseStatsReport(r io.Reader, keyField string) (map[int64]Stats, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return map[int64]Stats{}, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "direct: read report header")
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[name] = i
	}
	keyCol, ok := cols[keyField]
	if !ok {
		return nil, eris.Errorf("direct: report missing columns, got %v", header)
	}
	if _, ok := cols["Cost"]; !ok {
		return nil, eris.Errorf("direct: report missing columns, got %v", header)
	}

	out := make(map[int64]Stats)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "direct: read report row")
		}
		if len(rec) <= keyCol {
			continue
		}
		id, err := strconv.ParseInt(rec[keyCol], 10, 64)
		if err != nil {
			return nil, eris.Wrapf(err, "direct: parse %s %q", keyField, rec[keyCol])
		}
		row, err := parseStatsRow(rec, cols)
		if err != nil {
			return nil, err
		}
		out[id] = out[id].add(row)
	}
}

func parseStatsRow(rec []string, cols map[string]int) (Stats, error) {
	field := func(name string) (string, bool) {
		i, ok := cols[name]
		if !ok || i >= len(rec) || rec[i] == "--" || rec[i] == "" {
			return "", false
		}
		return rec[i], true
	}

	var row Stats
	var err error
	if v, ok := field("Impressions"); ok {
		if row.Impressions, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Stats{}, eris.Wrapf(err, "direct: parse impressions %q", v)
		}
	}
	if v, ok := field("Clicks"); ok {
		if row.Clicks, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Stats{}, eris.Wrapf(err, "direct: parse clicks %q", v)
		}
	}
	if v, ok := field("Cost"); ok {
		if row.Cost, err = strconv.ParseFloat(v, 64); err != nil {
			return Stats{}, eris.Wrapf(err, "direct: parse cost %q", v)
		}
	}
	if v, ok := field("BounceRate"); ok {
		if row.BounceRate, err = strconv.ParseFloat(v, 64); err != nil {
			return Stats{}, eris.Wrapf(err, "direct: parse bounce rate %q", v)
		}
		row.HasBounceRate = true
	}
	return row, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
