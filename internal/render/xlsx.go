package render

import (
	"bytes"
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/adreport-cli/internal/model"
)

// XLSXRenderer builds the media plan and media statement workbooks locally.
// Groups recorded as deleted on the request never appear.
type XLSXRenderer struct{}

// Render builds the workbook for t.Kind.
func (XLSXRenderer) Render(ctx context.Context, t Template, in *model.GenerationInput) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "xlsx: render")
	}

	f := xlsx.NewFile()
	var err error
	switch t.Kind {
	case model.ArtifactMediaPlan:
		err = mediaPlan(f, in)
	case model.ArtifactMediaStatement:
		err = mediaStatement(f, in)
	default:
		return nil, eris.Wrapf(model.ErrInvalid, "xlsx: no workbook for %s", t.Kind)
	}
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, eris.Wrap(err, "xlsx: write workbook")
	}
	return buf.Bytes(), nil
}

func mediaPlan(f *xlsx.File, in *model.GenerationInput) error {
	sheet, err := f.AddSheet("Media plan")
	if err != nil {
		return eris.Wrap(err, "xlsx: add sheet")
	}
	header(sheet, in)
	addRow(sheet, "Campaign ID", "Campaign", "Group ID", "Group", "Status")

	for _, c := range in.Request.Campaigns {
		name := c.Name
		if snap := in.Snapshots[c.ID]; snap != nil && snap.Name != "" {
			name = snap.Name
		}
		for _, g := range in.LiveGroups(c.ID) {
			row := sheet.AddRow()
			row.AddCell().SetInt64(c.ID)
			row.AddCell().SetString(name)
			row.AddCell().SetInt64(g.ID)
			row.AddCell().SetString(g.Name)
			row.AddCell().SetString(string(g.Status))
		}
	}
	return nil
}

func mediaStatement(f *xlsx.File, in *model.GenerationInput) error {
	sheet, err := f.AddSheet("Statement")
	if err != nil {
		return eris.Wrap(err, "xlsx: add sheet")
	}
	header(sheet, in)
	addRow(sheet, "Campaign ID", "Campaign", "Live groups", "Deleted groups", "Spend")

	for _, c := range in.Request.Campaigns {
		live := in.LiveGroups(c.ID)
		var spend float64
		for _, g := range live {
			spend += g.Spend
		}
		row := sheet.AddRow()
		row.AddCell().SetInt64(c.ID)
		row.AddCell().SetString(c.Name)
		row.AddCell().SetInt(len(live))
		row.AddCell().SetInt(len(in.Request.DeletedGroups[c.ID]))
		row.AddCell().SetFloat(spend)
	}

	total := sheet.AddRow()
	total.AddCell().SetString("Total")
	for range 3 {
		total.AddCell()
	}
	total.AddCell().SetFloat(in.Request.FinancialTotalAmount)

	if len(in.Volumes) == 0 {
		return nil
	}
	kp, err := f.AddSheet("Keyphrases")
	if err != nil {
		return eris.Wrap(err, "xlsx: add sheet")
	}
	addRow(kp, "Phrase", "Monthly searches")
	for _, v := range in.Volumes {
		row := kp.AddRow()
		row.AddCell().SetString(v.Phrase)
		row.AddCell().SetInt64(v.Count)
	}
	return nil
}

func header(sheet *xlsx.Sheet, in *model.GenerationInput) {
	addRow(sheet, "Contract", in.Contract.Number)
	addRow(sheet, "Customer", in.Contract.Customer.ShortName)
	addRow(sheet, "Period", period(in.Request))
	addRow(sheet, "")
}

func addRow(sheet *xlsx.Sheet, values ...string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func period(r model.Request) string {
	if r.StartDate.IsZero() {
		return ""
	}
	return r.StartDate.Format(time.DateOnly) + " - " + r.EndDate.Format(time.DateOnly)
}
