package store

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/adreport-cli/internal/model"
)

// Column lists and scan destinations shared by both drivers.

var orgFields = []string{
	"id", "role", "full_name", "short_name", "full_name_genitive", "full_name_dative",
	"representative_name", "representative_name_genitive",
	"representative_position", "representative_position_genitive",
	"tax_id", "registration_id", "address", "is_deleted", "created_at",
}

func orgCols(alias string) string { return prefixed(alias, orgFields) }

func orgDest(o *model.Organization) []any {
	return []any{
		&o.ID, &o.Role, &o.FullName, &o.ShortName, &o.FullNameGenitive, &o.FullNameDative,
		&o.RepresentativeName, &o.RepresentativeNameGenitive,
		&o.RepresentativePosition, &o.RepresentativePositionGenitive,
		&o.TaxID, &o.RegistrationID, &o.Address, &o.IsDeleted, &o.CreatedAt,
	}
}

func orgArgs(o *model.Organization) []any {
	return []any{
		string(o.Role), o.FullName, o.ShortName, o.FullNameGenitive, o.FullNameDative,
		o.RepresentativeName, o.RepresentativeNameGenitive,
		o.RepresentativePosition, o.RepresentativePositionGenitive,
		o.TaxID, o.RegistrationID, o.Address, o.CreatedAt,
	}
}

var contractFields = []string{
	"id", "number", "customer_id", "contractor_id", "created_by", "subject", "goals", "tasks",
	"target_clicks", "max_bounce_rate_pct", "ads_client_login", "signed_at", "is_deleted", "created_at",
}

func contractCols(alias string) string { return prefixed(alias, contractFields) }

// contractDest scans into c; signed receives the nullable signed_at.
func contractDest(c *model.Contract, signed *sql.NullTime) []any {
	return []any{
		&c.ID, &c.Number, &c.CustomerID, &c.ContractorID, &c.CreatedBy, &c.Subject, &c.Goals, &c.Tasks,
		&c.TargetClicks, &c.MaxBounceRatePct, &c.AdsClientLogin, signed, &c.IsDeleted, &c.CreatedAt,
	}
}

func contractArgs(c *model.Contract) []any {
	var signed any
	if !c.SignedAt.IsZero() {
		signed = c.SignedAt
	}
	return []any{
		c.Number, c.CustomerID, c.ContractorID, c.CreatedBy, c.Subject, c.Goals, c.Tasks,
		c.TargetClicks, c.MaxBounceRatePct, c.AdsClientLogin, signed, c.CreatedAt,
	}
}

const termCols = "id, contract_id, term, definition, is_deleted, created_at"

func termDest(t *model.Term) []any {
	return []any{&t.ID, &t.ContractID, &t.Term, &t.Definition, &t.IsDeleted, &t.CreatedAt}
}

const requestCols = `id, contract_id, start_date, end_date, campaign_snapshot, deleted_groups,
	targeting, media_placement, financial_terms, financial_total_amount, keyphrases, is_deleted, created_at`

// requestRow holds the JSON columns of a request until they are decoded.
type requestRow struct {
	r         model.Request
	campaigns []byte
	deleted   []byte
	phrases   []byte
}

func (rr *requestRow) dest() []any {
	r := &rr.r
	return []any{
		&r.ID, &r.ContractID, &r.StartDate, &r.EndDate, &rr.campaigns, &rr.deleted,
		&r.Targeting, &r.MediaPlacement, &r.FinancialTerms, &r.FinancialTotalAmount, &rr.phrases,
		&r.IsDeleted, &r.CreatedAt,
	}
}

func (rr *requestRow) decode() (*model.Request, error) {
	r := rr.r
	if err := decodeJSON(rr.campaigns, &r.Campaigns); err != nil {
		return nil, eris.Wrapf(err, "store: decode campaign_snapshot of request %d", r.ID)
	}
	r.DeletedGroups = model.DeletedGroups{}
	if err := decodeJSON(rr.deleted, &r.DeletedGroups); err != nil {
		return nil, eris.Wrapf(err, "store: decode deleted_groups of request %d", r.ID)
	}
	r.DeletedGroups = r.DeletedGroups.Clone()
	if err := decodeJSON(rr.phrases, &r.Keyphrases); err != nil {
		return nil, eris.Wrapf(err, "store: decode keyphrases of request %d", r.ID)
	}
	return &r, nil
}

// requestJSON encodes the JSON columns of r.
func requestJSON(r *model.Request) (campaigns, deleted, phrases string, err error) {
	campaigns, err = encodeJSON(r.Campaigns, "[]")
	if err != nil {
		return "", "", "", eris.Wrap(err, "store: encode campaign_snapshot")
	}
	deleted, err = encodeDeleted(r.DeletedGroups)
	if err != nil {
		return "", "", "", err
	}
	phrases, err = encodeJSON(r.Keyphrases, "[]")
	if err != nil {
		return "", "", "", eris.Wrap(err, "store: encode keyphrases")
	}
	return campaigns, deleted, phrases, nil
}

func encodeDeleted(d model.DeletedGroups) (string, error) {
	s, err := encodeJSON(d.Clone(), "{}")
	return s, eris.Wrap(err, "store: encode deleted_groups")
}

func encodeJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func decodeJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

const accountCols = "id, login, token, client_id, client_secret, comment, is_deleted, created_at, update_entry"

func accountDest(a *model.ExternalAccount) []any {
	return []any{&a.ID, &a.Login, &a.Token, &a.ClientID, &a.ClientSecret, &a.Comment, &a.IsDeleted, &a.CreatedAt, &a.UpdateEntry}
}

func prefixed(alias string, fields []string) string {
	if alias == "" {
		return strings.Join(fields, ", ")
	}
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = alias + "." + f
	}
	return strings.Join(out, ", ")
}

func now() time.Time { return time.Now().UTC() }
