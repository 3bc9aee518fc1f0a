// Package store persists organizations, contracts, requests, reports,
// external accounts and keyphrases. Soft delete is a repository concern:
// reads exclude is_deleted rows unless IncludeDeleted is passed, and nothing
// is ever physically deleted.
package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/adreport-cli/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist or is filtered out
	// by the soft-delete rule.
	ErrNotFound = eris.New("store: not found")

	// ErrConcurrentModification is returned when a compare-and-swap write
	// lost a race: the row changed since it was read.
	ErrConcurrentModification = eris.New("store: concurrent modification")

	// ErrDuplicate is returned when an insert collides with a live row, e.g.
	// a second live report for the same request.
	ErrDuplicate = eris.New("store: duplicate")
)

// Entity names a soft-deletable record type.
type Entity string

const (
	EntityOrganization Entity = "organizations"
	EntityContract     Entity = "contracts"
	EntityTerm         Entity = "terms"
	EntityRequest      Entity = "requests"
	EntityReport       Entity = "reports"
)

func (e Entity) valid() bool {
	switch e {
	case EntityOrganization, EntityContract, EntityTerm, EntityRequest, EntityReport:
		return true
	}
	return false
}

// ReadOption adjusts a read.
type ReadOption func(*readOptions)

type readOptions struct {
	includeDeleted bool
}

// IncludeDeleted makes a read return soft-deleted rows as well.
func IncludeDeleted() ReadOption {
	return func(o *readOptions) { o.includeDeleted = true }
}

// liveOnly returns the soft-delete predicate for col, or "TRUE" when the
// caller asked for deleted rows too.
func liveOnly(col string, opts []ReadOption) string {
	var o readOptions
	for _, fn := range opts {
		fn(&o)
	}
	if o.includeDeleted {
		return "TRUE"
	}
	return col + " = FALSE"
}

// ReportFilter selects reports for batch processing.
type ReportFilter struct {
	Statuses []model.ReportStatus
	// Exhausted, when set, matches the report's exhausted flag.
	Exhausted *bool
	Limit     int
}

// Store defines the persistence interface for the report pipeline.
type Store interface {
	// Organizations, contracts, terms
	CreateOrganization(ctx context.Context, o *model.Organization) error
	GetOrganization(ctx context.Context, id int64, opts ...ReadOption) (*model.Organization, error)
	CreateContract(ctx context.Context, c *model.Contract) error
	// GetContractDetail resolves both parties regardless of their
	// soft-delete flag; opts apply to the contract row only.
	GetContractDetail(ctx context.Context, id int64, opts ...ReadOption) (*model.ContractDetail, error)
	CreateTerm(ctx context.Context, t *model.Term) error
	ListTerms(ctx context.Context, contractID int64, opts ...ReadOption) ([]model.Term, error)

	// Requests
	CreateRequest(ctx context.Context, r *model.Request) error
	GetRequest(ctx context.Context, id int64, opts ...ReadOption) (*model.Request, error)
	UpdateRequestProjection(ctx context.Context, id int64, deleted model.DeletedGroups, total float64) error

	// Reports
	CreateReport(ctx context.Context, r *model.Report) error
	GetReport(ctx context.Context, id int64, opts ...ReadOption) (*model.Report, error)
	// UpdateReport writes r if the stored version still equals r.Version,
	// then advances r.Version. Otherwise ErrConcurrentModification.
	UpdateReport(ctx context.Context, r *model.Report) error
	ListReports(ctx context.Context, filter ReportFilter) ([]model.Report, error)
	ReportStatuses(ctx context.Context) ([]model.StatusEntry, error)

	// External accounts. Every write sets UpdateEntry.
	SaveAccount(ctx context.Context, a *model.ExternalAccount) error
	RotateToken(ctx context.Context, kind model.AccountKind, id int64, token string) error
	ListAccounts(ctx context.Context, kind model.AccountKind, opts ...ReadOption) ([]model.ExternalAccount, error)
	SoftDeleteAccount(ctx context.Context, kind model.AccountKind, id int64) error

	// Keyphrases. Phrases are normalized with model.NormalizePhrase.
	UpsertKeyphrase(ctx context.Context, k model.Keyphrase) (*model.Keyphrase, error)
	UpsertKeyphrases(ctx context.Context, ks []model.Keyphrase) (int64, error)
	SoftDeleteKeyphrase(ctx context.Context, phrase string) (int64, error)
	GetKeyphrases(ctx context.Context, phrases []string, opts ...ReadOption) ([]model.Keyphrase, error)

	SoftDelete(ctx context.Context, entity Entity, id int64) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// artifactColumn maps an artifact kind to its selector and locator columns.
type artifactColumn struct {
	kind    model.ArtifactKind
	selCol  string
	pathCol string
}

var artifactColumns = []artifactColumn{
	{model.ArtifactContentReport, "select_content_report", "content_report_path"},
	{model.ArtifactAdScreenshots, "select_screenshots_ads", "screenshots_ads_path"},
	{model.ArtifactMediaStatement, "select_machine_media_statement", "media_statement_path"},
	{model.ArtifactKeyphrasePresentation, "select_presentation_keys", "presentation_keys_path"},
	{model.ArtifactMediaPlan, "select_media_plan", "media_plan_path"},
	{model.ArtifactCoverLetter, "select_cover_letter", "cover_letter_path"},
	{model.ArtifactAct, "select_act", "act_path"},
}

// reportSelectList is shared by both drivers; nullable text is coalesced so
// scans need no null wrappers.
var reportSelectList = func() string {
	cols := []string{"id", "request_id", "contract_id", "status_id"}
	for _, a := range artifactColumns {
		cols = append(cols, a.selCol, "COALESCE("+a.pathCol+", '')")
	}
	cols = append(cols,
		"COALESCE(all_reports_zip_path, '')", "COALESCE(message, '')", "COALESCE(run_id, '')",
		"attempts", "exhausted", "version", "COALESCE(delivered_by, '')",
		"is_deleted", "created_at", "updated_at",
	)
	return strings.Join(cols, ", ")
}()

type scannable interface {
	Scan(dest ...any) error
}

// scanReport reads one reportSelectList row. The status id is resolved by
// the caller against the vocabulary.
func scanReport(row scannable) (*model.Report, int, error) {
	var r model.Report
	var statusID int
	sel := make([]bool, len(artifactColumns))
	paths := make([]string, len(artifactColumns))

	dest := []any{&r.ID, &r.RequestID, &r.ContractID, &statusID}
	for i := range artifactColumns {
		dest = append(dest, &sel[i], &paths[i])
	}
	dest = append(dest, &r.ArchiveLocator, &r.Message, &r.RunID,
		&r.Attempts, &r.Exhausted, &r.Version, &r.DeliveredBy,
		&r.IsDeleted, &r.CreatedAt, &r.UpdatedAt)

	if err := row.Scan(dest...); err != nil {
		return nil, 0, err
	}

	r.Artifacts = model.NewArtifacts()
	for i, a := range artifactColumns {
		r.Artifacts[a.kind] = model.ArtifactSlot{Selected: sel[i], Locator: paths[i]}
	}
	return &r, statusID, nil
}

// reportArgs returns the per-artifact values in column order.
func reportArgs(r *model.Report) []any {
	args := make([]any, 0, 2*len(artifactColumns))
	for _, a := range artifactColumns {
		slot := r.Artifacts[a.kind]
		args = append(args, slot.Selected, nullable(slot.Locator))
	}
	return args
}

// reportWriteColumns are the mutable report columns, written by both insert
// and compare-and-swap update.
var reportWriteColumns = func() []string {
	cols := []string{"status_id"}
	for _, a := range artifactColumns {
		cols = append(cols, a.selCol, a.pathCol)
	}
	return append(cols, "all_reports_zip_path", "message", "run_id", "attempts", "exhausted", "delivered_by")
}()

func reportWriteArgs(r *model.Report, statusID int) []any {
	args := append([]any{statusID}, reportArgs(r)...)
	return append(args,
		nullable(r.ArchiveLocator), nullable(r.Message), nullable(r.RunID),
		r.Attempts, r.Exhausted, nullable(r.DeliveredBy),
	)
}

// placeholder renders the i-th (1-based) bind parameter of a driver.
type placeholder func(i int) string

func dollar(i int) string { return "$" + strconv.Itoa(i) }

func question(int) string { return "?" }

// params renders n placeholders starting at start: "$1, $2, $3".
func params(n, start int, ph placeholder) string {
	out := make([]string, n)
	for i := range out {
		out[i] = ph(start + i)
	}
	return strings.Join(out, ", ")
}

// assignments renders "a = $1, b = $2" starting at start.
func assignments(cols []string, start int, ph placeholder) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c + " = " + ph(start+i)
	}
	return strings.Join(out, ", ")
}

// prepareReport fills defaults on a new report and checks the archive rule.
func prepareReport(r *model.Report) error {
	if r.RequestID <= 0 || r.ContractID <= 0 {
		return eris.Wrap(model.ErrInvalid, "store: report needs request and contract")
	}
	if r.Status == "" {
		r.Status = model.ReportStatusPending
	}
	if r.Artifacts == nil {
		r.Artifacts = model.NewArtifacts()
	}
	return r.CheckArchiveInvariant()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// vocabCache loads the status lookup table once per store.
type vocabCache struct {
	mu sync.Mutex
	v  *model.StatusVocabulary
}

func (c *vocabCache) get(ctx context.Context, load func(context.Context) ([]model.StatusEntry, error)) (*model.StatusVocabulary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.v != nil {
		return c.v, nil
	}
	entries, err := load(ctx)
	if err != nil {
		return nil, err
	}
	v, err := model.NewStatusVocabulary(entries)
	if err != nil {
		return nil, eris.Wrap(err, "store: load status vocabulary")
	}
	c.v = v
	return v, nil
}

func (c *vocabCache) reset() {
	c.mu.Lock()
	c.v = nil
	c.mu.Unlock()
}

func accountTable(kind model.AccountKind) (string, error) {
	switch kind {
	case model.AccountKindAds:
		return "ads_accounts", nil
	case model.AccountKindStats:
		return "stats_accounts", nil
	default:
		return "", eris.Wrapf(model.ErrInvalid, "store: unknown account kind %q", kind)
	}
}

func normalizeKeyphrases(ks []model.Keyphrase) []model.Keyphrase {
	out := make([]model.Keyphrase, 0, len(ks))
	for _, k := range ks {
		k.Phrase = model.NormalizePhrase(k.Phrase)
		if k.Phrase == "" {
			continue
		}
		if k.Regions == nil {
			k.Regions = []int64{}
		}
		if k.Devices == nil {
			k.Devices = []string{}
		}
		out = append(out, k)
	}
	return out
}

func normalizePhrases(phrases []string) []string {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if n := model.NormalizePhrase(p); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// notFound maps a no-rows error of either driver to ErrNotFound and wraps
// everything else.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, format, args...)
	}
	return eris.Wrapf(err, format, args...)
}
