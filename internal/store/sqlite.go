package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/adreport-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db    *sql.DB
	vocab vocabCache
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// A single connection keeps per-connection pragmas in force and serializes
// writers, which the compare-and-swap update relies on.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS report_statuses (
	id   INTEGER PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS organizations (
	id                               INTEGER PRIMARY KEY AUTOINCREMENT,
	role                             TEXT NOT NULL CHECK (role IN ('customer', 'contractor')),
	full_name                        TEXT NOT NULL,
	short_name                       TEXT NOT NULL DEFAULT '',
	full_name_genitive               TEXT NOT NULL DEFAULT '',
	full_name_dative                 TEXT NOT NULL DEFAULT '',
	representative_name              TEXT NOT NULL DEFAULT '',
	representative_name_genitive     TEXT NOT NULL DEFAULT '',
	representative_position          TEXT NOT NULL DEFAULT '',
	representative_position_genitive TEXT NOT NULL DEFAULT '',
	tax_id                           TEXT NOT NULL DEFAULT '',
	registration_id                  TEXT NOT NULL DEFAULT '',
	address                          TEXT NOT NULL DEFAULT '',
	is_deleted                       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at                       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS contracts (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	number              TEXT NOT NULL DEFAULT '',
	customer_id         INTEGER NOT NULL REFERENCES organizations(id),
	contractor_id       INTEGER NOT NULL REFERENCES organizations(id),
	created_by          TEXT NOT NULL DEFAULT '',
	subject             TEXT NOT NULL DEFAULT '',
	goals               TEXT NOT NULL DEFAULT '',
	tasks               TEXT NOT NULL DEFAULT '',
	target_clicks       INTEGER NOT NULL DEFAULT 0 CHECK (target_clicks >= 0),
	max_bounce_rate_pct REAL NOT NULL DEFAULT 0 CHECK (max_bounce_rate_pct BETWEEN 0 AND 100),
	ads_client_login    TEXT NOT NULL DEFAULT '',
	signed_at           DATETIME,
	is_deleted          BOOLEAN NOT NULL DEFAULT FALSE,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	CHECK (customer_id <> contractor_id)
);

CREATE TABLE IF NOT EXISTS terms (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	contract_id INTEGER NOT NULL REFERENCES contracts(id),
	term        TEXT NOT NULL,
	definition  TEXT NOT NULL DEFAULT '',
	is_deleted  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS requests (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	contract_id            INTEGER NOT NULL REFERENCES contracts(id),
	start_date             DATETIME NOT NULL,
	end_date               DATETIME NOT NULL,
	campaign_snapshot      TEXT NOT NULL DEFAULT '[]',
	deleted_groups         TEXT NOT NULL DEFAULT '{}',
	targeting              TEXT NOT NULL DEFAULT '',
	media_placement        TEXT NOT NULL DEFAULT '',
	financial_terms        TEXT NOT NULL DEFAULT '',
	financial_total_amount REAL NOT NULL DEFAULT 0,
	keyphrases             TEXT NOT NULL DEFAULT '[]',
	is_deleted             BOOLEAN NOT NULL DEFAULT FALSE,
	created_at             DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS reports (
	id                             INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id                     INTEGER NOT NULL REFERENCES requests(id),
	contract_id                    INTEGER NOT NULL REFERENCES contracts(id),
	status_id                      INTEGER NOT NULL DEFAULT 1 REFERENCES report_statuses(id),
	select_content_report          BOOLEAN NOT NULL DEFAULT FALSE,
	content_report_path            TEXT,
	select_screenshots_ads         BOOLEAN NOT NULL DEFAULT FALSE,
	screenshots_ads_path           TEXT,
	select_machine_media_statement BOOLEAN NOT NULL DEFAULT FALSE,
	media_statement_path           TEXT,
	select_presentation_keys       BOOLEAN NOT NULL DEFAULT FALSE,
	presentation_keys_path         TEXT,
	select_media_plan              BOOLEAN NOT NULL DEFAULT FALSE,
	media_plan_path                TEXT,
	select_cover_letter            BOOLEAN NOT NULL DEFAULT FALSE,
	cover_letter_path              TEXT,
	select_act                     BOOLEAN NOT NULL DEFAULT FALSE,
	act_path                       TEXT,
	all_reports_zip_path           TEXT,
	message                        TEXT,
	run_id                         TEXT,
	attempts                       INTEGER NOT NULL DEFAULT 0,
	exhausted                      BOOLEAN NOT NULL DEFAULT FALSE,
	version                        INTEGER NOT NULL DEFAULT 0,
	delivered_by                   TEXT,
	is_deleted                     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at                     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at                     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_reports_live_request ON reports(request_id) WHERE is_deleted = FALSE;
CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status_id);

CREATE TABLE IF NOT EXISTS ads_accounts (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	login         TEXT NOT NULL DEFAULT '',
	token         TEXT NOT NULL,
	client_id     TEXT NOT NULL DEFAULT '',
	client_secret TEXT NOT NULL DEFAULT '',
	comment       TEXT NOT NULL DEFAULT '',
	is_deleted    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	update_entry  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS stats_accounts (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	login         TEXT NOT NULL DEFAULT '',
	token         TEXT NOT NULL,
	client_id     TEXT NOT NULL DEFAULT '',
	client_secret TEXT NOT NULL DEFAULT '',
	comment       TEXT NOT NULL DEFAULT '',
	is_deleted    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	update_entry  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS keyphrases (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	phrase     TEXT NOT NULL,
	regions    TEXT NOT NULL DEFAULT '[]',
	devices    TEXT NOT NULL DEFAULT '[]',
	count      INTEGER NOT NULL DEFAULT 0,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_keyphrases_live_phrase ON keyphrases(phrase) WHERE is_deleted = FALSE;
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	for _, e := range model.KnownStatuses {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO report_statuses (id, code, name) VALUES (?, ?, ?)`,
			e.ID, string(e.Status), e.Name,
		); err != nil {
			return eris.Wrapf(err, "sqlite: seed status %s", e.Status)
		}
	}
	s.vocab.reset()
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Organizations, contracts, terms ---

func (s *SQLiteStore) CreateOrganization(ctx context.Context, o *model.Organization) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (role, full_name, short_name, full_name_genitive, full_name_dative,
			representative_name, representative_name_genitive, representative_position,
			representative_position_genitive, tax_id, registration_id, address, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		orgArgs(o)...,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert organization")
	}
	o.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: organization id")
}

func (s *SQLiteStore) GetOrganization(ctx context.Context, id int64, opts ...ReadOption) (*model.Organization, error) {
	var o model.Organization
	err := s.db.QueryRowContext(ctx,
		`SELECT `+orgCols("")+` FROM organizations WHERE id = ? AND `+liveOnly("is_deleted", opts),
		id,
	).Scan(orgDest(&o)...)
	if err != nil {
		return nil, notFound(err, "sqlite: get organization %d", id)
	}
	return &o, nil
}

func (s *SQLiteStore) CreateContract(ctx context.Context, c *model.Contract) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO contracts (number, customer_id, contractor_id, created_by, subject, goals, tasks,
			target_clicks, max_bounce_rate_pct, ads_client_login, signed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		contractArgs(c)...,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert contract")
	}
	c.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: contract id")
}

func (s *SQLiteStore) GetContractDetail(ctx context.Context, id int64, opts ...ReadOption) (*model.ContractDetail, error) {
	var d model.ContractDetail
	var signed sql.NullTime
	dest := contractDest(&d.Contract, &signed)
	dest = append(dest, orgDest(&d.Customer)...)
	dest = append(dest, orgDest(&d.Contractor)...)

	err := s.db.QueryRowContext(ctx,
		`SELECT `+contractCols("c")+`, `+orgCols("cu")+`, `+orgCols("co")+`
		FROM contracts c
		JOIN organizations cu ON cu.id = c.customer_id
		JOIN organizations co ON co.id = c.contractor_id
		WHERE c.id = ? AND `+liveOnly("c.is_deleted", opts),
		id,
	).Scan(dest...)
	if err != nil {
		return nil, notFound(err, "sqlite: get contract %d", id)
	}
	d.SignedAt = signed.Time
	return &d, nil
}

func (s *SQLiteStore) CreateTerm(ctx context.Context, t *model.Term) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO terms (contract_id, term, definition, created_at) VALUES (?, ?, ?, ?)`,
		t.ContractID, t.Term, t.Definition, t.CreatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert term")
	}
	t.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: term id")
}

func (s *SQLiteStore) ListTerms(ctx context.Context, contractID int64, opts ...ReadOption) ([]model.Term, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+termCols+` FROM terms WHERE contract_id = ? AND `+liveOnly("is_deleted", opts)+` ORDER BY id`,
		contractID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list terms")
	}
	defer rows.Close()

	var out []model.Term
	for rows.Next() {
		var t model.Term
		if err := rows.Scan(termDest(&t)...); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan term")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list terms iterate")
}

// --- Requests ---

func (s *SQLiteStore) CreateRequest(ctx context.Context, r *model.Request) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}
	campaigns, deleted, phrases, err := requestJSON(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (contract_id, start_date, end_date, campaign_snapshot, deleted_groups,
			targeting, media_placement, financial_terms, financial_total_amount, keyphrases, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ContractID, r.StartDate.UTC(), r.EndDate.UTC(), campaigns, deleted,
		r.Targeting, r.MediaPlacement, r.FinancialTerms, r.FinancialTotalAmount, phrases, r.CreatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert request")
	}
	r.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: request id")
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id int64, opts ...ReadOption) (*model.Request, error) {
	var rr requestRow
	err := s.db.QueryRowContext(ctx,
		`SELECT `+requestCols+` FROM requests WHERE id = ? AND `+liveOnly("is_deleted", opts),
		id,
	).Scan(rr.dest()...)
	if err != nil {
		return nil, notFound(err, "sqlite: get request %d", id)
	}
	return rr.decode()
}

func (s *SQLiteStore) UpdateRequestProjection(ctx context.Context, id int64, deleted model.DeletedGroups, total float64) error {
	enc, err := encodeDeleted(deleted)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET deleted_groups = ?, financial_total_amount = ? WHERE id = ? AND is_deleted = FALSE`,
		enc, total, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update request %d projection", id)
	}
	return checkRowsAffected(res, "request", id)
}

// --- Reports ---

func (s *SQLiteStore) statusVocab(ctx context.Context) (*model.StatusVocabulary, error) {
	return s.vocab.get(ctx, s.ReportStatuses)
}

func (s *SQLiteStore) ReportStatuses(ctx context.Context) ([]model.StatusEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, code, name FROM report_statuses ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list report statuses")
	}
	defer rows.Close()

	var out []model.StatusEntry
	for rows.Next() {
		var e model.StatusEntry
		var code string
		if err := rows.Scan(&e.ID, &code, &e.Name); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan report status")
		}
		e.Status = model.ReportStatus(code)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list report statuses iterate")
}

func (s *SQLiteStore) CreateReport(ctx context.Context, r *model.Report) error {
	if err := prepareReport(r); err != nil {
		return err
	}
	vocab, err := s.statusVocab(ctx)
	if err != nil {
		return err
	}
	statusID, err := vocab.ID(r.Status)
	if err != nil {
		return err
	}

	ts := now()
	r.CreatedAt, r.UpdatedAt, r.Version = ts, ts, 0
	cols := append([]string{"request_id", "contract_id"}, reportWriteColumns...)
	cols = append(cols, "created_at", "updated_at")
	args := append([]any{r.RequestID, r.ContractID}, reportWriteArgs(r, statusID)...)
	args = append(args, ts, ts)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO reports (%s) VALUES (%s)`, prefixed("", cols), params(len(cols), 1, question)),
		args...,
	)
	if isSQLiteUniqueViolation(err) {
		return eris.Wrapf(ErrDuplicate, "sqlite: live report already exists for request %d", r.RequestID)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: insert report")
	}
	r.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: report id")
}

func (s *SQLiteStore) GetReport(ctx context.Context, id int64, opts ...ReadOption) (*model.Report, error) {
	vocab, err := s.statusVocab(ctx)
	if err != nil {
		return nil, err
	}
	r, statusID, err := scanReport(s.db.QueryRowContext(ctx,
		`SELECT `+reportSelectList+` FROM reports WHERE id = ? AND `+liveOnly("is_deleted", opts),
		id,
	))
	if err != nil {
		return nil, notFound(err, "sqlite: get report %d", id)
	}
	if r.Status, err = vocab.Resolve(statusID); err != nil {
		return nil, eris.Wrapf(err, "sqlite: report %d", id)
	}
	return r, nil
}

func (s *SQLiteStore) UpdateReport(ctx context.Context, r *model.Report) error {
	if err := r.CheckArchiveInvariant(); err != nil {
		return err
	}
	vocab, err := s.statusVocab(ctx)
	if err != nil {
		return err
	}
	statusID, err := vocab.ID(r.Status)
	if err != nil {
		return err
	}

	ts := now()
	query := `UPDATE reports SET ` + assignments(reportWriteColumns, 1, question) +
		`, version = version + 1, updated_at = ? WHERE id = ? AND version = ? AND is_deleted = FALSE`
	args := append(reportWriteArgs(r, statusID), ts, r.ID, r.Version)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update report %d", r.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.casMiss(ctx, r.ID)
	}
	r.Version++
	r.UpdatedAt = ts
	return nil
}

func (s *SQLiteStore) casMiss(ctx context.Context, id int64) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM reports WHERE id = ? AND is_deleted = FALSE)`, id,
	).Scan(&exists)
	if err != nil {
		return eris.Wrapf(err, "sqlite: check report %d", id)
	}
	if !exists {
		return eris.Wrapf(ErrNotFound, "sqlite: report %d", id)
	}
	return eris.Wrapf(ErrConcurrentModification, "sqlite: report %d", id)
}

func (s *SQLiteStore) ListReports(ctx context.Context, filter ReportFilter) ([]model.Report, error) {
	vocab, err := s.statusVocab(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + reportSelectList + ` FROM reports WHERE is_deleted = FALSE`
	var args []any
	if len(filter.Statuses) > 0 {
		for _, st := range filter.Statuses {
			id, err := vocab.ID(st)
			if err != nil {
				return nil, err
			}
			args = append(args, id)
		}
		query += ` AND status_id IN (` + params(len(args), 1, question) + `)`
	}
	if filter.Exhausted != nil {
		query += ` AND exhausted = ?`
		args = append(args, *filter.Exhausted)
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list reports")
	}
	defer rows.Close()

	var out []model.Report
	for rows.Next() {
		r, statusID, err := scanReport(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan report")
		}
		if r.Status, err = vocab.Resolve(statusID); err != nil {
			return nil, eris.Wrapf(err, "sqlite: report %d", r.ID)
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list reports iterate")
}

// --- External accounts ---

func (s *SQLiteStore) SaveAccount(ctx context.Context, a *model.ExternalAccount) error {
	if err := a.Validate(); err != nil {
		return err
	}
	table, err := accountTable(a.Kind)
	if err != nil {
		return err
	}
	a.UpdateEntry = now()

	if a.ID == 0 {
		if a.CreatedAt.IsZero() {
			a.CreatedAt = a.UpdateEntry
		}
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO `+table+` (login, token, client_id, client_secret, comment, created_at, update_entry)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.Login, a.Token, a.ClientID, a.ClientSecret, a.Comment, a.CreatedAt, a.UpdateEntry,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert %s", table)
		}
		a.ID, err = res.LastInsertId()
		return eris.Wrapf(err, "sqlite: %s id", table)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET login = ?, token = ?, client_id = ?, client_secret = ?, comment = ?,
			update_entry = ? WHERE id = ? AND is_deleted = FALSE`,
		a.Login, a.Token, a.ClientID, a.ClientSecret, a.Comment, a.UpdateEntry, a.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update %s %d", table, a.ID)
	}
	return checkRowsAffected(res, "account", a.ID)
}

func (s *SQLiteStore) RotateToken(ctx context.Context, kind model.AccountKind, id int64, token string) error {
	table, err := accountTable(kind)
	if err != nil {
		return err
	}
	if token == "" {
		return eris.Wrap(model.ErrInvalid, "sqlite: rotate token: empty token")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET token = ?, update_entry = ? WHERE id = ? AND is_deleted = FALSE`,
		token, now(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: rotate token %s %d", table, id)
	}
	return checkRowsAffected(res, "account", id)
}

func (s *SQLiteStore) ListAccounts(ctx context.Context, kind model.AccountKind, opts ...ReadOption) ([]model.ExternalAccount, error) {
	table, err := accountTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountCols+` FROM `+table+` WHERE `+liveOnly("is_deleted", opts)+` ORDER BY id`,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list %s", table)
	}
	defer rows.Close()

	var out []model.ExternalAccount
	for rows.Next() {
		a := model.ExternalAccount{Kind: kind}
		if err := rows.Scan(accountDest(&a)...); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", table)
		}
		out = append(out, a)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: list %s iterate", table)
}

func (s *SQLiteStore) SoftDeleteAccount(ctx context.Context, kind model.AccountKind, id int64) error {
	table, err := accountTable(kind)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET is_deleted = TRUE, update_entry = ? WHERE id = ? AND is_deleted = FALSE`,
		now(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: soft delete %s %d", table, id)
	}
	return checkRowsAffected(res, "account", id)
}

// --- Keyphrases ---

const sqliteUpsertKeyphrase = `INSERT INTO keyphrases (phrase, regions, devices, count, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (phrase) WHERE is_deleted = FALSE DO UPDATE SET
		regions = excluded.regions, devices = excluded.devices,
		count = excluded.count, updated_at = excluded.updated_at`

const sqliteKeyphraseCols = "id, phrase, regions, devices, count, is_deleted, created_at, updated_at"

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) UpsertKeyphrase(ctx context.Context, k model.Keyphrase) (*model.Keyphrase, error) {
	ks := normalizeKeyphrases([]model.Keyphrase{k})
	if len(ks) == 0 {
		return nil, eris.Wrap(model.ErrInvalid, "sqlite: upsert keyphrase: empty phrase")
	}
	if err := upsertKeyphraseSQLite(ctx, s.db, ks[0]); err != nil {
		return nil, err
	}
	out, err := scanKeyphraseSQLite(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteKeyphraseCols+` FROM keyphrases WHERE phrase = ? AND is_deleted = FALSE`,
		ks[0].Phrase,
	))
	if err != nil {
		return nil, notFound(err, "sqlite: read keyphrase %q", ks[0].Phrase)
	}
	return out, nil
}

func upsertKeyphraseSQLite(ctx context.Context, db execer, k model.Keyphrase) error {
	regions, err := json.Marshal(k.Regions)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode regions")
	}
	devices, err := json.Marshal(k.Devices)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode devices")
	}
	ts := now()
	_, err = db.ExecContext(ctx, sqliteUpsertKeyphrase, k.Phrase, string(regions), string(devices), k.Count, ts, ts)
	return eris.Wrapf(err, "sqlite: upsert keyphrase %q", k.Phrase)
}

// UpsertKeyphrases applies the single-row upsert for every phrase in one
// transaction. Later duplicates in the batch overwrite earlier ones.
func (s *SQLiteStore) UpsertKeyphrases(ctx context.Context, ks []model.Keyphrase) (int64, error) {
	ks = normalizeKeyphrases(ks)
	if len(ks) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert keyphrases: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	seen := make(map[string]bool, len(ks))
	for _, k := range ks {
		if err := upsertKeyphraseSQLite(ctx, tx, k); err != nil {
			return 0, err
		}
		seen[k.Phrase] = true
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert keyphrases: commit")
	}
	return int64(len(seen)), nil
}

func (s *SQLiteStore) SoftDeleteKeyphrase(ctx context.Context, phrase string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE keyphrases SET is_deleted = TRUE, updated_at = ? WHERE phrase = ? AND is_deleted = FALSE`,
		now(), model.NormalizePhrase(phrase),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: soft delete keyphrase %q", phrase)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) GetKeyphrases(ctx context.Context, phrases []string, opts ...ReadOption) ([]model.Keyphrase, error) {
	phrases = normalizePhrases(phrases)
	if len(phrases) == 0 {
		return nil, nil
	}
	args := make([]any, len(phrases))
	for i, p := range phrases {
		args[i] = p
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteKeyphraseCols+` FROM keyphrases
		WHERE phrase IN (`+params(len(args), 1, question)+`) AND `+liveOnly("is_deleted", opts)+` ORDER BY phrase, id`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get keyphrases")
	}
	defer rows.Close()

	var out []model.Keyphrase
	for rows.Next() {
		k, err := scanKeyphraseSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan keyphrase")
		}
		out = append(out, *k)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get keyphrases iterate")
}

func scanKeyphraseSQLite(row scannable) (*model.Keyphrase, error) {
	var k model.Keyphrase
	var regions, devices []byte
	if err := row.Scan(&k.ID, &k.Phrase, &regions, &devices, &k.Count, &k.IsDeleted, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return nil, err
	}
	k.Regions, k.Devices = []int64{}, []string{}
	if err := decodeJSON(regions, &k.Regions); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode regions")
	}
	if err := decodeJSON(devices, &k.Devices); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode devices")
	}
	return &k, nil
}

// --- Soft delete ---

func (s *SQLiteStore) SoftDelete(ctx context.Context, entity Entity, id int64) error {
	if !entity.valid() {
		return eris.Wrapf(model.ErrInvalid, "sqlite: unknown entity %q", entity)
	}
	query := `UPDATE ` + string(entity) + ` SET is_deleted = TRUE WHERE id = ? AND is_deleted = FALSE`
	args := []any{id}
	if entity == EntityReport {
		query = `UPDATE reports SET is_deleted = TRUE, version = version + 1, updated_at = ?
			WHERE id = ? AND is_deleted = FALSE`
		args = []any{now(), id}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: soft delete %s %d", entity, id)
	}
	return checkRowsAffected(res, string(entity), id)
}

// checkRowsAffected verifies that an UPDATE affected at least one row.
func checkRowsAffected(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %d", entity, id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %d", entity, id)
	}
	return nil
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
