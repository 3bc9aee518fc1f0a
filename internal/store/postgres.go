package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/adreport-cli/internal/db"
	"github.com/sells-group/adreport-cli/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore implements Store using a pgx pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	vocab   vocabCache
}

// NewPostgres connects to Postgres and returns a store backed by the pool.
func NewPostgres(ctx context.Context, connString string, opts db.PoolOptions) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, opts)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying pool for callers that need direct queries.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Migrate applies pending migrations and seeds the status vocabulary.
// Existing vocabulary rows are left as deployed.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := db.Migrate(ctx, s.pool, migrationFS, "migrations"); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	for _, e := range model.KnownStatuses {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO report_statuses (id, code, name) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			e.ID, string(e.Status), e.Name,
		); err != nil {
			return eris.Wrapf(err, "postgres: seed status %s", e.Status)
		}
	}
	s.vocab.reset()
	return nil
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Organizations, contracts, terms ---

func (s *PostgresStore) CreateOrganization(ctx context.Context, o *model.Organization) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO organizations (role, full_name, short_name, full_name_genitive, full_name_dative,
			representative_name, representative_name_genitive, representative_position,
			representative_position_genitive, tax_id, registration_id, address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING id`,
		orgArgs(o)...,
	).Scan(&o.ID)
	return eris.Wrap(err, "postgres: insert organization")
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id int64, opts ...ReadOption) (*model.Organization, error) {
	var o model.Organization
	err := s.pool.QueryRow(ctx,
		`SELECT `+orgCols("")+` FROM organizations WHERE id = $1 AND `+liveOnly("is_deleted", opts),
		id,
	).Scan(orgDest(&o)...)
	if err != nil {
		return nil, notFound(err, "postgres: get organization %d", id)
	}
	return &o, nil
}

func (s *PostgresStore) CreateContract(ctx context.Context, c *model.Contract) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO contracts (number, customer_id, contractor_id, created_by, subject, goals, tasks,
			target_clicks, max_bounce_rate_pct, ads_client_login, signed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		contractArgs(c)...,
	).Scan(&c.ID)
	return eris.Wrap(err, "postgres: insert contract")
}

func (s *PostgresStore) GetContractDetail(ctx context.Context, id int64, opts ...ReadOption) (*model.ContractDetail, error) {
	var d model.ContractDetail
	var signed sql.NullTime
	dest := contractDest(&d.Contract, &signed)
	dest = append(dest, orgDest(&d.Customer)...)
	dest = append(dest, orgDest(&d.Contractor)...)

	err := s.pool.QueryRow(ctx,
		`SELECT `+contractCols("c")+`, `+orgCols("cu")+`, `+orgCols("co")+`
		FROM contracts c
		JOIN organizations cu ON cu.id = c.customer_id
		JOIN organizations co ON co.id = c.contractor_id
		WHERE c.id = $1 AND `+liveOnly("c.is_deleted", opts),
		id,
	).Scan(dest...)
	if err != nil {
		return nil, notFound(err, "postgres: get contract %d", id)
	}
	d.SignedAt = signed.Time
	return &d, nil
}

func (s *PostgresStore) CreateTerm(ctx context.Context, t *model.Term) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO terms (contract_id, term, definition, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		t.ContractID, t.Term, t.Definition, t.CreatedAt,
	).Scan(&t.ID)
	return eris.Wrap(err, "postgres: insert term")
}

func (s *PostgresStore) ListTerms(ctx context.Context, contractID int64, opts ...ReadOption) ([]model.Term, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+termCols+` FROM terms WHERE contract_id = $1 AND `+liveOnly("is_deleted", opts)+` ORDER BY id`,
		contractID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list terms")
	}
	defer rows.Close()

	var out []model.Term
	for rows.Next() {
		var t model.Term
		if err := rows.Scan(termDest(&t)...); err != nil {
			return nil, eris.Wrap(err, "postgres: scan term")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list terms iterate")
}

// --- Requests ---

func (s *PostgresStore) CreateRequest(ctx context.Context, r *model.Request) error {
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
	err = s.pool.QueryRow(ctx,
		`INSERT INTO requests (contract_id, start_date, end_date, campaign_snapshot, deleted_groups,
			targeting, media_placement, financial_terms, financial_total_amount, keyphrases, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		r.ContractID, r.StartDate, r.EndDate, campaigns, deleted,
		r.Targeting, r.MediaPlacement, r.FinancialTerms, r.FinancialTotalAmount, phrases, r.CreatedAt,
	).Scan(&r.ID)
	return eris.Wrap(err, "postgres: insert request")
}

func (s *PostgresStore) GetRequest(ctx context.Context, id int64, opts ...ReadOption) (*model.Request, error) {
	var rr requestRow
	err := s.pool.QueryRow(ctx,
		`SELECT `+requestCols+` FROM requests WHERE id = $1 AND `+liveOnly("is_deleted", opts),
		id,
	).Scan(rr.dest()...)
	if err != nil {
		return nil, notFound(err, "postgres: get request %d", id)
	}
	return rr.decode()
}

func (s *PostgresStore) UpdateRequestProjection(ctx context.Context, id int64, deleted model.DeletedGroups, total float64) error {
	enc, err := encodeDeleted(deleted)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE requests SET deleted_groups = $1, financial_total_amount = $2 WHERE id = $3 AND is_deleted = FALSE`,
		enc, total, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update request %d projection", id)
	}
	return checkTag(tag, "request", id)
}

// --- Reports ---

func (s *PostgresStore) statusVocab(ctx context.Context) (*model.StatusVocabulary, error) {
	return s.vocab.get(ctx, s.ReportStatuses)
}

func (s *PostgresStore) ReportStatuses(ctx context.Context) ([]model.StatusEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, code, name FROM report_statuses ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list report statuses")
	}
	defer rows.Close()

	var out []model.StatusEntry
	for rows.Next() {
		var e model.StatusEntry
		var code string
		if err := rows.Scan(&e.ID, &code, &e.Name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan report status")
		}
		e.Status = model.ReportStatus(code)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list report statuses iterate")
}

func (s *PostgresStore) CreateReport(ctx context.Context, r *model.Report) error {
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

	err = s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO reports (%s) VALUES (%s) RETURNING id`,
			prefixed("", cols), params(len(cols), 1, dollar)),
		args...,
	).Scan(&r.ID)
	if isPgUniqueViolation(err) {
		return eris.Wrapf(ErrDuplicate, "postgres: live report already exists for request %d", r.RequestID)
	}
	return eris.Wrap(err, "postgres: insert report")
}

func (s *PostgresStore) GetReport(ctx context.Context, id int64, opts ...ReadOption) (*model.Report, error) {
	vocab, err := s.statusVocab(ctx)
	if err != nil {
		return nil, err
	}
	r, statusID, err := scanReport(s.pool.QueryRow(ctx,
		`SELECT `+reportSelectList+` FROM reports WHERE id = $1 AND `+liveOnly("is_deleted", opts),
		id,
	))
	if err != nil {
		return nil, notFound(err, "postgres: get report %d", id)
	}
	if r.Status, err = vocab.Resolve(statusID); err != nil {
		return nil, eris.Wrapf(err, "postgres: report %d", id)
	}
	return r, nil
}

func (s *PostgresStore) UpdateReport(ctx context.Context, r *model.Report) error {
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

	n := len(reportWriteColumns)
	query := fmt.Sprintf(
		`UPDATE reports SET %s, version = version + 1, updated_at = $%d
		WHERE id = $%d AND version = $%d AND is_deleted = FALSE RETURNING version`,
		assignments(reportWriteColumns, 1, dollar), n+1, n+2, n+3,
	)
	ts := now()
	args := append(reportWriteArgs(r, statusID), ts, r.ID, r.Version)

	var version int64
	err = s.pool.QueryRow(ctx, query, args...).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.casMiss(ctx, r.ID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: update report %d", r.ID)
	}
	r.Version, r.UpdatedAt = version, ts
	return nil
}

// casMiss tells a lost compare-and-swap from a missing row.
func (s *PostgresStore) casMiss(ctx context.Context, id int64) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM reports WHERE id = $1 AND is_deleted = FALSE)`, id,
	).Scan(&exists)
	if err != nil {
		return eris.Wrapf(err, "postgres: check report %d", id)
	}
	if !exists {
		return eris.Wrapf(ErrNotFound, "postgres: report %d", id)
	}
	return eris.Wrapf(ErrConcurrentModification, "postgres: report %d", id)
}

func (s *PostgresStore) ListReports(ctx context.Context, filter ReportFilter) ([]model.Report, error) {
	vocab, err := s.statusVocab(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + reportSelectList + ` FROM reports WHERE is_deleted = FALSE`
	var args []any
	if len(filter.Statuses) > 0 {
		ids := make([]int32, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			id, err := vocab.ID(st)
			if err != nil {
				return nil, err
			}
			ids = append(ids, int32(id))
		}
		args = append(args, ids)
		query += fmt.Sprintf(` AND status_id = ANY($%d)`, len(args))
	}
	if filter.Exhausted != nil {
		args = append(args, *filter.Exhausted)
		query += fmt.Sprintf(` AND exhausted = $%d`, len(args))
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list reports")
	}
	defer rows.Close()

	var out []model.Report
	for rows.Next() {
		r, statusID, err := scanReport(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan report")
		}
		if r.Status, err = vocab.Resolve(statusID); err != nil {
			return nil, eris.Wrapf(err, "postgres: report %d", r.ID)
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list reports iterate")
}

// --- External accounts ---

func (s *PostgresStore) SaveAccount(ctx context.Context, a *model.ExternalAccount) error {
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
		err := s.pool.QueryRow(ctx,
			`INSERT INTO `+table+` (login, token, client_id, client_secret, comment, created_at, update_entry)
			VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			a.Login, a.Token, a.ClientID, a.ClientSecret, a.Comment, a.CreatedAt, a.UpdateEntry,
		).Scan(&a.ID)
		return eris.Wrapf(err, "postgres: insert %s", table)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+` SET login = $1, token = $2, client_id = $3, client_secret = $4, comment = $5,
			update_entry = $6 WHERE id = $7 AND is_deleted = FALSE`,
		a.Login, a.Token, a.ClientID, a.ClientSecret, a.Comment, a.UpdateEntry, a.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update %s %d", table, a.ID)
	}
	return checkTag(tag, "account", a.ID)
}

func (s *PostgresStore) RotateToken(ctx context.Context, kind model.AccountKind, id int64, token string) error {
	table, err := accountTable(kind)
	if err != nil {
		return err
	}
	if token == "" {
		return eris.Wrap(model.ErrInvalid, "postgres: rotate token: empty token")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+` SET token = $1, update_entry = $2 WHERE id = $3 AND is_deleted = FALSE`,
		token, now(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: rotate token %s %d", table, id)
	}
	return checkTag(tag, "account", id)
}

func (s *PostgresStore) ListAccounts(ctx context.Context, kind model.AccountKind, opts ...ReadOption) ([]model.ExternalAccount, error) {
	table, err := accountTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountCols+` FROM `+table+` WHERE `+liveOnly("is_deleted", opts)+` ORDER BY id`,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list %s", table)
	}
	defer rows.Close()

	var out []model.ExternalAccount
	for rows.Next() {
		a := model.ExternalAccount{Kind: kind}
		if err := rows.Scan(accountDest(&a)...); err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", table)
		}
		out = append(out, a)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: list %s iterate", table)
}

func (s *PostgresStore) SoftDeleteAccount(ctx context.Context, kind model.AccountKind, id int64) error {
	table, err := accountTable(kind)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+` SET is_deleted = TRUE, update_entry = $1 WHERE id = $2 AND is_deleted = FALSE`,
		now(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: soft delete %s %d", table, id)
	}
	return checkTag(tag, "account", id)
}

// --- Keyphrases ---

const pgKeyphraseCols = "id, phrase, regions, devices, count, is_deleted, created_at, updated_at"

func (s *PostgresStore) UpsertKeyphrase(ctx context.Context, k model.Keyphrase) (*model.Keyphrase, error) {
	ks := normalizeKeyphrases([]model.Keyphrase{k})
	if len(ks) == 0 {
		return nil, eris.Wrap(model.ErrInvalid, "postgres: upsert keyphrase: empty phrase")
	}
	k = ks[0]
	ts := now()

	var out model.Keyphrase
	err := s.pool.QueryRow(ctx,
		`INSERT INTO keyphrases (phrase, regions, devices, count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (phrase) WHERE is_deleted = FALSE DO UPDATE SET
			regions = EXCLUDED.regions, devices = EXCLUDED.devices,
			count = EXCLUDED.count, updated_at = EXCLUDED.updated_at
		RETURNING `+pgKeyphraseCols,
		k.Phrase, k.Regions, k.Devices, k.Count, ts,
	).Scan(&out.ID, &out.Phrase, &out.Regions, &out.Devices, &out.Count, &out.IsDeleted, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert keyphrase %q", k.Phrase)
	}
	return &out, nil
}

// UpsertKeyphrases writes a batch through a COPY-fed temp table. Duplicate
// phrases within the batch collapse to the last occurrence.
func (s *PostgresStore) UpsertKeyphrases(ctx context.Context, ks []model.Keyphrase) (int64, error) {
	ks = normalizeKeyphrases(ks)
	ts := now()
	rows := make([][]any, 0, len(ks))
	for _, k := range ks {
		rows = append(rows, []any{k.Phrase, k.Regions, k.Devices, k.Count, ts, ts})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:         "keyphrases",
		Columns:       []string{"phrase", "regions", "devices", "count", "created_at", "updated_at"},
		ConflictKeys:  []string{"phrase"},
		ConflictWhere: "is_deleted = FALSE",
		UpdateCols:    []string{"regions", "devices", "count", "updated_at"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert keyphrases")
}

func (s *PostgresStore) SoftDeleteKeyphrase(ctx context.Context, phrase string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE keyphrases SET is_deleted = TRUE, updated_at = $1 WHERE phrase = $2 AND is_deleted = FALSE`,
		now(), model.NormalizePhrase(phrase),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: soft delete keyphrase %q", phrase)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) GetKeyphrases(ctx context.Context, phrases []string, opts ...ReadOption) ([]model.Keyphrase, error) {
	phrases = normalizePhrases(phrases)
	if len(phrases) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgKeyphraseCols+` FROM keyphrases
		WHERE phrase = ANY($1) AND `+liveOnly("is_deleted", opts)+` ORDER BY phrase, id`,
		phrases,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get keyphrases")
	}
	defer rows.Close()

	var out []model.Keyphrase
	for rows.Next() {
		var k model.Keyphrase
		if err := rows.Scan(&k.ID, &k.Phrase, &k.Regions, &k.Devices, &k.Count, &k.IsDeleted, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan keyphrase")
		}
		out = append(out, k)
	}
	return out, eris.Wrap(rows.Err(), "postgres: get keyphrases iterate")
}

// --- Soft delete ---

func (s *PostgresStore) SoftDelete(ctx context.Context, entity Entity, id int64) error {
	if !entity.valid() {
		return eris.Wrapf(model.ErrInvalid, "postgres: unknown entity %q", entity)
	}
	query := `UPDATE ` + string(entity) + ` SET is_deleted = TRUE WHERE id = $1 AND is_deleted = FALSE`
	args := []any{id}
	if entity == EntityReport {
		query = `UPDATE reports SET is_deleted = TRUE, version = version + 1, updated_at = $2
			WHERE id = $1 AND is_deleted = FALSE`
		args = append(args, now())
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: soft delete %s %d", entity, id)
	}
	return checkTag(tag, string(entity), id)
}

func checkTag(tag pgconn.CommandTag, entity string, id int64) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: %s %d", entity, id)
	}
	return nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
