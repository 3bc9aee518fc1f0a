package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/adreport-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func expectVocabulary(mock pgxmock.PgxPoolIface) {
	rows := pgxmock.NewRows([]string{"id", "code", "name"})
	for _, e := range model.KnownStatuses {
		rows.AddRow(e.ID, string(e.Status), e.Name)
	}
	mock.ExpectQuery(`SELECT id, code, name FROM report_statuses`).WillReturnRows(rows)
}

func reportRows(mock pgxmock.PgxPoolIface, id int64, statusID int, version int64) *pgxmock.Rows {
	cols := []string{"id", "request_id", "contract_id", "status_id"}
	vals := []any{id, int64(10), int64(20), statusID}
	for _, a := range artifactColumns {
		cols = append(cols, a.selCol, a.pathCol)
		vals = append(vals, a.kind == model.ArtifactAct, "")
	}
	cols = append(cols, "all_reports_zip_path", "message", "run_id", "attempts", "exhausted",
		"version", "delivered_by", "is_deleted", "created_at", "updated_at")
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	vals = append(vals, "", "", "", 0, false, version, "", false, ts, ts)
	return mock.NewRows(cols).AddRow(vals...)
}

func TestPostgresStore_GetReport(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	expectVocabulary(mock)
	mock.ExpectQuery(`(?s)SELECT id, request_id, contract_id, status_id, .* FROM reports WHERE id = \$1 AND is_deleted = FALSE`).
		WithArgs(int64(5)).
		WillReturnRows(reportRows(mock, 5, 2, 3))

	r, err := s.GetReport(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusGenerating, r.Status)
	assert.Equal(t, int64(3), r.Version)
	assert.Equal(t, []model.ArtifactKind{model.ArtifactAct}, r.Artifacts.Selected())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetReport_IncludeDeleted(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	expectVocabulary(mock)
	mock.ExpectQuery(`FROM reports WHERE id = \$1 AND TRUE`).
		WithArgs(int64(5)).
		WillReturnRows(reportRows(mock, 5, 1, 0))

	_, err := s.GetReport(context.Background(), 5, IncludeDeleted())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetReport_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	expectVocabulary(mock)
	mock.ExpectQuery(`FROM reports WHERE id = \$1`).
		WithArgs(int64(404)).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetReport(context.Background(), 404)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetReport_UnknownStatusID(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	expectVocabulary(mock)
	mock.ExpectQuery(`FROM reports WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnRows(reportRows(mock, 5, 99, 0))

	_, err := s.GetReport(context.Background(), 5)
	assert.ErrorIs(t, err, model.ErrUnknownStatus)
}

func TestPostgresStore_VocabularyCached(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	expectVocabulary(mock)
	for range 2 {
		mock.ExpectQuery(`FROM reports WHERE id = \$1`).
			WithArgs(int64(5)).
			WillReturnRows(reportRows(mock, 5, 1, 0))
	}

	for range 2 {
		_, err := s.GetReport(context.Background(), 5)
		require.NoError(t, err)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateReport_CAS(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	expectVocabulary(mock)
	mock.ExpectQuery(`(?s)UPDATE reports SET status_id = \$1, .*version = version \+ 1.*WHERE id = \$23 AND version = \$24 AND is_deleted = FALSE RETURNING version`).
		WillReturnRows(mock.NewRows([]string{"version"}).AddRow(int64(4)))

	r := &model.Report{ID: 5, Status: model.ReportStatusGenerating, Version: 3, Artifacts: model.Selection{model.ArtifactAct}.Apply()}
	require.NoError(t, s.UpdateReport(context.Background(), r))
	assert.Equal(t, int64(4), r.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateReport_LostRace(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	expectVocabulary(mock)
	mock.ExpectQuery(`UPDATE reports SET`).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(int64(5)).
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(true))

	r := &model.Report{ID: 5, Status: model.ReportStatusGenerating, Version: 3, Artifacts: model.NewArtifacts()}
	err := s.UpdateReport(context.Background(), r)
	assert.ErrorIs(t, err, ErrConcurrentModification)
	assert.Equal(t, int64(3), r.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateReport_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	expectVocabulary(mock)
	mock.ExpectQuery(`UPDATE reports SET`).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(int64(5)).
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(false))

	r := &model.Report{ID: 5, Status: model.ReportStatusFailed, Artifacts: model.NewArtifacts()}
	err := s.UpdateReport(context.Background(), r)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_UpdateReport_ArchiveInvariant(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	r := &model.Report{ID: 5, Status: model.ReportStatusFailed, ArchiveLocator: "x.zip", Artifacts: model.NewArtifacts()}
	err := s.UpdateReport(context.Background(), r)
	assert.ErrorIs(t, err, model.ErrInvalid)
	assert.NoError(t, mock.ExpectationsWereMet(), "no query is issued")
}

func TestPostgresStore_CreateReport_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	expectVocabulary(mock)
	mock.ExpectQuery(`(?s)INSERT INTO reports \(request_id, contract_id, status_id, .*\) VALUES \(\$1, .*\) RETURNING id`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})

	err := s.CreateReport(context.Background(), &model.Report{RequestID: 10, ContractID: 20})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListReports_Filter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	expectVocabulary(mock)
	no := false
	mock.ExpectQuery(`FROM reports WHERE is_deleted = FALSE AND status_id = ANY\(\$1\) AND exhausted = \$2 ORDER BY id LIMIT \$3`).
		WithArgs([]int32{4}, false, 10).
		WillReturnRows(reportRows(mock, 7, 4, 2))

	got, err := s.ListReports(context.Background(), ReportFilter{
		Statuses:  []model.ReportStatus{model.ReportStatusFailed},
		Exhausted: &no,
		Limit:     10,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.ReportStatusFailed, got[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertKeyphrase(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ts := time.Now().UTC()
	mock.ExpectQuery(`(?s)INSERT INTO keyphrases .*ON CONFLICT \(phrase\) WHERE is_deleted = FALSE DO UPDATE SET`).
		WithArgs("москва квартиры", []int64{77, 78}, []string{}, int64(150), pgxmock.AnyArg()).
		WillReturnRows(mock.NewRows([]string{"id", "phrase", "regions", "devices", "count", "is_deleted", "created_at", "updated_at"}).
			AddRow(int64(1), "москва квартиры", []int64{77, 78}, []string{}, int64(150), false, ts, ts))

	k, err := s.UpsertKeyphrase(context.Background(), model.Keyphrase{
		Phrase: " москва  квартиры", Regions: []int64{77, 78}, Count: 150,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(150), k.Count)
	assert.Equal(t, []int64{77, 78}, k.Regions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertKeyphraseRepeatKeepsRow(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ts := time.Now().UTC()
	cols := []string{"id", "phrase", "regions", "devices", "count", "is_deleted", "created_at", "updated_at"}
	for _, count := range []int64{100, 250} {
		mock.ExpectQuery(`(?s)INSERT INTO keyphrases .*ON CONFLICT \(phrase\) WHERE is_deleted = FALSE DO UPDATE SET`).
			WithArgs("окна пвх", []int64{}, []string{}, count, pgxmock.AnyArg()).
			WillReturnRows(mock.NewRows(cols).AddRow(int64(7), "окна пвх", []int64{}, []string{}, count, false, ts, ts))
	}

	first, err := s.UpsertKeyphrase(context.Background(), model.Keyphrase{Phrase: "окна пвх", Count: 100})
	require.NoError(t, err)
	second, err := s.UpsertKeyphrase(context.Background(), model.Keyphrase{Phrase: "окна  пвх", Count: 250})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(250), second.Count)
	assert.False(t, second.IsDeleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertKeyphrases_Batch(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_keyphrases" \(LIKE "keyphrases" INCLUDING DEFAULTS\) ON COMMIT DROP`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_keyphrases"},
		[]string{"phrase", "regions", "devices", "count", "created_at", "updated_at"}).
		WillReturnResult(2)
	mock.ExpectExec(`(?s)INSERT INTO "keyphrases" .* ON CONFLICT \("phrase"\) WHERE is_deleted = FALSE DO UPDATE SET "regions" = EXCLUDED."regions"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.UpsertKeyphrases(context.Background(), []model.Keyphrase{
		{Phrase: "окна пвх", Count: 5},
		{Phrase: "двери", Count: 7},
		{Phrase: "окна  пвх", Count: 9},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SoftDeleteKeyphrase(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`UPDATE keyphrases SET is_deleted = TRUE, updated_at = \$1 WHERE phrase = \$2 AND is_deleted = FALSE`).
		WithArgs(pgxmock.AnyArg(), "купить диван").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	n, err := s.SoftDeleteKeyphrase(context.Background(), "купить   диван")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetKeyphrases(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ts := time.Now().UTC()
	mock.ExpectQuery(`FROM keyphrases\s+WHERE phrase = ANY\(\$1\) AND is_deleted = FALSE`).
		WithArgs([]string{"двери"}).
		WillReturnRows(mock.NewRows([]string{"id", "phrase", "regions", "devices", "count", "is_deleted", "created_at", "updated_at"}).
			AddRow(int64(3), "двери", []int64{}, []string{"desktop"}, int64(7), false, ts, ts))

	got, err := s.GetKeyphrases(context.Background(), []string{"двери"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"desktop"}, got[0].Devices)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RotateToken_SetsUpdateEntry(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`UPDATE stats_accounts SET token = \$1, update_entry = \$2 WHERE id = \$3 AND is_deleted = FALSE`).
		WithArgs("new-token", pgxmock.AnyArg(), int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.RotateToken(context.Background(), model.AccountKindStats, 3, "new-token"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveAccount_UpdateMissing(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`UPDATE ads_accounts SET login = \$1`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	a := &model.ExternalAccount{ID: 9, Kind: model.AccountKindAds, Token: "t"}
	err := s.SaveAccount(context.Background(), a)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, a.UpdateEntry.IsZero())
}

func TestPostgresStore_GetContractDetail_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectQuery(`FROM contracts c\s+JOIN organizations cu ON cu.id = c.customer_id`).
		WithArgs(int64(1)).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetContractDetail(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SoftDeleteReportBumpsVersion(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`UPDATE reports SET is_deleted = TRUE, version = version \+ 1`).
		WithArgs(int64(5), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.SoftDelete(context.Background(), EntityReport, 5))
	assert.NoError(t, mock.ExpectationsWereMet())
}
