package db

import (
	"context"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func keyphraseUpsert() UpsertConfig {
	return UpsertConfig{
		Table:         "keyphrases",
		Columns:       []string{"phrase", "regions", "devices", "count"},
		ConflictKeys:  []string{"phrase"},
		ConflictWhere: "is_deleted = false",
		SetExprs:      []string{"updated_at = now()"},
	}
}

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, keyphraseUpsert(), nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_Validation(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{Table: "t", ConflictKeys: []string{"id"}}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")

	_, err = BulkUpsert(context.Background(), nil, UpsertConfig{Table: "t", Columns: []string{"id"}}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")

	_, err = BulkUpsert(context.Background(), nil, UpsertConfig{
		Table: "t", Columns: []string{"id"}, ConflictKeys: []string{"code"},
	}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `conflict key "code"`)
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := keyphraseUpsert()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TEMP TABLE "_tmp_upsert_keyphrases" (LIKE "keyphrases" INCLUDING DEFAULTS) ON COMMIT DROP`)).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_keyphrases"}, cfg.Columns).WillReturnResult(2)
	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT ("phrase") WHERE is_deleted = false DO UPDATE SET "regions" = EXCLUDED."regions", "devices" = EXCLUDED."devices", "count" = EXCLUDED."count", updated_at = now()`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, cfg, [][]any{
		{"москва квартиры", []int64{77}, []string{"all"}, int64(100)},
		{"спб квартиры", []int64{78}, []string{"all"}, int64(40)},
		{"москва квартиры", []int64{77, 78}, []string{"all"}, int64(150)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_InsertErrorRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_keyphrases"}, keyphraseUpsert().Columns).WillReturnResult(1)
	mock.ExpectExec("INSERT INTO").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, keyphraseUpsert(), [][]any{{"a", []int64{}, []string{}, int64(1)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INSERT ON CONFLICT for keyphrases")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDedupeLast(t *testing.T) {
	rows, err := dedupeLast([]string{"phrase", "count"}, []string{"phrase"}, [][]any{
		{"a", 1}, {"b", 2}, {"a", 3},
	})
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"a", 3}, {"b", 2}}, rows)

	_, err = dedupeLast([]string{"phrase", "count"}, []string{"phrase"}, [][]any{{"a"}})
	assert.Error(t, err)
}

func TestSanitizeTable(t *testing.T) {
	assert.Equal(t, `"reports"`, sanitizeTable("reports"))
	assert.Equal(t, `"public"."reports"`, sanitizeTable("public.reports"))
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "phrase"`, quoteAndJoin([]string{"id", "phrase"}))
}
