// AngelaMos | 2026
// database_test.go

package core

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDatabase(t *testing.T) (*Database, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return &Database{DB: sqlx.NewDb(db, "pgx")}, mock
}

func TestMigrateAppliesFilesInLexicalOrder(t *testing.T) {
	d, mock := newMockDatabase(t)
	migrations := fstest.MapFS{
		"010_add_index.sql":    {Data: []byte("CREATE INDEX IF NOT EXISTS users_email ON users (email)")},
		"001_create_users.sql": {Data: []byte("CREATE TABLE IF NOT EXISTS users (id TEXT)")},
		"002_add_column.sql":   {Data: []byte("ALTER TABLE users ADD COLUMN IF NOT EXISTS email TEXT")},
		"README.md":            {Data: []byte("not a migration")},
	}

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS users")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE users ADD COLUMN")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS users_email")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, d.Migrate(context.Background(), migrations))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateStopsAtFirstFailure(t *testing.T) {
	d, mock := newMockDatabase(t)
	migrations := fstest.MapFS{
		"001_ok.sql":     {Data: []byte("SELECT 1")},
		"002_broken.sql": {Data: []byte("CREATE TABLE broken (")},
		"003_never.sql":  {Data: []byte("SELECT 3")},
	}

	mock.ExpectExec(regexp.QuoteMeta("SELECT 1")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE broken")).
		WillReturnError(errors.New("syntax error at end of input"))

	err := d.Migrate(context.Background(), migrations)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "002_broken.sql")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJitteredDuration(t *testing.T) {
	assert.Equal(t, time.Duration(0), jitteredDuration(0))

	base := 7 * time.Minute
	for range 50 {
		got := jitteredDuration(base)
		assert.GreaterOrEqual(t, got, base)
		assert.LessOrEqual(t, got, base+base/7)
	}
}
