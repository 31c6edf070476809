package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE attempts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = WithTx(context.Background(), sqlDB, func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE attempts SET status='submitted'")
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM responses").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO responses").WillReturnError(boom)
	mock.ExpectRollback()

	err = WithTx(context.Background(), sqlDB, func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM responses WHERE attempt_id='a'"); err != nil {
			return err
		}
		_, err := tx.Exec("INSERT INTO responses VALUES (1)")
		return err
	})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollsBackOnPanic(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = WithTx(context.Background(), sqlDB, func(tx *sql.Tx) error {
			panic("kaboom")
		})
	})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_CommitFailureSurfaces(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("disk full"))

	err = WithTx(context.Background(), sqlDB, func(tx *sql.Tx) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit")
}

func TestOpen_SQLiteSchemaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "exams.db")

	first, err := Open(ctx, DriverSQLite, dsn)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	again, err := Open(ctx, DriverSQLite, dsn)
	require.NoError(t, err)
	defer again.Close()

	var n int
	require.NoError(t, again.QueryRow(`SELECT count(*) FROM attempts`).Scan(&n))
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, again.Stats().MaxOpenConnections)
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Driver("mysql"), "")
	assert.Error(t, err)
}

func TestNullUnixRoundTrip(t *testing.T) {
	assert.False(t, NullUnix(nil).Valid)
	assert.Nil(t, FromNullUnix(sql.NullInt64{}))

	ts := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	got := FromNullUnix(NullUnix(&ts))
	require.NotNil(t, got)
	assert.True(t, ts.Equal(*got))
}
