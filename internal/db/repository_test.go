package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/bifrost-platform/bifrost/internal/model"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{
		Conn:       sqlDB,
		DriverName: "postgres",
	}), &gorm.Config{})
	require.NoError(t, err)

	return &DB{gorm: gormDB}, mock
}

func TestCreateExecution(t *testing.T) {
	d, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "executions"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	exec := &model.Execution{ID: uuid.New(), WorkflowName: "send_email", Status: model.StatusRunning}
	require.NoError(t, d.CreateExecution(context.Background(), exec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateExecutionTerminal(t *testing.T) {
	d, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "executions" SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	exec := &model.Execution{ID: uuid.New(), Status: model.StatusSuccess, DurationMs: 120}
	require.NoError(t, d.UpdateExecutionTerminal(context.Background(), exec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendLogs_EmptyIsNoop(t *testing.T) {
	d, mock := newMockDB(t)
	require.NoError(t, d.AppendLogs(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendLogs_Inserts(t *testing.T) {
	d, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "execution_logs"`).WillReturnResult(sqlmock.NewResult(1, 2))
	mock.ExpectCommit()

	entries := []model.LogEntry{
		{ExecutionID: uuid.New(), Sequence: 0, Message: "starting"},
		{ExecutionID: uuid.New(), Sequence: 1, Message: "done"},
	}
	require.NoError(t, d.AppendLogs(context.Background(), entries))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDailyROI(t *testing.T) {
	d, mock := newMockDB(t)

	mock.ExpectExec(`INSERT INTO daily_workflow_roi`).WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.RecordDailyROI(context.Background(), uuid.New(), time.Now(), 5.0, 12.5)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStuckExecutions(t *testing.T) {
	d, mock := newMockDB(t)

	id := uuid.New()
	rows := sqlmock.NewRows([]string{"id", "status"}).AddRow(id.String(), "running")
	mock.ExpectQuery(`SELECT \* FROM "executions"`).WillReturnRows(rows)

	execs, err := d.StuckExecutions(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, model.StatusRunning, execs[0].Status)
}
