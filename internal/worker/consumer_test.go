package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/bifrost-platform/bifrost/internal/cache"
	bdb "github.com/bifrost-platform/bifrost/internal/db"
	"github.com/bifrost-platform/bifrost/internal/model"
	"github.com/bifrost-platform/bifrost/internal/pool"
	"github.com/bifrost-platform/bifrost/internal/queue/queuetest"
)

func newTestCache(t *testing.T) *cache.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.New("redis://"+mr.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newMockDB(t *testing.T) (*bdb.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{
		Conn:       sqlDB,
		DriverName: "postgres",
	}), &gorm.Config{})
	require.NoError(t, err)

	return bdb.NewWithGorm(gormDB, nil), mock
}

func newTestConsumer(t *testing.T, source *queuetest.Source) (*Consumer, *cache.Client, sqlmock.Sqlmock) {
	t.Helper()
	cacheClient := newTestCache(t)
	db, mock := newMockDB(t)
	runner := pool.NewSubprocessRunner("/bin/sh", "")
	p := pool.New(runner, 4, nil)

	cfg := DefaultConfig()
	cfg.QueueName = "test-queue"

	consumer, err := NewConsumer(cfg, Dependencies{
		Source: source,
		Cache:  cacheClient,
		DB:     db,
		Pool:   p,
	})
	require.NoError(t, err)
	return consumer, cacheClient, mock
}

func inlineScript(script string) string {
	return base64.StdEncoding.EncodeToString([]byte(script))
}

func TestProcess_ScriptExecutionSuccess(t *testing.T) {
	source := queuetest.New(1)
	consumer, cacheClient, mock := newTestConsumer(t, source)
	ctx := context.Background()

	execID := uuid.New()
	pending := &model.PendingExecution{
		ExecutionID: execID,
		ScriptName:  "inline-job",
		Code:        inlineScript(`echo '{"ok":true}'`),
		Parameters:  map[string]any{},
		UserID:      uuid.New(),
	}
	require.NoError(t, cacheClient.SetPendingExecution(ctx, pending))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "executions"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "executions" SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "event_deliveries" SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	msg := dispatchMessage{ExecutionID: execID, ScriptName: pending.ScriptName, Code: pending.Code}
	body, err := json.Marshal(msg)
	require.NoError(t, err)

	delivery := source.Publish(body)
	consumer.handle(ctx, delivery)
	delivery.Wait()
	assert.True(t, delivery.Acked())

	_, getErr := cacheClient.GetPendingExecution(ctx, execID)
	assert.ErrorIs(t, getErr, cache.ErrPendingNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcess_CancelledPendingSkipsExecution(t *testing.T) {
	source := queuetest.New(1)
	consumer, cacheClient, mock := newTestConsumer(t, source)
	ctx := context.Background()

	execID := uuid.New()
	pending := &model.PendingExecution{
		ExecutionID: execID,
		ScriptName:  "never-runs",
		Code:        inlineScript(`sleep 5`),
		UserID:      uuid.New(),
		Cancelled:   true,
	}
	require.NoError(t, cacheClient.SetPendingExecution(ctx, pending))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "executions"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	msg := dispatchMessage{ExecutionID: execID}
	require.NoError(t, consumer.process(ctx, msg))

	_, getErr := cacheClient.GetPendingExecution(ctx, execID)
	assert.ErrorIs(t, getErr, cache.ErrPendingNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcess_SyncExecutionPushesRendezvousResult(t *testing.T) {
	source := queuetest.New(1)
	consumer, cacheClient, mock := newTestConsumer(t, source)
	ctx := context.Background()

	execID := uuid.New()
	pending := &model.PendingExecution{
		ExecutionID: execID,
		ScriptName:  "sync-job",
		Code:        inlineScript(`echo '{"value":7}'`),
		UserID:      uuid.New(),
		Sync:        true,
	}
	require.NoError(t, cacheClient.SetPendingExecution(ctx, pending))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "executions"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "executions" SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "event_deliveries" SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	msg := dispatchMessage{ExecutionID: execID, Sync: true}
	require.NoError(t, consumer.process(ctx, msg))

	payload, err := cacheClient.WaitForResult(ctx, execID, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, model.StatusSuccess, payload.Status)
	assert.JSONEq(t, `{"value":7}`, string(payload.Result))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcess_UnknownWorkflowFailsWithoutRunning(t *testing.T) {
	source := queuetest.New(1)
	consumer, cacheClient, mock := newTestConsumer(t, source)
	ctx := context.Background()

	execID := uuid.New()
	workflowID := uuid.New()
	pending := &model.PendingExecution{
		ExecutionID: execID,
		WorkflowID:  &workflowID,
		UserID:      uuid.New(),
	}
	require.NoError(t, cacheClient.SetPendingExecution(ctx, pending))

	mock.ExpectQuery(`SELECT \* FROM "workflows"`).WillReturnError(gorm.ErrRecordNotFound)

	msg := dispatchMessage{ExecutionID: execID, WorkflowID: &workflowID}
	require.NoError(t, consumer.process(ctx, msg))

	_, getErr := cacheClient.GetPendingExecution(ctx, execID)
	assert.ErrorIs(t, getErr, cache.ErrPendingNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandle_MalformedBodyIsNacked(t *testing.T) {
	source := queuetest.New(1)
	consumer, _, _ := newTestConsumer(t, source)
	ctx := context.Background()

	delivery := source.Publish([]byte("not json"))
	consumer.handle(ctx, delivery)
	assert.True(t, delivery.Nacked())
}
