package events

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/bifrost-platform/bifrost/internal/cache"
	bdb "github.com/bifrost-platform/bifrost/internal/db"
	"github.com/bifrost-platform/bifrost/internal/intake"
	"github.com/bifrost-platform/bifrost/internal/model"
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

type fakePublisher struct {
	mu        sync.Mutex
	published int
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, body []byte, priority uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published++
	return nil
}

func TestProcessWebhookRequest_InvalidSourceID(t *testing.T) {
	database, _ := newMockDB(t)
	ing := NewIngress(database, newTestCache(t), nil, nil, nil)

	res, err := ing.ProcessWebhookRequest(context.Background(), "not-a-uuid", Request{})
	require.NoError(t, err)
	assert.Equal(t, 404, res.Status)
}

func TestProcessWebhookRequest_UnknownSource(t *testing.T) {
	database, mock := newMockDB(t)
	ing := NewIngress(database, newTestCache(t), nil, nil, nil)

	sourceID := uuid.New()
	mock.ExpectQuery(`SELECT \* FROM "webhook_sources"`).WillReturnError(gorm.ErrRecordNotFound)

	res, err := ing.ProcessWebhookRequest(context.Background(), sourceID.String(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 404, res.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessWebhookRequest_AdapterRejectsEmptyBody(t *testing.T) {
	database, mock := newMockDB(t)
	ing := NewIngress(database, newTestCache(t), nil, nil, nil)

	sourceID := uuid.New()
	eventSourceID := uuid.New()

	mock.ExpectQuery(`SELECT \* FROM "webhook_sources"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_source_id", "mutable_state"}).
			AddRow(sourceID.String(), eventSourceID.String(), nil))
	mock.ExpectQuery(`SELECT \* FROM "event_sources"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "adapter_name", "config", "is_active"}).
			AddRow(eventSourceID.String(), "generic_json", nil, true))

	res, err := ing.ProcessWebhookRequest(context.Background(), sourceID.String(), Request{
		Method:  "POST",
		Headers: http.Header{},
		Body:    nil,
	})
	require.NoError(t, err)
	assert.Equal(t, 400, res.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistDelivery_NoSubscriptionsMarksEventCompleted(t *testing.T) {
	database, mock := newMockDB(t)
	ing := NewIngress(database, newTestCache(t), nil, nil, nil)

	eventSourceID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "events"`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT \* FROM "subscriptions"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_source_id", "event_type_filter", "workflow_id", "is_active"}))
	mock.ExpectExec(`UPDATE "events" SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	event, err := ing.persistDelivery(context.Background(), eventSourceID, Deliver("generic", []byte(`{}`), nil), "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, model.EventCompleted, event.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueEventDeliveries_EnqueuesPendingAndMarksQueued(t *testing.T) {
	database, mock := newMockDB(t)
	pub := &fakePublisher{}
	in := intake.New(newTestCache(t), pub, "workflow-executions")
	ing := NewIngress(database, newTestCache(t), in, nil, nil)

	eventID := uuid.New()
	deliveryID := uuid.New()
	workflowID := uuid.New()
	orgID := uuid.New()

	mock.ExpectQuery(`SELECT \* FROM "event_deliveries" WHERE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_id", "subscription_id", "workflow_id", "status"}).
			AddRow(deliveryID.String(), eventID.String(), uuid.New().String(), workflowID.String(), model.DeliveryPending))
	mock.ExpectQuery(`SELECT \* FROM "workflows"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "name", "function_name", "file_path"}).
			AddRow(workflowID.String(), orgID.String(), "wf", "fn", "/tmp/wf.py"))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "event_deliveries" SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT "event_source_id" FROM "events"`).
		WillReturnRows(sqlmock.NewRows([]string{"event_source_id"}).AddRow(uuid.New().String()))

	ing.queueEventDeliveries(context.Background(), eventID)

	assert.Equal(t, 1, pub.published)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDeliveryFromExecution_NotEventTriggeredIsNoop(t *testing.T) {
	database, mock := newMockDB(t)
	ing := NewIngress(database, newTestCache(t), nil, nil, nil)

	execID := uuid.New()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "event_deliveries" SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT \* FROM "event_deliveries" WHERE execution_id`).WillReturnError(gorm.ErrRecordNotFound)

	err := ing.UpdateDeliveryFromExecution(context.Background(), execID, model.StatusSuccess, "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
