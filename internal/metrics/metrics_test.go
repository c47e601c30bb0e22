package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveExecution_IncrementsCounterAndHistogram(t *testing.T) {
	Reset()
	ObserveExecution("success", 2*time.Second)
	ObserveExecution("failed", time.Second)

	body := scrape(t)
	assert.Contains(t, body, `bifrost_worker_executions_total{status="success"} 1`)
	assert.Contains(t, body, `bifrost_worker_executions_total{status="failed"} 1`)
	assert.Contains(t, body, "bifrost_worker_execution_duration_seconds")
}

func TestObserveSchedulerJob_OnlyFailedIncrementsFailureCounter(t *testing.T) {
	Reset()
	ObserveSchedulerJob("stuck-execution-sweeper", 10*time.Millisecond, false)
	ObserveSchedulerJob("stuck-execution-sweeper", 10*time.Millisecond, true)

	body := scrape(t)
	assert.Contains(t, body, `bifrost_scheduler_job_failures_total{job="stuck-execution-sweeper"} 1`)
}

func TestSetWorkflowROI_PublishesGauges(t *testing.T) {
	Reset()
	SetWorkflowROI("11111111-1111-1111-1111-111111111111", 42.5, 10)

	body := scrape(t)
	assert.Contains(t, body, `bifrost_roi_workflow_time_saved_minutes{workflow_id="11111111-1111-1111-1111-111111111111"} 42.5`)
	assert.Contains(t, body, `bifrost_roi_workflow_value{workflow_id="11111111-1111-1111-1111-111111111111"} 10`)
}

func TestSanitizeLabel_ReplacesDisallowedRunes(t *testing.T) {
	assert.Equal(t, "unknown", sanitizeLabel(""))
	assert.Equal(t, "my_adapter", sanitizeLabel("My Adapter"))
	assert.Equal(t, "github-push", sanitizeLabel("GitHub-Push"))
}

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}
