package pool

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bifrost-platform/bifrost/internal/model"
)

// newShPool builds a Pool whose subprocess runner uses /bin/sh as the
// interpreter, so these tests exercise Pool's classification logic without
// depending on a language interpreter being installed.
func newShPool(maxConcurrent int) *Pool {
	runner := NewSubprocessRunner("/bin/sh", "")
	return New(runner, maxConcurrent, nil)
}

func TestPool_ExecuteSuccessWithJSONResult(t *testing.T) {
	p := newShPool(2)
	script := `echo hello; echo '{"answer":42}'`

	res, err := p.Execute(context.Background(), Context{
		ExecutionID: uuid.New(),
		InlineCode:  base64.StdEncoding.EncodeToString([]byte(script)),
		Timeout:     5 * time.Second,
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "success", string(res.Status))
	require.NotNil(t, res.Result)
	assert.JSONEq(t, `{"answer":42}`, string(res.Result))
}

func TestPool_ExecuteFailureCapturesLastLine(t *testing.T) {
	p := newShPool(2)
	script := `echo boom >&2; exit 1`

	res, err := p.Execute(context.Background(), Context{
		ExecutionID: uuid.New(),
		InlineCode:  base64.StdEncoding.EncodeToString([]byte(script)),
		Timeout:     5 * time.Second,
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "failed", string(res.Status))
	assert.Contains(t, res.Error, "boom")
}

func TestPool_ExecuteTimeout(t *testing.T) {
	p := newShPool(2)
	script := `sleep 5`

	res, err := p.Execute(context.Background(), Context{
		ExecutionID: uuid.New(),
		InlineCode:  base64.StdEncoding.EncodeToString([]byte(script)),
		Timeout:     100 * time.Millisecond,
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "timeout", string(res.Status))
}

func TestPool_ExecuteStreamsLogs(t *testing.T) {
	p := newShPool(2)
	script := `echo line-one; echo line-two`

	var messages []string
	_, err := p.Execute(context.Background(), Context{
		ExecutionID: uuid.New(),
		InlineCode:  base64.StdEncoding.EncodeToString([]byte(script)),
		Timeout:     5 * time.Second,
	}, func(entry model.LogEntry) {
		messages = append(messages, entry.Message)
	})

	require.NoError(t, err)
	assert.Contains(t, messages, "line-one")
	assert.Contains(t, messages, "line-two")
}

func TestPool_ExecuteRespectsConcurrencyLimit(t *testing.T) {
	p := newShPool(1)
	script := `sleep 0.2`

	start := time.Now()
	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, _ = p.Execute(context.Background(), Context{
				ExecutionID: uuid.New(),
				InlineCode:  base64.StdEncoding.EncodeToString([]byte(script)),
				Timeout:     5 * time.Second,
			}, nil)
			done <- struct{}{}
		}()
	}
	<-done
	<-done
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}
