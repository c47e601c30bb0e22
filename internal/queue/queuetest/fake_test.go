package queuetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSource_PublishAndConsume(t *testing.T) {
	src := New(4)
	defer src.Close()

	d := src.Publish([]byte(`{"execution_id":"abc"}`))

	ch, err := src.Consume(context.Background())
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, []byte(`{"execution_id":"abc"}`), got.Body())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	require.NoError(t, d.Ack())
	assert.True(t, d.Acked())
	assert.False(t, d.Nacked())
}

func TestSource_NackRecordsOutcome(t *testing.T) {
	src := New(1)
	defer src.Close()

	d := src.Publish([]byte("poison"))
	require.NoError(t, d.Nack())
	assert.True(t, d.Nacked())
	assert.False(t, d.Acked())
}

func TestSource_CloseIsIdempotent(t *testing.T) {
	src := New(1)
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
}
