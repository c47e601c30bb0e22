package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bifrost-platform/bifrost/internal/model"
)

func logStreamKey(execID uuid.UUID) string {
	return fmt.Sprintf("bifrost:logs:%s", execID)
}

// logStreamTTL bounds how long an orphaned stream survives if a worker
// crashes before the flusher runs.
const logStreamTTL = 24 * time.Hour

// AppendLog writes one log entry to the execution's Redis stream. This
// stream is the single source of truth for logs while an execution is
// in-flight; the durable log table is a flushed mirror written after the
// stream, never the other way around.
func (c *Client) AppendLog(ctx context.Context, entry model.LogEntry) error {
	key := logStreamKey(entry.ExecutionID)
	values := map[string]any{
		"sequence": entry.Sequence,
		"ts_ms":    entry.TimestampMs,
		"level":    string(entry.Level),
		"message":  entry.Message,
	}
	pipe := c.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: values})
	pipe.Expire(ctx, key, logStreamTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// ReadLogs returns every entry currently in the execution's stream, in
// sequence order, for the post-run flusher to persist.
func (c *Client) ReadLogs(ctx context.Context, execID uuid.UUID) ([]model.LogEntry, error) {
	msgs, err := c.rdb.XRange(ctx, logStreamKey(execID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("read logs: %w", err)
	}
	entries := make([]model.LogEntry, 0, len(msgs))
	for _, m := range msgs {
		entry := model.LogEntry{ExecutionID: execID}
		if v, ok := m.Values["sequence"].(string); ok {
			entry.Sequence, _ = strconv.ParseInt(v, 10, 64)
		}
		if v, ok := m.Values["ts_ms"].(string); ok {
			entry.TimestampMs, _ = strconv.ParseInt(v, 10, 64)
		}
		if v, ok := m.Values["level"].(string); ok {
			entry.Level = model.LogLevel(v)
		}
		if v, ok := m.Values["message"].(string); ok {
			entry.Message = v
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DeleteLogStream removes the stream once the flusher has durably persisted
// it, bounding Redis memory use.
func (c *Client) DeleteLogStream(ctx context.Context, execID uuid.UUID) error {
	return c.rdb.Del(ctx, logStreamKey(execID)).Err()
}
