package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bifrost-platform/bifrost/internal/model"
)

// ResultPayload is what a worker pushes to the sync rendezvous list and what
// a caller blocked on WaitForResult receives.
type ResultPayload struct {
	Status     model.ExecutionStatus `json:"status"`
	Result     json.RawMessage       `json:"result,omitempty"`
	Error      string                `json:"error,omitempty"`
	ErrorType  model.ErrorKind       `json:"error_type,omitempty"`
	DurationMs int64                 `json:"duration_ms"`
}

// resultMargin pads the rendezvous list's TTL beyond the workflow timeout so
// a slow-to-poll caller does not race the key's expiry.
const resultMargin = 30 * time.Second

// PushResult appends one terminal payload to bifrost:result:<id>. Only ever
// called for sync=true executions, and exactly once per execution: every
// terminal worker path in internal/worker calls this at most once before
// returning.
func (c *Client) PushResult(ctx context.Context, execID uuid.UUID, payload ResultPayload, timeout time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal result payload: %w", err)
	}
	key := resultKey(execID)
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, timeout+resultMargin)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push result: %w", err)
	}
	return nil
}

// WaitForResult blocks (via BLPOP) for up to timeout for a terminal result,
// returning nil, nil on timeout — callers surface that as a Timeout
// response to the caller without cancelling the underlying execution.
func (c *Client) WaitForResult(ctx context.Context, execID uuid.UUID, timeout time.Duration) (*ResultPayload, error) {
	res, err := c.rdb.BLPop(ctx, timeout, resultKey(execID)).Result()
	if err != nil {
		if isRedisNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wait for result: %w", err)
	}
	// BLPOP returns [key, value].
	if len(res) < 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply shape: %v", res)
	}
	var payload ResultPayload
	if err := json.Unmarshal([]byte(res[1]), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal result payload: %w", err)
	}
	return &payload, nil
}
