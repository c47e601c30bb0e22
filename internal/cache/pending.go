package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/bifrost-platform/bifrost/internal/model"
)

// ErrPendingNotFound is returned by GetPendingExecution when the key is
// absent: the record has already been reaped by a terminal worker path.
var ErrPendingNotFound = errors.New("pending execution not found")

// The pending record is a Redis hash with two fields: "data" holding the
// JSON-encoded context sans the cancelled bit, and "cancelled" holding
// "1"/"0" so MarkCancelled can flip it with a single atomic HSET instead
// of a read-modify-write race against the worker's claim.
const (
	pendingFieldData      = "data"
	pendingFieldCancelled = "cancelled"
)

// SetPendingExecution writes the pending context idempotently with no TTL —
// it lives until a terminal worker path deletes it.
func (c *Client) SetPendingExecution(ctx context.Context, ctxData *model.PendingExecution) error {
	cancelled := ctxData.Cancelled
	ctxData.Cancelled = false // stored separately in its own field
	data, err := json.Marshal(ctxData)
	ctxData.Cancelled = cancelled
	if err != nil {
		return fmt.Errorf("marshal pending execution: %w", err)
	}
	cancelledVal := "0"
	if cancelled {
		cancelledVal = "1"
	}
	if err := c.rdb.HSet(ctx, pendingKey(ctxData.ExecutionID),
		pendingFieldData, data,
		pendingFieldCancelled, cancelledVal,
	).Err(); err != nil {
		return fmt.Errorf("set pending execution: %w", err)
	}
	return nil
}

// GetPendingExecution returns the full context or ErrPendingNotFound.
func (c *Client) GetPendingExecution(ctx context.Context, execID uuid.UUID) (*model.PendingExecution, error) {
	fields, err := c.rdb.HGetAll(ctx, pendingKey(execID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get pending execution: %w", err)
	}
	data, ok := fields[pendingFieldData]
	if !ok {
		return nil, ErrPendingNotFound
	}
	var p model.PendingExecution
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("unmarshal pending execution: %w", err)
	}
	p.Cancelled = fields[pendingFieldCancelled] == "1"
	return &p, nil
}

// DeletePendingExecution removes the key; idempotent (redis DEL on a
// missing key is a no-op that returns no error).
func (c *Client) DeletePendingExecution(ctx context.Context, execID uuid.UUID) error {
	if err := c.rdb.Del(ctx, pendingKey(execID)).Err(); err != nil {
		return fmt.Errorf("delete pending execution: %w", err)
	}
	return nil
}

// MarkCancelled sets the cancelled bit atomically, no-op if the pending
// record is already gone (the execution has already terminated).
func (c *Client) MarkCancelled(ctx context.Context, execID uuid.UUID) error {
	// One server-side script, so a delete between the existence check and
	// the write cannot leave behind a hash holding only the cancelled field.
	const script = `if redis.call('EXISTS', KEYS[1]) == 1 then return redis.call('HSET', KEYS[1], ARGV[1], '1') end return 0`
	if err := c.rdb.Eval(ctx, script, []string{pendingKey(execID)}, pendingFieldCancelled).Err(); err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	return nil
}
