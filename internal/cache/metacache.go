package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkflowMeta is the subset of a Workflow cached for dispatch decisions —
// enough for the worker to avoid a DB round trip on the hot path.
type WorkflowMeta struct {
	Name           string  `json:"name"`
	FilePath       string  `json:"file_path"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	TimeSaved      float64 `json:"time_saved"`
	Value          float64 `json:"value"`
	ExecutionMode  string  `json:"execution_mode"`
}

const (
	workflowMetaTTL = 6 * time.Hour
	negativeMiss    = `{"__miss__":true}`
)

// SetWorkflowMetadataCache writes the metadata with a bounded TTL, as one
// JSON-encoded string value (SET); the entry is not stored as a Redis hash.
// Calling it twice for the same id with the same meta produces the same
// Redis state — the write is idempotent.
func (c *Client) SetWorkflowMetadataCache(ctx context.Context, id uuid.UUID, meta WorkflowMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal workflow meta: %w", err)
	}
	if err := c.rdb.Set(ctx, workflowMetaKey(id), data, workflowMetaTTL).Err(); err != nil {
		return fmt.Errorf("set workflow meta cache: %w", err)
	}
	return nil
}

// SetWorkflowMetadataMiss records a negative cache entry for an id that a
// DB lookup found nothing for, so repeated lookups of an unknown id do not
// keep hitting the database.
func (c *Client) SetWorkflowMetadataMiss(ctx context.Context, id uuid.UUID) error {
	if err := c.rdb.Set(ctx, workflowMetaKey(id), negativeMiss, workflowMetaTTL).Err(); err != nil {
		return fmt.Errorf("set workflow meta negative cache: %w", err)
	}
	return nil
}

// WorkflowMetaLookup is the tri-state result of a cache read: Hit with
// data, Miss (cached negative), or NotCached (caller should query the DB).
type WorkflowMetaLookup struct {
	Hit      bool
	Cached   bool // true if NotCached is false — i.e. something was in Redis
	Meta     WorkflowMeta
}

// GetWorkflowMetadataCache reads the JSON string value, distinguishing a cached negative
// entry from a cold cache so the worker knows whether to query the DB.
func (c *Client) GetWorkflowMetadataCache(ctx context.Context, id uuid.UUID) (WorkflowMetaLookup, error) {
	data, err := c.rdb.Get(ctx, workflowMetaKey(id)).Bytes()
	if isRedisNil(err) {
		return WorkflowMetaLookup{}, nil
	}
	if err != nil {
		return WorkflowMetaLookup{}, fmt.Errorf("get workflow meta cache: %w", err)
	}
	if string(data) == negativeMiss {
		return WorkflowMetaLookup{Cached: true, Hit: false}, nil
	}
	var meta WorkflowMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return WorkflowMetaLookup{}, fmt.Errorf("unmarshal workflow meta cache: %w", err)
	}
	return WorkflowMetaLookup{Cached: true, Hit: true, Meta: meta}, nil
}

// InvalidateWorkflowMetadataCache drops a workflow's cached metadata so the
// next dispatch falls through to the database and repopulates it — used by
// the scheduler's on-demand reindex handler after a workflow definition
// changes underneath a running fabric.
func (c *Client) InvalidateWorkflowMetadataCache(ctx context.Context, id uuid.UUID) error {
	if err := c.rdb.Del(ctx, workflowMetaKey(id)).Err(); err != nil {
		return fmt.Errorf("invalidate workflow meta cache: %w", err)
	}
	return nil
}

const pricingTTL = time.Hour

// GetPricing reads a cached pricing entry (or a cached negative), same
// tri-state shape as the workflow metadata cache.
func (c *Client) GetPricing(ctx context.Context, provider, model string) (found bool, negative bool, data []byte, err error) {
	raw, err := c.rdb.Get(ctx, pricingKey(provider, model)).Bytes()
	if isRedisNil(err) {
		return false, false, nil, nil
	}
	if err != nil {
		return false, false, nil, fmt.Errorf("get pricing cache: %w", err)
	}
	if string(raw) == negativeMiss {
		return true, true, nil, nil
	}
	return true, false, raw, nil
}

// SetPricing writes a pricing entry or, when data is nil, a negative entry —
// both with the same TTL, so an unmodeled model does not cause repeated
// DB probes.
func (c *Client) SetPricing(ctx context.Context, provider, model string, data []byte) error {
	key := pricingKey(provider, model)
	if data == nil {
		return c.rdb.Set(ctx, key, negativeMiss, pricingTTL).Err()
	}
	return c.rdb.Set(ctx, key, data, pricingTTL).Err()
}

// InvalidatePricingUsageAggregates deletes every ai_usage_totals:* key using
// SCAN + batched DEL, never KEYS, which blocks the server on a large
// keyspace.
func (c *Client) InvalidatePricingUsageAggregates(ctx context.Context) error {
	return c.scanDelete(ctx, "ai_usage_totals:*")
}

func (c *Client) scanDelete(ctx context.Context, pattern string) error {
	var cursor uint64
	const batchSize = 500
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
		for i := 0; i < len(keys); i += batchSize {
			end := i + batchSize
			if end > len(keys) {
				end = len(keys)
			}
			if len(keys[i:end]) == 0 {
				continue
			}
			if err := c.rdb.Del(ctx, keys[i:end]...).Err(); err != nil {
				return fmt.Errorf("del batch: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// RequirementsCache is the write-through {content, hash} entry cached for
// 24h after the boot-time warmer loads requirements.txt from the DB.
type RequirementsCache struct {
	Content string `json:"content"`
	Hash    string `json:"hash"`
}

const requirementsTTL = 24 * time.Hour

// SetRequirementsCache writes the warmed cache entry.
func (c *Client) SetRequirementsCache(ctx context.Context, entry RequirementsCache) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal requirements cache: %w", err)
	}
	return c.rdb.Set(ctx, requirementsKey, data, requirementsTTL).Err()
}

// GetRequirementsCache returns the cached entry and whether it was present.
func (c *Client) GetRequirementsCache(ctx context.Context) (RequirementsCache, bool, error) {
	data, err := c.rdb.Get(ctx, requirementsKey).Bytes()
	if isRedisNil(err) {
		return RequirementsCache{}, false, nil
	}
	if err != nil {
		return RequirementsCache{}, false, fmt.Errorf("get requirements cache: %w", err)
	}
	var entry RequirementsCache
	if err := json.Unmarshal(data, &entry); err != nil {
		return RequirementsCache{}, false, fmt.Errorf("unmarshal requirements cache: %w", err)
	}
	return entry, true, nil
}
