package cache

import (
	"context"
	"fmt"
)

// AddUsedModel records a (provider, model) pair in the ai_used_models set.
// SADD is O(1) and naturally de-duplicating.
func (c *Client) AddUsedModel(ctx context.Context, provider, model string) error {
	if err := c.rdb.SAdd(ctx, usedModelsKey, provider+":"+model).Err(); err != nil {
		return fmt.Errorf("add used model: %w", err)
	}
	return nil
}

// UsedModels returns the distinct (provider, model) pairs recorded so far.
func (c *Client) UsedModels(ctx context.Context) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, usedModelsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list used models: %w", err)
	}
	return members, nil
}

// RepopulateUsedModels re-seeds the set from a cold-start DB distinct scan,
// via the caller-supplied pairs (already formatted "provider:model").
func (c *Client) RepopulateUsedModels(ctx context.Context, pairs []string) error {
	if len(pairs) == 0 {
		return nil
	}
	members := make([]any, len(pairs))
	for i, p := range pairs {
		members[i] = p
	}
	if err := c.rdb.SAdd(ctx, usedModelsKey, members...).Err(); err != nil {
		return fmt.Errorf("repopulate used models: %w", err)
	}
	return nil
}
