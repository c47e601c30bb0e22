// Package cache wraps Redis with the key conventions, rendezvous list,
// metadata caches, negative caches, and pub/sub channels the execution
// fabric depends on for correctness.
package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// Every Redis key the fabric touches is constructed here so that
// inconsistent channel-name spellings (e.g. event-source vs event_source)
// cannot recur: there is exactly one constructor per key shape, and every
// caller uses it.

func pendingKey(id uuid.UUID) string { return fmt.Sprintf("bifrost:pending:%s", id) }
func resultKey(id uuid.UUID) string  { return fmt.Sprintf("bifrost:result:%s", id) }
func workflowMetaKey(id uuid.UUID) string {
	return fmt.Sprintf("bifrost:wf:meta:%s", id)
}

const requirementsKey = "bifrost:requirements:content"

func pricingKey(provider, model string) string {
	return fmt.Sprintf("ai_pricing:%s:%s", provider, model)
}

func usageTotalsExecKey(execID uuid.UUID) string {
	return fmt.Sprintf("ai_usage_totals:%s", execID)
}

func usageTotalsConvKey(convID uuid.UUID) string {
	return fmt.Sprintf("ai_usage_totals:conv:%s", convID)
}

const usedModelsKey = "ai_used_models"

func mcpAuthCodeKey(code string) string {
	return fmt.Sprintf("bifrost:mcp:auth_code:%s", code)
}

// Channel name constructors. event_source:<id> is the one spelling used
// fabric-wide for event-source channels.
func ExecutionChannel(execID uuid.UUID) string { return fmt.Sprintf("execution:%s", execID) }
func UserChannel(userID uuid.UUID) string      { return fmt.Sprintf("user:%s", userID) }
func EventSourceChannel(sourceID uuid.UUID) string {
	return fmt.Sprintf("event_source:%s", sourceID)
}
func GitJobChannel(jobID string) string { return fmt.Sprintf("git:%s", jobID) }

const (
	SchedulerReindexChannel = "bifrost:scheduler:reindex"
	SchedulerGitOpChannel   = "bifrost:scheduler:git-op"
)
