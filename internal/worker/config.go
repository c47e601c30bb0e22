// Package worker implements the C3 execution-queue consumer: it claims a
// message, resolves the pending context and workflow, submits the run to
// the execution pool, and persists the terminal outcome.
package worker

import (
	"fmt"
	"time"
)

// Config configures one Consumer instance.
type Config struct {
	QueueName      string        `yaml:"queue_name"`
	Prefetch       int           `yaml:"prefetch"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	SyncMargin     time.Duration `yaml:"sync_margin"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// DefaultConfig returns sensible defaults for a worker process.
func DefaultConfig() Config {
	return Config{
		QueueName:      "workflow-executions",
		Prefetch:       16,
		MaxConcurrency: 16,
		SyncMargin:     5 * time.Second,
		DefaultTimeout: 300 * time.Second,
	}
}

// Validate checks the configuration is complete enough to start a consumer.
func (c Config) Validate() error {
	if c.QueueName == "" {
		return fmt.Errorf("queue_name is required")
	}
	if c.Prefetch < 1 {
		return fmt.Errorf("prefetch must be at least 1")
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be at least 1")
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive")
	}
	return nil
}
