package executor

import (
	"fmt"
	"time"
)

// Config is the worker pool configuration.
type Config struct {
	// Workers is the number of concurrently running tasks.
	Workers int `yaml:"workers"`
	// QueueSize is the number of pending tasks above which a backlog
	// warning is logged. Tasks are never dropped.
	QueueSize int `yaml:"queue_size"`
	// TaskTimeout bounds a single task. Zero disables the timeout.
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		Workers:     8,
		QueueSize:   1024,
		TaskTimeout: 30 * time.Second,
	}
}

// Validate validates the worker pool configuration.
func (m *Config) Validate() error {
	if m.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", m.Workers)
	}
	if m.QueueSize < 1 {
		return fmt.Errorf("queue size must be positive, got %d", m.QueueSize)
	}
	if m.TaskTimeout < 0 {
		return fmt.Errorf("task timeout must not be negative, got %s", m.TaskTimeout)
	}
	return nil
}
