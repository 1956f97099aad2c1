package renderq

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the coordination parameters shared by the admission
// controller, the liveness tracker and the reaper.
type Config struct {
	// HeartbeatTimeout is how long after its last heartbeat a worker still
	// counts as online.
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`

	// JobTimeout is the running-time budget. Running jobs started earlier
	// than now-JobTimeout are failed by the reaper.
	JobTimeout time.Duration `json:"job_timeout" yaml:"job_timeout"`

	// ReapSchedule is the cron expression the reaper sweeps on.
	ReapSchedule string `json:"reap_schedule" yaml:"reap_schedule"`

	// SoftQueueLimit is the queued depth at which submissions carry an
	// overload warning.
	SoftQueueLimit int `json:"soft_queue_limit" yaml:"soft_queue_limit"`

	// HardQueueLimit is the queued depth at which submissions are rejected.
	HardQueueLimit int `json:"hard_queue_limit" yaml:"hard_queue_limit"`

	DefaultPriority int `json:"default_priority" yaml:"default_priority"`
	AdminPriority   int `json:"admin_priority" yaml:"admin_priority"`

	// Tiers maps trust levels to daily quotas.
	Tiers Tiers `json:"tiers" yaml:"tiers"`
}

// DefaultConfig returns a Config with the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 30 * time.Second,
		JobTimeout:       300 * time.Second,
		ReapSchedule:     "@every 60s",
		SoftQueueLimit:   50,
		HardQueueLimit:   500,
		DefaultPriority:  0,
		AdminPriority:    10,
		Tiers:            DefaultTiers(),
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.HeartbeatTimeout <= 0:
		return errors.New("renderq: heartbeat_timeout must be positive")
	case c.JobTimeout <= 0:
		return errors.New("renderq: job_timeout must be positive")
	case c.HardQueueLimit <= 0:
		return errors.New("renderq: hard_queue_limit must be positive")
	case c.SoftQueueLimit > c.HardQueueLimit:
		return fmt.Errorf("renderq: soft_queue_limit %d exceeds hard_queue_limit %d",
			c.SoftQueueLimit, c.HardQueueLimit)
	case c.AdminPriority <= c.DefaultPriority:
		return errors.New("renderq: admin_priority must sort ahead of default_priority")
	}
	return nil
}

// Tiers maps a user's trust level to a daily generation quota.
type Tiers struct {
	ByLevel map[int]int `json:"by_level" yaml:"by_level"`
	Default int         `json:"default" yaml:"default"`
	Admin   int         `json:"admin" yaml:"admin"`
}

// DefaultTiers returns the stock trust-tier table.
func DefaultTiers() Tiers {
	return Tiers{
		ByLevel: map[int]int{0: 1, 1: 1, 2: 5, 3: 20, 4: 20},
		Default: 1,
		Admin:   1000,
	}
}

// Quota returns the daily quota for an actor.
func (t Tiers) Quota(trustLevel int, admin bool) int {
	if admin {
		return t.Admin
	}
	if q, ok := t.ByLevel[trustLevel]; ok {
		return q
	}
	return t.Default
}
