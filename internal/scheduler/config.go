package scheduler

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval          time.Duration
	BatchSize            int
	MaxClassifyBatchSize int
	MaxPayoutBatchSize   int
	// ContributionLead is how far before a cycle's due date its pending
	// contributions are materialized.
	ContributionLead time.Duration
	// EnabledJobs limits which jobs this instance runs. Empty means all.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:          time.Minute,
		BatchSize:            50,
		MaxClassifyBatchSize: 100,
		MaxPayoutBatchSize:   25,
		ContributionLead:     7 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.MaxClassifyBatchSize <= 0 {
		c.MaxClassifyBatchSize = defaults.MaxClassifyBatchSize
	}
	if c.MaxPayoutBatchSize <= 0 {
		c.MaxPayoutBatchSize = defaults.MaxPayoutBatchSize
	}
	if c.ContributionLead <= 0 {
		c.ContributionLead = defaults.ContributionLead
	}
	return c
}

// ProvideConfig reads scheduler settings from the environment.
func ProvideConfig() Config {
	cfg := DefaultConfig()
	if v := envInt("SCHEDULER_RUN_INTERVAL_SEC"); v > 0 {
		cfg.RunInterval = time.Duration(v) * time.Second
	}
	if v := envInt("SCHEDULER_BATCH_SIZE"); v > 0 {
		cfg.BatchSize = v
	}
	if v := envInt("SCHEDULER_CLASSIFY_BATCH_SIZE"); v > 0 {
		cfg.MaxClassifyBatchSize = v
	}
	if v := envInt("SCHEDULER_PAYOUT_BATCH_SIZE"); v > 0 {
		cfg.MaxPayoutBatchSize = v
	}
	if v := envInt("SCHEDULER_CONTRIBUTION_LEAD_DAYS"); v > 0 {
		cfg.ContributionLead = time.Duration(v) * 24 * time.Hour
	}
	if raw := strings.TrimSpace(os.Getenv("SCHEDULER_ENABLED_JOBS")); raw != "" {
		for _, job := range strings.Split(raw, ",") {
			if job = strings.TrimSpace(job); job != "" {
				cfg.EnabledJobs = append(cfg.EnabledJobs, job)
			}
		}
	}
	return cfg
}

func envInt(key string) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return 0
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return parsed
}
