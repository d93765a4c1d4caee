// Package config reads the merged flag/env/default view assembled by the
// cobra command in cmd/ganauditor into a plain struct.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for the GAN auditor.
type Config struct {
	EnableAudit         bool
	AuditTimeout        time.Duration
	MaxConcurrentAudits int
	MaxQueueWaiters     int

	MaxSessionAge time.Duration
	SweepInterval time.Duration

	StagnationSimilarityThreshold float64
	StagnationStartLoop           int
	CompletionTiers               string // "score:maxLoops,score:maxLoops,score:maxLoops"
	HardStopLoops                 int

	MaxMemoryUsageBytes       int64
	MaxIterationsInMemory     int
	CompressionAge            time.Duration
	CompressionThresholdBytes int

	CacheCapacity int
	CacheTTL      time.Duration

	StateDirectory  string
	JudgeExecutable string
	WorkDir         string

	DashboardPort int
	DBPath        string
	AssessModel   string
}

// Load reads configuration from viper, which merges flag values, GANAUDITOR_*
// env vars, and defaults.
func Load() Config {
	return Config{
		EnableAudit:         viper.GetBool("enable_audit"),
		AuditTimeout:        time.Duration(viper.GetInt("audit_timeout_millis")) * time.Millisecond,
		MaxConcurrentAudits: viper.GetInt("max_concurrent_audits"),
		MaxQueueWaiters:     viper.GetInt("max_queue_waiters"),

		MaxSessionAge: time.Duration(viper.GetInt64("max_session_age_millis")) * time.Millisecond,
		SweepInterval: time.Duration(viper.GetInt64("sweep_interval_millis")) * time.Millisecond,

		StagnationSimilarityThreshold: viper.GetFloat64("stagnation_similarity_threshold"),
		StagnationStartLoop:           viper.GetInt("stagnation_start_loop"),
		CompletionTiers:               viper.GetString("completion_tiers"),
		HardStopLoops:                 viper.GetInt("hard_stop_loops"),

		MaxMemoryUsageBytes:       viper.GetInt64("max_memory_usage_bytes"),
		MaxIterationsInMemory:     viper.GetInt("max_iterations_in_memory"),
		CompressionAge:            time.Duration(viper.GetInt64("compression_age_millis")) * time.Millisecond,
		CompressionThresholdBytes: viper.GetInt("compression_threshold_bytes"),

		CacheCapacity: viper.GetInt("cache_capacity"),
		CacheTTL:      time.Duration(viper.GetInt64("cache_ttl_millis")) * time.Millisecond,

		StateDirectory:  viper.GetString("state_directory"),
		JudgeExecutable: viper.GetString("judge_executable"),
		WorkDir:         viper.GetString("work_dir"),

		DashboardPort: viper.GetInt("dashboard_port"),
		DBPath:        viper.GetString("db_path"),
		AssessModel:   viper.GetString("assess_model"),
	}
}

// TierSpec is one parsed completion tier.
type TierSpec struct {
	Score    int
	MaxLoops int
}

// ParseTiers parses the completion_tiers knob ("95:10,90:15,85:20").
// Malformed specs return an error; the caller falls back to defaults.
func ParseTiers(spec string) ([]TierSpec, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, nil
	}
	var tiers []TierSpec
	for _, part := range strings.Split(spec, ",") {
		score, loops, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("tier %q: want score:maxLoops", part)
		}
		s, err := strconv.Atoi(score)
		if err != nil {
			return nil, fmt.Errorf("tier %q: bad score: %w", part, err)
		}
		l, err := strconv.Atoi(loops)
		if err != nil {
			return nil, fmt.Errorf("tier %q: bad maxLoops: %w", part, err)
		}
		if s < 0 || s > 100 || l < 1 {
			return nil, fmt.Errorf("tier %q: out of range", part)
		}
		tiers = append(tiers, TierSpec{Score: s, MaxLoops: l})
	}
	return tiers, nil
}
