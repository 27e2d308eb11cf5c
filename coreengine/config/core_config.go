// Package config provides core orchestration configuration - NO infrastructure URLs.
//
// This package contains ONLY configuration relevant to orchestration:
//   - Routing cycle policy
//   - Retry, backoff and circuit breaker thresholds
//   - Task deadlines
//   - Result cache budgets
//   - Workflow retention and archival
//
// Store addresses, broker lists and listen addresses are flags of the
// serving binary, not CoreConfig.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// CoreConfig holds core orchestration configuration.
//
// All numeric thresholds are configuration, not contracts. Defaults are
// tuned for interactive pipelines of a handful of workers.
type CoreConfig struct {
	// Routing cycle policy: an ordered worker pair seen CycleThreshold times
	// within the last CycleWindow transitions fails the workflow.
	CycleThreshold int `json:"cycle_threshold" yaml:"cycle_threshold" validate:"gte=1"`
	CycleWindow    int `json:"cycle_window" yaml:"cycle_window" validate:"gtefield=CycleThreshold"`

	// Transient retry policy (delays in milliseconds).
	MaxAttempts      int     `json:"max_attempts" yaml:"max_attempts" validate:"gte=0"`
	RetryBaseDelayMS int     `json:"retry_base_delay_ms" yaml:"retry_base_delay_ms" validate:"gte=1"`
	RetryMaxDelayMS  int     `json:"retry_max_delay_ms" yaml:"retry_max_delay_ms" validate:"gtefield=RetryBaseDelayMS"`
	RetryJitter      float64 `json:"retry_jitter" yaml:"retry_jitter" validate:"gte=0,lte=1"`

	// Recoverable errors get at most one rewritten-brief retry.
	MaxRecoverableRetries int `json:"max_recoverable_retries" yaml:"max_recoverable_retries" validate:"gte=0,lte=1"`

	// Per-worker circuit breaker.
	BreakerWindowSeconds   int     `json:"breaker_window_seconds" yaml:"breaker_window_seconds" validate:"gte=1"`
	BreakerFailureRate     float64 `json:"breaker_failure_rate" yaml:"breaker_failure_rate" validate:"gt=0,lt=1"`
	BreakerMinSamples      int     `json:"breaker_min_samples" yaml:"breaker_min_samples" validate:"gte=1"`
	BreakerCooldownSeconds int     `json:"breaker_cooldown_seconds" yaml:"breaker_cooldown_seconds" validate:"gte=1"`

	// Task deadline (seconds).
	TaskTimeoutSeconds int `json:"task_timeout_seconds" yaml:"task_timeout_seconds" validate:"gte=1"`

	// Result cache.
	EnableGenerationCache bool  `json:"enable_generation_cache" yaml:"enable_generation_cache"`
	EnableToolCache       bool  `json:"enable_tool_cache" yaml:"enable_tool_cache"`
	GenerationCacheBytes  int64 `json:"generation_cache_bytes" yaml:"generation_cache_bytes" validate:"gte=0"`
	ToolCacheBytes        int64 `json:"tool_cache_bytes" yaml:"tool_cache_bytes" validate:"gte=0"`
	CacheMaxAgeSeconds    int   `json:"cache_max_age_seconds" yaml:"cache_max_age_seconds" validate:"gte=0"` // 0 = no age limit

	// Lifecycle.
	RetentionSeconds   int    `json:"retention_seconds" yaml:"retention_seconds" validate:"gte=0"`
	ArchiveSchedule    string `json:"archive_schedule" yaml:"archive_schedule" validate:"required"`
	ApprovalTTLSeconds int    `json:"approval_ttl_seconds" yaml:"approval_ttl_seconds" validate:"gte=0"` // 0 = never expire

	// Logging.
	LogLevel string `json:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
}

// DefaultCoreConfig returns a CoreConfig with default values.
func DefaultCoreConfig() *CoreConfig {
	return &CoreConfig{
		CycleThreshold: 3,
		CycleWindow:    5,

		MaxAttempts:      3,
		RetryBaseDelayMS: 250,
		RetryMaxDelayMS:  30000,
		RetryJitter:      0.2,

		MaxRecoverableRetries: 1,

		BreakerWindowSeconds:   60,
		BreakerFailureRate:     0.5,
		BreakerMinSamples:      5,
		BreakerCooldownSeconds: 30,

		TaskTimeoutSeconds: 600,

		EnableGenerationCache: true,
		EnableToolCache:       true,
		GenerationCacheBytes:  64 << 20,
		ToolCacheBytes:        16 << 20,
		CacheMaxAgeSeconds:    86400,

		RetentionSeconds:   86400,
		ArchiveSchedule:    "@every 5m",
		ApprovalTTLSeconds: 86400,

		LogLevel: "info",
	}
}

// =============================================================================
// DURATIONS
// =============================================================================

// RetryBaseDelay returns the base backoff delay.
func (c *CoreConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

// RetryMaxDelay returns the backoff cap.
func (c *CoreConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMS) * time.Millisecond
}

// BreakerWindow returns the circuit breaker observation window.
func (c *CoreConfig) BreakerWindow() time.Duration {
	return time.Duration(c.BreakerWindowSeconds) * time.Second
}

// BreakerCooldown returns how long an open breaker stays open.
func (c *CoreConfig) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSeconds) * time.Second
}

// TaskTimeout returns the per-task deadline.
func (c *CoreConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// CacheMaxAge returns the cache entry age limit (0 = none).
func (c *CoreConfig) CacheMaxAge() time.Duration {
	return time.Duration(c.CacheMaxAgeSeconds) * time.Second
}

// Retention returns how long terminal workflows are kept before archival.
func (c *CoreConfig) Retention() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

// ApprovalTTL returns how long an approval request stays pending (0 = forever).
func (c *CoreConfig) ApprovalTTL() time.Duration {
	return time.Duration(c.ApprovalTTLSeconds) * time.Second
}

// =============================================================================
// VALIDATION
// =============================================================================

var configValidator = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	})
	return v
}()

// Validate checks field bounds and cross-field constraints.
func (c *CoreConfig) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid core config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("invalid core config: %s", strings.Join(msgs, "; "))
}

// =============================================================================
// MAP CONVERSION
// =============================================================================

// CoreConfigFromMap creates CoreConfig from a map. Numbers may arrive as int
// or float64 (JSON). Unknown keys are ignored.
func CoreConfigFromMap(config map[string]any) *CoreConfig {
	c := DefaultCoreConfig()

	setInt(config, "cycle_threshold", &c.CycleThreshold)
	setInt(config, "cycle_window", &c.CycleWindow)
	setInt(config, "max_attempts", &c.MaxAttempts)
	setInt(config, "retry_base_delay_ms", &c.RetryBaseDelayMS)
	setInt(config, "retry_max_delay_ms", &c.RetryMaxDelayMS)
	setFloat(config, "retry_jitter", &c.RetryJitter)
	setInt(config, "max_recoverable_retries", &c.MaxRecoverableRetries)
	setInt(config, "breaker_window_seconds", &c.BreakerWindowSeconds)
	setFloat(config, "breaker_failure_rate", &c.BreakerFailureRate)
	setInt(config, "breaker_min_samples", &c.BreakerMinSamples)
	setInt(config, "breaker_cooldown_seconds", &c.BreakerCooldownSeconds)
	setInt(config, "task_timeout_seconds", &c.TaskTimeoutSeconds)
	setBool(config, "enable_generation_cache", &c.EnableGenerationCache)
	setBool(config, "enable_tool_cache", &c.EnableToolCache)
	setInt64(config, "generation_cache_bytes", &c.GenerationCacheBytes)
	setInt64(config, "tool_cache_bytes", &c.ToolCacheBytes)
	setInt(config, "cache_max_age_seconds", &c.CacheMaxAgeSeconds)
	setInt(config, "retention_seconds", &c.RetentionSeconds)
	setString(config, "archive_schedule", &c.ArchiveSchedule)
	setInt(config, "approval_ttl_seconds", &c.ApprovalTTLSeconds)
	setString(config, "log_level", &c.LogLevel)

	return c
}

// ToMap converts config to a map.
func (c *CoreConfig) ToMap() map[string]any {
	return map[string]any{
		"cycle_threshold":          c.CycleThreshold,
		"cycle_window":             c.CycleWindow,
		"max_attempts":             c.MaxAttempts,
		"retry_base_delay_ms":      c.RetryBaseDelayMS,
		"retry_max_delay_ms":       c.RetryMaxDelayMS,
		"retry_jitter":             c.RetryJitter,
		"max_recoverable_retries":  c.MaxRecoverableRetries,
		"breaker_window_seconds":   c.BreakerWindowSeconds,
		"breaker_failure_rate":     c.BreakerFailureRate,
		"breaker_min_samples":      c.BreakerMinSamples,
		"breaker_cooldown_seconds": c.BreakerCooldownSeconds,
		"task_timeout_seconds":     c.TaskTimeoutSeconds,
		"enable_generation_cache":  c.EnableGenerationCache,
		"enable_tool_cache":        c.EnableToolCache,
		"generation_cache_bytes":   c.GenerationCacheBytes,
		"tool_cache_bytes":         c.ToolCacheBytes,
		"cache_max_age_seconds":    c.CacheMaxAgeSeconds,
		"retention_seconds":        c.RetentionSeconds,
		"archive_schedule":         c.ArchiveSchedule,
		"approval_ttl_seconds":     c.ApprovalTTLSeconds,
		"log_level":                c.LogLevel,
	}
}

func setInt(m map[string]any, key string, dst *int) {
	switch v := m[key].(type) {
	case int:
		*dst = v
	case int64:
		*dst = int(v)
	case float64:
		*dst = int(v)
	}
}

func setInt64(m map[string]any, key string, dst *int64) {
	switch v := m[key].(type) {
	case int:
		*dst = int64(v)
	case int64:
		*dst = v
	case float64:
		*dst = int64(v)
	}
}

func setFloat(m map[string]any, key string, dst *float64) {
	switch v := m[key].(type) {
	case float64:
		*dst = v
	case int:
		*dst = float64(v)
	}
}

func setBool(m map[string]any, key string, dst *bool) {
	if v, ok := m[key].(bool); ok {
		*dst = v
	}
}

func setString(m map[string]any, key string, dst *string) {
	if v, ok := m[key].(string); ok {
		*dst = v
	}
}

// =============================================================================
// GLOBAL CONFIG (set by the serving binary at startup)
// =============================================================================

var (
	globalCoreConfig *CoreConfig
	configMu         sync.RWMutex
)

// GetCoreConfig gets the core configuration instance.
// Returns the injected config or defaults.
func GetCoreConfig() *CoreConfig {
	configMu.RLock()
	defer configMu.RUnlock()

	if globalCoreConfig == nil {
		return DefaultCoreConfig()
	}
	return globalCoreConfig
}

// SetCoreConfig sets the core configuration instance.
func SetCoreConfig(config *CoreConfig) {
	configMu.Lock()
	defer configMu.Unlock()

	globalCoreConfig = config
}

// ResetCoreConfig resets core config to nil (useful for testing).
// After reset, GetCoreConfig() will return defaults.
func ResetCoreConfig() {
	configMu.Lock()
	defer configMu.Unlock()

	globalCoreConfig = nil
}
