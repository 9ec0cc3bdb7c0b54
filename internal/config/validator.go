package config

import (
	"fmt"
	"net"
	"slices"
	"strings"
	"time"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "transport.buffer_size")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidOverflowPolicies returns the list of valid subscription overflow policies
func ValidOverflowPolicies() []string {
	return []string{OverflowDropOldest, OverflowDisconnect}
}

// ValidProviders returns the list of valid generator providers
func ValidProviders() []string {
	return []string{ProviderMock, ProviderAnthropic, ProviderOpenAI}
}

// ValidStages returns the stage names accepted in pipeline.retryable_stages
func ValidStages() []string {
	return []string{"research", "structure", "planning", "drafting"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validatePipeline()...)
	errors = append(errors, c.validateTransport()...)
	errors = append(errors, c.validateGenerator()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func positiveDuration(field string, d time.Duration) []ValidationError {
	if d <= 0 {
		return []ValidationError{{Field: field, Value: d, Message: "must be positive"}}
	}
	return nil
}

func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errors = append(errors, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "must be host:port",
		})
	}
	errors = append(errors, positiveDuration("server.read_header_timeout", c.Server.ReadHeaderTimeout)...)
	errors = append(errors, positiveDuration("server.shutdown_timeout", c.Server.ShutdownTimeout)...)

	return errors
}

func (c *Config) validatePipeline() []ValidationError {
	var errors []ValidationError

	errors = append(errors, positiveDuration("pipeline.stage_timeout", c.Pipeline.StageTimeout)...)

	if c.Pipeline.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.max_attempts",
			Value:   c.Pipeline.MaxAttempts,
			Message: "must be at least 1",
		})
	}

	for _, s := range c.Pipeline.RetryableStages {
		if !slices.Contains(ValidStages(), s) {
			errors = append(errors, ValidationError{
				Field:   "pipeline.retryable_stages",
				Value:   s,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidStages(), ", ")),
			})
		}
	}

	if c.Pipeline.RetryBackoffBase < 0 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.retry_backoff_base",
			Value:   c.Pipeline.RetryBackoffBase,
			Message: "must be non-negative",
		})
	}
	if c.Pipeline.RetryBackoffMax < c.Pipeline.RetryBackoffBase {
		errors = append(errors, ValidationError{
			Field:   "pipeline.retry_backoff_max",
			Value:   c.Pipeline.RetryBackoffMax,
			Message: "must be at least pipeline.retry_backoff_base",
		})
	}

	return errors
}

func (c *Config) validateTransport() []ValidationError {
	var errors []ValidationError
	t := c.Transport

	if t.BufferSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "transport.buffer_size",
			Value:   t.BufferSize,
			Message: "must be at least 1",
		})
	}
	if !slices.Contains(ValidOverflowPolicies(), t.OverflowPolicy) {
		errors = append(errors, ValidationError{
			Field:   "transport.overflow_policy",
			Value:   t.OverflowPolicy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidOverflowPolicies(), ", ")),
		})
	}
	if t.ReplayWindow < 0 {
		errors = append(errors, ValidationError{
			Field:   "transport.replay_window",
			Value:   t.ReplayWindow,
			Message: "must be non-negative",
		})
	}
	errors = append(errors, positiveDuration("transport.heartbeat_interval", t.HeartbeatInterval)...)
	errors = append(errors, positiveDuration("transport.write_timeout", t.WriteTimeout)...)
	if t.StableAfter < 0 {
		errors = append(errors, ValidationError{
			Field:   "transport.stable_after",
			Value:   t.StableAfter,
			Message: "must be non-negative",
		})
	}
	if t.MaxReconnectAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "transport.max_reconnect_attempts",
			Value:   t.MaxReconnectAttempts,
			Message: "must be at least 1",
		})
	}
	errors = append(errors, positiveDuration("transport.reconnect_base", t.ReconnectBase)...)
	if t.ReconnectMax < t.ReconnectBase {
		errors = append(errors, ValidationError{
			Field:   "transport.reconnect_max",
			Value:   t.ReconnectMax,
			Message: "must be at least transport.reconnect_base",
		})
	}

	return errors
}

func (c *Config) validateGenerator() []ValidationError {
	var errors []ValidationError
	g := c.Generator

	if !slices.Contains(ValidProviders(), g.Provider) {
		errors = append(errors, ValidationError{
			Field:   "generator.provider",
			Value:   g.Provider,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidProviders(), ", ")),
		})
	}
	if g.MaxTokens < 1 {
		errors = append(errors, ValidationError{
			Field:   "generator.max_tokens",
			Value:   g.MaxTokens,
			Message: "must be at least 1",
		})
	}
	if g.Temperature < 0 || g.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "generator.temperature",
			Value:   g.Temperature,
			Message: "must be between 0 and 2",
		})
	}
	if g.MockLatency < 0 {
		errors = append(errors, ValidationError{
			Field:   "generator.mock_latency",
			Value:   g.MockLatency,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative",
		})
	}
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
