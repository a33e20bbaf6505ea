package config

import (
	"fmt"
	"math"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether field failed validation.
func (e ValidationErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// knownSignals are the detector names accepted in signals.enabled.
var knownSignals = map[string]bool{
	"depth":    true,
	"moire":    true,
	"texture":  true,
	"artifact": true,
}

// knownWeights are the score components accepted in confidence.weights.
var knownWeights = map[string]bool{
	"hardware":   true,
	"hash_chain": true,
	"depth":      true,
	"moire":      true,
	"texture":    true,
	"artifact":   true,
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateServer(&c.Server)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateChain(&c.Chain)...)
	errs = append(errs, validateSigning(&c.Signing)...)
	errs = append(errs, validateSignals(&c.Signals)...)
	errs = append(errs, validateConfidence(&c.Confidence)...)
	errs = append(errs, validateProcessing(&c.Processing)...)
	errs = append(errs, validateRetry(&c.Retry)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if _, _, err := net.SplitHostPort(s.ListenAddr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "server.listen_addr",
			Message: fmt.Sprintf("invalid address %q: %v", s.ListenAddr, err),
		})
	}
	if s.MaxUploadBytes <= 0 {
		errs = append(errs, ValidationError{
			Field:   "server.max_upload_bytes",
			Message: "must be positive",
		})
	}
	if s.UploadsPerMinute < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.uploads_per_minute",
			Message: "cannot be negative",
		})
	}
	if s.UploadsPerMinute > 0 && s.UploadBurst < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.upload_burst",
			Message: "must be at least 1 when rate limiting is enabled",
		})
	}
	if s.SecretPath == "" {
		errs = append(errs, ValidationError{
			Field:   "server.secret_path",
			Message: "secret path is required",
		})
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.DatabasePath == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.database_path",
			Message: "database path is required",
		})
	}
	if s.BlobDir == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.blob_dir",
			Message: "blob directory is required",
		})
	}
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "cannot be negative",
		})
	}
	return errs
}

func validateChain(c *ChainConfig) ValidationErrors {
	var errs ValidationErrors

	if c.SparseInterval < 1 {
		errs = append(errs, ValidationError{
			Field:   "chain.sparse_interval",
			Message: "must be at least 1",
		})
	}
	if c.CheckpointIntervalMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "chain.checkpoint_interval_ms",
			Message: "checkpoint interval must be at least 100ms",
		})
	}
	return errs
}

func validateSigning(s *SigningConfig) ValidationErrors {
	var errs ValidationErrors

	if !s.TPMEnabled && s.KeyPath == "" {
		errs = append(errs, ValidationError{
			Field:   "signing.key_path",
			Message: "key path is required when the TPM is disabled",
		})
	}
	if s.SignTimeoutMs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "signing.sign_timeout_ms",
			Message: "must be positive",
		})
	}
	if s.QueueSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "signing.queue_size",
			Message: "must be at least 1",
		})
	}
	return errs
}

func validateSignals(s *SignalsConfig) ValidationErrors {
	var errs ValidationErrors

	for i, name := range s.Enabled {
		if !knownSignals[name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("signals.enabled[%d]", i),
				Message: fmt.Sprintf("unknown signal %q", name),
			})
		}
	}
	if s.ClientBudgetMs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "signals.client_budget_ms",
			Message: "must be positive",
		})
	}
	if s.ServerBudgetMs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "signals.server_budget_ms",
			Message: "must be positive",
		})
	}
	if s.KeyframeEvery < 1 {
		errs = append(errs, ValidationError{
			Field:   "signals.keyframe_every",
			Message: "must be at least 1",
		})
	}
	for field, v := range map[string]float64{
		"signals.moire_threshold":     s.MoireThreshold,
		"signals.texture_min_entropy": s.TextureMinEntropy,
		"signals.artifact_threshold":  s.ArtifactThreshold,
	} {
		if !unit(v) {
			errs = append(errs, ValidationError{Field: field, Message: "must be within [0, 1]"})
		}
	}
	return errs
}

func validateConfidence(c *ConfidenceConfig) ValidationErrors {
	var errs ValidationErrors

	for field, v := range map[string]float64{
		"confidence.depth_consistency_high":    c.DepthConsistencyHigh,
		"confidence.depth_stability_high":      c.DepthStabilityHigh,
		"confidence.strong_anomaly_confidence": c.StrongAnomalyConfidence,
		"confidence.mild_anomaly_gap":          c.MildAnomalyGap,
	} {
		if !unit(v) {
			errs = append(errs, ValidationError{Field: field, Message: "must be within [0, 1]"})
		}
	}

	var total float64
	for name, w := range c.Weights {
		if !knownWeights[name] {
			errs = append(errs, ValidationError{
				Field:   "confidence.weights." + name,
				Message: "unknown score component",
			})
			continue
		}
		if w < 0 || math.IsNaN(w) {
			errs = append(errs, ValidationError{
				Field:   "confidence.weights." + name,
				Message: "weight cannot be negative",
			})
		}
		total += w
	}
	if len(c.Weights) > 0 && total <= 0 {
		errs = append(errs, ValidationError{
			Field:   "confidence.weights",
			Message: "weights must sum to a positive value",
		})
	}
	return errs
}

func validateProcessing(p *ProcessingConfig) ValidationErrors {
	var errs ValidationErrors

	if p.BudgetMs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "processing.budget_ms",
			Message: "must be positive",
		})
	}
	if p.FrameRateTolerance < 0 || p.FrameRateTolerance > 1 {
		errs = append(errs, ValidationError{
			Field:   "processing.frame_rate_tolerance",
			Message: "must be within [0, 1]",
		})
	}
	if p.FrameSlack < 0 {
		errs = append(errs, ValidationError{
			Field:   "processing.frame_slack",
			Message: "cannot be negative",
		})
	}
	return errs
}

func validateRetry(r *RetryConfig) ValidationErrors {
	var errs ValidationErrors

	if r.MaxAttempts < 0 {
		errs = append(errs, ValidationError{
			Field:   "retry.max_attempts",
			Message: "cannot be negative",
		})
	}
	if r.InitialIntervalMs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "retry.initial_interval_ms",
			Message: "must be positive",
		})
	}
	if r.MaxIntervalMs < r.InitialIntervalMs {
		errs = append(errs, ValidationError{
			Field:   "retry.max_interval_ms",
			Message: "must not be smaller than initial_interval_ms",
		})
	}
	if r.Multiplier < 1 {
		errs = append(errs, ValidationError{
			Field:   "retry.multiplier",
			Message: "must be at least 1",
		})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "discard":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required for file output",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid output: %s (valid: stdout, stderr, file, both, discard)", l.Output),
		})
	}

	if l.MaxSizeMB < 0 || l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging",
			Message: "rotation limits cannot be negative",
		})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if m.Enabled && !strings.HasPrefix(m.Path, "/") {
		return ValidationErrors{{
			Field:   "metrics.path",
			Message: "path must start with /",
		}}
	}
	return nil
}

func unit(v float64) bool {
	return v >= 0 && v <= 1 && !math.IsNaN(v)
}
