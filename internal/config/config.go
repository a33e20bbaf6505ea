// Package config handles configuration loading, validation, and management
// for framewitness.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete server and client configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	Server     ServerConfig     `toml:"server" json:"server" yaml:"server"`
	Storage    StorageConfig    `toml:"storage" json:"storage" yaml:"storage"`
	Chain      ChainConfig      `toml:"chain" json:"chain" yaml:"chain"`
	Signing    SigningConfig    `toml:"signing" json:"signing" yaml:"signing"`
	Signals    SignalsConfig    `toml:"signals" json:"signals" yaml:"signals"`
	Confidence ConfidenceConfig `toml:"confidence" json:"confidence" yaml:"confidence"`
	Processing ProcessingConfig `toml:"processing" json:"processing" yaml:"processing"`
	Retry      RetryConfig      `toml:"retry" json:"retry" yaml:"retry"`
	Logging    LoggingConfig    `toml:"logging" json:"logging" yaml:"logging"`
	Metrics    MetricsConfig    `toml:"metrics" json:"metrics" yaml:"metrics"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddr          string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
	ReadHeaderTimeoutMs int    `toml:"read_header_timeout_ms" json:"read_header_timeout_ms" yaml:"read_header_timeout_ms"`
	MaxUploadBytes      int64  `toml:"max_upload_bytes" json:"max_upload_bytes" yaml:"max_upload_bytes"`

	// UploadsPerMinute limits capture submissions per device.
	UploadsPerMinute float64 `toml:"uploads_per_minute" json:"uploads_per_minute" yaml:"uploads_per_minute"`
	UploadBurst      int     `toml:"upload_burst" json:"upload_burst" yaml:"upload_burst"`

	// SecretPath holds the server master secret used to derive the
	// evidence HMAC key. Created on first start.
	SecretPath string `toml:"secret_path" json:"secret_path" yaml:"secret_path"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	DatabasePath  string `toml:"database_path" json:"database_path" yaml:"database_path"`
	BlobDir       string `toml:"blob_dir" json:"blob_dir" yaml:"blob_dir"`
	BusyTimeoutMs int    `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// ChainConfig holds hash chain parameters shared by client and server.
type ChainConfig struct {
	SparseInterval       uint32 `toml:"sparse_interval" json:"sparse_interval" yaml:"sparse_interval"`
	CheckpointIntervalMs int    `toml:"checkpoint_interval_ms" json:"checkpoint_interval_ms" yaml:"checkpoint_interval_ms"`
}

// SigningConfig selects the device key store.
type SigningConfig struct {
	// KeyPath is a PEM private key for the software key store.
	KeyPath       string `toml:"key_path" json:"key_path" yaml:"key_path"`
	TPMEnabled    bool   `toml:"tpm_enabled" json:"tpm_enabled" yaml:"tpm_enabled"`
	TPMPath       string `toml:"tpm_path" json:"tpm_path" yaml:"tpm_path"`
	SignTimeoutMs int    `toml:"sign_timeout_ms" json:"sign_timeout_ms" yaml:"sign_timeout_ms"`
	QueueSize     int    `toml:"queue_size" json:"queue_size" yaml:"queue_size"`
}

// SignalsConfig configures authenticity detectors.
type SignalsConfig struct {
	Enabled           []string `toml:"enabled" json:"enabled" yaml:"enabled"`
	ClientBudgetMs    int      `toml:"client_budget_ms" json:"client_budget_ms" yaml:"client_budget_ms"`
	ServerBudgetMs    int      `toml:"server_budget_ms" json:"server_budget_ms" yaml:"server_budget_ms"`
	KeyframeEvery     int      `toml:"keyframe_every" json:"keyframe_every" yaml:"keyframe_every"`
	MoireThreshold    float64  `toml:"moire_threshold" json:"moire_threshold" yaml:"moire_threshold"`
	TextureMinEntropy float64  `toml:"texture_min_entropy" json:"texture_min_entropy" yaml:"texture_min_entropy"`
	ArtifactThreshold float64  `toml:"artifact_threshold" json:"artifact_threshold" yaml:"artifact_threshold"`
}

// ConfidenceConfig holds aggregator thresholds and weights.
type ConfidenceConfig struct {
	DepthConsistencyHigh    float64            `toml:"depth_consistency_high" json:"depth_consistency_high" yaml:"depth_consistency_high"`
	DepthStabilityHigh      float64            `toml:"depth_stability_high" json:"depth_stability_high" yaml:"depth_stability_high"`
	StrongAnomalyConfidence float64            `toml:"strong_anomaly_confidence" json:"strong_anomaly_confidence" yaml:"strong_anomaly_confidence"`
	MildAnomalyGap          float64            `toml:"mild_anomaly_gap" json:"mild_anomaly_gap" yaml:"mild_anomaly_gap"`
	Weights                 map[string]float64 `toml:"weights" json:"weights" yaml:"weights"`
}

// ProcessingConfig bounds server side evidence assembly.
type ProcessingConfig struct {
	BudgetMs           int     `toml:"budget_ms" json:"budget_ms" yaml:"budget_ms"`
	FrameRateTolerance float64 `toml:"frame_rate_tolerance" json:"frame_rate_tolerance" yaml:"frame_rate_tolerance"`
	FrameSlack         int     `toml:"frame_slack" json:"frame_slack" yaml:"frame_slack"`
}

// RetryConfig bounds background signing retries.
type RetryConfig struct {
	MaxAttempts       int     `toml:"max_attempts" json:"max_attempts" yaml:"max_attempts"`
	InitialIntervalMs int     `toml:"initial_interval_ms" json:"initial_interval_ms" yaml:"initial_interval_ms"`
	MaxIntervalMs     int     `toml:"max_interval_ms" json:"max_interval_ms" yaml:"max_interval_ms"`
	Multiplier        float64 `toml:"multiplier" json:"multiplier" yaml:"multiplier"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	AuditPath  string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig controls the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Path    string `toml:"path" json:"path" yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Server: ServerConfig{
			ListenAddr:          "127.0.0.1:8470",
			ReadHeaderTimeoutMs: 5000,
			MaxUploadBytes:      512 << 20,
			UploadsPerMinute:    30,
			UploadBurst:         10,
			SecretPath:          filepath.Join(dir, "server.secret"),
		},
		Storage: StorageConfig{
			DatabasePath:  filepath.Join(dir, "framewitness.db"),
			BlobDir:       filepath.Join(dir, "blobs"),
			BusyTimeoutMs: 5000,
		},
		Chain: ChainConfig{
			SparseInterval:       10,
			CheckpointIntervalMs: 5000,
		},
		Signing: SigningConfig{
			KeyPath:       filepath.Join(dir, "device.key"),
			TPMEnabled:    false,
			TPMPath:       "",
			SignTimeoutMs: 2000,
			QueueSize:     16,
		},
		Signals: SignalsConfig{
			Enabled:           []string{"depth", "moire", "texture", "artifact"},
			ClientBudgetMs:    200,
			ServerBudgetMs:    2000,
			KeyframeEvery:     30,
			MoireThreshold:    0.6,
			TextureMinEntropy: 0.35,
			ArtifactThreshold: 0.7,
		},
		Confidence: ConfidenceConfig{
			DepthConsistencyHigh:    0.80,
			DepthStabilityHigh:      0.90,
			StrongAnomalyConfidence: 0.6,
			MildAnomalyGap:          0.5,
			Weights: map[string]float64{
				"hardware":   0.20,
				"hash_chain": 0.20,
				"depth":      0.30,
				"moire":      0.10,
				"texture":    0.10,
				"artifact":   0.10,
			},
		},
		Processing: ProcessingConfig{
			BudgetMs:           5000,
			FrameRateTolerance: 0.10,
			FrameSlack:         2,
		},
		Retry: RetryConfig{
			MaxAttempts:       5,
			InitialIntervalMs: 500,
			MaxIntervalMs:     30000,
			Multiplier:        2,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "framewitness.log"),
			AuditPath:  filepath.Join(dir, "audit.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// DataDir returns the base framewitness directory. FRAMEWITNESS_DATA_DIR
// overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv("FRAMEWITNESS_DATA_DIR"); envDir != "" {
		return envDir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "framewitness")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "framewitness")
	}
	return filepath.Join(os.TempDir(), "framewitness")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = DefaultConfig()
		} else {
			return nil, err
		}
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the server writes to.
func (c *Config) EnsureDirectories() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dirs := []string{
		filepath.Dir(c.Storage.DatabasePath),
		c.Storage.BlobDir,
		filepath.Dir(c.Server.SecretPath),
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Logging.AuditPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with FRAMEWITNESS_.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("FRAMEWITNESS_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("FRAMEWITNESS_SECRET_PATH"); v != "" {
		c.Server.SecretPath = v
	}
	if v := os.Getenv("FRAMEWITNESS_DATABASE_PATH"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("FRAMEWITNESS_BLOB_DIR"); v != "" {
		c.Storage.BlobDir = v
	}
	if v := os.Getenv("FRAMEWITNESS_SIGNING_KEY_PATH"); v != "" {
		c.Signing.KeyPath = v
	}
	if v := os.Getenv("FRAMEWITNESS_TPM_PATH"); v != "" {
		c.Signing.TPMPath = v
		c.Signing.TPMEnabled = true
	}
	if v := os.Getenv("FRAMEWITNESS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FRAMEWITNESS_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("FRAMEWITNESS_PROCESSING_BUDGET_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Processing.BudgetMs = ms
		}
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:    c.Version,
		Server:     c.Server,
		Storage:    c.Storage,
		Chain:      c.Chain,
		Signing:    c.Signing,
		Signals:    c.Signals,
		Confidence: c.Confidence,
		Processing: c.Processing,
		Retry:      c.Retry,
		Logging:    c.Logging,
		Metrics:    c.Metrics,
	}
	clone.Signals.Enabled = append([]string{}, c.Signals.Enabled...)
	clone.Confidence.Weights = make(map[string]float64, len(c.Confidence.Weights))
	for k, v := range c.Confidence.Weights {
		clone.Confidence.Weights[k] = v
	}
	return clone
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// CheckpointInterval returns the chain checkpoint interval.
func (c *Config) CheckpointInterval() time.Duration { return ms(c.Chain.CheckpointIntervalMs) }

// ProcessingBudget returns the end-to-end evidence assembly budget.
func (c *Config) ProcessingBudget() time.Duration { return ms(c.Processing.BudgetMs) }

// ClientSignalBudget returns the on-device detector budget.
func (c *Config) ClientSignalBudget() time.Duration { return ms(c.Signals.ClientBudgetMs) }

// ServerSignalBudget returns the server re-analysis budget.
func (c *Config) ServerSignalBudget() time.Duration { return ms(c.Signals.ServerBudgetMs) }

// SignTimeout returns the per-signature hardware timeout.
func (c *Config) SignTimeout() time.Duration { return ms(c.Signing.SignTimeoutMs) }

// ReadHeaderTimeout returns the HTTP header read timeout.
func (c *Config) ReadHeaderTimeout() time.Duration { return ms(c.Server.ReadHeaderTimeoutMs) }
