package capture

import (
	"framewitness/internal/checkpoint"
	"framewitness/internal/config"
	"framewitness/internal/signals"
)

// FromConfig builds the session settings a device runs with.
func FromConfig(cfg *config.Config, deviceID string) Config {
	c := DefaultConfig(deviceID)
	c.SparseInterval = cfg.Chain.SparseInterval
	c.KeyframeEvery = cfg.Signals.KeyframeEvery
	c.SignalBudget = cfg.ClientSignalBudget()
	c.Detectors = signals.NewDetectors(cfg.Signals.Enabled, signals.Thresholds{
		MoireThreshold:    cfg.Signals.MoireThreshold,
		TextureMinEntropy: cfg.Signals.TextureMinEntropy,
		ArtifactThreshold: cfg.Signals.ArtifactThreshold,
	})

	c.Checkpoint.Interval = cfg.CheckpointInterval()
	c.Checkpoint.QueueSize = cfg.Signing.QueueSize
	c.Checkpoint.SignTimeout = cfg.SignTimeout()
	initial, maxInterval := cfg.RetryInterval()
	c.Checkpoint.Retry = checkpoint.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: initial,
		MaxInterval:     maxInterval,
		Multiplier:      cfg.Retry.Multiplier,
	}
	return c
}
