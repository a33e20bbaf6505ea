package metrics

import (
	"sync"
	"time"
)

// Set holds the framewitness server and client metrics.
type Set struct {
	registry *Registry

	CapturesReceived  *Counter
	EvidenceByTier    *CounterVec
	ChainStatus       *CounterVec
	SignalStatus      *CounterVec
	ReplayRejected    *Counter
	ProcessingErrors  *CounterVec
	Anomalies         *CounterVec
	CheckpointsSigned *Counter
	SigningFailures   *Counter
	SigningRetries    *Counter
	DevicesRegistered *Counter

	InFlight      *Gauge
	ActiveCapture *Gauge
	UptimeSeconds *Gauge

	ProcessingDuration *Histogram
	VerifyDuration     *Histogram
	SignalDuration     *Histogram
	SignDuration       *Histogram
	UploadBytes        *Histogram
	OverallScore       *Histogram
}

var startTime = time.Now()

// NewSet registers the framewitness metrics on registry, or on the default
// registry when nil.
func NewSet(registry *Registry) *Set {
	if registry == nil {
		registry = Default()
	}

	return &Set{
		registry: registry,

		CapturesReceived: registry.RegisterCounter(
			"captures_received_total",
			"Capture uploads accepted for processing",
			nil,
		),
		EvidenceByTier: registry.RegisterCounterVec(
			"evidence_total",
			"Evidence packages persisted by confidence tier",
			"tier",
		),
		ChainStatus: registry.RegisterCounterVec(
			"chain_verifications_total",
			"Hash chain verification results by status",
			"status",
		),
		SignalStatus: registry.RegisterCounterVec(
			"signal_results_total",
			"Authenticity detector results by signal and status",
			"signal_status",
		),
		ReplayRejected: registry.RegisterCounter(
			"replay_rejected_total",
			"Uploads rejected for a reused or stale monotonic counter",
			nil,
		),
		ProcessingErrors: registry.RegisterCounterVec(
			"processing_errors_total",
			"Uploads that failed to produce evidence by reason",
			"reason",
		),
		Anomalies: registry.RegisterCounterVec(
			"anomalies_total",
			"Cross-validation anomalies by severity",
			"severity",
		),
		CheckpointsSigned: registry.RegisterCounter(
			"checkpoints_signed_total",
			"Checkpoints signed by the device key",
			nil,
		),
		SigningFailures: registry.RegisterCounter(
			"signing_failures_total",
			"Hardware signing attempts that failed",
			nil,
		),
		SigningRetries: registry.RegisterCounter(
			"signing_retries_total",
			"Background retries of a failed final attestation",
			nil,
		),
		DevicesRegistered: registry.RegisterCounter(
			"devices_registered_total",
			"Device public keys registered",
			nil,
		),

		InFlight: registry.RegisterGauge(
			"processing_in_flight",
			"Uploads currently being processed",
			nil,
		),
		ActiveCapture: registry.RegisterGauge(
			"active_captures",
			"Capture sessions currently recording",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Seconds since the process started",
			nil,
		),

		ProcessingDuration: registry.RegisterHistogram(
			"processing_duration_seconds",
			"End to end evidence assembly time",
			nil,
			DurationBuckets,
		),
		VerifyDuration: registry.RegisterHistogram(
			"chain_verify_duration_seconds",
			"Hash chain verification time",
			nil,
			DurationBuckets,
		),
		SignalDuration: registry.RegisterHistogram(
			"signal_duration_seconds",
			"Authenticity detector fan-out time",
			nil,
			DurationBuckets,
		),
		SignDuration: registry.RegisterHistogram(
			"sign_duration_seconds",
			"Hardware signing latency",
			nil,
			DurationBuckets,
		),
		UploadBytes: registry.RegisterHistogram(
			"upload_bytes",
			"Size of accepted capture uploads",
			nil,
			SizeBuckets,
		),
		OverallScore: registry.RegisterHistogram(
			"overall_score",
			"Weighted confidence score of persisted evidence",
			nil,
			ScoreBuckets,
		),
	}
}

// Registry returns the registry the set is registered on.
func (m *Set) Registry() *Registry {
	return m.registry
}

// RecordEvidence counts one persisted evidence package.
func (m *Set) RecordEvidence(tier string, score float64, took time.Duration) {
	m.EvidenceByTier.With(tier).Inc()
	m.OverallScore.Observe(score)
	m.ProcessingDuration.ObserveDuration(took)
}

// RecordSignal counts one detector result, e.g. ("depth", "pass").
func (m *Set) RecordSignal(signal, status string) {
	m.SignalStatus.With(signal + ":" + status).Inc()
}

// RecordFailure counts an upload that produced no evidence.
func (m *Set) RecordFailure(reason string) {
	m.ProcessingErrors.With(reason).Inc()
}

// UpdateUptime refreshes the uptime gauge.
func (m *Set) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

var (
	defaultSetOnce sync.Once
	defaultSet     *Set
)

// Global returns a process-wide Set on the default registry.
func Global() *Set {
	defaultSetOnce.Do(func() {
		defaultSet = NewSet(Default())
	})
	return defaultSet
}
