package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditDeviceRegistered AuditEventType = "device_registered"
	AuditCaptureReceived  AuditEventType = "capture_received"
	AuditEvidenceCreated  AuditEventType = "evidence_created"
	AuditReplayRejected   AuditEventType = "replay_rejected"
	AuditProcessingFailed AuditEventType = "processing_failed"
	AuditStartup          AuditEventType = "startup"
	AuditShutdown         AuditEventType = "shutdown"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  AuditEventType `json:"event_type"`
	Component  string         `json:"component"`
	DeviceID   string         `json:"device_id,omitempty"`
	CaptureID  string         `json:"capture_id,omitempty"`
	EvidenceID string         `json:"evidence_id,omitempty"`
	Result     string         `json:"result"` // "success", "failure", "rejected"
	Details    map[string]any `json:"details,omitempty"`
	Error      string         `json:"error,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
}

// AuditLogger appends JSON lines to a writer, usually a FileRotator.
// Entries are never rewritten.
type AuditLogger struct {
	mu        sync.Mutex
	w         io.Writer
	closer    io.Closer
	component string
	now       func() time.Time
}

// NewAuditLogger writes events to w.
func NewAuditLogger(w io.Writer, component string) *AuditLogger {
	a := &AuditLogger{w: w, component: component, now: time.Now}
	if c, ok := w.(io.Closer); ok {
		a.closer = c
	}
	return a
}

// OpenAuditLog opens a rotating audit file at path.
func OpenAuditLog(path string, component string) (*AuditLogger, error) {
	rotator, err := NewFileRotator(&Config{
		FilePath:   path,
		MaxSize:    50,
		MaxAge:     365,
		MaxBackups: 20,
		Compress:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	return NewAuditLogger(rotator, component), nil
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// DeviceRegistered records a device key registration.
func (a *AuditLogger) DeviceRegistered(ctx context.Context, deviceID, keyID string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditDeviceRegistered,
		DeviceID:  deviceID,
		Result:    "success",
		Details:   map[string]any{"key_id": keyID},
	})
}

// EvidenceCreated records a persisted evidence record.
func (a *AuditLogger) EvidenceCreated(ctx context.Context, deviceID, captureID, evidenceID, level string) error {
	return a.Log(ctx, AuditEvent{
		EventType:  AuditEvidenceCreated,
		DeviceID:   deviceID,
		CaptureID:  captureID,
		EvidenceID: evidenceID,
		Result:     "success",
		Details:    map[string]any{"confidence_level": level},
	})
}

// ReplayRejected records a signature whose counter was not fresh.
func (a *AuditLogger) ReplayRejected(ctx context.Context, deviceID, captureID string, counter, lastSeen uint64) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditReplayRejected,
		DeviceID:  deviceID,
		CaptureID: captureID,
		Result:    "rejected",
		Details:   map[string]any{"counter": counter, "last_seen": lastSeen},
	})
}

// ProcessingFailed records a capture that could not be processed at all.
func (a *AuditLogger) ProcessingFailed(ctx context.Context, deviceID, captureID string, err error) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditProcessingFailed,
		DeviceID:  deviceID,
		CaptureID: captureID,
		Result:    "failure",
		Error:     err.Error(),
	})
}

// Close closes the underlying writer if it is closable.
func (a *AuditLogger) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
