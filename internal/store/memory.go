package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"framewitness/internal/verify"
)

// MemoryStore keeps everything in process. frameverify and tests use it;
// it has the same write-once and replay semantics as SQLiteStore.
type MemoryStore struct {
	mu       sync.Mutex
	devices  map[string]Device
	last     map[string]uint64
	captures map[string]uint64
	evidence []EvidenceRow
	byID     map[string]int
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[string]Device),
		last:     make(map[string]uint64),
		captures: make(map[string]uint64),
		byID:     make(map[string]int),
		now:      time.Now,
	}
}

func (m *MemoryStore) RegisterDevice(_ context.Context, d *Device) error {
	if d.ID == "" || len(d.PublicKey) == 0 {
		return fmt.Errorf("store: device ID and public key are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDeviceExists, d.ID)
	}
	for _, other := range m.devices {
		if other.KeyID == d.KeyID {
			return fmt.Errorf("%w: key %s", ErrDeviceExists, d.KeyID)
		}
	}
	c := *d
	c.PublicKey = append([]byte(nil), d.PublicKey...)
	if c.RegisteredAt.IsZero() {
		c.RegisteredAt = m.now()
	}
	m.devices[d.ID] = c
	return nil
}

func (m *MemoryStore) GetDevice(_ context.Context, id string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: device %s", ErrNotFound, id)
	}
	d.PublicKey = append([]byte(nil), d.PublicKey...)
	return &d, nil
}

func (m *MemoryStore) RevokeDevice(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("%w: device %s", ErrNotFound, id)
	}
	d.Revoked = true
	m.devices[id] = d
	return nil
}

func (m *MemoryStore) LastCounter(_ context.Context, deviceID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last[deviceID], nil
}

func (m *MemoryStore) CaptureCounter(_ context.Context, deviceID, captureID string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.captures[deviceID+"\x00"+captureID]
	return c, ok, nil
}

func (m *MemoryStore) AdvanceCounter(_ context.Context, deviceID, captureID string, counter uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if last := m.last[deviceID]; counter <= last {
		return fmt.Errorf("%w: counter %d not above %d", verify.ErrReplayDetected, counter, last)
	}
	m.last[deviceID] = counter
	m.captures[deviceID+"\x00"+captureID] = counter
	return nil
}

func (m *MemoryStore) SaveEvidence(_ context.Context, captureID string, evidenceJSON []byte, level string) error {
	row, err := rowFromJSON(captureID, evidenceJSON, level)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[row.ID]; ok {
		return fmt.Errorf("%w: %s", ErrEvidenceExists, row.ID)
	}
	m.byID[row.ID] = len(m.evidence)
	m.evidence = append(m.evidence, *row)
	return nil
}

func (m *MemoryStore) GetEvidence(_ context.Context, evidenceID string) (*EvidenceRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byID[evidenceID]
	if !ok {
		return nil, fmt.Errorf("%w: evidence %s", ErrNotFound, evidenceID)
	}
	r := cloneRow(m.evidence[i])
	return &r, nil
}

func (m *MemoryStore) LatestEvidence(ctx context.Context, captureID string) (*EvidenceRow, error) {
	history, _ := m.EvidenceHistory(ctx, captureID)
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: capture %s", ErrNotFound, captureID)
	}
	return &history[len(history)-1], nil
}

func (m *MemoryStore) EvidenceHistory(_ context.Context, captureID string) ([]EvidenceRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EvidenceRow
	for _, r := range m.evidence {
		if r.CaptureID == captureID {
			out = append(out, cloneRow(r))
		}
	}
	return out, nil
}

func cloneRow(r EvidenceRow) EvidenceRow {
	r.JSON = append([]byte(nil), r.JSON...)
	return r
}
