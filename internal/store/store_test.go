package store

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"framewitness/internal/evidence"
	"framewitness/internal/logging"
	"framewitness/internal/verify"
)

var testSecret = bytes.Repeat([]byte{0x42}, 32)

func openTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "framewitness.db")
	s, err := Open(path, testSecret)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

// stores returns one of each implementation.
func stores(t *testing.T) map[string]interface {
	DeviceStore
	EvidenceStore
	verify.CounterStore
} {
	s, _ := openTestStore(t)
	return map[string]interface {
		DeviceStore
		EvidenceStore
		verify.CounterStore
	}{
		"sqlite": s,
		"memory": NewMemoryStore(),
	}
}

func testDevice(t *testing.T, id string) *Device {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	d, err := NewDevice(id, key.Public(), true)
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	return d
}

func testEvidence(t *testing.T, captureID, supersedes string) *evidence.Evidence {
	t.Helper()
	a := evidence.NewAssembler(evidence.WithLogger(logging.Discard().Logger))
	ev, err := a.Assemble(context.Background(), evidence.Input{
		CaptureID:  captureID,
		DeviceID:   "device-1",
		Supersedes: supersedes,
	})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	return ev
}

func save(t *testing.T, s EvidenceStore, ev *evidence.Evidence) {
	t.Helper()
	raw, _ := ev.MarshalJSON()
	if err := s.SaveEvidence(context.Background(), ev.CaptureID(), raw, string(ev.Level())); err != nil {
		t.Fatalf("SaveEvidence failed: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")
	s, err := Open(path, testSecret)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestOpenRejectsShortSecret(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "x.db"), []byte("short")); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(":memory:", testSecret)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	save(t, s, testEvidence(t, "capture-1", ""))
	if !s.IntegrityOK() {
		t.Error("fresh in-memory store should pass integrity")
	}
}

func TestMigrations(t *testing.T) {
	s, _ := openTestStore(t)

	st, err := GetMigrationStatus(s.DB())
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if st.CurrentVersion != len(migrations) || len(st.Pending) != 0 {
		t.Errorf("status = %+v, want version %d with nothing pending", st, len(migrations))
	}
	if err := ValidateSchema(s.DB()); err != nil {
		t.Errorf("ValidateSchema failed: %v", err)
	}

	// migrating twice is a no-op
	if err := MigrateDB(s.DB()); err != nil {
		t.Errorf("second MigrateDB failed: %v", err)
	}

	if err := RollbackMigration(s.DB()); err != nil {
		t.Fatalf("RollbackMigration failed: %v", err)
	}
	if err := ValidateSchema(s.DB()); err == nil {
		t.Error("schema should be missing the integrity table after rollback")
	}
	if err := MigrateDB(s.DB()); err != nil {
		t.Fatalf("re-migrate failed: %v", err)
	}
	if err := ValidateSchema(s.DB()); err != nil {
		t.Errorf("ValidateSchema after re-migrate failed: %v", err)
	}
}

func TestDevices(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			d := testDevice(t, "device-1")
			if err := s.RegisterDevice(ctx, d); err != nil {
				t.Fatalf("RegisterDevice failed: %v", err)
			}
			if err := s.RegisterDevice(ctx, d); !errors.Is(err, ErrDeviceExists) {
				t.Errorf("duplicate register: got %v, want ErrDeviceExists", err)
			}

			got, err := s.GetDevice(ctx, "device-1")
			if err != nil {
				t.Fatalf("GetDevice failed: %v", err)
			}
			if got.KeyID != d.KeyID || got.KeyType != d.KeyType || !got.HardwareBacked || got.Revoked {
				t.Errorf("device = %+v, want %+v", got, d)
			}
			if got.RegisteredAt.IsZero() {
				t.Error("registration time not set")
			}
			pub, err := got.Key()
			if err != nil {
				t.Fatalf("Key failed: %v", err)
			}
			if !pub.(*ecdsa.PublicKey).Equal(mustKey(t, d)) {
				t.Error("stored key does not round trip")
			}

			if err := s.RevokeDevice(ctx, "device-1"); err != nil {
				t.Fatalf("RevokeDevice failed: %v", err)
			}
			got, _ = s.GetDevice(ctx, "device-1")
			if !got.Revoked {
				t.Error("device should be revoked")
			}

			if _, err := s.GetDevice(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("unknown device: got %v, want ErrNotFound", err)
			}
			if err := s.RevokeDevice(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("revoke unknown: got %v, want ErrNotFound", err)
			}
		})
	}
}

func mustKey(t *testing.T, d *Device) *ecdsa.PublicKey {
	t.Helper()
	pub, err := d.Key()
	if err != nil {
		t.Fatal(err)
	}
	return pub.(*ecdsa.PublicKey)
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if last, err := s.LastCounter(ctx, "device-1"); err != nil || last != 0 {
				t.Fatalf("LastCounter = %d, %v; want 0", last, err)
			}
			if err := s.AdvanceCounter(ctx, "device-1", "capture-1", 3); err != nil {
				t.Fatalf("AdvanceCounter failed: %v", err)
			}
			for _, c := range []uint64{3, 2} {
				if err := s.AdvanceCounter(ctx, "device-1", "capture-2", c); !errors.Is(err, verify.ErrReplayDetected) {
					t.Errorf("counter %d: got %v, want ErrReplayDetected", c, err)
				}
			}
			// counters are per device
			if err := s.AdvanceCounter(ctx, "device-2", "capture-9", 1); err != nil {
				t.Errorf("other device: %v", err)
			}
			if err := s.AdvanceCounter(ctx, "device-1", "capture-2", 7); err != nil {
				t.Fatalf("AdvanceCounter failed: %v", err)
			}

			if last, _ := s.LastCounter(ctx, "device-1"); last != 7 {
				t.Errorf("LastCounter = %d, want 7", last)
			}
			c, ok, err := s.CaptureCounter(ctx, "device-1", "capture-1")
			if err != nil || !ok || c != 3 {
				t.Errorf("CaptureCounter = %d, %v, %v; want 3, true", c, ok, err)
			}
			if _, ok, _ := s.CaptureCounter(ctx, "device-1", "capture-3"); ok {
				t.Error("unknown capture should not have a counter")
			}
		})
	}
}

func TestEvidenceHistory(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			first := testEvidence(t, "capture-1", "")
			second := testEvidence(t, "capture-1", first.ID())
			other := testEvidence(t, "capture-2", "")
			save(t, s, first)
			save(t, s, other)
			save(t, s, second)

			latest, err := s.LatestEvidence(ctx, "capture-1")
			if err != nil {
				t.Fatalf("LatestEvidence failed: %v", err)
			}
			if latest.ID != second.ID() || latest.Supersedes != first.ID() {
				t.Errorf("latest = %s (supersedes %q), want %s", latest.ID, latest.Supersedes, second.ID())
			}

			history, err := s.EvidenceHistory(ctx, "capture-1")
			if err != nil {
				t.Fatalf("EvidenceHistory failed: %v", err)
			}
			if len(history) != 2 || history[0].ID != first.ID() || history[1].ID != second.ID() {
				t.Fatalf("history = %+v", history)
			}

			got, err := s.GetEvidence(ctx, first.ID())
			if err != nil {
				t.Fatalf("GetEvidence failed: %v", err)
			}
			want, _ := first.MarshalJSON()
			if !bytes.Equal(got.JSON, want) {
				t.Error("stored JSON differs from sealed record")
			}
			if got.Digest != first.Digest().String() || got.Level != string(first.Level()) {
				t.Errorf("index columns = %+v", got)
			}
			if _, err := evidence.Parse(got.JSON); err != nil {
				t.Errorf("stored JSON no longer parses: %v", err)
			}

			if _, err := s.LatestEvidence(ctx, "capture-404"); !errors.Is(err, ErrNotFound) {
				t.Errorf("unknown capture: got %v, want ErrNotFound", err)
			}
			if _, err := s.GetEvidence(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("unknown evidence: got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestSaveEvidenceRejects(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ev := testEvidence(t, "capture-1", "")
			raw, _ := ev.MarshalJSON()
			save(t, s, ev)

			tests := []struct {
				name      string
				captureID string
				raw       []byte
				level     string
				want      error
			}{
				{"duplicate", "capture-1", raw, string(ev.Level()), ErrEvidenceExists},
				{"wrong capture", "capture-2", raw, string(ev.Level()), ErrCaptureMismatch},
				{"wrong level", "capture-1", raw, "high", ErrLevelMismatch},
				{"not json", "capture-1", []byte("nope"), "low", evidence.ErrMalformedRecord},
				{"not evidence", "capture-1", []byte(`{"capture_id":"capture-1"}`), "low", evidence.ErrSchemaInvalid},
			}
			for _, tc := range tests {
				err := s.SaveEvidence(ctx, tc.captureID, tc.raw, tc.level)
				if !errors.Is(err, tc.want) {
					t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
				}
			}
		})
	}
}

func TestEvidenceRowsAreImmutable(t *testing.T) {
	s, _ := openTestStore(t)
	ev := testEvidence(t, "capture-1", "")
	save(t, s, ev)

	_, err := s.DB().Exec(`UPDATE evidence SET level = 'high' WHERE evidence_id = ?`, ev.ID())
	if err == nil || !strings.Contains(err.Error(), "immutable") {
		t.Errorf("UPDATE: got %v, want immutable error", err)
	}
	_, err = s.DB().Exec(`DELETE FROM evidence WHERE evidence_id = ?`, ev.ID())
	if err == nil || !strings.Contains(err.Error(), "immutable") {
		t.Errorf("DELETE: got %v, want immutable error", err)
	}
}

func TestReopenVerifiesIntegrity(t *testing.T) {
	s, path := openTestStore(t)
	save(t, s, testEvidence(t, "capture-1", ""))
	save(t, s, testEvidence(t, "capture-2", ""))
	s.Close()

	s2, err := Open(path, testSecret)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()
	if !s2.IntegrityOK() {
		t.Fatal("integrity should pass after reopen")
	}
	// the MAC chain continues from the stored head
	save(t, s2, testEvidence(t, "capture-3", ""))
	if err := s2.VerifyIntegrity(context.Background()); err != nil {
		t.Errorf("VerifyIntegrity failed: %v", err)
	}

	st, err := s2.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.Evidence != 3 || st.Captures != 3 || st.SchemaVersion != len(migrations) || !st.IntegrityOK {
		t.Errorf("stats = %+v", st)
	}
}

func TestIntegrityDetectsTampering(t *testing.T) {
	s, path := openTestStore(t)
	ev := testEvidence(t, "capture-1", "")
	save(t, s, ev)
	save(t, s, testEvidence(t, "capture-2", ""))
	s.Close()

	// an attacker with file access drops the trigger and edits a verdict
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`DROP TRIGGER evidence_no_update`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`UPDATE evidence SET level = 'high' WHERE evidence_id = ?`, ev.ID()); err != nil {
		t.Fatal(err)
	}
	db.Close()

	s2, err := Open(path, testSecret)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("reopen: got %v, want ErrIntegrity", err)
	}
	defer s2.Close()
	if s2.IntegrityOK() {
		t.Error("IntegrityOK should be false")
	}
	// reads still work, writes are refused
	if _, err := s2.GetEvidence(context.Background(), ev.ID()); err != nil {
		t.Errorf("read after failed integrity: %v", err)
	}
	raw, _ := testEvidence(t, "capture-3", "").MarshalJSON()
	err = s2.SaveEvidence(context.Background(), "capture-3", raw, "low")
	if !errors.Is(err, ErrIntegrity) {
		t.Errorf("write after failed integrity: got %v, want ErrIntegrity", err)
	}
}

func TestWrongSecretFailsIntegrity(t *testing.T) {
	s, path := openTestStore(t)
	save(t, s, testEvidence(t, "capture-1", ""))
	s.Close()

	s2, err := Open(path, bytes.Repeat([]byte{0x43}, 32))
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("got %v, want ErrIntegrity", err)
	}
	s2.Close()
}
