package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"framewitness/internal/evidence"
	"framewitness/internal/security"
	"framewitness/internal/signer"
	"framewitness/internal/verify"
)

// MinKeySize is the minimum length of the master secret.
const MinKeySize = 32

const (
	macLabel       = "framewitness/store/evidence-mac/v1"
	evidenceDomain = "framewitness-evidence-v1"
	headDomain     = "framewitness-integrity-v1"
)

// SQLiteStore is the durable store used by the server.
//
// Evidence rows are linked by MAC: every row's MAC covers the previous
// row's MAC, and the integrity head covers the last MAC and the row count.
// Triggers reject UPDATE and DELETE on the evidence table.
type SQLiteStore struct {
	db     *sql.DB
	macKey []byte
	now    func() time.Time

	mu          sync.Mutex
	headMAC     []byte
	count       int64
	integrityOK bool
}

// Open opens or creates the database at path. secret is the server master
// secret; the evidence MAC key is derived from it.
//
// When an existing database fails its integrity check the store is still
// returned, read-only, together with an error wrapping ErrIntegrity.
func Open(path string, secret []byte) (*SQLiteStore, error) {
	if len(secret) < MinKeySize {
		return nil, fmt.Errorf("store: master secret must be at least %d bytes", MinKeySize)
	}
	macKey, err := security.DeriveKey(secret, macLabel, 32)
	if err != nil {
		return nil, fmt.Errorf("derive evidence key: %w", err)
	}

	memory := path == ":memory:"
	dsn := "file::memory:?_foreign_keys=on"
	isNew := true
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		if _, err := os.Stat(path); err == nil {
			isNew = false
		}
		dsn = path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if !memory {
		if err := os.Chmod(path, 0600); err != nil {
			db.Close()
			return nil, fmt.Errorf("set database permissions: %w", err)
		}
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, macKey: macKey, now: time.Now}
	if isNew {
		if err := s.initializeIntegrity(); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize integrity: %w", err)
		}
		s.integrityOK = true
		return s, nil
	}
	if err := s.VerifyIntegrity(context.Background()); err != nil {
		return s, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the handle for migrations tooling.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// IntegrityOK reports whether the evidence history passed verification.
func (s *SQLiteStore) IntegrityOK() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.integrityOK
}

// =============================================================================
// Devices
// =============================================================================

func (s *SQLiteStore) RegisterDevice(ctx context.Context, d *Device) error {
	if d.ID == "" || len(d.PublicKey) == 0 {
		return fmt.Errorf("store: device ID and public key are required")
	}
	registered := d.RegisteredAt
	if registered.IsZero() {
		registered = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, public_key, key_id, key_type, hardware_backed, revoked, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.PublicKey, d.KeyID, string(d.KeyType), d.HardwareBacked, d.Revoked, registered.UnixNano(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDeviceExists, d.ID)
	}
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	var d Device
	var keyType string
	var registered int64
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, public_key, key_id, key_type, hardware_backed, revoked, registered_at
		FROM devices WHERE device_id = ?`, id,
	).Scan(&d.ID, &d.PublicKey, &d.KeyID, &keyType, &d.HardwareBacked, &d.Revoked, &registered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: device %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	d.KeyType = signer.KeyType(keyType)
	d.RegisteredAt = time.Unix(0, registered)
	return &d, nil
}

func (s *SQLiteStore) RevokeDevice(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET revoked = 1 WHERE device_id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: device %s", ErrNotFound, id)
	}
	return nil
}

// =============================================================================
// Replay counters
// =============================================================================

func (s *SQLiteStore) LastCounter(ctx context.Context, deviceID string) (uint64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_counter FROM device_counters WHERE device_id = ?`, deviceID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter: %w", err)
	}
	return uint64(last), nil
}

func (s *SQLiteStore) CaptureCounter(ctx context.Context, deviceID, captureID string) (uint64, bool, error) {
	var counter int64
	err := s.db.QueryRowContext(ctx,
		`SELECT counter FROM capture_counters WHERE device_id = ? AND capture_id = ?`,
		deviceID, captureID).Scan(&counter)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get capture counter: %w", err)
	}
	return uint64(counter), true, nil
}

// AdvanceCounter raises the device counter inside one transaction so two
// captures racing with the same counter cannot both be accepted.
func (s *SQLiteStore) AdvanceCounter(ctx context.Context, deviceID, captureID string, counter uint64) error {
	if counter > math.MaxInt64 {
		return fmt.Errorf("store: counter %d out of range", counter)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var last int64
	err = tx.QueryRowContext(ctx,
		`SELECT last_counter FROM device_counters WHERE device_id = ?`, deviceID).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("get counter: %w", err)
	}
	if int64(counter) <= last {
		return fmt.Errorf("%w: counter %d not above %d", verify.ErrReplayDetected, counter, last)
	}

	now := s.now().UnixNano()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO device_counters (device_id, last_counter, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET last_counter = excluded.last_counter, updated_at = excluded.updated_at`,
		deviceID, int64(counter), now); err != nil {
		return fmt.Errorf("update counter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO capture_counters (device_id, capture_id, counter, accepted_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, capture_id) DO UPDATE SET counter = excluded.counter, accepted_at = excluded.accepted_at`,
		deviceID, captureID, int64(counter), now); err != nil {
		return fmt.Errorf("record capture counter: %w", err)
	}
	return tx.Commit()
}

// =============================================================================
// Evidence
// =============================================================================

// SaveEvidence appends a sealed evidence record. The JSON must be a valid
// record for captureID at the given level; stored rows are never changed.
func (s *SQLiteStore) SaveEvidence(ctx context.Context, captureID string, evidenceJSON []byte, level string) error {
	row, err := rowFromJSON(captureID, evidenceJSON, level)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.integrityOK {
		return fmt.Errorf("%w: refusing to write", ErrIntegrity)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	mac := s.evidenceMAC(s.headMAC, row)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO evidence (evidence_id, capture_id, device_id, level, score, supersedes, digest, created_at, body, previous_mac, mac)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.CaptureID, row.DeviceID, row.Level, row.Score, nullString(row.Supersedes),
		row.Digest, row.CreatedAt.UnixNano(), row.JSON, s.headMAC, mac,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrEvidenceExists, row.ID)
	}
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}

	count := s.count + 1
	if _, err := tx.ExecContext(ctx,
		`UPDATE integrity SET head_mac = ?, evidence_count = ?, mac = ? WHERE id = 1`,
		mac, count, s.headMACSeal(mac, count)); err != nil {
		return fmt.Errorf("update integrity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.headMAC = mac
	s.count = count
	return nil
}

func (s *SQLiteStore) GetEvidence(ctx context.Context, evidenceID string) (*EvidenceRow, error) {
	rows, err := s.db.QueryContext(ctx, selectEvidence+` WHERE evidence_id = ?`, evidenceID)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	out, err := scanEvidence(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: evidence %s", ErrNotFound, evidenceID)
	}
	return &out[0], nil
}

// LatestEvidence returns the most recently stored record for a capture.
func (s *SQLiteStore) LatestEvidence(ctx context.Context, captureID string) (*EvidenceRow, error) {
	rows, err := s.db.QueryContext(ctx,
		selectEvidence+` WHERE capture_id = ? ORDER BY seq DESC LIMIT 1`, captureID)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	out, err := scanEvidence(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: capture %s", ErrNotFound, captureID)
	}
	return &out[0], nil
}

// EvidenceHistory returns every record for a capture, oldest first.
func (s *SQLiteStore) EvidenceHistory(ctx context.Context, captureID string) ([]EvidenceRow, error) {
	rows, err := s.db.QueryContext(ctx,
		selectEvidence+` WHERE capture_id = ? ORDER BY seq ASC`, captureID)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	return scanEvidence(rows)
}

const selectEvidence = `
	SELECT evidence_id, capture_id, device_id, level, score, supersedes, digest, created_at, body
	FROM evidence`

func scanEvidence(rows *sql.Rows) ([]EvidenceRow, error) {
	defer rows.Close()
	var out []EvidenceRow
	for rows.Next() {
		var r EvidenceRow
		var supersedes sql.NullString
		var created int64
		if err := rows.Scan(&r.ID, &r.CaptureID, &r.DeviceID, &r.Level, &r.Score,
			&supersedes, &r.Digest, &created, &r.JSON); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		r.Supersedes = supersedes.String
		r.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence: %w", err)
	}
	return out, nil
}

// =============================================================================
// Integrity
// =============================================================================

func (s *SQLiteStore) initializeIntegrity() error {
	s.headMAC = make([]byte, sha256.Size)
	s.count = 0
	_, err := s.db.Exec(`
		INSERT INTO integrity (id, head_mac, evidence_count, last_verified, mac)
		VALUES (1, ?, 0, ?, ?)`,
		s.headMAC, s.now().UnixNano(), s.headMACSeal(s.headMAC, 0),
	)
	return err
}

// VerifyIntegrity walks the evidence history and checks every MAC link and
// the integrity head.
func (s *SQLiteStore) VerifyIntegrity(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.verifyIntegrity(ctx)
	s.integrityOK = err == nil
	return err
}

func (s *SQLiteStore) verifyIntegrity(ctx context.Context) error {
	var head, headMAC []byte
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT head_mac, evidence_count, mac FROM integrity WHERE id = 1`).Scan(&head, &count, &headMAC)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: integrity record missing", ErrIntegrity)
	}
	if err != nil {
		return fmt.Errorf("read integrity record: %w", err)
	}
	if !hmac.Equal(headMAC, s.headMACSeal(head, count)) {
		return fmt.Errorf("%w: integrity record MAC mismatch", ErrIntegrity)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, evidence_id, capture_id, device_id, level, score, supersedes, digest, created_at, body, previous_mac, mac
		FROM evidence ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("query evidence: %w", err)
	}
	defer rows.Close()

	prev := make([]byte, sha256.Size)
	var seen int64
	for rows.Next() {
		var seq, created int64
		var r EvidenceRow
		var supersedes sql.NullString
		var previousMAC, mac []byte
		if err := rows.Scan(&seq, &r.ID, &r.CaptureID, &r.DeviceID, &r.Level, &r.Score,
			&supersedes, &r.Digest, &created, &r.JSON, &previousMAC, &mac); err != nil {
			return fmt.Errorf("scan evidence %d: %w", seq, err)
		}
		r.Supersedes = supersedes.String
		r.CreatedAt = time.Unix(0, created)

		if !hmac.Equal(previousMAC, prev) {
			return fmt.Errorf("%w: chain break at evidence %d", ErrIntegrity, seq)
		}
		if !hmac.Equal(mac, s.evidenceMAC(prev, &r)) {
			return fmt.Errorf("%w: evidence %s MAC mismatch", ErrIntegrity, r.ID)
		}
		prev = mac
		seen++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate evidence: %w", err)
	}
	if seen != count {
		return fmt.Errorf("%w: evidence count mismatch: expected %d, found %d", ErrIntegrity, count, seen)
	}
	if !hmac.Equal(prev, head) {
		return fmt.Errorf("%w: head MAC mismatch", ErrIntegrity)
	}

	s.headMAC = prev
	s.count = count
	_, err = s.db.ExecContext(ctx, `UPDATE integrity SET last_verified = ? WHERE id = 1`, s.now().UnixNano())
	return err
}

// Stats summarizes the store.
type Stats struct {
	Devices       int64
	Evidence      int64
	Captures      int64
	ByLevel       map[string]int64
	IntegrityOK   bool
	LastVerified  time.Time
	SchemaVersion int
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByLevel: map[string]int64{}, IntegrityOK: s.IntegrityOK()}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&st.Devices); err != nil {
		return nil, fmt.Errorf("count devices: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT capture_id) FROM evidence`).Scan(&st.Evidence, &st.Captures); err != nil {
		return nil, fmt.Errorf("count evidence: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT level, COUNT(*) FROM evidence GROUP BY level`)
	if err != nil {
		return nil, fmt.Errorf("count levels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var level string
		var n int64
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("scan level: %w", err)
		}
		st.ByLevel[level] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var verified sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT last_verified FROM integrity WHERE id = 1`).Scan(&verified); err == nil && verified.Valid {
		st.LastVerified = time.Unix(0, verified.Int64)
	}
	if ms, err := GetMigrationStatus(s.db); err == nil {
		st.SchemaVersion = ms.CurrentVersion
	}
	return st, nil
}

// MAC helpers

func (s *SQLiteStore) evidenceMAC(prev []byte, r *EvidenceRow) []byte {
	h := hmac.New(sha256.New, s.macKey)
	h.Write([]byte(evidenceDomain))
	h.Write(prev)
	for _, field := range []string{r.ID, r.CaptureID, r.DeviceID, r.Level, r.Supersedes, r.Digest} {
		writeField(h, []byte(field))
	}
	writeField(h, r.JSON)
	return h.Sum(nil)
}

func (s *SQLiteStore) headMACSeal(head []byte, count int64) []byte {
	h := hmac.New(sha256.New, s.macKey)
	h.Write([]byte(headDomain))
	h.Write(head)
	h.Write(binary.BigEndian.AppendUint64(nil, uint64(count)))
	return h.Sum(nil)
}

// writeField length-prefixes data so adjacent fields cannot be shifted.
func writeField(h hash.Hash, data []byte) {
	h.Write(binary.BigEndian.AppendUint32(nil, uint32(len(data))))
	h.Write(data)
}

// rowFromJSON parses and cross-checks a record before it is stored.
func rowFromJSON(captureID string, evidenceJSON []byte, level string) (*EvidenceRow, error) {
	ev, err := evidence.Parse(evidenceJSON)
	if err != nil {
		return nil, err
	}
	if ev.CaptureID() != captureID {
		return nil, fmt.Errorf("%w: record is for %s, not %s", ErrCaptureMismatch, ev.CaptureID(), captureID)
	}
	if string(ev.Level()) != level {
		return nil, fmt.Errorf("%w: record says %s, caller says %s", ErrLevelMismatch, ev.Level(), level)
	}
	raw, _ := ev.MarshalJSON()
	return &EvidenceRow{
		ID:         ev.ID(),
		CaptureID:  ev.CaptureID(),
		DeviceID:   ev.DeviceID(),
		Level:      level,
		Score:      ev.Score(),
		Supersedes: ev.Supersedes(),
		Digest:     ev.Digest().String(),
		CreatedAt:  ev.CreatedAt(),
		JSON:       raw,
	}, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
