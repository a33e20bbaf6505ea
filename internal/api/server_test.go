package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"framewitness/internal/capture"
	"framewitness/internal/hardware"
	"framewitness/internal/logging"
	"framewitness/internal/metrics"
	"framewitness/internal/payload"
	"framewitness/internal/pipeline"
	"framewitness/internal/security"
	"framewitness/internal/signals"
	"framewitness/internal/signer"
	"framewitness/internal/storage"
	"framewitness/internal/store"
	"framewitness/internal/verify"
)

type testEnv struct {
	handler http.Handler
	blobs   *storage.Memory
	store   *store.MemoryStore
	dev     *hardware.SoftwareDevice
}

func newTestEnv(t *testing.T, limiter *security.KeyedLimiter) *testEnv {
	t.Helper()
	dev, err := hardware.GenerateSoftwareDevice()
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	blobs := storage.NewMemory()
	st := store.NewMemoryStore()
	set := metrics.NewSet(metrics.NewRegistry("test", ""))
	logger := logging.Discard().Logger
	proc := pipeline.New(blobs, st,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(set),
		pipeline.WithKeyframeSampling(10, 16))

	srv := NewServer(Dependencies{
		Logger:    logger,
		Processor: proc,
		Store:     st,
		Blobs:     blobs,
		Metrics:   set,
		Limiter:   limiter,
	})
	return &testEnv{handler: srv.Handler(), blobs: blobs, store: st, dev: dev}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) registerBody(t *testing.T) []byte {
	t.Helper()
	key, err := signer.MarshalAuthorizedKey(e.dev.Public())
	require.NoError(t, err)
	body, err := json.Marshal(registerRequest{DeviceID: "device-1", PublicKey: string(key), HardwareBacked: true})
	require.NoError(t, err)
	return body
}

func (e *testEnv) record(t *testing.T, captureID string) *payload.Payload {
	t.Helper()
	ctx := context.Background()
	cfg := capture.DefaultConfig("device-1")
	cfg.CaptureID = captureID
	cfg.Start = time.UnixMilli(1700000000000)
	cfg.KeyframeEvery = 10
	cfg.Logger = logging.Discard().Logger
	cfg.Metrics = metrics.NewSet(metrics.NewRegistry("test", ""))
	cfg.Checkpoint.Interval = time.Second
	cfg.Detectors = signals.NewDetectors(nil, signals.DefaultThresholds())

	s, err := capture.Start(cfg, e.dev)
	require.NoError(t, err)
	defer s.Close()
	for i := range 40 {
		kf := signals.Keyframe{Width: 32, Height: 32, Luma: make([]byte, 32*32)}
		for p := range kf.Luma {
			kf.Luma[p] = byte((p*13 + i*5) % 251)
		}
		frame, err := signals.EncodeJPEG(kf, 90)
		require.NoError(t, err)
		require.NoError(t, s.Add(ctx, capture.Frame{Data: frame, Elapsed: time.Duration(i) * time.Second / 30}))
	}
	res, err := s.Finish(ctx)
	require.NoError(t, err)
	p, err := res.Payload(ctx, e.blobs, capture.UploadOptions{Mode: verify.ModeFullMedia, FrameRate: 30})
	require.NoError(t, err)
	return p
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestRegisterDevice(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(t, http.MethodPost, "/v1/devices", e.registerBody(t))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp deviceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "device-1", resp.DeviceID)
	assert.NotEmpty(t, resp.KeyID)
	assert.True(t, resp.HardwareBacked)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = e.do(t, http.MethodPost, "/v1/devices", e.registerBody(t))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "device_exists", decodeError(t, rec).Error)
}

func TestRegisterDeviceRejectsBadInput(t *testing.T) {
	e := newTestEnv(t, nil)
	tests := []struct {
		name string
		body string
		kind string
	}{
		{"not json", "{", "bad_json"},
		{"unknown field", `{"device_id":"d","public_key":"k","extra":1}`, "bad_json"},
		{"missing key", `{"device_id":"d"}`, "invalid_request"},
		{"garbage key", `{"device_id":"d","public_key":"not a key"}`, "invalid_public_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/v1/devices", []byte(tt.body))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.kind, decodeError(t, rec).Error)
		})
	}
}

func TestRevokeDevice(t *testing.T) {
	e := newTestEnv(t, nil)
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/v1/devices", e.registerBody(t)).Code)

	rec := e.do(t, http.MethodPost, "/v1/devices/device-1/revoke", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp deviceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Revoked)

	rec = e.do(t, http.MethodPost, "/v1/devices/nobody/revoke", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadBlob(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(t, http.MethodPut, "/v1/blobs/captures/c1/frames.bin", []byte("frames"))
	require.Equal(t, http.StatusNoContent, rec.Code)
	data, err := e.blobs.Download(context.Background(), "captures/c1/frames.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("frames"), data)

	rec = e.do(t, http.MethodPut, "/v1/blobs/captures/x.meta.json", []byte("x"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitCaptureAndFetchEvidence(t *testing.T) {
	e := newTestEnv(t, nil)
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/v1/devices", e.registerBody(t)).Code)

	p := e.record(t, "capture-1")
	body, err := p.Encode()
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/v1/captures", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Evidence-Digest"))

	var created struct {
		EvidenceID string `json:"evidence_id"`
		CaptureID  string `json:"capture_id"`
		HashChain  struct {
			ChainIntact bool `json:"chain_intact"`
		} `json:"hash_chain"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "capture-1", created.CaptureID)
	assert.True(t, created.HashChain.ChainIntact)

	rec = e.do(t, http.MethodGet, "/v1/evidence/"+created.EvidenceID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.EvidenceID)

	rec = e.do(t, http.MethodGet, "/v1/evidence/"+created.EvidenceID+"?format=text", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "FRAMEWITNESS CAPTURE EVIDENCE REPORT")

	rec = e.do(t, http.MethodGet, "/v1/evidence/"+created.EvidenceID+"?format=markdown", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/markdown"))

	rec = e.do(t, http.MethodPost, "/v1/captures/capture-1/reprocess", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/v1/captures/capture-1/evidence?history=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 2)
	assert.Equal(t, created.EvidenceID, history[1]["processing"].(map[string]any)["supersedes"])

	rec = e.do(t, http.MethodGet, "/v1/captures/capture-1/evidence", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, history[1]["evidence_id"], decodeMap(t, rec)["evidence_id"])
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestSubmitCaptureErrors(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(t, http.MethodPost, "/v1/captures", []byte("not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	p := e.record(t, "capture-1")
	p.Attestation = nil
	body, err := json.Marshal(p)
	require.NoError(t, err)
	rec = e.do(t, http.MethodPost, "/v1/captures", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/captures/missing/reprocess", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/v1/evidence/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/v1/captures/missing/evidence?history=1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitCaptureOfAnotherDevice(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, nil)
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/v1/devices", e.registerBody(t)).Code)

	p := e.record(t, "capture-1")
	body, err := p.Encode()
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/v1/captures", body).Code)

	// another device claims the same capture id
	other := *p
	other.DeviceID = "device-2"
	other.Chain = p.Chain.Clone()
	other.Chain.DeviceID = "device-2"
	body, err = other.Encode()
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/v1/captures", body)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "capture_conflict", decodeError(t, rec).Error)

	stored, err := payload.Download(ctx, e.blobs, "capture-1")
	require.NoError(t, err)
	assert.Equal(t, "device-1", stored.DeviceID, "payload must not be overwritten")
	latest, err := e.store.LatestEvidence(ctx, "capture-1")
	require.NoError(t, err)
	assert.Equal(t, "device-1", latest.DeviceID)

	// a payload uploaded but never processed is protected too
	fresh := e.record(t, "capture-2")
	require.Equal(t, "device-1", fresh.DeviceID)
	other.CaptureID = "capture-2"
	body, err = other.Encode()
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/v1/captures", body).Code)
}

func TestSubmitCaptureRateLimited(t *testing.T) {
	e := newTestEnv(t, security.NewKeyedLimiter(0.001, 1, time.Minute))
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/v1/devices", e.registerBody(t)).Code)

	body, err := e.record(t, "capture-1").Encode()
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/v1/captures", body).Code)

	rec := e.do(t, http.MethodPost, "/v1/captures", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeError(t, rec).Error)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeMap(t, rec)["status"])

	rec = e.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "captures_received_total")
}
