// Package api is the HTTP surface of framewitnessd: device registration,
// blob and capture upload, and evidence retrieval.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"framewitness/internal/evidence"
	"framewitness/internal/health"
	"framewitness/internal/logging"
	"framewitness/internal/metrics"
	"framewitness/internal/payload"
	"framewitness/internal/pipeline"
	"framewitness/internal/report"
	"framewitness/internal/security"
	"framewitness/internal/signer"
	"framewitness/internal/storage"
	"framewitness/internal/store"
)

// Blobs is the object storage the server reads and writes.
type Blobs interface {
	storage.Downloader
	storage.Uploader
}

// Dependencies wires a Server.
type Dependencies struct {
	Logger    *slog.Logger
	Addr      string
	Processor *pipeline.Processor
	Store     pipeline.Store
	Blobs     Blobs
	Metrics   *metrics.Set
	Audit     *logging.AuditLogger
	// Health defaults to an evidence integrity check on Store.
	Health *health.Checker
	// Limiter throttles capture submissions per device. Nil disables it.
	Limiter           *security.KeyedLimiter
	MaxUploadBytes    int64
	ReadHeaderTimeout time.Duration
	MetricsPath       string
	// DisableMetrics removes the metrics endpoint; metrics are still
	// collected.
	DisableMetrics bool
}

// Server serves the HTTP API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	mux        *http.ServeMux
	processor  *pipeline.Processor
	store      pipeline.Store
	blobs      Blobs
	metrics    *metrics.Set
	audit      *logging.AuditLogger
	limiter    *security.KeyedLimiter
	health     *health.Checker
	maxUpload  int64
}

// NewServer builds the routes.
func NewServer(d Dependencies) *Server {
	if d.Logger == nil {
		d.Logger = logging.Default().Logger
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Global()
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 512 << 20
	}
	if d.ReadHeaderTimeout <= 0 {
		d.ReadHeaderTimeout = 5 * time.Second
	}
	if d.Health == nil {
		d.Health = defaultHealth(d.Store)
	}
	if d.MetricsPath == "" {
		d.MetricsPath = "/metrics"
	}

	mux := http.NewServeMux()
	s := &Server{
		logger:    d.Logger.With("component", "api"),
		mux:       mux,
		processor: d.Processor,
		store:     d.Store,
		blobs:     d.Blobs,
		metrics:   d.Metrics,
		audit:     d.Audit,
		limiter:   d.Limiter,
		health:    d.Health,
		maxUpload: d.MaxUploadBytes,
	}

	mux.HandleFunc("POST /v1/devices", s.handleRegisterDevice)
	mux.HandleFunc("POST /v1/devices/{id}/revoke", s.handleRevokeDevice)
	mux.HandleFunc("PUT /v1/blobs/{key...}", s.handleUploadBlob)
	mux.HandleFunc("POST /v1/captures", s.handleSubmitCapture)
	mux.HandleFunc("POST /v1/captures/{id}/reprocess", s.handleReprocess)
	mux.HandleFunc("GET /v1/captures/{id}/evidence", s.handleCaptureEvidence)
	mux.HandleFunc("GET /v1/evidence/{id}", s.handleGetEvidence)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /livez", s.health.LivenessHandler())
	mux.Handle("GET /readyz", s.health.ReadinessHandler())
	if !d.DisableMetrics {
		mux.Handle("GET "+d.MetricsPath, d.Metrics.Registry().HTTPHandler())
	}

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           requestMiddleware(s.logger, mux),
		ReadHeaderTimeout: d.ReadHeaderTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type registerRequest struct {
	DeviceID string `json:"device_id"`
	// PublicKey is a PEM "PUBLIC KEY" block or an authorized_keys line.
	PublicKey      string `json:"public_key"`
	HardwareBacked bool   `json:"hardware_backed"`
}

type deviceResponse struct {
	DeviceID       string    `json:"device_id"`
	KeyID          string    `json:"key_id"`
	KeyType        string    `json:"key_type"`
	HardwareBacked bool      `json:"hardware_backed"`
	Revoked        bool      `json:"revoked"`
	RegisteredAt   time.Time `json:"registered_at,omitzero"`
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.DeviceID == "" || req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "device_id and public_key are required")
		return
	}
	pub, err := signer.ParsePublicKeyText([]byte(req.PublicKey))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_public_key", err.Error())
		return
	}
	dev, err := store.NewDevice(req.DeviceID, pub, req.HardwareBacked)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_public_key", err.Error())
		return
	}
	if err := s.store.RegisterDevice(r.Context(), dev); err != nil {
		if errors.Is(err, store.ErrDeviceExists) {
			writeError(w, http.StatusConflict, "device_exists", err.Error())
			return
		}
		s.internalError(w, r, "register device", err)
		return
	}
	s.metrics.DevicesRegistered.Inc()
	s.audit.DeviceRegistered(r.Context(), dev.ID, dev.KeyID)
	writeJSON(w, http.StatusCreated, deviceResponse{
		DeviceID:       dev.ID,
		KeyID:          dev.KeyID,
		KeyType:        string(dev.KeyType),
		HardwareBacked: dev.HardwareBacked,
	})
}

func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.RevokeDevice(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown_device", err.Error())
			return
		}
		s.internalError(w, r, "revoke device", err)
		return
	}
	dev, err := s.store.GetDevice(r.Context(), id)
	if err != nil {
		s.internalError(w, r, "revoke device", err)
		return
	}
	writeJSON(w, http.StatusOK, deviceResponse{
		DeviceID:       dev.ID,
		KeyID:          dev.KeyID,
		KeyType:        string(dev.KeyType),
		HardwareBacked: dev.HardwareBacked,
		Revoked:        dev.Revoked,
		RegisteredAt:   dev.RegisteredAt,
	})
}

func (s *Server) handleUploadBlob(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := storage.ValidateKey(key); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_key", err.Error())
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "bad_body", err.Error())
		return
	}
	if err := s.blobs.Upload(r.Context(), key, data, r.Header.Get("Content-Type")); err != nil {
		if errors.Is(err, storage.ErrInvalidKey) {
			writeError(w, http.StatusBadRequest, "invalid_key", err.Error())
			return
		}
		s.internalError(w, r, "upload blob", err)
		return
	}
	s.metrics.UploadBytes.Observe(float64(len(data)))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmitCapture(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
		return
	}
	pl, err := payload.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	if s.limiter != nil && !s.limiter.Allow(pl.DeviceID) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many captures from this device")
		return
	}
	ctx := r.Context()
	if err := s.processor.CheckOwner(ctx, pl.CaptureID, pl.DeviceID); err != nil {
		if errors.Is(err, pipeline.ErrCaptureConflict) {
			writeError(w, http.StatusConflict, "capture_conflict", err.Error())
			return
		}
		s.internalError(w, r, "check capture owner", err)
		return
	}
	if err := payload.Upload(ctx, s.blobs, pl); err != nil {
		s.internalError(w, r, "store payload", err)
		return
	}
	s.process(w, r, func() (*evidence.Evidence, error) { return s.processor.Process(ctx, pl) })
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.process(w, r, func() (*evidence.Evidence, error) { return s.processor.ProcessCapture(r.Context(), id) })
}

func (s *Server) process(w http.ResponseWriter, r *http.Request, run func() (*evidence.Evidence, error)) {
	ev, err := run()
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown_capture", err.Error())
		case errors.Is(err, pipeline.ErrRejected):
			writeError(w, http.StatusBadRequest, "rejected", err.Error())
		case errors.Is(err, pipeline.ErrCaptureConflict):
			writeError(w, http.StatusConflict, "capture_conflict", err.Error())
		default:
			s.internalError(w, r, "process capture", err)
		}
		return
	}
	writeEvidence(w, http.StatusCreated, ev)
}

func (s *Server) handleCaptureEvidence(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if r.URL.Query().Get("history") != "" {
		rows, err := s.store.EvidenceHistory(r.Context(), id)
		if err != nil {
			s.internalError(w, r, "evidence history", err)
			return
		}
		if len(rows) == 0 {
			writeError(w, http.StatusNotFound, "not_found", "no evidence for capture")
			return
		}
		evs := make([]*evidence.Evidence, 0, len(rows))
		for _, row := range rows {
			ev, err := evidence.Parse(row.JSON)
			if err != nil {
				s.internalError(w, r, "parse stored evidence", err)
				return
			}
			evs = append(evs, ev)
		}
		data, err := report.JSON(evs)
		if err != nil {
			s.internalError(w, r, "encode history", err)
			return
		}
		writeRaw(w, http.StatusOK, "application/json", data)
		return
	}
	row, err := s.store.LatestEvidence(r.Context(), id)
	s.writeRow(w, r, row, err)
}

func (s *Server) handleGetEvidence(w http.ResponseWriter, r *http.Request) {
	row, err := s.store.GetEvidence(r.Context(), r.PathValue("id"))
	s.writeRow(w, r, row, err)
}

func (s *Server) writeRow(w http.ResponseWriter, r *http.Request, row *store.EvidenceRow, err error) {
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		s.internalError(w, r, "load evidence", err)
		return
	}
	ev, err := evidence.Parse(row.JSON)
	if err != nil {
		s.internalError(w, r, "parse stored evidence", err)
		return
	}
	format, err := report.ParseFormat(r.URL.Query().Get("format"))
	if err != nil || format == report.FormatJSON || r.URL.Query().Get("format") == "" {
		writeEvidence(w, http.StatusOK, ev)
		return
	}
	contentType := "text/plain; charset=utf-8"
	if format == report.FormatMarkdown {
		contentType = "text/markdown; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if err := report.NewGenerator(format).Generate(ev, w); err != nil {
		s.logger.Error("render report", "error", err)
	}
}

type integrityChecker interface {
	IntegrityOK() bool
}

// defaultHealth checks whatever the store can report about itself.
func defaultHealth(st pipeline.Store) *health.Checker {
	c := health.NewChecker()
	if ic, ok := st.(integrityChecker); ok {
		c.Register(health.Component{Name: "evidence_integrity", Critical: true, Check: health.IntegrityCheck(ic.IntegrityOK)})
	}
	c.SetReady(true)
	return c
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.metrics.UpdateUptime()
	s.health.Handler().ServeHTTP(w, r)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.ErrorContext(r.Context(), op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
}
