// Command framewitnessd is the capture verification server. It accepts
// device registrations and capture uploads over HTTP, verifies each
// capture and stores the resulting evidence.
//
// Usage:
//
//	framewitnessd [-config path]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"framewitness/internal/api"
	"framewitness/internal/config"
	"framewitness/internal/health"
	"framewitness/internal/logging"
	"framewitness/internal/metrics"
	"framewitness/internal/pipeline"
	"framewitness/internal/security"
	"framewitness/internal/storage"
	"framewitness/internal/store"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

const (
	shutdownTimeout  = 15 * time.Second
	minFreeBlobBytes = 1 << 30
)

func main() {
	configPath := flag.String("config", config.ConfigPath(), "configuration file (toml, json or yaml)")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("framewitnessd %s (commit: %s, built: %s)\n", version, commit, buildTime)
		return
	}
	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "framewitnessd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer loader.Close()
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	lc, err := cfg.LoggerConfig("framewitnessd")
	if err != nil {
		return err
	}
	logger, err := logging.New(lc)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	audit, err := logging.OpenAuditLog(cfg.Logging.AuditPath, "framewitnessd")
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer audit.Close()

	secret, err := loadSecret(cfg.Server.SecretPath)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Storage.DatabasePath, secret)
	security.Wipe(secret)
	if errors.Is(err, store.ErrIntegrity) {
		// keep serving reads; health reports the failure
		logger.Error("evidence history failed integrity check", "error", err)
	} else if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	blobs, err := storage.OpenFS(cfg.Storage.BlobDir,
		storage.WithMaxObjectSize(cfg.Server.MaxUploadBytes),
		storage.WithFSLogger(logger.Logger))
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	defer blobs.Close()

	proc := pipeline.FromConfig(cfg, blobs, st, version, pipeline.WithAudit(audit))

	var limiter *security.KeyedLimiter
	if cfg.Server.UploadsPerMinute > 0 {
		limiter = security.NewKeyedLimiter(cfg.Server.UploadsPerMinute/60, cfg.Server.UploadBurst, 10*time.Minute)
	}

	checker := health.NewChecker()
	checker.Register(health.Component{Name: "database", Critical: true, Check: health.PingCheck(st.DB().PingContext)})
	checker.Register(health.Component{Name: "evidence_integrity", Critical: true, Check: health.IntegrityCheck(st.IntegrityOK)})
	checker.Register(health.Component{Name: "blob_disk", Check: health.DiskSpaceCheck(cfg.Storage.BlobDir, minFreeBlobBytes)})

	srv := api.NewServer(api.Dependencies{
		Logger:            logger.Logger,
		Addr:              cfg.Server.ListenAddr,
		Processor:         proc,
		Store:             st,
		Blobs:             blobs,
		Metrics:           metrics.Global(),
		Audit:             audit,
		Health:            checker,
		Limiter:           limiter,
		MaxUploadBytes:    cfg.Server.MaxUploadBytes,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout(),
		MetricsPath:       cfg.Metrics.Path,
		DisableMetrics:    !cfg.Metrics.Enabled,
	})

	loader.OnChange(func(next *config.Config) {
		if lvl, err := logging.ParseLevel(next.Logging.Level); err == nil && lvl != logger.Level() {
			logger.SetLevel(lvl)
			logger.Info("log level changed", "level", lvl.String())
		}
		logger.Warn("configuration changed on disk; other settings apply after restart")
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config watch disabled", "error", err)
	}
	go func() {
		for err := range loader.Errors() {
			logger.Warn("ignoring invalid configuration edit", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.ListenAddr, "version", version)
		checker.SetReady(true)
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	checker.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", slog.Any("error", err))
		return err
	}
	return nil
}

// loadSecret reads the server master secret, creating it on first start.
func loadSecret(path string) ([]byte, error) {
	secret, err := security.ReadSecretFile(path, 4096)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read server secret: %w", err)
	}
	secret, err = security.GenerateKey(32)
	if err != nil {
		return nil, err
	}
	if err := security.WriteSecretFile(path, secret); err != nil {
		return nil, fmt.Errorf("write server secret: %w", err)
	}
	return secret, nil
}
