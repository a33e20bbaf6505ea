// Command frameverify verifies an uploaded capture offline, without a
// running framewitnessd. It reads the capture from a blob directory laid
// out the way framewitnessd stores uploads and prints the evidence.
//
// Usage:
//
//	frameverify [flags] -blobs <dir> <capture-id>
//
// Examples:
//
//	frameverify -blobs ./upload -key device.pub 3f2c...
//	frameverify -blobs ./upload -key device.pub -format json 3f2c...
package main

import (
	"context"
	"crypto"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"framewitness/internal/config"
	"framewitness/internal/confidence"
	"framewitness/internal/evidence"
	"framewitness/internal/logging"
	"framewitness/internal/payload"
	"framewitness/internal/pipeline"
	"framewitness/internal/report"
	"framewitness/internal/signer"
	"framewitness/internal/status"
	"framewitness/internal/storage"
	"framewitness/internal/store"
	"framewitness/internal/watcher"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	blobDir := flag.String("blobs", ".", "directory holding the uploaded capture")
	keyPath := flag.String("key", "", "device public key (PEM or authorized_keys line)")
	hardwareBacked := flag.Bool("hardware", true, "treat the device key as hardware backed")
	configPath := flag.String("config", "", "configuration file for thresholds and weights")
	formatStr := flag.String("format", "text", "output format: text, json, markdown")
	output := flag.String("output", "", "output file (default: stdout)")
	verbose := flag.Bool("verbose", false, "verbose output with details")
	timeout := flag.Duration("timeout", time.Minute, "verification timeout")
	quiet := flag.Bool("quiet", false, "only set the exit code")
	exitCode := flag.Bool("exit-code", true, "exit non-zero when the capture is suspicious or the chain fails")
	watch := flag.Bool("watch", false, "keep running and verify captures as they arrive in -blobs")
	versionFlag := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "frameverify - Verify framewitness captures offline\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <capture-id>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "       %s [flags] -watch\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExit codes:\n")
		fmt.Fprintf(os.Stderr, "  0  verified\n")
		fmt.Fprintf(os.Stderr, "  1  suspicious capture or broken chain\n")
		fmt.Fprintf(os.Stderr, "  2  usage or input error\n")
	}
	flag.Parse()

	if *versionFlag {
		fmt.Printf("frameverify %s (commit: %s, built: %s)\n", version, commit, buildTime)
		return
	}
	if flag.NArg() < 1 && !*watch {
		fmt.Fprintf(os.Stderr, "Error: capture id required\n\n")
		flag.Usage()
		os.Exit(2)
	}
	format, err := report.ParseFormat(*formatStr)
	if err != nil {
		fatal(2, err)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			fatal(2, err)
		}
	}
	level := logging.LevelError
	if *verbose {
		level = logging.LevelInfo
	}
	logger, err := logging.New(&logging.Config{Level: level, Output: "stderr", Component: "frameverify"})
	if err != nil {
		fatal(2, err)
	}
	logging.SetDefault(logger)

	blobs, err := storage.OpenFS(*blobDir, storage.WithFSLogger(logger.Logger))
	if err != nil {
		fatal(2, err)
	}
	defer blobs.Close()

	v := &verifier{
		store:          store.NewMemoryStore(),
		hardwareBacked: *hardwareBacked,
		timeout:        *timeout,
	}
	if *keyPath != "" {
		if v.key, err = signer.LoadPublicKey(*keyPath); err != nil {
			fatal(2, err)
		}
	}
	v.proc = pipeline.FromConfig(cfg, blobs, v.store, version, pipeline.WithLogger(logger.Logger))

	if *watch {
		if err := v.watch(blobs, *blobDir, logger); err != nil {
			fatal(2, err)
		}
		return
	}

	ev, err := v.verify(blobs, flag.Arg(0))
	if err != nil {
		fatal(2, err)
	}

	var w io.Writer = os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			fatal(2, err)
		}
		defer f.Close()
		w = f
	}
	if !*quiet {
		if err := report.NewGenerator(format).WithVerbose(*verbose).Generate(ev, w); err != nil {
			fatal(2, err)
		}
	}

	if *exitCode && (ev.Level() == confidence.Suspicious || ev.ChainStatus() == status.Fail) {
		os.Exit(1)
	}
}

type verifier struct {
	proc           *pipeline.Processor
	store          *store.MemoryStore
	key            crypto.PublicKey
	hardwareBacked bool
	timeout        time.Duration
}

// verify processes one capture, registering the key for its device on
// first sight.
func (v *verifier) verify(blobs storage.Downloader, captureID string) (*evidence.Evidence, error) {
	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()

	pl, err := payload.Download(ctx, blobs, captureID)
	if err != nil {
		return nil, fmt.Errorf("load capture: %w", err)
	}
	if v.key != nil {
		if _, err := v.store.GetDevice(ctx, pl.DeviceID); errors.Is(err, store.ErrNotFound) {
			dev, err := store.NewDevice(pl.DeviceID, v.key, v.hardwareBacked)
			if err != nil {
				return nil, err
			}
			if err := v.store.RegisterDevice(ctx, dev); err != nil {
				return nil, err
			}
		}
	}
	return v.proc.Process(ctx, pl)
}

// watch verifies every capture already in dir and then each new one,
// printing a summary line per capture until interrupted.
func (v *verifier) watch(blobs storage.Downloader, dir string, logger *logging.Logger) error {
	w, err := watcher.New(dir, time.Second, watcher.WithBacklog(true), watcher.WithLogger(logger.Logger))
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	fmt.Fprintf(os.Stderr, "Watching %s for captures\n", dir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-w.Errors():
			logger.Warn("watch error", "error", err)
		case e := <-w.Events():
			ev, err := v.verify(blobs, e.CaptureID)
			if err != nil {
				fmt.Printf("[ERROR] capture %s: %v\n", e.CaptureID, err)
				continue
			}
			fmt.Println(report.Summary(ev))
		}
	}
}

func fatal(code int, err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(code)
}
