// framectl - framewitness device and operator tool
//
//	framectl keygen              Create a software device key
//	framectl pubkey              Print the public half of a device key
//	framectl register            Register a device key with framewitnessd
//	framectl capture             Record a synthetic capture and upload it
//	framectl stats               Show evidence store statistics
package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"framewitness/internal/capture"
	"framewitness/internal/config"
	"framewitness/internal/hardware"
	"framewitness/internal/logging"
	"framewitness/internal/security"
	"framewitness/internal/signals"
	"framewitness/internal/signer"
	"framewitness/internal/storage"
	"framewitness/internal/store"
	"framewitness/internal/tpm"
	"framewitness/internal/verify"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "keygen":
		err = cmdKeygen(args)
	case "pubkey":
		err = cmdPubkey(args)
	case "register":
		err = cmdRegister(args)
	case "capture":
		err = cmdCapture(args)
	case "stats":
		err = cmdStats(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "framectl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`framectl - framewitness device and operator tool

USAGE:
    framectl <command> [options]

COMMANDS:
    keygen      Create a software device key
    pubkey      Print the public half of a device key
    register    Register a device key with framewitnessd
    capture     Record a synthetic capture and upload it to a blob directory
    stats       Show evidence store statistics
    help        Show this help message

WORKFLOW:
    1. framectl keygen -out device.key
    2. framectl register -server http://127.0.0.1:8470 -device phone-1
    3. framectl capture -device phone-1 -out ./upload
    4. frameverify -blobs ./upload -key device.pub <capture-id>

Run "framectl <command> -h" for command options.`)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func cmdKeygen(args []string) error {
	fset := flag.NewFlagSet("keygen", flag.ExitOnError)
	configPath := fset.String("config", "", "configuration file")
	out := fset.String("out", "", "private key path (default: signing.key_path)")
	force := fset.Bool("force", false, "overwrite an existing key")
	fset.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	path := *out
	if path == "" {
		path = cfg.Signing.KeyPath
	}
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force to replace it)", path)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	keyID, err := signer.KeyID(key.Public())
	if err != nil {
		return err
	}
	pem, err := signer.MarshalPrivateKey(key)
	if err != nil {
		return err
	}
	defer security.Wipe(pem)
	if err := security.WriteSecretFile(path, pem); err != nil {
		return err
	}
	os.Remove(counterPath(path))

	pub, err := signer.MarshalAuthorizedKey(key.Public())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path+".pub", pub, 0644); err != nil {
		return err
	}
	fmt.Printf("Key written to %s\n", path)
	fmt.Printf("Key ID: %s\n", keyID)
	fmt.Printf("Public key: %s", pub)
	return nil
}

func cmdPubkey(args []string) error {
	fset := flag.NewFlagSet("pubkey", flag.ExitOnError)
	configPath := fset.String("config", "", "configuration file")
	keyPath := fset.String("key", "", "private key path (default: signing.key_path)")
	fset.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	path := *keyPath
	if path == "" {
		path = cfg.Signing.KeyPath
	}
	key, err := signer.LoadPrivateKey(path)
	if err != nil {
		return err
	}
	pub, err := signer.MarshalAuthorizedKey(key.Public())
	if err != nil {
		return err
	}
	fmt.Print(string(pub))
	return nil
}

func cmdRegister(args []string) error {
	fset := flag.NewFlagSet("register", flag.ExitOnError)
	configPath := fset.String("config", "", "configuration file")
	server := fset.String("server", "", "framewitnessd base URL (default: from server.listen_addr)")
	deviceID := fset.String("device", "", "device id")
	keyPath := fset.String("key", "", "private key path (default: signing.key_path)")
	software := fset.Bool("software", false, "declare the key as software backed")
	fset.Parse(args)

	if *deviceID == "" {
		return errors.New("-device is required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	dev, closeDev, err := openDevice(cfg, *keyPath)
	if err != nil {
		return err
	}
	defer closeDev()
	pub, err := signer.MarshalAuthorizedKey(dev.Public())
	if err != nil {
		return err
	}
	_, isTPM := dev.(*tpm.Device)

	body, err := json.Marshal(map[string]any{
		"device_id":       *deviceID,
		"public_key":      string(pub),
		"hardware_backed": isTPM || !*software,
	})
	if err != nil {
		return err
	}
	base := *server
	if base == "" {
		base = "http://" + cfg.Server.ListenAddr
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(base, "/")+"/v1/devices", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("register failed: %s: %s", resp.Status, bytes.TrimSpace(out))
	}
	fmt.Printf("%s\n", bytes.TrimSpace(out))
	return nil
}

func cmdCapture(args []string) error {
	fset := flag.NewFlagSet("capture", flag.ExitOnError)
	configPath := fset.String("config", "", "configuration file")
	keyPath := fset.String("key", "", "private key path (default: signing.key_path)")
	deviceID := fset.String("device", "", "device id")
	out := fset.String("out", "", "blob directory to upload into")
	frames := fset.Int("frames", 300, "number of frames to record")
	fps := fset.Float64("fps", 30, "frame rate")
	mode := fset.String("mode", string(verify.ModeFullMedia), "upload mode: full_media or hash_only")
	compress := fset.Bool("compress", true, "zstd-compress uploaded bundles")
	interruptAt := fset.Int("interrupt-at", 0, "interrupt the capture after this many frames")
	verbose := fset.Bool("verbose", false, "log capture progress")
	fset.Parse(args)

	if *deviceID == "" || *out == "" {
		return errors.New("-device and -out are required")
	}
	m := verify.Mode(*mode)
	if m != verify.ModeFullMedia && m != verify.ModeHashOnly {
		return fmt.Errorf("unknown mode %q", *mode)
	}
	if *frames <= 0 || *fps <= 0 {
		return errors.New("-frames and -fps must be positive")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	level := logging.LevelWarn
	if *verbose {
		level = logging.LevelDebug
	}
	logger, err := logging.New(&logging.Config{Level: level, Output: "stderr", Component: "framectl"})
	if err != nil {
		return err
	}

	dev, closeDev, err := openDevice(cfg, *keyPath)
	if err != nil {
		return err
	}
	defer closeDev()

	blobs, err := storage.OpenFS(*out, storage.WithFSLogger(logger.Logger))
	if err != nil {
		return err
	}
	defer blobs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sc := capture.FromConfig(cfg, *deviceID)
	sc.Logger = logger.Logger
	sc.KeepFrames = m == verify.ModeFullMedia
	s, err := capture.Start(sc, dev)
	if err != nil {
		return err
	}
	defer s.Close()

	interrupted := false
	frameDur := time.Duration(float64(time.Second) / *fps)
	for i := range *frames {
		if *interruptAt > 0 && i == *interruptAt {
			interrupted = true
			break
		}
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		data, err := syntheticFrame(i)
		if err != nil {
			return err
		}
		if err := s.Add(ctx, capture.Frame{Data: data, Elapsed: time.Duration(i) * frameDur}); err != nil {
			if errors.Is(err, context.Canceled) {
				interrupted = true
				break
			}
			return err
		}
	}

	// the upload must complete even after ^C
	ctx = context.WithoutCancel(ctx)
	var res *capture.Result
	if interrupted {
		res, err = s.Interrupt(ctx)
	} else {
		res, err = s.Finish(ctx)
	}
	if err != nil {
		return err
	}
	pl, err := res.Payload(ctx, blobs, capture.UploadOptions{Mode: m, Compress: *compress, FrameRate: *fps})
	if err != nil {
		return err
	}
	// Close would cancel a signing retry that is still queued
	if !pl.Attestation.Attested() {
		if att := s.WaitRetries(); att != nil {
			if pl, err = res.Reattest(ctx, blobs, pl, att); err != nil {
				return err
			}
		}
	}
	if sd, ok := dev.(*hardware.SoftwareDevice); ok {
		if err := saveCounter(keyOrDefault(cfg, *keyPath), sd.Counter()); err != nil {
			return err
		}
	}

	fmt.Printf("Capture ID: %s\n", pl.CaptureID)
	fmt.Printf("Frames: %d (%d checkpoints)\n", pl.Chain.FrameCount, len(pl.Chain.Checkpoints))
	if pl.Attestation.Attested() {
		fmt.Printf("Attested: yes (counter %d)\n", pl.Attestation.Counter)
	} else {
		fmt.Printf("Attested: no (%s)\n", pl.Attestation.UnattestedReason)
	}
	if interrupted {
		fmt.Println("Interrupted: attested up to the last signed checkpoint")
	}
	return nil
}

func cmdStats(args []string) error {
	fset := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fset.String("config", config.ConfigPath(), "configuration file")
	fset.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	secret, err := security.ReadSecretFile(cfg.Server.SecretPath, 4096)
	if err != nil {
		return fmt.Errorf("read server secret: %w", err)
	}
	st, err := store.Open(cfg.Storage.DatabasePath, secret)
	security.Wipe(secret)
	if err != nil && !errors.Is(err, store.ErrIntegrity) {
		return err
	}
	defer st.Close()

	stats, err := st.Stats(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Database:     %s\n", cfg.Storage.DatabasePath)
	fmt.Printf("Schema:       v%d\n", stats.SchemaVersion)
	fmt.Printf("Devices:      %d\n", stats.Devices)
	fmt.Printf("Captures:     %d\n", stats.Captures)
	fmt.Printf("Evidence:     %d\n", stats.Evidence)
	for _, level := range []string{"high", "medium", "low", "suspicious"} {
		fmt.Printf("  %-11s %d\n", level+":", stats.ByLevel[level])
	}
	fmt.Printf("Integrity:    %v\n", okString(stats.IntegrityOK))
	if !stats.LastVerified.IsZero() {
		fmt.Printf("Verified at:  %s\n", stats.LastVerified.Format(time.RFC3339))
	}
	return nil
}

func okString(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAILED"
}

// openDevice returns the TPM when enabled, otherwise the software key.
func openDevice(cfg *config.Config, keyPath string) (hardware.Device, func(), error) {
	if cfg.Signing.TPMEnabled {
		d, err := tpm.Open(cfg.Signing.TPMPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open tpm: %w", err)
		}
		return d, func() { d.Close() }, nil
	}
	path := keyOrDefault(cfg, keyPath)
	key, err := signer.LoadPrivateKey(path)
	if err != nil {
		return nil, nil, err
	}
	counter, err := loadCounter(path)
	if err != nil {
		return nil, nil, err
	}
	d, err := hardware.NewSoftwareDevice(key, counter)
	if err != nil {
		return nil, nil, err
	}
	return d, func() { d.Close() }, nil
}

func keyOrDefault(cfg *config.Config, keyPath string) string {
	if keyPath != "" {
		return keyPath
	}
	return cfg.Signing.KeyPath
}

// The software key's counter lives next to it so replays stay detectable
// across runs.
func counterPath(keyPath string) string { return keyPath + ".counter" }

func loadCounter(keyPath string) (uint64, error) {
	data, err := os.ReadFile(counterPath(keyPath))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

func saveCounter(keyPath string, counter uint64) error {
	return security.WriteSecretFile(counterPath(keyPath), []byte(strconv.FormatUint(counter, 10)+"\n"))
}

// syntheticFrame renders a drifting gradient so consecutive frames differ.
func syntheticFrame(i int) ([]byte, error) {
	const w, h = 64, 48
	kf := signals.Keyframe{Width: w, Height: h, Luma: make([]byte, w*h)}
	for y := range h {
		for x := range w {
			kf.Luma[y*w+x] = byte((x*3 + y*2 + i*4) % 256)
		}
	}
	return signals.EncodeJPEG(kf, 85)
}
