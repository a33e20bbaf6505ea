package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"

	"framewitness/internal/logging"
)

const metaSuffix = ".meta.json"

// ObjectInfo is the sidecar written next to every object.
type ObjectInfo struct {
	Key         string        `json:"key"`
	ContentType string        `json:"content_type"`
	Digest      digest.Digest `json:"digest"`
	Size        int64         `json:"size"`
}

// FS stores objects as files below a root directory. Keys are slash
// separated relative paths; nothing outside the root is reachable.
type FS struct {
	root    *os.Root
	maxSize int64
	logger  *slog.Logger
}

// FSOption configures an FS.
type FSOption func(*FS)

// WithMaxObjectSize rejects downloads and uploads larger than n bytes.
func WithMaxObjectSize(n int64) FSOption {
	return func(f *FS) { f.maxSize = n }
}

// WithFSLogger sets the logger.
func WithFSLogger(l *slog.Logger) FSOption {
	return func(f *FS) { f.logger = l }
}

// OpenFS opens (creating if needed) a filesystem store rooted at dir.
func OpenFS(dir string, opts ...FSOption) (*FS, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: open root: %w", err)
	}
	f := &FS{root: root, logger: logging.Default().Logger}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Close releases the root directory handle.
func (f *FS) Close() error {
	return f.root.Close()
}

// Download reads the object stored under key.
func (f *FS) Download(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if f.maxSize > 0 {
		st, err := f.root.Stat(key)
		if err != nil {
			return nil, f.mapErr(key, err)
		}
		if st.Size() > f.maxSize {
			return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, key, st.Size())
		}
	}
	data, err := f.root.ReadFile(key)
	if err != nil {
		return nil, f.mapErr(key, err)
	}
	return data, nil
}

// Upload writes data under key atomically and records its sidecar.
func (f *FS) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	if f.maxSize > 0 && int64(len(data)) > f.maxSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, key, len(data))
	}
	if dir := path.Dir(key); dir != "." {
		if err := f.root.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("storage: create %s: %w", dir, err)
		}
	}

	info := ObjectInfo{
		Key:         key,
		ContentType: contentType,
		Digest:      digest.FromBytes(data),
		Size:        int64(len(data)),
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("storage: encode sidecar: %w", err)
	}
	if err := f.writeAtomic(key, data); err != nil {
		return err
	}
	if err := f.writeAtomic(key+metaSuffix, meta); err != nil {
		return err
	}
	f.logger.Debug("object stored", "key", key, "size", len(data), "digest", info.Digest)
	return nil
}

// Stat returns the sidecar of key.
func (f *FS) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	raw, err := f.root.ReadFile(key + metaSuffix)
	if err != nil {
		return nil, f.mapErr(key, err)
	}
	var info ObjectInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("storage: decode sidecar of %s: %w", key, err)
	}
	return &info, nil
}

func (f *FS) writeAtomic(name string, data []byte) error {
	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return fmt.Errorf("storage: temp name: %w", err)
	}
	tmp := name + ".tmp-" + hex.EncodeToString(suffix[:])

	file, err := f.root.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("storage: create %s: %w", name, err)
	}
	_, werr := file.Write(data)
	if werr == nil {
		werr = file.Sync()
	}
	if cerr := file.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		f.root.Remove(tmp)
		return fmt.Errorf("storage: write %s: %w", name, werr)
	}
	if err := f.root.Rename(tmp, name); err != nil {
		f.root.Remove(tmp)
		return fmt.Errorf("storage: commit %s: %w", name, err)
	}
	return nil
}

func (f *FS) mapErr(key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Errorf("storage: %s: %w", key, err)
}

// ValidateKey rejects keys that are empty, absolute, contain dot segments
// or collide with sidecar names.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case strings.HasPrefix(key, "/"), strings.Contains(key, "\\"):
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	case strings.HasSuffix(key, metaSuffix), strings.Contains(key, ".tmp-"):
		return fmt.Errorf("%w: reserved name %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
