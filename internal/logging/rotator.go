package logging

import (
	"cmp"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const backupStamp = "20060102-150405.000"

// FileRotator is an io.Writer over Config.FilePath that starts a new file
// when the current one would exceed MaxSize megabytes or the calendar day
// changes. Rotated files are optionally gzipped and pruned by MaxBackups
// and MaxAge.
type FileRotator struct {
	path       string
	limit      int64
	compress   bool
	maxBackups int
	maxAge     time.Duration

	mu      sync.Mutex
	file    *os.File
	written int64
	day     string
	now     func() time.Time
	pending sync.WaitGroup
}

// NewFileRotator opens (or creates) cfg.FilePath for appending.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	r := &FileRotator{
		path:       cfg.FilePath,
		limit:      cfg.MaxSize << 20,
		compress:   cfg.Compress,
		maxBackups: cfg.MaxBackups,
		maxAge:     time.Duration(cfg.MaxAge) * 24 * time.Hour,
		now:        time.Now,
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func dayKey(t time.Time) string { return t.Format(time.DateOnly) }

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file, r.written, r.day = f, info.Size(), dayKey(r.now())
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.file == nil:
		if err := r.open(); err != nil {
			return 0, err
		}
	case r.full(len(p)) || r.day != dayKey(r.now()):
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}
	n, err := r.file.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *FileRotator) full(next int) bool {
	return r.limit > 0 && r.written+int64(next) > r.limit
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	ext := filepath.Ext(r.path)
	backup := strings.TrimSuffix(r.path, ext) + "-" + r.now().Format(backupStamp) + ext
	if err := os.Rename(r.path, backup); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		if r.compress {
			gzipFile(backup)
		}
		r.prune()
	}()
	return nil
}

// gzipFile replaces path with path.gz. On failure the plain file stays.
func gzipFile(path string) {
	src, err := os.Open(path)
	if err != nil {
		return
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	zw := gzip.NewWriter(dst)
	zw.Name = filepath.Base(path)
	_, err = io.Copy(zw, src)
	err = errors.Join(err, zw.Close(), dst.Close())
	if err != nil {
		os.Remove(dst.Name())
		return
	}
	os.Remove(path)
}

func (r *FileRotator) prune() {
	paths, err := r.Backups()
	if err != nil {
		return
	}
	type backup struct {
		path string
		mod  time.Time
	}
	var all []backup
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			all = append(all, backup{p, info.ModTime()})
		}
	}
	// newest first
	slices.SortFunc(all, func(a, b backup) int { return b.mod.Compare(a.mod) })

	cutoff := r.now().Add(-r.maxAge)
	for i, b := range all {
		tooMany := r.maxBackups > 0 && i >= r.maxBackups
		tooOld := r.maxAge > 0 && b.mod.Before(cutoff)
		if tooMany || tooOld {
			os.Remove(b.path)
		}
	}
}

// Backups lists rotated files, compressed or not, oldest first.
func (r *FileRotator) Backups() ([]string, error) {
	ext := filepath.Ext(r.path)
	paths, err := filepath.Glob(strings.TrimSuffix(r.path, ext) + "-*" + ext + "*")
	slices.SortFunc(paths, cmp.Compare[string])
	return paths, err
}

// Close waits for pending compression and closes the file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending.Wait()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
