// Package diagnostics provides field-debugging tools that sit
// alongside the normal poll loop: a per-connection hex trace log of raw bus
// bytes, and an optional pty pass-through for attaching an external
// protocol analyzer. TraceWriter is adapted from the teacher's
// logs.Writer (per-connection file, current.log symlink, retention
// cleanup), dropping the ANSI-stripping/line-dedup logic that only
// made sense for a BMC's redrawing text console — an OSDP bus produces
// binary frames, not a terminal screen, so every write is a plain
// timestamped hex record instead.
package diagnostics

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TraceWriter appends timestamped hex-encoded frame records to one log
// file per connection, reached through a current.log symlink. A new
// timestamped file is started only when current.log is missing or its
// target cannot be opened; files are not rotated by size or age.
type TraceWriter struct {
	basePath      string
	retentionDays int

	mu    sync.Mutex
	files map[string]*os.File
}

// NewTraceWriter builds a TraceWriter rooted at basePath; retentionDays
// of 0 disables Cleanup.
func NewTraceWriter(basePath string, retentionDays int) *TraceWriter {
	return &TraceWriter{
		basePath:      basePath,
		retentionDays: retentionDays,
		files:         make(map[string]*os.File),
	}
}

// direction labels which side of the wire a trace record came from.
type direction string

const (
	DirectionTX direction = "tx"
	DirectionRX direction = "rx"
)

// Record appends one timestamped, hex-encoded frame record for
// connID's trace log.
func (w *TraceWriter) Record(connID string, dir direction, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.getOrCreateFile(connID)
	if err != nil {
		return err
	}

	line := fmt.Sprintf("%s %s %x\n", time.Now().Format(time.RFC3339Nano), dir, data)
	_, err = f.WriteString(line)
	return err
}

func (w *TraceWriter) getOrCreateFile(connID string) (*os.File, error) {
	if f, ok := w.files[connID]; ok {
		return f, nil
	}

	dir := filepath.Join(w.basePath, connID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("diagnostics: create trace dir: %w", err)
	}

	symlinkPath := filepath.Join(dir, "current.log")
	if target, err := os.Readlink(symlinkPath); err == nil {
		existingPath := filepath.Join(dir, target)
		if f, err := os.OpenFile(existingPath, os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			w.files[connID] = f
			return f, nil
		}
	}

	filename := time.Now().Format("2006-01-02_15-04-05") + ".log"
	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: create trace file: %w", err)
	}
	w.files[connID] = f

	os.Remove(symlinkPath)
	os.Symlink(filename, symlinkPath)

	return f, nil
}

// ListTraces lists the trace files for connID, newest first.
func (w *TraceWriter) ListTraces(connID string) ([]string, error) {
	dir := filepath.Join(w.basePath, connID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	type entry struct {
		name    string
		modTime time.Time
	}
	var files []entry
	for _, e := range entries {
		if e.IsDir() || e.Name() == "current.log" || filepath.Ext(e.Name()) != ".log" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, entry{name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.name
	}
	return names, nil
}

// Cleanup removes trace files older than retentionDays.
func (w *TraceWriter) Cleanup() {
	if w.retentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -w.retentionDays)

	connDirs, err := os.ReadDir(w.basePath)
	if err != nil {
		return
	}
	for _, connDir := range connDirs {
		if !connDir.IsDir() {
			continue
		}
		connPath := filepath.Join(w.basePath, connDir.Name())
		files, err := os.ReadDir(connPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".log" {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				path := filepath.Join(connPath, f.Name())
				if err := os.Remove(path); err == nil {
					log.WithField("path", path).Info("diagnostics: removed expired trace file")
				}
			}
		}
	}
}

// Close closes every open trace file.
func (w *TraceWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range w.files {
		f.Close()
	}
	w.files = make(map[string]*os.File)
}
