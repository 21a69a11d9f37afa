// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package lattice reads the repo-symbol snapshot produced by the external
// code-lattice indexer. The indexer itself is out of scope; this package only
// consumes its JSON output and serves it to retrieval.
package lattice

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Node is one symbol entry in the lattice snapshot.
//
// Description:
//
//	Mirrors the indexer's output schema. All fields are optional except
//	FilePath; retrieval treats missing fields as empty strings.
type Node struct {
	// Symbol is the declared name (function, type, route constant).
	Symbol string `json:"symbol"`
	// FilePath is the repo-relative path of the defining file.
	FilePath string `json:"filePath"`
	// Signature is the declaration signature, when the indexer captured one.
	Signature string `json:"signature"`
	// Doc is the leading doc comment or markdown heading.
	Doc string `json:"doc"`
	// Snippet is a short source excerpt used for previews.
	Snippet string `json:"snippet"`
}

// Snapshot is an immutable view of one loaded lattice file.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type Snapshot struct {
	// Nodes are the symbol entries in file order.
	Nodes []Node
	// LoadedAt records when the snapshot was parsed.
	LoadedAt time.Time

	byFile map[string][]int
}

// snapshotFile is the on-disk JSON envelope.
type snapshotFile struct {
	Nodes []Node `json:"nodes"`
}

// ParseSnapshot decodes snapshot JSON and builds the per-file index.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var sf snapshotFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse lattice snapshot: %w", err)
	}
	snap := &Snapshot{
		Nodes:    sf.Nodes,
		LoadedAt: time.Now(),
		byFile:   make(map[string][]int),
	}
	for i, n := range sf.Nodes {
		if n.FilePath == "" {
			continue
		}
		snap.byFile[n.FilePath] = append(snap.byFile[n.FilePath], i)
	}
	return snap, nil
}

// NodesForFile returns the node indices recorded for a file path.
func (s *Snapshot) NodesForFile(path string) []Node {
	idxs := s.byFile[path]
	out := make([]Node, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.Nodes[i])
	}
	return out
}

// HasFile reports whether the snapshot contains any node for path.
func (s *Snapshot) HasFile(path string) bool {
	_, ok := s.byFile[path]
	return ok
}

// Files returns every distinct file path in the snapshot.
func (s *Snapshot) Files() []string {
	out := make([]string, 0, len(s.byFile))
	for f := range s.byFile {
		out = append(out, f)
	}
	return out
}

// =============================================================================
// Reader
// =============================================================================

// Reader serves the current lattice snapshot and optionally hot-reloads it
// when the snapshot file changes on disk.
//
// Description:
//
//	Load() reads and parses the snapshot file. Watch() starts an fsnotify
//	watcher that re-loads on write events, debounced to one reload per
//	event burst. Readers always see a complete snapshot: the pointer swap
//	is atomic under the mutex, never a partially parsed state.
//
// Thread Safety: Safe for concurrent use.
type Reader struct {
	mu     sync.RWMutex
	snap   *Snapshot
	path   string
	logger *slog.Logger

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	stop     chan struct{}
}

// NewReader creates a Reader for the given snapshot path. Call Load before
// serving queries; an unloaded reader returns an empty snapshot.
func NewReader(path string, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		snap:   &Snapshot{byFile: map[string][]int{}},
		path:   path,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Load reads and parses the snapshot file, replacing the current snapshot.
//
// Outputs:
//   - error: Non-nil when the file is unreadable or malformed. The previous
//     snapshot stays in place on failure.
func (r *Reader) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read lattice snapshot %s: %w", r.path, err)
	}
	snap, err := ParseSnapshot(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()
	r.logger.Info("lattice: snapshot loaded",
		slog.String("path", r.path),
		slog.Int("node_count", len(snap.Nodes)),
		slog.Int("file_count", len(snap.byFile)),
	)
	return nil
}

// Snapshot returns the current snapshot. Never nil.
func (r *Reader) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Watch starts watching the snapshot file and reloads on write.
//
// Description:
//
//	Reload failures are logged and the previous snapshot stays live. The
//	watcher goroutine exits when Close is called.
func (r *Reader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("lattice watcher: %w", err)
	}
	if err := w.Add(r.path); err != nil {
		_ = w.Close()
		return fmt.Errorf("lattice watch %s: %w", r.path, err)
	}
	r.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
					if err := r.Load(); err != nil {
						r.logger.Warn("lattice: reload failed, keeping previous snapshot",
							slog.String("error", err.Error()))
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warn("lattice: watcher error", slog.String("error", err.Error()))
			case <-r.stop:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher, if one was started.
func (r *Reader) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)
		if r.watcher != nil {
			_ = r.watcher.Close()
		}
	})
}

// =============================================================================
// File-exists cache
// =============================================================================

// FileExistsCache memoizes snapshot path membership checks for evidence
// validation. Entries are per-process and never invalidated individually;
// Reset is called when a new snapshot loads.
//
// Thread Safety: Safe for concurrent use.
type FileExistsCache struct {
	mu    sync.RWMutex
	known map[string]bool
}

// NewFileExistsCache creates an empty cache.
func NewFileExistsCache() *FileExistsCache {
	return &FileExistsCache{known: make(map[string]bool)}
}

// Exists checks path membership against snap, memoizing the result.
func (c *FileExistsCache) Exists(snap *Snapshot, path string) bool {
	c.mu.RLock()
	v, ok := c.known[path]
	c.mu.RUnlock()
	if ok {
		return v
	}
	v = snap.HasFile(path)
	c.mu.Lock()
	c.known[path] = v
	c.mu.Unlock()
	return v
}

// Reset clears all memoized entries.
func (c *FileExistsCache) Reset() {
	c.mu.Lock()
	c.known = make(map[string]bool)
	c.mu.Unlock()
}
