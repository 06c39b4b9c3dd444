// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package recorder provides the optional stream recording sink: one JSON
// object per line, `{"ts": ns, "stream": id, "payload": result}`.
package recorder

import (
	"fmt"
	"os"
	"sync"

	"github.com/michaelhil/synopticon/internal/result"
)

// Recorder appends recorded results to a file. Writes are serialized; the
// file is synced on Close.
type Recorder struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	lines  uint64
	closed bool
}

// Open creates or truncates the recording file.
func Open(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open recording %s: %w", path, err)
	}
	return &Recorder{f: f, path: path}, nil
}

// Path returns the recording file path.
func (r *Recorder) Path() string { return r.path }

// Lines returns how many records were written.
func (r *Recorder) Lines() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lines
}

// Write appends one record.
func (r *Recorder) Write(streamID string, res result.AnalysisResult) error {
	line, err := result.EncodeRecordLine(streamID, res)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("recording %s already closed", r.path)
	}
	if _, err := r.f.Write(line); err != nil {
		return fmt.Errorf("write recording %s: %w", r.path, err)
	}
	r.lines++
	return nil
}

// Close syncs and closes the file. Close is idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.f.Sync(); err != nil {
		_ = r.f.Close()
		return err
	}
	return r.f.Close()
}
