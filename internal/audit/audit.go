// Package audit keeps an append-only JSON-lines record of registry writes.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const filePrefix = "awsagent"

// Entry is one registry write.
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Op        string          `json:"op"`
	EntityID  string          `json:"entity_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Log appends entries to a file per pass. Sequence numbers continue
// across the files in the directory.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	dir      string
	now      func() time.Time
}

// Open creates a new log file in dir.
func Open(dir string) (*Log, error) {
	return open(dir, time.Now)
}

func open(dir string, now func() time.Time) (*Log, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	seq, err := lastSequence(dir)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%s-%s.jsonl", filePrefix, now().UTC().Format("20060102-150405.000000000"))
	path := filepath.Join(dir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) // #nosec G304 -- dir is operator config
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}

	return &Log{
		file:     file,
		writer:   bufio.NewWriter(file),
		sequence: seq,
		dir:      dir,
		now:      now,
	}, nil
}

// Path returns the file this log writes to.
func (l *Log) Path() string {
	return l.file.Name()
}

// Close flushes and closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// Append records one write. A non-nil writeErr marks the write as failed.
func (l *Log) Append(op, entityID string, data any, writeErr error) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal audit data: %w", err)
		}
		raw = b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sequence++
	entry := Entry{
		Timestamp: l.now().UTC(),
		Sequence:  l.sequence,
		Op:        op,
		EntityID:  entityID,
		Data:      raw,
	}
	if writeErr != nil {
		entry.Error = writeErr.Error()
	}
	return l.writeEntry(entry)
}

func (l *Log) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := l.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush audit entry: %w", err)
	}
	return l.file.Sync()
}

// lastSequence reads the highest sequence number in the newest file.
func lastSequence(dir string) (int64, error) {
	files := findFiles(dir)
	if len(files) == 0 {
		return 0, nil
	}

	r, err := NewReader(files[len(files)-1])
	if err != nil {
		return 0, err
	}
	defer func() { _ = r.Close() }()

	var last int64
	for {
		entry, err := r.Next()
		if err == io.EOF {
			return last, nil
		}
		if err != nil {
			// A torn final line from a crashed pass is not fatal.
			return last, nil
		}
		if entry.Sequence > last {
			last = entry.Sequence
		}
	}
}

// findFiles returns the log files in dir, oldest first.
func findFiles(dir string) []string {
	files, err := filepath.Glob(filepath.Join(dir, filePrefix+"-*.jsonl"))
	if err != nil {
		return nil
	}
	sort.Strings(files)
	return files
}

// Reader replays a log file.
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader opens a log file for reading.
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path) // #nosec G304 -- path comes from the audit directory
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Reader{scanner: scanner, file: file}, nil
}

// Next returns the next entry, or io.EOF.
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("unmarshal audit entry: %w", err)
	}
	return &entry, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.file.Close()
}
