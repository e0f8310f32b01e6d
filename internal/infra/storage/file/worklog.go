package file

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/flakeguard/internal/core/domain"
)

const (
	worklogExt = ".jsonl"
	activeExt  = ".open"
	mergedExt  = ".merged"
	rejectExt  = ".rejected"
)

// WorkLog is an append-only outcome log owned by one worker for one run.
// Each record is one JSON line written with a single write on an O_APPEND file,
// so no other process ever needs to lock it. While the log is open its name ends in
// .jsonl.open; Close renames it to .jsonl, which hands it to the aggregator.
type WorkLog struct {
	path     string
	runID    string
	workerID string
	now      func() time.Time

	mu sync.Mutex
	f  *os.File
}

// OpenWorkLog creates dir/<worker>-<run>.jsonl.open, adding a numeric suffix when a log
// for the same worker and run is already open. An empty runID gets a fresh UUID.
func OpenWorkLog(dir, workerID, runID string) (*WorkLog, error) {
	if workerID == "" {
		workerID = fmt.Sprintf("pid%d", os.Getpid())
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worklog dir: %w", err)
	}
	base := filepath.Join(dir, sanitize(workerID)+"-"+runID)
	path := base + worklogExt + activeExt
	var f *os.File
	for i := 1; ; i++ {
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to open worklog: %w", err)
		}
		path = fmt.Sprintf("%s.%d%s%s", base, i, worklogExt, activeExt)
	}
	return &WorkLog{path: path, runID: runID, workerID: workerID, now: time.Now, f: f}, nil
}

// Path returns the log file location.
func (w *WorkLog) Path() string { return w.path }

// RunID returns the run identifier stamped on every record.
func (w *WorkLog) RunID() string { return w.runID }

// RecordOutcome appends the final outcome of testID.
func (w *WorkLog) RecordOutcome(ctx context.Context, testID string, outcome domain.Outcome) error {
	if testID == "" {
		return errors.New("test id is required")
	}
	if _, err := domain.ParseOutcome(string(outcome)); err != nil {
		return err
	}
	return w.Append(domain.OutcomeRecord{
		TestID:    testID,
		Timestamp: w.now().UTC(),
		Outcome:   outcome,
		RunID:     w.runID,
		WorkerID:  w.workerID,
	})
}

// Append writes rec as one line.
func (w *WorkLog) Append(rec domain.OutcomeRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return os.ErrClosed
	}
	if _, err := w.f.Write(line); err != nil {
		return fmt.Errorf("failed to append outcome: %w", err)
	}
	return nil
}

// Close closes the log and publishes it for merging.
func (w *WorkLog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	if err != nil {
		return fmt.Errorf("failed to close worklog: %w", err)
	}
	done, err := publish(w.path)
	if err != nil {
		return err
	}
	w.path = done
	return nil
}

// Discard closes the log if needed and deletes it, published or not.
func (w *WorkLog) Discard() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to discard worklog: %w", err)
	}
	return nil
}

// publish moves an open log to its .jsonl name without replacing a log of the same
// worker and run that has not been merged yet.
func publish(path string) (string, error) {
	stem := strings.TrimSuffix(strings.TrimSuffix(path, activeExt), worklogExt)
	done := stem + worklogExt
	for i := 1; ; i++ {
		err := os.Link(path, done)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("failed to publish worklog: %w", err)
		}
		done = fmt.Sprintf("%s.%d%s", stem, i, worklogExt)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("failed to publish worklog: %w", err)
	}
	return done, nil
}

// PendingWorkLogs lists unmerged logs in dir, oldest modification first. Logs that are
// still open are included only once they have not been written for staleAfter, which
// recovers the logs of crashed workers; staleAfter <= 0 never includes open logs.
func PendingWorkLogs(dir string, staleAfter time.Duration) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read worklog dir: %w", err)
	}

	type pending struct {
		path string
		mod  time.Time
	}
	var logs []pending
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		open := strings.HasSuffix(e.Name(), worklogExt+activeExt)
		if !open && !strings.HasSuffix(e.Name(), worklogExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if open && (staleAfter <= 0 || time.Since(info.ModTime()) < staleAfter) {
			continue
		}
		logs = append(logs, pending{path: filepath.Join(dir, e.Name()), mod: info.ModTime()})
	}
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].mod.Equal(logs[j].mod) {
			return logs[i].path < logs[j].path
		}
		return logs[i].mod.Before(logs[j].mod)
	})

	out := make([]string, len(logs))
	for i, l := range logs {
		out[i] = l.path
	}
	return out, nil
}

// ReadWorkLog decodes every complete line of the log at path. A torn final line, left
// by a worker that died mid-write, is dropped and reported through torn.
func ReadWorkLog(path string) (records []domain.OutcomeRecord, torn bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read worklog: %w", err)
	}
	if n := len(data); n > 0 && data[n-1] != '\n' {
		torn = true
		data = data[:bytes.LastIndexByte(data, '\n')+1]
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var rec domain.OutcomeRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, torn, fmt.Errorf("%s:%d: invalid outcome record: %w", path, line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, torn, fmt.Errorf("failed to scan worklog: %w", err)
	}
	return records, torn, nil
}

// MarkMerged renames a consumed log so it is never replayed again.
func MarkMerged(path string) error {
	if err := os.Rename(path, path+mergedExt); err != nil {
		return fmt.Errorf("failed to mark worklog merged: %w", err)
	}
	return nil
}

// MarkRejected renames a log that cannot be decoded so later passes skip it.
func MarkRejected(path string) error {
	if err := os.Rename(path, path+rejectExt); err != nil {
		return fmt.Errorf("failed to reject worklog: %w", err)
	}
	return nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
