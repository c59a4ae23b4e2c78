package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Journal is an append-only, fsynced log of opaque records. The bandit uses
// it to persist its reward signal.
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	dir    string
	prefix string
	now    func() time.Time
}

// Entry is a single journal record
type Entry struct {
	Timestamp time.Time
	Body      []byte
}

// Open creates or opens today's journal file <prefix>-YYYYMMDD.wal in dir.
func Open(dir, prefix string) (*Journal, error) {
	return OpenWithClock(dir, prefix, time.Now)
}

// OpenWithClock is Open with the clock that names segments and stamps
// records.
func OpenWithClock(dir, prefix string, now func() time.Time) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	path := segmentPath(dir, prefix, now())

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Journal{
		file:   file,
		path:   path,
		dir:    dir,
		prefix: prefix,
		now:    now,
	}, nil
}

func segmentPath(dir, prefix string, t time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.wal", prefix, t.Format("20060102")))
}

// Stale reports whether the day has moved past the open segment.
func (j *Journal) Stale() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return segmentPath(j.dir, j.prefix, j.now()) != j.path
}

// Path returns the file currently being appended to.
func (j *Journal) Path() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.path
}

// Append writes one record with fsync. Bodies must not contain newlines.
func (j *Journal) Append(body []byte) error {
	if strings.ContainsRune(string(body), '\n') {
		return fmt.Errorf("journal record must be a single line")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	line := fmt.Sprintf("%s|%d|%s\n", j.now().UTC().Format(time.RFC3339Nano), len(body), body)
	if _, err := j.file.WriteString(line); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Close flushes and closes the journal
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Sync(); err != nil {
		return err
	}
	return j.file.Close()
}

// Rotate closes the current file and opens a fresh one for today. It returns
// the path of the closed file. Rotating within the same day is a no-op.
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	old := j.path
	path := segmentPath(j.dir, j.prefix, j.now())
	if path == old {
		return old, nil
	}
	if err := j.file.Sync(); err != nil {
		return "", err
	}
	if err := j.file.Close(); err != nil {
		return "", fmt.Errorf("failed to close journal: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to open journal file: %w", err)
	}
	j.file = file
	j.path = path
	return old, nil
}

// Replay reads every entry from one journal file. A missing file yields no
// entries. Malformed or truncated lines are skipped.
func Replay(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		// timestamp|length|body
		parts := strings.SplitN(scanner.Text(), "|", 3)
		if len(parts) != 3 {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, parts[0])
		if err != nil {
			continue
		}
		length, err := strconv.Atoi(parts[1])
		if err != nil || length != len(parts[2]) {
			continue
		}
		entries = append(entries, Entry{Timestamp: ts, Body: []byte(parts[2])})
	}

	return entries, scanner.Err()
}

// ReplayDir replays every <prefix>-*.wal file in dir in name (date) order.
func ReplayDir(dir, prefix string) ([]Entry, error) {
	paths, err := filepath.Glob(filepath.Join(dir, prefix+"-*.wal"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var all []Entry
	for _, p := range paths {
		entries, err := Replay(p)
		if err != nil {
			return nil, fmt.Errorf("failed to replay %s: %w", p, err)
		}
		all = append(all, entries...)
	}
	return all, nil
}
