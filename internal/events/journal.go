package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/msageha/formtask/internal/model"
)

const (
	// DefaultMaxJournalSize is the size at which the journal rotates (100MB).
	DefaultMaxJournalSize = 100 * 1024 * 1024
	// JournalFileExtension is the journal file extension.
	JournalFileExtension = ".jsonl"
	// ArchiveDir is the directory rotated journals are moved into.
	ArchiveDir = "archive"
)

// JournalEntry is one finished run.
type JournalEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	TaskID     string    `json:"task_id"`
	RunID      uint64    `json:"run_id"`
	Outcome    string    `json:"outcome"`
	StatusCode *int      `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Checksum   string    `json:"checksum,omitempty"`
}

// Journal is an append-only jsonl record of run completions with size based
// rotation.
type Journal struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	path            string
	enableChecksum  bool
	rotationCounter int
	lock            *writerLock
}

// OpenJournal opens (or creates) the journal at path.
func OpenJournal(path string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxJournalSize
	}

	j := &Journal{
		path:    path,
		maxSize: maxSize,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	lock, err := acquireWriterLock(path + ".lock")
	if err != nil {
		return nil, err
	}
	if err := j.openFile(); err != nil {
		_ = lock.release()
		return nil, err
	}
	j.lock = lock
	return j, nil
}

func (j *Journal) openFile() error {
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = file
	j.currentSize = stat.Size()
	return nil
}

// EnableChecksum toggles per-entry checksums.
func (j *Journal) EnableChecksum(enable bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.enableChecksum = enable
}

// Record appends the outcome of a completion. outcome is the orchestrator's
// classification (applied, failed, stale, cancelled).
func (j *Journal) Record(c model.TaskCompletion, outcome string) error {
	return j.WriteEntry(&JournalEntry{
		Timestamp:  time.Now().UTC(),
		TaskID:     c.TaskID,
		RunID:      c.RunID,
		Outcome:    outcome,
		StatusCode: c.StatusCode,
		Error:      c.Error,
		DurationMs: c.Duration.Milliseconds(),
	})
}

// WriteEntry appends entry, rotating first if it would exceed the size limit.
func (j *Journal) WriteEntry(entry *JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.enableChecksum {
		entry.Checksum = checksum(entry)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	if j.currentSize > 0 && j.currentSize+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}

	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	j.currentSize += int64(n)
	return nil
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(j.path), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	j.rotationCounter++
	base := strings.TrimSuffix(filepath.Base(j.path), JournalFileExtension)
	archiveName := fmt.Sprintf("%s.%s.%d%s",
		base,
		time.Now().Format("20060102_150405"),
		j.rotationCounter,
		JournalFileExtension)

	if err := os.Rename(j.path, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("archive journal: %w", err)
	}
	return j.openFile()
}

func checksum(entry *JournalEntry) string {
	cp := *entry
	cp.Checksum = ""
	data, err := json.Marshal(cp)
	if err != nil {
		return ""
	}
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// VerifyJournal reads the journal at path and returns the number of entries
// and how many of them pass checksum verification. Entries without a
// checksum count as valid. Reading stops at the first malformed line.
func VerifyJournal(path string) (total, valid int, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	dec := json.NewDecoder(file)
	for dec.More() {
		var entry JournalEntry
		if err := dec.Decode(&entry); err != nil {
			break
		}
		total++
		if entry.Checksum == "" || entry.Checksum == checksum(&entry) {
			valid++
		}
	}
	return total, valid, nil
}

// Size returns the current journal file size in bytes.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.currentSize
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	defer func() {
		_ = j.lock.release()
		j.lock = nil
	}()
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		j.file = nil
		return err
	}
	err := j.file.Close()
	j.file = nil
	return err
}
