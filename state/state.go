package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// JournalFile is the file name of the acknowledgement journal in a state dir.
const JournalFile = "acknowledged.jsonl"

// Journal records which source items were acknowledged.
type Journal interface {
	Acknowledged(id string) bool
	Acknowledge(id, subject string) error
	Snapshot() Snapshot
}

type Snapshot struct {
	Acknowledged int
}

type MemoryJournal struct {
	mu    sync.RWMutex
	acked map[string]time.Time
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{acked: make(map[string]time.Time)}
}

func (m *MemoryJournal) Acknowledged(id string) bool {
	if id == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.acked[id]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryJournal) Acknowledge(id, _ string) error {
	if id == "" {
		return nil
	}

	m.mu.Lock()
	if _, ok := m.acked[id]; !ok {
		m.acked[id] = time.Now().UTC()
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryJournal) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.acked)
	m.mu.RUnlock()
	return Snapshot{Acknowledged: count}
}

// FileJournal persists acknowledgements as JSON lines so that later runs
// treat those items as read. Each Acknowledge is flushed and synced before
// returning.
type FileJournal struct {
	*MemoryJournal
	path    string
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

type journalRecord struct {
	ID      string    `json:"id"`
	Subject string    `json:"subject,omitempty"`
	AckedAt time.Time `json:"acked_at"`
}

func NewFileJournal(stateDir string) (*FileJournal, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	journal := &FileJournal{
		MemoryJournal: NewMemoryJournal(),
		path:          filepath.Join(stateDir, JournalFile),
	}

	if err := journal.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(journal.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal for append: %w", err)
	}
	journal.file = file
	journal.writer = bufio.NewWriter(file)

	return journal, nil
}

func (f *FileJournal) Path() string {
	return f.path
}

func (f *FileJournal) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record journalRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse journal line %d: %w", line, err)
		}
		if record.ID == "" {
			continue
		}

		f.mu.Lock()
		f.acked[record.ID] = record.AckedAt
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	return nil
}

// Acknowledge records id. Re-acknowledging a known id is a no-op.
func (f *FileJournal) Acknowledge(id, subject string) error {
	if id == "" {
		return nil
	}

	now := time.Now().UTC()
	f.mu.Lock()
	if _, exists := f.acked[id]; exists {
		f.mu.Unlock()
		return nil
	}
	f.acked[id] = now
	f.mu.Unlock()

	data, err := json.Marshal(journalRecord{ID: id, Subject: subject, AckedAt: now})
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write journal record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}

	return nil
}

// Close flushes and closes the journal file.
func (f *FileJournal) Close() error {
	if f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush journal: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close journal: %w", err)
	}
	f.file = nil

	return firstErr
}
