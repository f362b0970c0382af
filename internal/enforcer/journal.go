package enforcer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal op values.
const (
	opScheduled = "scheduled"
	opRestored  = "restored"
)

// JournalEntry records one pending or completed restoration. Entries are
// append-only JSON lines; a restoration is pending when a "scheduled" record
// has no later "restored" record for the same quarantine path.
type JournalEntry struct {
	Op             string    `json:"op"`
	Path           string    `json:"path"`
	QuarantinePath string    `json:"quarantine_path"`
	StoredAt       time.Time `json:"stored_at"`
	RestoreAt      time.Time `json:"restore_at"`
	PolicyIDs      []string  `json:"reason_policy_ids,omitempty"`

	// SavedCopy marks a delete-interception entry: the quarantine file was
	// reconstructed from the content cache rather than moved from Path.
	SavedCopy bool `json:"saved_copy,omitempty"`
}

// Journal is the on-disk record of scheduled restorations. It exists so that
// a process exit between quarantine and restoration does not strand user
// files: on startup the enforcer replays pending entries and reschedules
// them.
//
// Each record is one JSON line appended with O_APPEND, so concurrent writers
// within the process serialise through the mutex and the OS keeps lines
// intact across crashes (a torn final line is skipped on replay).
type Journal struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenJournal opens (or creates) the journal file at path.
func OpenJournal(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("journal: create %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}
	return &Journal{path: path, f: f}, nil
}

// Append writes one record.
func (j *Journal) Append(e JournalEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: encode: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	return nil
}

// Pending reads the journal and returns the entries whose restoration has not
// been recorded as completed, oldest first. Unparseable lines (e.g. a torn
// tail after a crash) are skipped.
func (j *Journal) Pending() ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: open for replay: %w", err)
	}
	defer f.Close()

	pending := make(map[string]JournalEntry)
	var order []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e JournalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		switch e.Op {
		case opScheduled:
			if _, ok := pending[e.QuarantinePath]; !ok {
				order = append(order, e.QuarantinePath)
			}
			pending[e.QuarantinePath] = e
		case opRestored:
			delete(pending, e.QuarantinePath)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("journal: scan: %w", err)
	}

	out := make([]JournalEntry, 0, len(pending))
	for _, qp := range order {
		if e, ok := pending[qp]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
