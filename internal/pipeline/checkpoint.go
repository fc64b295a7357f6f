package pipeline

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"advault/internal/catalog"
)

// TerminalStatus is the final state of one (account_id, ad_id). Once
// recorded it is never revisited, in this run or a later one.
type TerminalStatus string

const (
	StatusSuccess          TerminalStatus = "Success"
	StatusSkipped          TerminalStatus = "Skipped"
	StatusPermanentFailure TerminalStatus = "PermanentFailure"
)

// CheckpointEntry is one line of the checkpoint file.
type CheckpointEntry struct {
	Key         catalog.Key
	Status      TerminalStatus
	Reason      string
	ContentHash string
}

// Checkpoint is an append-only line file making reruns idempotent. Each line
// is account_id, ad_id, terminal status, failure reason and content hash,
// tab-separated. Duplicates are tolerated; on load the last record for a key
// wins. Truncating the file forces a full re-run.
type Checkpoint struct {
	path string

	mu         sync.Mutex
	entries    map[catalog.Key]CheckpointEntry
	file       *os.File
	w          *bufio.Writer
	sinceFlush int
	flushEvery int
}

// LoadCheckpoint reads any existing checkpoint and opens it for appending.
// flushEvery bounds how many completed items an interrupted run can lose.
func LoadCheckpoint(path string, flushEvery int) (*Checkpoint, error) {
	if flushEvery < 1 {
		flushEvery = 1
	}
	cp := &Checkpoint{
		path:       path,
		entries:    make(map[catalog.Key]CheckpointEntry),
		flushEvery: flushEvery,
	}

	if raw, err := os.ReadFile(path); err == nil {
		for _, line := range strings.Split(string(raw), "\n") {
			if line = strings.TrimRight(line, "\r"); line == "" {
				continue
			}
			parts := strings.Split(line, "\t")
			if len(parts) < 5 {
				// A torn tail line from a crash is expected; skip it.
				continue
			}
			entry := CheckpointEntry{
				Key:         catalog.Key{AccountID: parts[0], AdID: parts[1]},
				Status:      TerminalStatus(parts[2]),
				Reason:      parts[3],
				ContentHash: parts[4],
			}
			cp.entries[entry.Key] = entry
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	cp.file = f
	cp.w = bufio.NewWriter(f)
	return cp, nil
}

// Get returns the terminal entry for a key, if one was ever recorded.
func (cp *Checkpoint) Get(key catalog.Key) (CheckpointEntry, bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	entry, ok := cp.entries[key]
	return entry, ok
}

// Len reports how many keys have terminal entries.
func (cp *Checkpoint) Len() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.entries)
}

// Record appends a terminal entry and flushes per the configured cadence.
func (cp *Checkpoint) Record(entry CheckpointEntry) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	line := strings.Join([]string{
		sanitizeField(entry.Key.AccountID),
		sanitizeField(entry.Key.AdID),
		string(entry.Status),
		sanitizeField(entry.Reason),
		entry.ContentHash,
	}, "\t")
	if _, err := cp.w.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	cp.entries[entry.Key] = entry

	cp.sinceFlush++
	if cp.sinceFlush >= cp.flushEvery {
		return cp.flushLocked()
	}
	return nil
}

// Flush forces buffered entries to disk.
func (cp *Checkpoint) Flush() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.flushLocked()
}

func (cp *Checkpoint) flushLocked() error {
	if err := cp.w.Flush(); err != nil {
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	if err := cp.file.Sync(); err != nil {
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	cp.sinceFlush = 0
	return nil
}

func (cp *Checkpoint) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if err := cp.w.Flush(); err != nil {
		cp.file.Close()
		return err
	}
	return cp.file.Close()
}

// sanitizeField keeps the line format parseable whatever ends up in a
// failure reason.
func sanitizeField(s string) string {
	s = strings.ReplaceAll(s, "\t", " ")
	return strings.ReplaceAll(s, "\n", " ")
}
