// Package audit keeps a tamper-evident record of pipeline events. Each
// entry carries the hash of its predecessor so retroactive edits break
// the chain.
package audit

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Pipeline event names recorded in the log.
const (
	EventIntake   = "package.intake"
	EventRejected = "package.rejected"
	EventScan     = "package.scan"
	EventVerdict  = "package.verdict"
	EventRescan   = "package.rescan"
)

// Entry is a single chained audit record.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	Event        string    `json:"event"`
	PackageID    string    `json:"package_id"`
	Details      any       `json:"details"`
	PreviousHash string    `json:"previous_hash"`
	EntryHash    string    `json:"entry_hash"`
}

// Log maintains an integrity-chained event log.
type Log struct {
	mu      sync.Mutex
	entries []Entry
}

func NewLog() *Log {
	return &Log{}
}

// Record appends an event to the chain.
func (l *Log) Record(event, packageID string, details any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash := ""
	if len(l.entries) > 0 {
		prevHash = l.entries[len(l.entries)-1].EntryHash
	}

	entry := Entry{
		Timestamp:    time.Now().UTC(),
		Event:        event,
		PackageID:    packageID,
		Details:      details,
		PreviousHash: prevHash,
	}
	entry.EntryHash = hashEntry(entry)
	l.entries = append(l.entries, entry)
}

func hashEntry(e Entry) string {
	data, _ := json.Marshal(map[string]any{
		"timestamp":     e.Timestamp.Format(time.RFC3339Nano),
		"event":         e.Event,
		"package_id":    e.PackageID,
		"details":       e.Details,
		"previous_hash": e.PreviousHash,
	})
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h)
}

// Entries returns a copy of all records.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	result := make([]Entry, len(l.entries))
	copy(result, l.entries)
	return result
}

// VerifyIntegrity walks the chain and recomputes every hash. It returns
// the index of the first broken entry, or -1 when the chain is intact.
func (l *Log) VerifyIntegrity() (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, entry := range l.entries {
		if i == 0 {
			if entry.PreviousHash != "" {
				return false, i
			}
		} else if entry.PreviousHash != l.entries[i-1].EntryHash {
			return false, i
		}
		if entry.EntryHash != hashEntry(entry) {
			return false, i
		}
	}
	return true, -1
}

// Query returns entries matching event and/or package filters.
func (l *Log) Query(event, packageID string, limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var results []Entry
	for _, entry := range l.entries {
		if event != "" && entry.Event != event {
			continue
		}
		if packageID != "" && entry.PackageID != packageID {
			continue
		}
		results = append(results, entry)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results
}

// Export serializes the full log as indented JSON.
func (l *Log) Export() ([]byte, error) {
	entries := l.Entries()
	return json.MarshalIndent(map[string]any{
		"entries": entries,
		"total":   len(entries),
	}, "", "  ")
}
