// Package intelligence provides the local threat-intelligence database:
// known-malicious content hashes and known-bad signing certificates.
package intelligence

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ThreatEntry represents one known malicious hash.
type ThreatEntry struct {
	SHA256   string `json:"sha256" yaml:"sha256"`
	Name     string `json:"name" yaml:"name"`
	Category string `json:"category" yaml:"category"`
	Source   string `json:"source" yaml:"source"`
}

// ThreatDB is an in-memory threat-intelligence database. It is safe for
// concurrent use by engines running in parallel.
type ThreatDB struct {
	mu       sync.RWMutex
	hashes   map[string]ThreatEntry
	badCerts map[string]bool
}

// NewThreatDB creates an empty ThreatDB.
func NewThreatDB() *ThreatDB {
	return &ThreatDB{
		hashes:   make(map[string]ThreatEntry),
		badCerts: make(map[string]bool),
	}
}

// AddHash registers a malicious content hash.
func (t *ThreatDB) AddHash(entry ThreatEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hashes[strings.ToLower(entry.SHA256)] = entry
}

// AddBadCert registers a known-bad certificate fingerprint.
func (t *ThreatDB) AddBadCert(sha256 string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.badCerts[strings.ToLower(sha256)] = true
}

// Lookup retrieves a threat entry by content hash.
func (t *ThreatDB) Lookup(sha256 string) (*ThreatEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.hashes[strings.ToLower(sha256)]
	if !ok {
		return nil, false
	}
	return &entry, true
}

// IsMaliciousHash checks if a content hash is known malicious.
func (t *ThreatDB) IsMaliciousHash(sha256 string) bool {
	_, ok := t.Lookup(sha256)
	return ok
}

// IsBadCert checks if a certificate fingerprint is known bad.
func (t *ThreatDB) IsBadCert(sha256 string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.badCerts[strings.ToLower(sha256)]
}

// Count returns the number of hash entries.
func (t *ThreatDB) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.hashes)
}

// feedFile is the on-disk YAML shape of a threat feed.
type feedFile struct {
	Hashes   []ThreatEntry `yaml:"hashes"`
	BadCerts []string      `yaml:"bad_certs"`
}

// LoadFeed merges a YAML threat feed file into the database.
func (t *ThreatDB) LoadFeed(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read threat feed: %w", err)
	}
	var feed feedFile
	if err := yaml.Unmarshal(data, &feed); err != nil {
		return fmt.Errorf("parse threat feed: %w", err)
	}
	for _, entry := range feed.Hashes {
		if entry.SHA256 == "" {
			continue
		}
		t.AddHash(entry)
	}
	for _, cert := range feed.BadCerts {
		if cert == "" {
			continue
		}
		t.AddBadCert(cert)
	}
	return nil
}
