// Package core provides the foundational data models and types for the
// FireOS package intake pipeline.
package core

import "time"

// PackageStatus is the lifecycle state of an uploaded package.
type PackageStatus string

const (
	StatusUploaded  PackageStatus = "uploaded"
	StatusScanning  PackageStatus = "scanning"
	StatusClean     PackageStatus = "clean"
	StatusMalicious PackageStatus = "malicious"
)

// Terminal reports whether the status is a final scan outcome.
func (s PackageStatus) Terminal() bool {
	return s == StatusClean || s == StatusMalicious
}

// VerdictStatus is the aggregated conclusion of one scan run.
type VerdictStatus string

const (
	VerdictClean     VerdictStatus = "clean"
	VerdictMalicious VerdictStatus = "malicious"
)

// Manifest describes an uploaded package as declared by its author.
type Manifest struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Type        string   `json:"type"`
	EntryPoint  string   `json:"entry_point"`
	Permissions []string `json:"permissions,omitempty"`
	Description string   `json:"description,omitempty"`
	Author      string   `json:"author,omitempty"`
	License     string   `json:"license,omitempty"`
}

// Package is the unit of trust: one deduplicated upload plus its scan state.
type Package struct {
	ID               string            `json:"id"`
	ContentHash      string            `json:"content_hash"`
	Manifest         Manifest          `json:"manifest"`
	IconRef          string            `json:"icon_ref,omitempty"`
	ScreenshotRefs   []string          `json:"screenshot_refs,omitempty"`
	BlobRef          string            `json:"blob_ref"`
	SizeBytes        int64             `json:"size_bytes"`
	UploadedAt       time.Time         `json:"uploaded_at"`
	Verified         bool              `json:"verified"`
	Status           PackageStatus     `json:"status"`
	ScanResults      *AggregateVerdict `json:"scan_results,omitempty"`
	TrustedPublisher bool              `json:"trusted_publisher"`
	Downloads        int64             `json:"downloads"`
	Rating           float64           `json:"rating"`
}

// EngineResult holds the outcome of a single scan engine for one run.
// Err is empty when the engine responded; otherwise it records why the
// engine produced no evidence (unavailable, timeout).
type EngineResult struct {
	Engine     string   `json:"engine"`
	Version    string   `json:"version"`
	Positive   bool     `json:"positive"`
	Detail     string   `json:"detail,omitempty"`
	Findings   []string `json:"findings,omitempty"`
	DurationMs int64    `json:"duration_ms"`
	Err        string   `json:"error,omitempty"`
}

// Responded reports whether the engine actually produced a result.
func (r EngineResult) Responded() bool { return r.Err == "" }

// AggregateVerdict is the joined conclusion over all engines for one scan run.
type AggregateVerdict struct {
	Status           VerdictStatus  `json:"status"`
	Threats          []string       `json:"threats,omitempty"`
	PerEngine        []EngineResult `json:"per_engine"`
	EnginesResponded int            `json:"engines_responded"`
	ScannedAt        time.Time      `json:"scanned_at"`
}

// ThreatLogEntry is an immutable audit record written once per malicious verdict.
type ThreatLogEntry struct {
	ID         int64     `json:"id"`
	PackageID  string    `json:"package_id"`
	Hash       string    `json:"hash"`
	Threats    []string  `json:"threats"`
	DetectedAt time.Time `json:"detected_at"`
}

// ScanJob carries the scan trigger boundary payload from intake to the
// orchestrator. Delivery is at-least-once; consumers must be idempotent.
type ScanJob struct {
	PackageID   string `json:"package_id"`
	ContentHash string `json:"content_hash"`
	BlobRef     string `json:"blob_ref"`
}
