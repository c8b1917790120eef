// Package report renders package and verdict records for API and CLI output.
package report

import (
	"encoding/json"

	"github.com/2029ijones-sudo/FireOS/internal/core"
)

// GenerateJSONReport renders a full package record with its verdict.
func GenerateJSONReport(pkg *core.Package) (string, error) {
	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GenerateJSONSummary renders a concise verdict view without per-finding
// detail.
func GenerateJSONSummary(pkg *core.Package) (string, error) {
	type summaryEngine struct {
		Engine        string `json:"engine"`
		Version       string `json:"version"`
		Positive      bool   `json:"positive"`
		FindingsCount int    `json:"findings_count"`
		DurationMs    int64  `json:"duration_ms"`
		Error         string `json:"error,omitempty"`
	}

	summary := map[string]any{
		"package_id":   pkg.ID,
		"name":         pkg.Manifest.Name,
		"version":      pkg.Manifest.Version,
		"content_hash": pkg.ContentHash,
		"status":       pkg.Status,
		"verified":     pkg.Verified,
	}
	if pkg.ScanResults != nil {
		engines := make([]summaryEngine, len(pkg.ScanResults.PerEngine))
		for i, er := range pkg.ScanResults.PerEngine {
			engines[i] = summaryEngine{
				Engine:        er.Engine,
				Version:       er.Version,
				Positive:      er.Positive,
				FindingsCount: len(er.Findings),
				DurationMs:    er.DurationMs,
				Error:         er.Err,
			}
		}
		summary["verdict"] = pkg.ScanResults.Status
		summary["threats"] = pkg.ScanResults.Threats
		summary["engines_responded"] = pkg.ScanResults.EnginesResponded
		summary["engine_results"] = engines
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
