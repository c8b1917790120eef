package engines

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/2029ijones-sudo/FireOS/internal/core"
	"github.com/2029ijones-sudo/FireOS/internal/intelligence"
)

// SignatureScanner matches the package hash and every archive entry hash
// against the threat-intelligence database.
type SignatureScanner struct {
	db *intelligence.ThreatDB
}

// NewSignatureScanner creates a SignatureScanner backed by db.
func NewSignatureScanner(db *intelligence.ThreatDB) *SignatureScanner {
	return &SignatureScanner{db: db}
}

func (s *SignatureScanner) Name() string    { return "signature_scanner" }
func (s *SignatureScanner) Version() string { return "1.0.0" }

func (s *SignatureScanner) Scan(ctx context.Context, data []byte, hash string) (*core.EngineResult, error) {
	start := time.Now()
	var findings []string

	if entry, ok := s.db.Lookup(hash); ok {
		findings = append(findings, fmt.Sprintf("package matches known threat %s (%s)",
			entry.Name, entry.Category))
	}

	// Entry-level hashing catches repackaged payloads whose container
	// hash differs but whose components are known.
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err == nil {
		for _, f := range zr.File {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if f.FileInfo().IsDir() {
				continue
			}
			entryHash, err := hashZipEntry(f)
			if err != nil {
				continue
			}
			if entry, ok := s.db.Lookup(entryHash); ok {
				findings = append(findings,
					fmt.Sprintf("entry %s matches known threat %s (%s)",
						f.Name, entry.Name, entry.Category))
			}
		}
	}

	result := &core.EngineResult{
		Engine:     s.Name(),
		Version:    s.Version(),
		Positive:   len(findings) > 0,
		Findings:   findings,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if result.Positive {
		result.Detail = findings[0]
	} else {
		result.Detail = fmt.Sprintf("no matches against %d known hashes", s.db.Count())
	}
	return result, nil
}

func (s *SignatureScanner) HealthCheck() bool { return s.db != nil }

func hashZipEntry(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	h := sha256.New()
	if _, err := io.Copy(h, io.LimitReader(rc, int64(f.UncompressedSize64))); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
