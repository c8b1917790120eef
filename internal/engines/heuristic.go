package engines

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/2029ijones-sudo/FireOS/internal/config"
	"github.com/2029ijones-sudo/FireOS/internal/core"
	"github.com/2029ijones-sudo/FireOS/internal/intelligence"
)

// entropyThreshold flags near-random byte distributions that suggest a
// packed or encrypted payload.
const entropyThreshold = 7.5

const maxHeuristicEntryBytes = 4 * 1024 * 1024

var certExts = map[string]bool{".pem": true, ".crt": true, ".cer": true, ".der": true}

// Analysis is the raw outcome of one heuristic pass. Errors records
// degraded checks (e.g. an unreadable archive); they never make the
// package suspicious by themselves.
type Analysis struct {
	Suspicious bool     `json:"suspicious"`
	Reasons    []string `json:"reasons,omitempty"`
	Entropy    float64  `json:"entropy"`
	Errors     []string `json:"errors,omitempty"`
}

// HeuristicAnalyzer is the locally implemented engine: static structural
// analysis plus entropy estimation. It re-opens the archive itself so it
// stays self-contained and could run out of process.
type HeuristicAnalyzer struct {
	keywords      []string
	permThreshold int
	db            *intelligence.ThreatDB
}

// NewHeuristicAnalyzer creates a HeuristicAnalyzer from scan
// configuration and the threat database (for bad-certificate checks).
func NewHeuristicAnalyzer(cfg config.ScanConfig, db *intelligence.ThreatDB) *HeuristicAnalyzer {
	keywords := make([]string, len(cfg.SuspiciousKeywords))
	for i, k := range cfg.SuspiciousKeywords {
		keywords[i] = strings.ToLower(k)
	}
	threshold := cfg.PermissionThreshold
	if threshold <= 0 {
		threshold = 10
	}
	return &HeuristicAnalyzer{
		keywords:      keywords,
		permThreshold: threshold,
		db:            db,
	}
}

func (h *HeuristicAnalyzer) Name() string    { return "heuristic_analyzer" }
func (h *HeuristicAnalyzer) Version() string { return "1.0.0" }

func (h *HeuristicAnalyzer) Scan(ctx context.Context, data []byte, hash string) (*core.EngineResult, error) {
	start := time.Now()
	analysis := h.Analyze(data)

	result := &core.EngineResult{
		Engine:     h.Name(),
		Version:    h.Version(),
		Positive:   analysis.Suspicious,
		Findings:   analysis.Reasons,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if analysis.Suspicious {
		result.Detail = analysis.Reasons[0]
	} else {
		result.Detail = fmt.Sprintf("entropy %.2f, no structural indicators", analysis.Entropy)
	}
	return result, nil
}

func (h *HeuristicAnalyzer) HealthCheck() bool { return true }

// Analyze runs every heuristic check over the raw bytes. It never
// fails: malformed input degrades to suspicious=false with the parse
// error recorded.
func (h *HeuristicAnalyzer) Analyze(data []byte) Analysis {
	analysis := Analysis{Entropy: Entropy(data)}

	if analysis.Entropy > entropyThreshold {
		analysis.Reasons = append(analysis.Reasons,
			fmt.Sprintf("byte entropy %.2f exceeds %.1f, content may be packed or encrypted",
				analysis.Entropy, entropyThreshold))
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		analysis.Errors = append(analysis.Errors, fmt.Sprintf("archive parse failed: %v", err))
		analysis.Suspicious = len(analysis.Reasons) > 0
		return analysis
	}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Clean(f.Name)
		lower := strings.ToLower(name)

		for _, kw := range h.keywords {
			if strings.Contains(lower, kw) {
				analysis.Reasons = append(analysis.Reasons,
					fmt.Sprintf("entry %s contains suspicious keyword %q", name, kw))
			}
		}

		if isCertName(lower) {
			certData, err := readLimited(f, maxHeuristicEntryBytes)
			if err != nil {
				analysis.Errors = append(analysis.Errors,
					fmt.Sprintf("certificate entry %s unreadable: %v", name, err))
				continue
			}
			fingerprint := core.HashBytes(certData)
			if h.db != nil && h.db.IsBadCert(fingerprint) {
				analysis.Reasons = append(analysis.Reasons,
					fmt.Sprintf("entry %s matches known-bad certificate %s", name, fingerprint[:12]))
			}
		}
	}

	h.checkManifest(zr, &analysis)

	analysis.Suspicious = len(analysis.Reasons) > 0
	return analysis
}

// checkManifest inspects a manifest-like entry for over-broad
// permissions and debug/insecure build flags.
func (h *HeuristicAnalyzer) checkManifest(zr *zip.Reader, analysis *Analysis) {
	var manifestFile *zip.File
	for _, f := range zr.File {
		lower := strings.ToLower(path.Clean(f.Name))
		if lower == "manifest.json" || lower == "package.json" {
			manifestFile = f
			break
		}
	}
	if manifestFile == nil {
		return
	}

	data, err := readLimited(manifestFile, maxHeuristicEntryBytes)
	if err != nil {
		analysis.Errors = append(analysis.Errors, fmt.Sprintf("manifest unreadable: %v", err))
		return
	}

	var manifest struct {
		Permissions []string `json:"permissions"`
		Debug       bool     `json:"debug"`
		Insecure    bool     `json:"insecure"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		analysis.Errors = append(analysis.Errors, fmt.Sprintf("manifest parse failed: %v", err))
		return
	}

	if len(manifest.Permissions) > h.permThreshold {
		analysis.Reasons = append(analysis.Reasons,
			fmt.Sprintf("manifest requests %d permissions, above threshold %d",
				len(manifest.Permissions), h.permThreshold))
	}
	if manifest.Debug || manifest.Insecure {
		analysis.Reasons = append(analysis.Reasons,
			"manifest enables a debug/insecure build flag")
	}
}

// Entropy computes the Shannon entropy over the 256 byte values in bits
// per byte. It is a pure function: identical input always yields the
// identical value, and an all-zero buffer of any length yields 0.
func Entropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	total := float64(len(data))
	entropy := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func isCertName(lower string) bool {
	if certExts[path.Ext(lower)] {
		return true
	}
	return strings.Contains(path.Base(lower), "cert")
}

func readLimited(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, limit))
}
