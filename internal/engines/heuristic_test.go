package engines

import (
	"bytes"
	"context"
	"math"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/2029ijones-sudo/FireOS/internal/config"
	"github.com/2029ijones-sudo/FireOS/internal/core"
	"github.com/2029ijones-sudo/FireOS/internal/intelligence"
)

func buildZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		w.Write(data)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func newTestHeuristic(db *intelligence.ThreatDB) *HeuristicAnalyzer {
	return NewHeuristicAnalyzer(config.Default().Scan, db)
}

func TestEntropyAllZero(t *testing.T) {
	for _, n := range []int{1, 16, 4096} {
		if got := Entropy(make([]byte, n)); got != 0 {
			t.Errorf("Entropy(zeros[%d]) = %v, want 0", n, got)
		}
	}
}

func TestEntropyEmpty(t *testing.T) {
	if got := Entropy(nil); got != 0 {
		t.Errorf("Entropy(nil) = %v, want 0", got)
	}
}

func TestEntropyUniform(t *testing.T) {
	data := make([]byte, 256*4)
	for i := range data {
		data[i] = byte(i % 256)
	}
	got := Entropy(data)
	if math.Abs(got-8.0) > 1e-9 {
		t.Errorf("Entropy(uniform) = %v, want 8.0", got)
	}
}

func TestEntropyDeterministic(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	first := Entropy(data)
	for i := 0; i < 10; i++ {
		if got := Entropy(data); got != first {
			t.Fatalf("Entropy not deterministic: %v != %v", got, first)
		}
	}
}

func TestHeuristicSuspiciousKeyword(t *testing.T) {
	h := newTestHeuristic(nil)
	raw := buildZip(t, map[string][]byte{
		"lib/keylogger.js": []byte("x"),
		"app.js":           []byte("y"),
	})
	analysis := h.Analyze(raw)
	if !analysis.Suspicious {
		t.Fatal("keyword entry should be suspicious")
	}
	if len(analysis.Reasons) != 1 {
		t.Errorf("Reasons = %v", analysis.Reasons)
	}
}

func TestHeuristicCleanArchive(t *testing.T) {
	h := newTestHeuristic(nil)
	raw := buildZip(t, map[string][]byte{
		"manifest.json": []byte(`{"name":"calc","version":"1.0.0","permissions":["storage"]}`),
		"app.js":        []byte("export default {}"),
	})
	analysis := h.Analyze(raw)
	if analysis.Suspicious {
		t.Errorf("clean archive flagged: %v", analysis.Reasons)
	}
	if len(analysis.Errors) != 0 {
		t.Errorf("unexpected errors: %v", analysis.Errors)
	}
}

func TestHeuristicManifestFlags(t *testing.T) {
	h := newTestHeuristic(nil)
	perms := `["a","b","c","d","e","f","g","h","i","j","k"]`
	raw := buildZip(t, map[string][]byte{
		"manifest.json": []byte(`{"name":"x","permissions":` + perms + `,"debug":true}`),
	})
	analysis := h.Analyze(raw)
	if !analysis.Suspicious {
		t.Fatal("expected suspicious manifest")
	}
	if len(analysis.Reasons) != 2 {
		t.Errorf("Reasons = %v, want permission count + debug flag", analysis.Reasons)
	}
}

func TestHeuristicParseFailureDegrades(t *testing.T) {
	h := newTestHeuristic(nil)
	analysis := h.Analyze([]byte("definitely not a zip archive, low entropy text"))
	if analysis.Suspicious {
		t.Error("parse failure must not flip suspicious")
	}
	if len(analysis.Errors) == 0 {
		t.Error("parse failure should be recorded")
	}
}

func TestHeuristicBadCertificate(t *testing.T) {
	certData := []byte("-----BEGIN CERTIFICATE-----fakecert-----END CERTIFICATE-----")
	db := intelligence.NewThreatDB()
	db.AddBadCert(core.HashBytes(certData))

	h := newTestHeuristic(db)
	raw := buildZip(t, map[string][]byte{
		"certs/publisher.pem": certData,
		"app.js":              []byte("x"),
	})
	analysis := h.Analyze(raw)
	if !analysis.Suspicious {
		t.Fatal("known-bad certificate should be suspicious")
	}
}

func TestHeuristicEngineContract(t *testing.T) {
	h := newTestHeuristic(nil)
	raw := buildZip(t, map[string][]byte{"miner_loader.js": []byte("x")})

	result, err := h.Scan(context.Background(), raw, core.HashBytes(raw))
	if err != nil {
		t.Fatalf("heuristic Scan must never fail: %v", err)
	}
	if result.Engine != "heuristic_analyzer" {
		t.Errorf("Engine = %q", result.Engine)
	}
	if !result.Positive {
		t.Error("expected positive result")
	}
	if !result.Responded() {
		t.Error("result should count as responded")
	}
}
