package engines

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/2029ijones-sudo/FireOS/internal/core"
	"github.com/2029ijones-sudo/FireOS/internal/intelligence"
)

func TestSignatureScannerKnownHash(t *testing.T) {
	raw := buildZip(t, map[string][]byte{"app.js": []byte("x")})
	hash := core.HashBytes(raw)

	db := intelligence.NewThreatDB()
	db.AddHash(intelligence.ThreatEntry{SHA256: hash, Name: "Trojan.FakeCalc", Category: "trojan"})

	scanner := NewSignatureScanner(db)
	result, err := scanner.Scan(context.Background(), raw, hash)
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if !result.Positive {
		t.Error("known hash should be positive")
	}
	if len(result.Findings) != 1 {
		t.Errorf("Findings = %v", result.Findings)
	}
}

func TestSignatureScannerKnownEntryHash(t *testing.T) {
	payload := []byte("malicious component bytes")
	raw := buildZip(t, map[string][]byte{
		"app.js":        []byte("clean"),
		"vendor/lib.js": payload,
	})

	db := intelligence.NewThreatDB()
	db.AddHash(intelligence.ThreatEntry{SHA256: core.HashBytes(payload), Name: "Dropper.Embedded", Category: "dropper"})

	scanner := NewSignatureScanner(db)
	result, err := scanner.Scan(context.Background(), raw, core.HashBytes(raw))
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if !result.Positive {
		t.Error("repackaged known component should be positive")
	}
}

func TestSignatureScannerClean(t *testing.T) {
	raw := buildZip(t, map[string][]byte{"app.js": []byte("x")})
	scanner := NewSignatureScanner(intelligence.NewThreatDB())
	result, err := scanner.Scan(context.Background(), raw, core.HashBytes(raw))
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if result.Positive {
		t.Error("empty database should yield clean")
	}
}

func TestRuleMatcherDefaults(t *testing.T) {
	m := NewRuleMatcher("")
	if m.Name() != "rule_matcher" {
		t.Errorf("Name = %q", m.Name())
	}
	raw := buildZip(t, map[string][]byte{
		"app.js": []byte(`eval(atob("ZG9Fdmls"))`),
	})
	result, err := m.Scan(context.Background(), raw, core.HashBytes(raw))
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if !result.Positive {
		t.Error("eval(atob(...)) should match the built-in rules")
	}
}

func TestRuleMatcherNamePattern(t *testing.T) {
	m := NewRuleMatcher("")
	raw := buildZip(t, map[string][]byte{
		"update.exe.png": []byte("not really an image"),
	})
	result, err := m.Scan(context.Background(), raw, core.HashBytes(raw))
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if !result.Positive {
		t.Error("disguised binary name should match")
	}
}

func TestRuleMatcherCleanAndUnreadable(t *testing.T) {
	m := NewRuleMatcher("")
	raw := buildZip(t, map[string][]byte{"app.js": []byte("console.log(1)")})
	result, err := m.Scan(context.Background(), raw, core.HashBytes(raw))
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if result.Positive {
		t.Errorf("clean content flagged: %v", result.Findings)
	}

	result, err = m.Scan(context.Background(), []byte("not a zip"), "hash")
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if result.Positive {
		t.Error("unreadable archive is not rule evidence")
	}
}

func TestRuleMatcherConcurrentScans(t *testing.T) {
	m := NewRuleMatcher("")
	raw := buildZip(t, map[string][]byte{
		"app.js": []byte(`eval(atob("ZG9Fdmls"))`),
	})
	hash := core.HashBytes(raw)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := m.Scan(context.Background(), raw, hash)
			if err != nil {
				errs <- err
				return
			}
			if !result.Positive {
				errs <- fmt.Errorf("concurrent scan missed a built-in rule match")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if !m.HealthCheck() {
		t.Error("matcher with compiled rules should be healthy")
	}
}

func TestLoadRulesFromDirectory(t *testing.T) {
	dir := t.TempDir()
	rule := `
id: "CUSTOM-001"
name: "Custom Marker"
target: "CONTENT"
pattern: "forbidden_marker"
enabled: true
`
	disabled := `
id: "CUSTOM-002"
name: "Disabled"
pattern: "whatever"
enabled: false
`
	os.WriteFile(filepath.Join(dir, "custom.yml"), []byte(rule), 0644)
	os.WriteFile(filepath.Join(dir, "disabled.yml"), []byte(disabled), 0644)

	rules, err := LoadRules(dir)
	if err != nil {
		t.Fatalf("LoadRules error: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "CUSTOM-001" {
		t.Errorf("rules = %+v", rules)
	}

	m := NewRuleMatcher(dir)
	raw := buildZip(t, map[string][]byte{"app.js": []byte("the forbidden_marker is here")})
	result, _ := m.Scan(context.Background(), raw, "hash")
	if !result.Positive {
		t.Error("custom rule should match")
	}
}

func TestReputationLookupPositive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"malicious":true,"detection":"Backdoor.Remote","score":0.97}`))
	}))
	defer srv.Close()

	rep := NewReputationLookup(srv.URL, 5*time.Second)
	result, err := rep.Scan(context.Background(), nil, "somehash")
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if !result.Positive {
		t.Error("expected positive result")
	}
	if len(result.Findings) != 1 {
		t.Errorf("Findings = %v", result.Findings)
	}
}

func TestReputationLookupClean(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"malicious":false,"score":0.01}`))
	}))
	defer srv.Close()

	rep := NewReputationLookup(srv.URL, 5*time.Second)
	result, err := rep.Scan(context.Background(), nil, "somehash")
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if result.Positive {
		t.Error("expected clean result")
	}
}

func TestReputationLookupUnconfigured(t *testing.T) {
	rep := NewReputationLookup("", 5*time.Second)
	if rep.HealthCheck() {
		t.Error("unconfigured engine should fail health check")
	}
	_, err := rep.Scan(context.Background(), nil, "somehash")
	if !errors.Is(err, core.ErrEngineUnavailable) {
		t.Errorf("err = %v, want ErrEngineUnavailable", err)
	}
}

func TestReputationLookupServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rep := NewReputationLookup(srv.URL, time.Second)
	_, err := rep.Scan(context.Background(), nil, "somehash")
	if !errors.Is(err, core.ErrEngineUnavailable) {
		t.Errorf("err = %v, want ErrEngineUnavailable", err)
	}
}
