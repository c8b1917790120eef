package engines

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"gopkg.in/yaml.v3"

	"github.com/2029ijones-sudo/FireOS/internal/core"
)

// maxRuleContentBytes caps how much of a text entry the rule matcher
// will decompress.
const maxRuleContentBytes = 512 * 1024

var textExts = map[string]bool{
	".js": true, ".mjs": true, ".ts": true, ".json": true,
	".html": true, ".css": true, ".md": true, ".txt": true,
	".xml": true, ".yml": true, ".yaml": true, ".sh": true,
	".py": true,
}

// DetectionRule is one pattern rule, loaded from YAML or built in.
// Target selects what the pattern runs against: NAME for entry names,
// CONTENT for text entry content.
type DetectionRule struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Target      string `yaml:"target"`
	Pattern     string `yaml:"pattern"`
	Enabled     bool   `yaml:"enabled"`
}

type compiledRule struct {
	rule DetectionRule
	re   *regexp.Regexp
}

var defaultRules = []DetectionRule{
	{
		ID: "FG-RULE-EVAL", Name: "Dynamic Code Evaluation", Target: "CONTENT",
		Pattern:     `(?:eval|new\s+Function)\s*\(\s*(?:atob|unescape|String\.fromCharCode)`,
		Description: "Eval of decoded string, commonly used to hide payloads.",
		Enabled:     true,
	},
	{
		ID: "FG-RULE-MINER", Name: "Crypto Miner Reference", Target: "CONTENT",
		Pattern:     `(?:coinhive|cryptonight|stratum\+tcp|minerd|xmrig)`,
		Description: "Reference to browser or pool mining infrastructure.",
		Enabled:     true,
	},
	{
		ID: "FG-RULE-HIDDEN-BIN", Name: "Disguised Binary Name", Target: "NAME",
		Pattern:     `\.(?:exe|dll|scr)\.[a-z0-9]+$`,
		Description: "Executable extension hidden behind a second extension.",
		Enabled:     true,
	},
	{
		ID: "FG-RULE-KEYLOG", Name: "Keystroke Capture", Target: "CONTENT",
		Pattern:     `(?:onkeydown|onkeypress|keylogger)[\s\S]{0,80}?(?:fetch|XMLHttpRequest|websocket)`,
		Description: "Keystroke handler wired to an exfiltration channel.",
		Enabled:     true,
	},
}

// RuleMatcher runs regex detection rules against archive entry names and
// text entry content. Rules are compiled at construction and read-only
// afterwards, so one matcher is safe for concurrent scans. When the
// rules directory is empty the built-in set is used.
type RuleMatcher struct {
	rules []compiledRule
}

// NewRuleMatcher creates a RuleMatcher with rules read from rulesDir.
func NewRuleMatcher(rulesDir string) *RuleMatcher {
	rules, err := LoadRules(rulesDir)
	if err != nil || len(rules) == 0 {
		rules = defaultRules
	}
	return &RuleMatcher{rules: compileRules(rules)}
}

func (m *RuleMatcher) Name() string    { return "rule_matcher" }
func (m *RuleMatcher) Version() string { return "1.0.0" }

func (m *RuleMatcher) Scan(ctx context.Context, data []byte, hash string) (*core.EngineResult, error) {
	start := time.Now()
	rules := m.rules
	var findings []string

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		// A package that does not open is the inspector's problem, not
		// evidence of anything; report clean with zero matches.
		return &core.EngineResult{
			Engine:     m.Name(),
			Version:    m.Version(),
			Positive:   false,
			Detail:     "archive unreadable, no rules applied",
			DurationMs: time.Since(start).Milliseconds(),
		}, nil
	}

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Clean(f.Name)

		for _, cr := range rules {
			if cr.rule.Target != "NAME" {
				continue
			}
			if cr.re.MatchString(strings.ToLower(name)) {
				findings = append(findings, fmt.Sprintf("%s: entry %s", cr.rule.Name, name))
			}
		}

		if !textExts[strings.ToLower(path.Ext(name))] {
			continue
		}
		content, err := readTextEntry(f)
		if err != nil {
			continue
		}
		for _, cr := range rules {
			if cr.rule.Target != "CONTENT" {
				continue
			}
			if cr.re.MatchString(content) {
				findings = append(findings, fmt.Sprintf("%s: entry %s", cr.rule.Name, name))
			}
		}
	}

	result := &core.EngineResult{
		Engine:     m.Name(),
		Version:    m.Version(),
		Positive:   len(findings) > 0,
		Findings:   findings,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if result.Positive {
		result.Detail = findings[0]
	} else {
		result.Detail = fmt.Sprintf("%d rules matched nothing", len(rules))
	}
	return result, nil
}

func (m *RuleMatcher) HealthCheck() bool { return len(m.rules) > 0 }

// LoadRules loads enabled detection rules from .yml files under
// rulesDir, sorted by path for stable ordering. A missing directory
// yields no rules and no error.
func LoadRules(rulesDir string) ([]DetectionRule, error) {
	if rulesDir == "" {
		return nil, nil
	}
	info, err := os.Stat(rulesDir)
	if err != nil || !info.IsDir() {
		return nil, nil
	}

	var paths []string
	filepath.Walk(rulesDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() && strings.HasSuffix(strings.ToLower(p), ".yml") {
			paths = append(paths, p)
		}
		return nil
	})
	sort.Strings(paths)

	var rules []DetectionRule
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var rule DetectionRule
		if err := yaml.Unmarshal(data, &rule); err != nil || rule.ID == "" {
			continue
		}
		if !rule.Enabled {
			continue
		}
		if rule.Target == "" {
			rule.Target = "CONTENT"
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func compileRules(rules []DetectionRule) []compiledRule {
	var compiled []compiledRule
	for _, rule := range rules {
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			continue
		}
		compiled = append(compiled, compiledRule{rule: rule, re: re})
	}
	return compiled
}

func readTextEntry(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxRuleContentBytes))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
