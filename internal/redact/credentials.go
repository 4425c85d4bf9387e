package redact

import (
	"strings"
	"sync"

	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
)

var (
	gitleaksOnce  sync.Once
	gitleaksRules gitleaksconfig.Config
	gitleaksErr   error
)

// credentialRules parses the gitleaks default rule set once per process.
func credentialRules() (gitleaksconfig.Config, error) {
	gitleaksOnce.Do(func() {
		d, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			gitleaksErr = err
			return
		}
		gitleaksRules = d.Config
	})
	return gitleaksRules, gitleaksErr
}

// credentialScanner finds provider keys, tokens and private keys with the
// gitleaks rules.
type credentialScanner struct {
	config gitleaksconfig.Config
}

func newCredentialScanner() (*credentialScanner, error) {
	cfg, err := credentialRules()
	if err != nil {
		return nil, err
	}
	return &credentialScanner{config: cfg}, nil
}

// scan returns a finding for every occurrence of each detected secret.
// Detectors keep per-scan state, so each call gets its own.
func (c *credentialScanner) scan(text string) []Finding {
	detector := detect.NewDetector(c.config)

	var out []Finding
	seen := make(map[string]bool)
	for _, f := range detector.DetectString(text) {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		key := f.RuleID + "\x00" + secret
		if secret == "" || seen[key] {
			continue
		}
		seen[key] = true

		label := credentialLabel(f.RuleID)
		for off := 0; off < len(text); {
			i := strings.Index(text[off:], secret)
			if i < 0 {
				break
			}
			start := off + i
			out = append(out, Finding{RuleID: f.RuleID, Label: label, Start: start, End: start + len(secret)})
			off = start + len(secret)
		}
	}
	return out
}

// credentialLabel turns a gitleaks rule id such as "slack-bot-token" into
// the placeholder label SLACK_BOT_TOKEN.
func credentialLabel(ruleID string) string {
	if ruleID == "" {
		return "SECRET"
	}
	return strings.ToUpper(strings.ReplaceAll(ruleID, "-", "_"))
}
