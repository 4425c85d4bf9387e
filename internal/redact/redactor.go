package redact

import (
	"fmt"
	"sort"
	"strings"
)

// Redactor replaces secrets in text with labelled placeholders.
type Redactor interface {
	Redact(text string) *Result
	Enabled() bool
}

type redactor struct {
	config      *Config
	credentials *credentialScanner
}

type span struct {
	start, end int
	label      string
}

// New returns a Redactor for cfg, or for DefaultConfig when cfg is nil.
func New(cfg *Config) (Redactor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &redactor{config: cfg}
	if cfg.Enabled && cfg.Credentials {
		scanner, err := newCredentialScanner()
		if err != nil {
			return nil, fmt.Errorf("load credential rules: %w", err)
		}
		r.credentials = scanner
	}
	return r, nil
}

// MustNew is New that panics on an invalid configuration.
func MustNew(cfg *Config) Redactor {
	r, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *redactor) Enabled() bool { return r.config.Enabled }

func (r *redactor) Redact(text string) *Result {
	res := &Result{Text: text, ByRule: make(map[string]int)}
	if !r.config.Enabled {
		return res
	}

	var spans []span
	for _, rule := range r.config.compiledRules {
		for _, m := range rule.pattern.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[0], m[1]
			if len(m) >= 4 && m[2] >= 0 {
				start, end = m[2], m[3]
			}
			value := text[start:end]
			if rule.valid != nil && !rule.valid(value) {
				continue
			}
			if r.allowed(value) {
				continue
			}
			res.Findings = append(res.Findings, Finding{RuleID: rule.ID, Label: rule.Label, Start: start, End: end})
			res.ByRule[rule.ID]++
			spans = append(spans, span{start: start, end: end, label: rule.Label})
		}
	}
	if r.credentials != nil {
		for _, f := range r.credentials.scan(text) {
			if r.allowed(text[f.Start:f.End]) {
				continue
			}
			res.Findings = append(res.Findings, f)
			res.ByRule[f.RuleID]++
			spans = append(spans, span{start: f.Start, end: f.End, label: f.Label})
		}
	}
	if len(spans) == 0 {
		return res
	}

	// Stable keeps rule order among spans that start together.
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start < last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}

	var b strings.Builder
	prev := 0
	for _, s := range merged {
		b.WriteString(text[prev:s.start])
		b.WriteString("[REDACTED:")
		b.WriteString(s.label)
		b.WriteString("]")
		prev = s.end
	}
	b.WriteString(text[prev:])
	res.Text = b.String()
	return res
}

func (r *redactor) allowed(value string) bool {
	for _, re := range r.config.compiledAllowList {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

// Nop leaves text unchanged.
type Nop struct{}

func (Nop) Redact(text string) *Result { return &Result{Text: text} }
func (Nop) Enabled() bool              { return false }

var (
	_ Redactor = (*redactor)(nil)
	_ Redactor = Nop{}
)
