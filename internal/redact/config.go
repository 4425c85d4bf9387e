package redact

import (
	"fmt"
	"regexp"
)

// Validators that can be named by Rule.Validate.
const (
	ValidateLuhn = "luhn"
	ValidateIBAN = "iban"
)

// Config configures a Redactor.
type Config struct {
	Enabled bool `koanf:"enabled"`

	Rules []Rule `koanf:"rules"`

	// Credentials adds the gitleaks rule set for provider keys, tokens and
	// private keys on top of Rules.
	Credentials bool `koanf:"credentials"`

	// AllowList holds patterns for matches that are left in place.
	AllowList []string `koanf:"allow_list"`

	compiledRules     []*compiledRule
	compiledAllowList []*regexp.Regexp
}

// Rule detects one kind of secret. When Pattern has a capturing group only
// the first group is replaced, so "password: hunter22" keeps its key.
type Rule struct {
	ID      string `koanf:"id"`
	Pattern string `koanf:"pattern"`
	// Label names the placeholder, e.g. CARD gives [REDACTED:CARD].
	Label string `koanf:"label"`
	// Validate names a checksum the match must pass.
	Validate string `koanf:"validate"`
}

type compiledRule struct {
	Rule
	pattern *regexp.Regexp
	valid   func(string) bool
}

// DefaultConfig returns an enabled configuration with DefaultRules.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		Rules:       DefaultRules(),
		Credentials: true,
	}
}

// Validate compiles the rules and allow list.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	c.compiledRules = make([]*compiledRule, 0, len(c.Rules))
	for i, rule := range c.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rule %d: id is required", i)
		}
		if rule.Pattern == "" {
			return fmt.Errorf("rule %s: pattern is required", rule.ID)
		}
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fmt.Errorf("rule %s: invalid pattern: %w", rule.ID, err)
		}
		cr := &compiledRule{Rule: rule, pattern: pattern}
		if cr.Label == "" {
			cr.Label = "SECRET"
		}
		switch rule.Validate {
		case "":
		case ValidateLuhn:
			cr.valid = luhn
		case ValidateIBAN:
			cr.valid = ibanChecksum
		default:
			return fmt.Errorf("rule %s: unknown validator %q", rule.ID, rule.Validate)
		}
		c.compiledRules = append(c.compiledRules, cr)
	}

	c.compiledAllowList = make([]*regexp.Regexp, 0, len(c.AllowList))
	for i, pattern := range c.AllowList {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("allow_list %d: invalid pattern: %w", i, err)
		}
		c.compiledAllowList = append(c.compiledAllowList, re)
	}
	return nil
}
