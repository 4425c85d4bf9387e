package redact

import "sort"

// Result is the outcome of one Redact call.
type Result struct {
	Text     string         `json:"text"`
	Findings []Finding      `json:"findings,omitempty"`
	ByRule   map[string]int `json:"by_rule,omitempty"`
}

// Finding locates a redacted value in the input. The value itself is not kept.
type Finding struct {
	RuleID string `json:"rule_id"`
	Label  string `json:"label"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

// HasFindings reports whether anything was redacted.
func (r *Result) HasFindings() bool {
	return len(r.Findings) > 0
}

// RuleIDs returns the matching rule IDs in sorted order.
func (r *Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.ByRule))
	for id := range r.ByRule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
