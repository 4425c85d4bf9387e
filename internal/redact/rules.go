package redact

// DefaultRules returns the rules used when none are configured. More specific
// rules come first; overlapping matches are merged under the first label.
// Provider keys and private keys are left to the credential scanner.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:      "env-secret",
			Pattern: `(?:OPENAI_API_KEY|ANTHROPIC_API_KEY|AWS_SECRET_ACCESS_KEY)\s*=\s*(\S+)`,
			Label:   "ENV_SECRET",
		},
		// Header values; gitleaks only matches these inside curl commands.
		{ID: "bearer-token", Pattern: `(?i)bearer\s+([a-z0-9._\-]{20,})`, Label: "TOKEN"},
		{ID: "password", Pattern: `(?i)(?:password|passwd|pwd|passcode)\s*[:=]\s*(\S+)`, Label: "PASSWORD"},
		// 13 to 19 digits, optionally grouped by spaces or dashes.
		{ID: "card-number", Pattern: `\b(?:\d[ -]?){12,18}\d\b`, Label: "CARD", Validate: ValidateLuhn},
		{ID: "iban", Pattern: `\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,3})?\b`, Label: "IBAN", Validate: ValidateIBAN},
		{ID: "us-ssn", Pattern: `\b\d{3}-\d{2}-\d{4}\b`, Label: "SSN"},
	}
}

// luhn reports whether the digits in s pass the Luhn checksum.
func luhn(s string) bool {
	sum, n := 0, 0
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if n%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		n++
	}
	return n >= 13 && sum%10 == 0
}

// ibanChecksum applies the ISO 13616 mod-97 check.
func ibanChecksum(s string) bool {
	compact := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != ' ' {
			compact = append(compact, s[i])
		}
	}
	if len(compact) < 15 {
		return false
	}
	rearranged := append(compact[4:len(compact):len(compact)], compact[:4]...)
	rem := 0
	for _, c := range rearranged {
		switch {
		case c >= '0' && c <= '9':
			rem = (rem*10 + int(c-'0')) % 97
		case c >= 'A' && c <= 'Z':
			rem = (rem*100 + int(c-'A') + 10) % 97
		default:
			return false
		}
	}
	return rem == 1
}
