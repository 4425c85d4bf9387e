package sanitize

import "strings"

// SubjectToken makes id safe to use as a single NATS subject token.
func SubjectToken(id string) string {
	if id == "" {
		return "unbound"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, id)
}
