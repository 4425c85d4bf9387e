// Package redact removes customer secrets from text before it leaves the
// process: payment card and bank account numbers, credentials pasted into a
// ticket, and provider API keys.
//
// Rules are regular expressions, optionally backed by a checksum. Provider
// keys, tokens and private keys come from the gitleaks default rule set when
// Config.Credentials is set.
//
// Findings carry rule IDs and positions only. Matched values are never kept.
package redact
