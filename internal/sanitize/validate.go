// Package sanitize validates identifiers that arrive from outside the process
// and cleans them for use as keys in Redis, Temporal and NATS.
package sanitize

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Validation errors.
var (
	// ErrInvalidTicketID indicates a ticket ID outside the accepted format.
	ErrInvalidTicketID = errors.New("invalid ticket ID")

	// ErrInvalidCustomerID indicates a customer ID outside the accepted format.
	ErrInvalidCustomerID = errors.New("invalid customer ID")

	// ErrInvalidProfile indicates a customer profile with too many or malformed keys.
	ErrInvalidProfile = errors.New("invalid customer profile")
)

// Limits on caller-supplied data.
const (
	MaxIDLength       = 128
	MaxProfileEntries = 32
	MaxProfileValue   = 1024
)

// idPattern accepts help desk style identifiers such as "T-1042" or
// "zendesk:88231".
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:\-]*$`)

var profileKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// ValidateTicketID checks a ticket ID before it becomes part of a storage key
// or workflow ID.
func ValidateTicketID(id string) error {
	return validateID(id, ErrInvalidTicketID)
}

// ValidateCustomerID checks a customer ID. An empty ID is allowed.
func ValidateCustomerID(id string) error {
	if id == "" {
		return nil
	}
	return validateID(id, ErrInvalidCustomerID)
}

func validateID(id string, kind error) error {
	if id == "" {
		return fmt.Errorf("%w: empty", kind)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: longer than %d characters", kind, MaxIDLength)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("%w: contains path characters", kind)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: must be letters, digits, '_', '.', ':' or '-'", kind)
	}
	return nil
}

// ValidateProfile checks the customer profile attached to a message.
func ValidateProfile(profile map[string]string) error {
	if len(profile) > MaxProfileEntries {
		return fmt.Errorf("%w: more than %d entries", ErrInvalidProfile, MaxProfileEntries)
	}
	for k, v := range profile {
		if !profileKeyPattern.MatchString(k) {
			return fmt.Errorf("%w: key %q must be lowercase snake_case", ErrInvalidProfile, k)
		}
		if len(v) > MaxProfileValue {
			return fmt.Errorf("%w: value of %q longer than %d bytes", ErrInvalidProfile, k, MaxProfileValue)
		}
	}
	return nil
}
