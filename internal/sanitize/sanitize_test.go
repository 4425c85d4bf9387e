package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTicketID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "T-1042", false},
		{"numeric", "88231", false},
		{"namespaced", "zendesk:88231", false},
		{"dotted", "eu.T-7", false},
		{"empty", "", true},
		{"traversal", "../etc", true},
		{"double dot inside", "a..b", true},
		{"slash", "a/b", true},
		{"space", "T 1", true},
		{"wildcard", "T-*", true},
		{"leading dash", "-T1", true},
		{"too long", strings.Repeat("a", MaxIDLength+1), true},
		{"max length", strings.Repeat("a", MaxIDLength), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTicketID(tt.id)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidTicketID)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidateCustomerID(t *testing.T) {
	assert.NoError(t, ValidateCustomerID(""))
	assert.NoError(t, ValidateCustomerID("C-1"))
	assert.ErrorIs(t, ValidateCustomerID("C 1"), ErrInvalidCustomerID)
}

func TestValidateProfile(t *testing.T) {
	assert.NoError(t, ValidateProfile(nil))
	assert.NoError(t, ValidateProfile(map[string]string{"tier": "gold", "plan_name": "pro"}))

	assert.ErrorIs(t, ValidateProfile(map[string]string{"Tier": "gold"}), ErrInvalidProfile)
	assert.ErrorIs(t, ValidateProfile(map[string]string{"tier": strings.Repeat("x", MaxProfileValue+1)}), ErrInvalidProfile)

	big := make(map[string]string, MaxProfileEntries+1)
	for i := 0; i <= MaxProfileEntries; i++ {
		big["k"+strings.Repeat("a", i)] = "v"
	}
	assert.ErrorIs(t, ValidateProfile(big), ErrInvalidProfile)
}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "unbound", SubjectToken(""))
	assert.Equal(t, "T-1", SubjectToken("T-1"))
	assert.Equal(t, "eu_T-7", SubjectToken("eu.T-7"))
	assert.Equal(t, "a_b_c_d", SubjectToken("a*b>c d"))
}
