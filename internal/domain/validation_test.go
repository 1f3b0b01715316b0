package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Dev@Omni.Mail", "dev@omni.mail"},
		{"  dev@omni.mail  ", "dev@omni.mail"},
		{"<dev@omni.mail>", "dev@omni.mail"},
		{" <Dev@OMNI.mail> ", "dev@omni.mail"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, NormalizeAddress(tt.input), "input: %q", tt.input)
	}
}

func TestEmailValidator_ValidateEmail(t *testing.T) {
	v := NewEmailValidator()

	valid := []string{
		"dev@omni.mail",
		"dev.team+tag@omni.mail",
		"a@b.co",
		"user_name@sub.omni.mail",
	}
	for _, email := range valid {
		assert.NoError(t, v.ValidateEmail(email), "email: %q", email)
	}

	invalid := []string{
		"",
		"no-at-sign",
		"@omni.mail",
		"dev@",
		"double..dot@omni.mail",
		".leading@omni.mail",
	}
	for _, email := range invalid {
		assert.Error(t, v.ValidateEmail(email), "email: %q", email)
	}
}

func TestEmailValidator_LengthLimits(t *testing.T) {
	v := NewEmailValidator()

	longLocal := strings.Repeat("a", MaxLocalPartLength+1)
	assert.ErrorIs(t, v.ValidateLocalPart(longLocal), ErrLocalPartTooLong)

	longEmail := strings.Repeat("a", MaxEmailLength) + "@omni.mail"
	assert.ErrorIs(t, v.ValidateEmail(longEmail), ErrEmailTooLong)

	longDomain := strings.Repeat("a", MaxDomainLength+1)
	assert.ErrorIs(t, v.ValidateDomain(longDomain), ErrDomainTooLong)
}

func TestEmailValidator_ValidateLocalPart(t *testing.T) {
	v := NewEmailValidator()

	assert.NoError(t, v.ValidateLocalPart("dev"))
	assert.NoError(t, v.ValidateLocalPart("a"))
	assert.NoError(t, v.ValidateLocalPart("dev-team.1+tag"))

	assert.Error(t, v.ValidateLocalPart(""))
	assert.Error(t, v.ValidateLocalPart("-leading"))
	assert.Error(t, v.ValidateLocalPart("trailing-"))
	assert.Error(t, v.ValidateLocalPart("has..dots"))
}
