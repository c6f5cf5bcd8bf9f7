package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPhoneContact(t *testing.T) {
	assert.True(t, IsPhoneContact("+15551234567"))
	assert.True(t, IsPhoneContact("(555) 123-4567"))
	assert.True(t, IsPhoneContact("555 123 4567"))
	assert.False(t, IsPhoneContact("user@example.com"))
	assert.False(t, IsPhoneContact("55a51234"))
	assert.False(t, IsPhoneContact(""))
}

func TestNormalizeContact(t *testing.T) {
	assert.Equal(t, "+15551234567", NormalizeContact("+1 (555) 123-4567"))
	assert.Equal(t, "user@example.com", NormalizeContact("  User@Example.COM "))
}

func TestExtractCode(t *testing.T) {
	assert.Equal(t, "654321", ExtractCode("here is 654321 thanks"))
	assert.Equal(t, "123456", ExtractCode("123456"))
	assert.Equal(t, "", ExtractCode("no code here"))
	assert.Equal(t, "", ExtractCode("too long 1234567 digits"))
	assert.Equal(t, "", ExtractCode("short 12345"))
}

func TestMaskContact(t *testing.T) {
	assert.Equal(t, "+1********67", MaskContact("+15551234567"))
	assert.Equal(t, "****", MaskContact("abc"))
}
