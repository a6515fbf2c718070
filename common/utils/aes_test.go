package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESRoundTrip(t *testing.T) {
	cipher, err := NewAES("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	encrypted, err := cipher.Encrypt(`{"httpRequest":{"url":"https://example.com"}}`)
	require.NoError(t, err)
	assert.NotContains(t, encrypted, "example.com")

	again, err := cipher.Encrypt(`{"httpRequest":{"url":"https://example.com"}}`)
	require.NoError(t, err)
	assert.NotEqual(t, encrypted, again, "random IV per call")

	plain, err := cipher.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, `{"httpRequest":{"url":"https://example.com"}}`, plain)
}

func TestAESRejectsBadInput(t *testing.T) {
	_, err := NewAES("")
	require.Error(t, err)

	_, err = NewAES("short")
	require.Error(t, err)

	cipher, err := NewAES("0123456789abcdef")
	require.NoError(t, err)

	_, err = cipher.Decrypt("AAAA")
	require.ErrorIs(t, err, ErrCiphertextTooShort)

	_, err = cipher.Decrypt("%%%")
	require.Error(t, err)
}
