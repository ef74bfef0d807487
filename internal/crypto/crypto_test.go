package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known test vector key (hardhat account #0), never used with funds.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptKey(testKey, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKey, got)
}

func TestDecryptWrongPassword(t *testing.T) {
	blob, err := EncryptKey(testKey, "hunter2")
	require.NoError(t, err)

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)
}

func TestEncryptRejectsBadKey(t *testing.T) {
	_, err := EncryptKey("nothex", "hunter2")
	assert.Error(t, err)

	_, err = EncryptKey("abcd", "hunter2") // too short
	assert.Error(t, err)

	_, err = EncryptKey(testKey, "")
	assert.Error(t, err)
}

func TestLoadKeyRawWins(t *testing.T) {
	got, err := LoadKey(KeySource{RawPrivateKey: "0x" + testKey})
	require.NoError(t, err)
	assert.Equal(t, testKey, got)
}

func TestLoadKeyNoSource(t *testing.T) {
	_, err := LoadKey(KeySource{})
	assert.Error(t, err)
}

func TestSignerAddress(t *testing.T) {
	s, err := NewSigner(testKey, "a")
	require.NoError(t, err)
	// Address derived from the hardhat #0 key.
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", s.Address().Hex())
}

func TestSignActionDeterministic(t *testing.T) {
	s, err := NewSigner(testKey, "a")
	require.NoError(t, err)

	action := map[string]any{"type": "order", "asset": "BTC"}

	first, err := s.SignAction(action, 42)
	require.NoError(t, err)
	second, err := s.SignAction(action, 42)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Contains(t, []int{27, 28}, first.V)

	// A different nonce must change the connection id and the signature.
	third, err := s.SignAction(action, 43)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestHMACHeadersAt(t *testing.T) {
	auth := &HMACAuth{Key: "key-1", Secret: "secret-1"}

	headers := auth.HeadersAt("GET", "/api/v3/brokerage/accounts", "", 1700000000)
	assert.Equal(t, "key-1", headers["CB-ACCESS-KEY"])
	assert.Equal(t, "1700000000", headers["CB-ACCESS-TIMESTAMP"])
	assert.Len(t, headers["CB-ACCESS-SIGN"], 64) // hex SHA-256

	// Same inputs, same signature.
	again := auth.HeadersAt("GET", "/api/v3/brokerage/accounts", "", 1700000000)
	assert.Equal(t, headers["CB-ACCESS-SIGN"], again["CB-ACCESS-SIGN"])

	// Body participates in the signature.
	withBody := auth.HeadersAt("POST", "/api/v3/brokerage/orders", `{"a":1}`, 1700000000)
	assert.NotEqual(t, headers["CB-ACCESS-SIGN"], withBody["CB-ACCESS-SIGN"])
}

func TestHMACStringRedacts(t *testing.T) {
	auth := &HMACAuth{Key: "verysecretkey", Secret: "verysecretsecret"}
	s := auth.String()
	assert.NotContains(t, s, "verysecretkey")
	assert.Contains(t, s, "very****")
}
