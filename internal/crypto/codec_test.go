package crypto

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := NewCodec("a-long-lived-secret")

	for _, plaintext := range []string{
		"hunter2",
		"correct horse battery staple",
		"päßwörd with ünicode",
		strings.Repeat("x", 1024),
	} {
		blob, err := c.Encrypt(plaintext)
		require.NoError(t, err)

		got, err := c.Decrypt(blob)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptProducesFreshNonces(t *testing.T) {
	c := NewCodec("secret")

	a, err := c.Encrypt("same input")
	require.NoError(t, err)
	b, err := c.Encrypt("same input")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestEncryptRejectsEmptyInput(t *testing.T) {
	c := NewCodec("secret")

	_, err := c.Encrypt("")
	var ee *EncryptionError
	require.ErrorAs(t, err, &ee)
}

func TestUnsetSecret(t *testing.T) {
	c := NewCodec("")

	_, err := c.Encrypt("anything")
	var ee *EncryptionError
	require.ErrorAs(t, err, &ee)

	_, err = c.Decrypt("00:00:00")
	assert.True(t, IsDecryptionError(err))
}

func TestDecryptRejectsWrongFieldCount(t *testing.T) {
	c := NewCodec("secret")

	for _, blob := range []string{
		"",
		"deadbeef",
		"aa:bb",
		"aa:bb:cc:dd",
	} {
		_, err := c.Decrypt(blob)
		assert.True(t, IsDecryptionError(err), "blob %q", blob)
	}
}

func TestDecryptDetectsTampering(t *testing.T) {
	c := NewCodec("secret")

	blob, err := c.Encrypt("sensitive")
	require.NoError(t, err)

	parts := strings.Split(blob, ":")
	require.Len(t, parts, 3)

	// Flip one byte in every position of the ciphertext and the tag.
	for _, idx := range []int{1, 2} {
		raw, err := hex.DecodeString(parts[idx])
		require.NoError(t, err)

		for i := range raw {
			mutated := make([]byte, len(raw))
			copy(mutated, raw)
			mutated[i] ^= 0x01

			tampered := make([]string, 3)
			copy(tampered, parts)
			tampered[idx] = hex.EncodeToString(mutated)

			_, err := c.Decrypt(strings.Join(tampered, ":"))
			assert.True(t, IsDecryptionError(err),
				"field %d byte %d: tampering not detected", idx, i)
		}
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	blob, err := NewCodec("secret-one").Encrypt("sensitive")
	require.NoError(t, err)

	_, err = NewCodec("secret-two").Decrypt(blob)
	assert.True(t, IsDecryptionError(err))
}

func TestRetiredSecretStillDecrypts(t *testing.T) {
	old := NewCodec("old-secret")
	blob, err := old.Encrypt("sensitive")
	require.NoError(t, err)

	rotated := NewCodec("new-secret", "old-secret")
	got, err := rotated.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "sensitive", got)

	assert.True(t, rotated.NeedsReseal(blob))

	fresh, err := rotated.Encrypt("sensitive")
	require.NoError(t, err)
	assert.False(t, rotated.NeedsReseal(fresh))
}
