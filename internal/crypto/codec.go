// Package crypto seals mail passwords for storage. It wraps standard
// primitives only: PBKDF2-SHA256 key derivation and AES-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// keySalt is an application-level salt. It is deliberately static:
	// the derived key must be reproducible from the secret alone.
	keySalt = "tidemail.credential.v1"

	kdfIterations = 210000
	keySize       = 32
	nonceSize     = 12
	tagSize       = 16
)

// EncryptionError indicates that sealing a credential failed.
type EncryptionError struct {
	Message string
}

func (e *EncryptionError) Error() string {
	return "encrypting credential: " + e.Message
}

// DecryptionError indicates that a stored blob could not be opened. It
// never distinguishes a malformed blob from a bad key or tampered data
// beyond the malformed-format case required for input validation.
type DecryptionError struct {
	Message string
}

func (e *DecryptionError) Error() string {
	return "decrypting credential: " + e.Message
}

// IsDecryptionError reports whether err (or any error in its chain) is a
// DecryptionError.
func IsDecryptionError(err error) bool {
	var de *DecryptionError
	return errors.As(err, &de)
}

// Codec performs authenticated symmetric encryption of credentials.
// The first secret is used for encryption; retired secrets are only
// tried on decryption so that rotating the application secret keeps old
// records readable until they are lazily re-sealed.
type Codec struct {
	keys  []cipher.AEAD
	ready bool
}

// NewCodec derives AEADs from the current secret and any retired secrets.
// An empty current secret yields a codec that fails every operation,
// matching the unset-secret contract.
func NewCodec(secret string, retired ...string) *Codec {
	c := &Codec{}
	if secret == "" {
		return c
	}
	c.ready = true
	for _, s := range append([]string{secret}, retired...) {
		if s == "" {
			continue
		}
		key := pbkdf2.Key([]byte(s), []byte(keySalt), kdfIterations, keySize, sha256.New)
		block, err := aes.NewCipher(key)
		if err != nil {
			// aes.NewCipher only fails on bad key sizes; keySize is fixed.
			panic(fmt.Sprintf("deriving credential cipher: %v", err))
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			panic(fmt.Sprintf("constructing GCM: %v", err))
		}
		c.keys = append(c.keys, aead)
	}
	return c
}

// Encrypt seals plaintext under the current secret. The blob is three
// colon-separated hex fields: nonce, ciphertext, authentication tag.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if !c.ready {
		return "", &EncryptionError{Message: "encryption secret is not configured"}
	}
	if plaintext == "" {
		return "", &EncryptionError{Message: "empty plaintext"}
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", &EncryptionError{Message: "generating nonce: " + err.Error()}
	}

	sealed := c.keys[0].Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(ct) + ":" + hex.EncodeToString(tag), nil
}

// Decrypt opens a blob produced by Encrypt, trying the current secret
// first and then each retired secret in order.
func (c *Codec) Decrypt(blob string) (string, error) {
	if !c.ready {
		return "", &DecryptionError{Message: "encryption secret is not configured"}
	}

	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return "", &DecryptionError{Message: "malformed blob"}
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return "", &DecryptionError{Message: "malformed blob"}
	}
	ct, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", &DecryptionError{Message: "malformed blob"}
	}
	tag, err := hex.DecodeString(parts[2])
	if err != nil || len(tag) != tagSize {
		return "", &DecryptionError{Message: "malformed blob"}
	}

	sealed := append(ct, tag...)
	for _, aead := range c.keys {
		plaintext, err := aead.Open(nil, nonce, sealed, nil)
		if err == nil {
			return string(plaintext), nil
		}
	}
	return "", &DecryptionError{Message: "authentication failed"}
}

// NeedsReseal reports whether a blob decrypts only under a retired
// secret, meaning it should be re-encrypted with the current one.
func (c *Codec) NeedsReseal(blob string) bool {
	if !c.ready || len(c.keys) < 2 {
		return false
	}
	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return false
	}
	nonce, err1 := hex.DecodeString(parts[0])
	ct, err2 := hex.DecodeString(parts[1])
	tag, err3 := hex.DecodeString(parts[2])
	if err1 != nil || err2 != nil || err3 != nil || len(nonce) != nonceSize {
		return false
	}
	_, err := c.keys[0].Open(nil, nonce, append(ct, tag...), nil)
	return err != nil
}
