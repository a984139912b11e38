package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Key handling errors. These are startup failures: a process with bad key
// material must not come up, so the cipher constructor is wired as a hard
// dependency in main.
var (
	ErrInvalidKey        = errors.New("encryption key must be 32 bytes of base64")
	ErrCorruptCiphertext = errors.New("ciphertext is corrupt or was sealed with a different key")
)

// Cipher seals and opens token material with AES-256-GCM. The key is an
// explicit constructor dependency rather than ambient state so rotation and
// testing stay straightforward.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a cipher from a base64-encoded 32-byte key.
func NewCipher(base64Key string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext into a SealedSecret. The nonce is prepended to the
// ciphertext and the whole blob is base64 encoded for text-column storage.
func (c *Cipher) Seal(plaintext string) (SealedSecret, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return SealedSecret{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedSecret{ciphertext: base64.StdEncoding.EncodeToString(sealed)}, nil
}

// Open decrypts a SealedSecret back to plaintext.
func (c *Cipher) Open(s SealedSecret) (string, error) {
	if s.IsZero() {
		return "", nil
	}

	blob, err := base64.StdEncoding.DecodeString(s.ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptCiphertext, err)
	}
	if len(blob) < c.aead.NonceSize() {
		return "", ErrCorruptCiphertext
	}

	nonce, ciphertext := blob[:c.aead.NonceSize()], blob[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptCiphertext, err)
	}
	return string(plaintext), nil
}
