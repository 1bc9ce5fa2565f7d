package ledger

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	sub402 "github.com/sub402/sub402-go"
)

// resourceCipher encrypts plan resource locators at rest so a leaked plan
// table does not expose the protected URLs. AES-256-GCM with a random nonce
// prepended to the ciphertext, base64 on the wire.
type resourceCipher struct {
	aead cipher.AEAD
}

func newResourceCipher(key []byte) (*resourceCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: resource key must be 32 bytes, got %d", sub402.ErrInvalidKey, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &resourceCipher{aead: aead}, nil
}

func (c *resourceCipher) Seal(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *resourceCipher) Open(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode resource locator: %w", err)
	}
	if len(sealed) < c.aead.NonceSize() {
		return "", fmt.Errorf("resource locator ciphertext too short")
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open resource locator: %w", err)
	}
	return string(plaintext), nil
}
