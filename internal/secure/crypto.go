package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// Crypter seals stored values with AES-256-GCM, the nonce is kept as a prefix
type Crypter struct {
	aead cipher.AEAD
}

// NewCrypter uses the first 32 bytes of key
func NewCrypter(key string) (*Crypter, error) {
	k := []byte(key)
	if l := len(k); l < 32 {
		return nil, fmt.Errorf("key length must be >= 32 bytes, got %d", l)
	}
	block, err := aes.NewCipher(k[:32])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Crypter{aead: aead}, nil
}

func (c *Crypter) Encrypt(data []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(data)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, data, nil), nil
}

// Decrypt accepts raw ciphertext ([]byte)
func (c *Crypter) Decrypt(data []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return c.aead.Open(nil, nonce, ciphertext, nil)
}
