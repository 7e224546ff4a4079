package pyz

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// Cipher implements the AES-CFB stream cipher used for encrypted archive
// entries. Each payload is stored as a random 16-byte IV followed by the
// ciphertext of the deflated entry.
type Cipher struct {
	block cipher.Block
}

// NewCipher builds a Cipher from the bundle's embedded key. The key must
// be exactly one AES block (16 bytes).
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != aes.BlockSize {
		return nil, fmt.Errorf("pyz: cipher key must be %d bytes, got %d", aes.BlockSize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{block: block}, nil
}

// Decrypt strips the IV prefix and decrypts the remainder.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) < aes.BlockSize {
		return nil, fmt.Errorf("pyz: encrypted payload shorter than IV (%d bytes)", len(data))
	}
	iv, ciphertext := data[:aes.BlockSize], data[aes.BlockSize:]
	out := make([]byte, len(ciphertext))
	cipher.NewCFBDecrypter(c.block, iv).XORKeyStream(out, ciphertext)
	return out, nil
}

// Encrypt prefixes a fresh IV and encrypts data after it.
func (c *Cipher) Encrypt(data []byte) ([]byte, error) {
	out := make([]byte, aes.BlockSize+len(data))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	cipher.NewCFBEncrypter(c.block, iv).XORKeyStream(out[aes.BlockSize:], data)
	return out, nil
}
