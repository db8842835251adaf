package registry

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Field identifies which credential a ciphertext holds. The teacher
// encrypted exactly one secret per account (an OAuth refresh token) under a
// single fixed salt; the registry holds several per-account secrets of
// different sensitivity (login password, 2FA seed) that are never supposed
// to be interchangeable. Each Field derives its own scrypt key off a
// distinct salt, so a password ciphertext copied into the 2FA slot of the
// account file (a corrupted write, a bad restore, a hand-edited JSON) almost
// always fails to decrypt instead of silently producing bytes that get used
// as a 2FA code under the wrong key (see Decrypt for the exception).
type Field string

const (
	FieldPassword Field = "password"
	Field2FA      Field = "2fa"
)

func (f Field) salt() string {
	return "account-registry:" + string(f)
}

// Crypto encrypts account credentials at rest using AES-256-CBC with a
// scrypt-derived, field-scoped key, in the same "{iv_hex}:{cipher_hex}"
// wire format the teacher uses for OAuth refresh tokens.
type Crypto struct {
	key string

	mu          sync.RWMutex
	derivedKeys map[Field][]byte
}

func NewCrypto(key string) *Crypto {
	return &Crypto{key: key, derivedKeys: make(map[Field][]byte)}
}

func (c *Crypto) deriveKey(field Field) ([]byte, error) {
	c.mu.RLock()
	if k, ok := c.derivedKeys[field]; ok {
		c.mu.RUnlock()
		return k, nil
	}
	c.mu.RUnlock()

	key, err := scrypt.Key([]byte(c.key), []byte(field.salt()), 32768, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("scrypt derive: %w", err)
	}

	c.mu.Lock()
	c.derivedKeys[field] = key
	c.mu.Unlock()

	return key, nil
}

// Encrypt encrypts plaintext under field's derived key, returning
// "{iv_hex}:{ciphertext_hex}".
func (c *Crypto) Encrypt(field Field, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	key, err := c.deriveKey(field)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("rand iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Passing the wrong field for a given ciphertext
// derives the wrong key, which almost always fails PKCS7 unpadding rather
// than returning plausible-looking garbage; there is no integrity check, so
// in roughly 1 in 256 cases the wrong-key output still carries valid padding
// and is returned without error.
func (c *Crypto) Decrypt(field Field, encrypted string) (string, error) {
	if encrypted == "" {
		return "", nil
	}

	key, err := c.deriveKey(field)
	if err != nil {
		return "", err
	}

	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", errors.New("invalid encrypted format: missing ':'")
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("invalid iv length: %d", len(iv))
	}

	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext not block-aligned: %d", len(ciphertext))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", fmt.Errorf("unpad: %w", err)
	}

	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	pad := make([]byte, padding)
	for i := range pad {
		pad[i] = byte(padding)
	}
	return append(data, pad...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty data")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, fmt.Errorf("invalid padding: %d", padding)
	}
	for i := len(data) - padding; i < len(data); i++ {
		if data[i] != byte(padding) {
			return nil, errors.New("invalid padding bytes")
		}
	}
	return data[:len(data)-padding], nil
}
