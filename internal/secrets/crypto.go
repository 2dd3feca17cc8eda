package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const keyLength = 32 // AES-256

var errCiphertextTooShort = errors.New("ciphertext shorter than nonce")

// encryptMaterial seals plaintext with AES-256-GCM and returns
// base64(nonce || ciphertext).
func encryptMaterial(key []byte, plaintext string) (string, error) {
	if len(key) != keyLength {
		return "", fmt.Errorf("encryptMaterial: key must be %d bytes", keyLength)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("encryptMaterial: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("encryptMaterial: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("encryptMaterial: nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// decryptMaterial reverses encryptMaterial.
func decryptMaterial(key []byte, encoded string) (string, error) {
	if len(key) != keyLength {
		return "", fmt.Errorf("decryptMaterial: key must be %d bytes", keyLength)
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decryptMaterial: decode: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("decryptMaterial: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("decryptMaterial: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("decryptMaterial: %w", errCiphertextTooShort)
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decryptMaterial: %w", err)
	}
	return string(plaintext), nil
}
