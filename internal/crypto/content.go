package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// EncryptedPlaceholder is shown in place of content that could not be
// decrypted. Callers use it to trigger the regenerate-key retry path, so it
// must stay distinguishable from any real message.
const EncryptedPlaceholder = "[Encrypted Message]"

var (
	ErrDecrypt    = errors.New("crypto: decryption failed")
	ErrEmptyPlain = errors.New("crypto: decryption produced empty content")
)

// EncryptContent seals plaintext with AES-256-GCM under the conversation
// key and returns base64 ciphertext (nonce prepended).
func EncryptContent(plaintext, key string) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", fmt.Errorf("crypto.EncryptContent: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto.EncryptContent: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptContent opens base64 ciphertext. Authentication failure, malformed
// input, and empty/whitespace plaintext are all reported as errors together
// with the EncryptedPlaceholder sentinel, never as silent garbage.
func DecryptContent(ciphertext, key string) (string, error) {
	if ciphertext == "" || key == "" {
		return EncryptedPlaceholder, ErrDecrypt
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return EncryptedPlaceholder, ErrDecrypt
	}
	aead, err := newAEAD(key)
	if err != nil {
		return EncryptedPlaceholder, ErrDecrypt
	}
	if len(raw) < aead.NonceSize() {
		return EncryptedPlaceholder, ErrDecrypt
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return EncryptedPlaceholder, ErrDecrypt
	}
	if strings.TrimSpace(string(plain)) == "" {
		return EncryptedPlaceholder, ErrEmptyPlain
	}
	return string(plain), nil
}

func newAEAD(key string) (cipher.AEAD, error) {
	kb, err := keyBytes(key)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(kb)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
