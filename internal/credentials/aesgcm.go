// Package credentials decrypts and shapes the secrets needed to open remote
// sessions. Credential material is stored as an opaque AES-256-GCM blob and
// decrypted on demand, immediately before a connection attempt; plaintext
// lives only on the stack of the connecting goroutine and is never written
// to the database or the logs.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Decryptor turns an encrypted credential blob back into the flat key/value
// map it was sealed from. Implementations must treat the blob as untrusted:
// a truncated or tampered blob yields an error, never partial plaintext.
type Decryptor interface {
	Decrypt(blob string) (map[string]string, error)
}

// AESGCM seals and opens credential maps with AES-256-GCM. The stored form
// is base64(nonce + ciphertext + tag); the plaintext is a JSON object with
// string values only.
type AESGCM struct {
	key []byte
}

// NewAESGCM returns a sealer/decryptor for the given key.
// key must be exactly 32 bytes (AES-256).
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("credentials: encryption key must be exactly 32 bytes, got %d", len(key))
	}
	k := make([]byte, 32)
	copy(k, key)
	return &AESGCM{key: k}, nil
}

// Seal encrypts the credential map and encodes it for storage.
func (a *AESGCM) Seal(creds map[string]string) (string, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("credentials: failed to encode plaintext: %w", err)
	}

	gcm, err := a.gcm()
	if err != nil {
		return "", err
	}

	// A unique nonce per encryption is critical for GCM security — never
	// reuse a nonce with the same key.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("credentials: failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt implements Decryptor. It decodes the base64 blob, opens the GCM
// envelope and unmarshals the plaintext JSON object.
func (a *AESGCM) Decrypt(blob string) (map[string]string, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("credentials: failed to decode base64: %w", err)
	}

	gcm, err := a.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("credentials: encrypted blob too short to contain nonce")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("credentials: failed to decrypt blob: %w", err)
	}

	var creds map[string]string
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("credentials: failed to decode plaintext: %w", err)
	}
	return creds, nil
}

func (a *AESGCM) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(a.key)
	if err != nil {
		return nil, fmt.Errorf("credentials: failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credentials: failed to create GCM: %w", err)
	}
	return gcm, nil
}
