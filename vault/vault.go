// Package vault seals and opens credential payloads handed from seller to
// buyer. A payload is a flat string map encoded as JSON and encrypted with
// XChaCha20-Poly1305 under a per-transaction key.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"escrowdesk/apperr"
)

const (
	// KeySize is the normalized key length in bytes.
	KeySize = chacha20poly1305.KeySize

	blobVersion byte = 1
)

var (
	// ErrEmptyKey signals a transaction without an encryption key.
	ErrEmptyKey = apperr.New(apperr.KindDecryption, "vault: empty encryption key")
	// ErrDecrypt is returned for every failure to open a blob.
	ErrDecrypt = apperr.New(apperr.KindDecryption, "vault: unable to decrypt credentials")
	// ErrEmptyPayload signals an attempt to seal no fields.
	ErrEmptyPayload = apperr.New(apperr.KindValidation, "vault: credentials payload is empty")
)

// NormalizeKey turns a stored key into exactly KeySize bytes. A 64-character
// hex string or a base64 string that decodes to KeySize bytes is used as-is;
// anything else is hashed with SHA-256.
func NormalizeKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyKey
	}

	if len(raw) == hex.EncodedLen(KeySize) {
		if b, err := hex.DecodeString(raw); err == nil {
			return b, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(raw); err == nil && len(b) == KeySize {
			return b, nil
		}
	}

	sum := sha256.Sum256([]byte(raw))
	return sum[:], nil
}

// GenerateKey returns a fresh random key in hex form.
func GenerateKey() (string, error) {
	b := make([]byte, KeySize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("vault: generate key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Seal encrypts fields under key. The blob layout is version || nonce || ciphertext.
func Seal(key string, fields map[string]string) ([]byte, error) {
	if len(fields) == 0 {
		return nil, ErrEmptyPayload
	}
	k, err := NormalizeKey(key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(k)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}

	plain, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("vault: encode payload: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, blobVersion)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, []byte{blobVersion}), nil
}

// Open decrypts a blob produced by Seal. Every failure maps to ErrDecrypt.
func Open(key string, blob []byte) (map[string]string, error) {
	k, err := NormalizeKey(key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(k)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindDecryption, ErrDecrypt.Msg, err)
	}

	if len(blob) < 1+aead.NonceSize()+aead.Overhead() || blob[0] != blobVersion {
		return nil, ErrDecrypt
	}
	nonce := blob[1 : 1+aead.NonceSize()]
	sealed := blob[1+aead.NonceSize():]

	plain, err := aead.Open(nil, nonce, sealed, []byte{blobVersion})
	if err != nil {
		return nil, ErrDecrypt
	}

	fields := map[string]string{}
	if err := json.Unmarshal(plain, &fields); err != nil {
		return nil, ErrDecrypt
	}
	return fields, nil
}
