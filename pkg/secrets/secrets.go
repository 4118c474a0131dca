// Package secrets encrypts ERP connection configs at rest. A single
// 32-byte key is derived from the process master secret via
// HKDF-SHA256 with a static info string, so rotating the master
// secret rotates every derived key without a key registry. Sealed
// blobs are versioned AES-256-GCM envelopes bound to their owner
// through associated data.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// envelopeVersion is bumped whenever the sealed format changes. Open
// refuses blobs written by a different version instead of guessing.
const envelopeVersion = 1

// hkdfInfo pins the derived key to this use. Deriving a key for a
// different purpose must use a different info string.
const hkdfInfo = "orderflow/erp-connection/v1"

var (
	// ErrVersionMismatch is returned by Open for envelopes written
	// under a different format version.
	ErrVersionMismatch = errors.New("secrets: envelope version mismatch")

	// ErrDecryptFailed is returned when authentication fails: wrong
	// key, wrong associated data, or a tampered ciphertext.
	ErrDecryptFailed = errors.New("secrets: decrypt failed")

	// ErrMalformedEnvelope is returned when the blob is not a sealed
	// envelope at all.
	ErrMalformedEnvelope = errors.New("secrets: malformed envelope")
)

// envelope is the stored form. encoding/json base64-encodes the byte
// fields, so the blob stays printable and diffable in the database.
type envelope struct {
	V     int    `json:"v"`
	Nonce []byte `json:"nonce"`
	CT    []byte `json:"ct"`
}

// Box seals and opens connection config blobs with a key derived from
// the master secret. Construct one per process and pass it down;
// there is no package-level instance.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives the encryption key from masterSecret. The secret may
// be any length; an empty secret is refused.
func NewBox(masterSecret []byte) (*Box, error) {
	if len(masterSecret) == 0 {
		return nil, errors.New("secrets: master secret is empty")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterSecret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext bound to aad and returns the JSON envelope.
// The same plaintext seals to a different blob every time because the
// nonce is random; equality checks must compare opened plaintexts.
func (b *Box) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secrets: nonce: %w", err)
	}

	env := envelope{
		V:     envelopeVersion,
		Nonce: nonce,
		CT:    b.aead.Seal(nil, nonce, plaintext, aad),
	}
	blob, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("secrets: marshal envelope: %w", err)
	}
	return blob, nil
}

// Open decrypts a blob produced by Seal. The aad must match the one
// used at seal time byte for byte.
func (b *Box) Open(blob, aad []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.V != envelopeVersion {
		return nil, fmt.Errorf("%w: got v%d, want v%d", ErrVersionMismatch, env.V, envelopeVersion)
	}
	if len(env.Nonce) != b.aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce length %d", ErrMalformedEnvelope, len(env.Nonce))
	}

	plaintext, err := b.aead.Open(nil, env.Nonce, env.CT, aad)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
