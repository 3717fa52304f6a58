// Package hipaa seals PHI-bearing payloads before they are persisted.
package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// sealedPrefix marks payloads written by PayloadSealer so plaintext rows
// from before encryption was enabled can still be read back.
var sealedPrefix = []byte("gcm1:")

// PayloadSealer encrypts transaction payloads with AES-256-GCM.
type PayloadSealer struct {
	aead cipher.AEAD
}

// NewPayloadSealer builds a sealer from a 32-byte key.
func NewPayloadSealer(key []byte) (*PayloadSealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("payload sealer: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("payload sealer: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("payload sealer: create GCM: %w", err)
	}
	return &PayloadSealer{aead: aead}, nil
}

// NewPayloadSealerFromHex decodes a 64 character hex key.
func NewPayloadSealerFromHex(hexKey string) (*PayloadSealer, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("payload sealer: decode hex key: %w", err)
	}
	return NewPayloadSealer(key)
}

// Seal returns prefix + nonce + ciphertext. Empty payloads stay empty.
func (s *PayloadSealer) Seal(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return payload, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("payload seal: generate nonce: %w", err)
	}
	out := make([]byte, 0, len(sealedPrefix)+len(nonce)+len(payload)+s.aead.Overhead())
	out = append(out, sealedPrefix...)
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, payload, nil), nil
}

// Open reverses Seal. Data without the sealed prefix is returned unchanged.
func (s *PayloadSealer) Open(data []byte) ([]byte, error) {
	if len(data) < len(sealedPrefix) || string(data[:len(sealedPrefix)]) != string(sealedPrefix) {
		return data, nil
	}
	data = data[len(sealedPrefix):]
	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("payload open: ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("payload open: %w", err)
	}
	return plaintext, nil
}
