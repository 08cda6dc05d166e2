package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	aes256KeySize = 32
	// NonceSize is the AES-GCM nonce length drawn fresh for every chunk.
	NonceSize = 12
)

// ErrDecryption indicates AEAD authentication failed: wrong key or tampered data.
var ErrDecryption = errors.New("crypto: chunk decryption failed")

// SealedChunk is one encrypted chunk payload in its wire representation.
type SealedChunk struct {
	Ciphertext string // base64, includes the GCM tag
	IV         string // base64 nonce
}

// EncryptChunk seals plaintext under the derived key with a fresh random nonce.
func EncryptChunk(info *EncryptionInfo, plaintext []byte) (SealedChunk, error) {
	if info == nil {
		return SealedChunk{}, errors.New("encryption info is required")
	}

	ciphertext, iv, err := seal(info.Key, plaintext)
	if err != nil {
		return SealedChunk{}, err
	}

	return SealedChunk{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(iv),
	}, nil
}

// DecryptChunk opens a base64 ciphertext/IV pair produced by EncryptChunk.
// Every failure wraps ErrDecryption.
func DecryptChunk(info *EncryptionInfo, iv, ciphertext string) ([]byte, error) {
	if info == nil {
		return nil, fmt.Errorf("%w: encryption info is required", ErrDecryption)
	}

	rawIV, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return nil, fmt.Errorf("%w: decode iv: %v", ErrDecryption, err)
	}
	rawCiphertext, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decode ciphertext: %v", ErrDecryption, err)
	}

	plaintext, err := open(info.Key, rawIV, rawCiphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != aes256KeySize {
		return nil, fmt.Errorf("invalid key length: got %d want %d", len(key), aes256KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

func seal(key, plaintext []byte) (ciphertext, iv []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, iv, plaintext, nil)
	return ciphertext, iv, nil
}

func open(key, iv, ciphertext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: got %d want %d", len(iv), aead.NonceSize())
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, errors.New("ciphertext shorter than authentication tag")
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
