package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the PBKDF2 work factor used when none is declared.
	DefaultIterations = 120000
	// SaltSize is the PBKDF2 salt length in bytes.
	SaltSize = 16
	// AlgAESGCM is the algorithm tag carried in headers and chunks.
	AlgAESGCM = "AES-GCM"
)

// ErrEncryptionSetup indicates a key could not be derived for a passphrase.
var ErrEncryptionSetup = errors.New("crypto: encryption setup failed")

// EncryptionInfo is a passphrase-derived chunk key plus the parameters a peer
// needs to derive the same key.
type EncryptionInfo struct {
	Key         []byte
	Salt        []byte
	SaltB64     string
	Iterations  int
	Fingerprint string
	Alg         string
}

// DeriveKey stretches passphrase into an AES-256 key with PBKDF2-HMAC-SHA256.
//
// An empty passphrase returns nil, nil: the transfer runs unencrypted. A nil
// salt draws a fresh random one; a peer-supplied salt must be SaltSize bytes.
func DeriveKey(passphrase string, salt []byte, iterations int) (*EncryptionInfo, error) {
	if passphrase == "" {
		return nil, nil
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}

	if salt == nil {
		salt = make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("%w: generate salt: %v", ErrEncryptionSetup, err)
		}
	} else {
		if len(salt) != SaltSize {
			return nil, fmt.Errorf("%w: invalid salt length %d", ErrEncryptionSetup, len(salt))
		}
		salt = append([]byte(nil), salt...)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, iterations, aes256KeySize, sha256.New)

	return &EncryptionInfo{
		Key:         key,
		Salt:        salt,
		SaltB64:     base64.StdEncoding.EncodeToString(salt),
		Iterations:  iterations,
		Fingerprint: KeyFingerprint(key),
		Alg:         AlgAESGCM,
	}, nil
}

// DeriveKeyB64 derives a key from a base64 salt as carried in a header.
func DeriveKeyB64(passphrase, saltB64 string, iterations int) (*EncryptionInfo, error) {
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode salt: %v", ErrEncryptionSetup, err)
	}
	return DeriveKey(passphrase, salt, iterations)
}

// KeyFingerprint returns the hex SHA-256 of raw key bytes.
func KeyFingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

// FingerprintMatches compares a derived key's fingerprint with a declared one.
func FingerprintMatches(info *EncryptionInfo, declared string) bool {
	if info == nil || declared == "" {
		return false
	}
	got := strings.ToLower(info.Fingerprint)
	want := strings.ToLower(strings.TrimSpace(declared))
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
