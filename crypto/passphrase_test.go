package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestDeriveKeyEmptyPassphraseDisablesEncryption(t *testing.T) {
	info, err := DeriveKey("", nil, 0)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if info != nil {
		t.Fatalf("expected nil encryption info for empty passphrase")
	}
}

func TestDeriveKeyDefaults(t *testing.T) {
	info, err := DeriveKey("secret", nil, 0)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if info.Iterations != DefaultIterations {
		t.Fatalf("expected %d iterations, got %d", DefaultIterations, info.Iterations)
	}
	if len(info.Salt) != SaltSize {
		t.Fatalf("expected %d-byte salt, got %d", SaltSize, len(info.Salt))
	}
	if len(info.Key) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(info.Key))
	}
	if info.Alg != AlgAESGCM {
		t.Fatalf("unexpected algorithm tag %q", info.Alg)
	}
	if info.Fingerprint != KeyFingerprint(info.Key) {
		t.Fatalf("fingerprint does not match key hash")
	}
}

func TestDeriveKeyIsDeterministicForSameSalt(t *testing.T) {
	sender := mustDerive(t, "secret", nil)

	receiver, err := DeriveKeyB64("secret", sender.SaltB64, testIterations)
	if err != nil {
		t.Fatalf("DeriveKeyB64 failed: %v", err)
	}
	if !bytes.Equal(sender.Key, receiver.Key) {
		t.Fatalf("expected identical keys for identical passphrase and salt")
	}
	if !FingerprintMatches(receiver, sender.Fingerprint) {
		t.Fatalf("expected fingerprints to match")
	}
}

func TestDeriveKeyFingerprintDiffersForWrongPassphrase(t *testing.T) {
	sender := mustDerive(t, "secret", nil)
	receiver := mustDerive(t, "wrong", sender.Salt)

	if FingerprintMatches(receiver, sender.Fingerprint) {
		t.Fatalf("expected fingerprint mismatch for different passphrase")
	}
}

func TestDeriveKeyRejectsBadSalt(t *testing.T) {
	if _, err := DeriveKey("secret", []byte("short"), testIterations); !errors.Is(err, ErrEncryptionSetup) {
		t.Fatalf("expected ErrEncryptionSetup for short salt, got %v", err)
	}
	if _, err := DeriveKeyB64("secret", "***", testIterations); !errors.Is(err, ErrEncryptionSetup) {
		t.Fatalf("expected ErrEncryptionSetup for undecodable salt, got %v", err)
	}
}

func TestFingerprintMatchesIgnoresCase(t *testing.T) {
	info := mustDerive(t, "secret", nil)
	upper := []byte(info.Fingerprint)
	for i, c := range upper {
		if c >= 'a' && c <= 'f' {
			upper[i] = c - 'a' + 'A'
		}
	}

	if !FingerprintMatches(info, string(upper)) {
		t.Fatalf("expected case-insensitive fingerprint match")
	}
	if FingerprintMatches(info, "") {
		t.Fatalf("expected empty declared fingerprint to never match")
	}
}

func TestFormatFingerprint(t *testing.T) {
	got := FormatFingerprint("abcd1234ef")
	if got != "ABCD 1234 EF" {
		t.Fatalf("unexpected formatted fingerprint %q", got)
	}
	if FormatFingerprint("") != "" {
		t.Fatalf("expected empty output for empty fingerprint")
	}
}
