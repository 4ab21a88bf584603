package manifest

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/obinexus/gov-clock/errors"
)

// Checksum returns the hex SHA-256 of the manifest's JSON encoding with the
// integrity block zeroed.
func Checksum(m Manifest) (string, error) {
	m.Integrity = Integrity{}
	data, err := json.Marshal(m)
	if err != nil {
		return "", errors.WrapInvalid(err, "manifest", "Checksum", "encode manifest")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Seal stamps the checksum and timestamp onto m. When key is non-nil the
// checksum is also signed.
func Seal(m Manifest, key ed25519.PrivateKey) (Manifest, error) {
	sum, err := Checksum(m)
	if err != nil {
		return m, err
	}
	m.Integrity = Integrity{Checksum: sum, Timestamp: time.Now().UTC()}
	if key != nil {
		m.Integrity.Signature = ed25519.Sign(key, []byte(sum))
	}
	return m, nil
}

// Verifier checks a manifest's integrity before it is committed.
type Verifier interface {
	Verify(m Manifest) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(m Manifest) error

// Verify calls f(m).
func (f VerifierFunc) Verify(m Manifest) error { return f(m) }

// IntegrityVerifier recomputes the checksum and, when trusted keys are
// configured, requires a signature from one of them.
type IntegrityVerifier struct {
	// RequireChecksum rejects manifests that carry no checksum.
	RequireChecksum bool
	// TrustedKeys, when non-empty, makes a valid signature mandatory.
	TrustedKeys []ed25519.PublicKey
}

// Verify implements Verifier.
func (v IntegrityVerifier) Verify(m Manifest) error {
	if m.Integrity.Checksum == "" {
		if v.RequireChecksum || len(v.TrustedKeys) > 0 {
			return errors.WrapInvalid(fmt.Errorf("%w: %s carries no checksum", errors.ErrChecksumFailed, m),
				"IntegrityVerifier", "Verify", "read checksum")
		}
		return nil
	}

	want, err := Checksum(m)
	if err != nil {
		return err
	}
	if want != m.Integrity.Checksum {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrChecksumFailed, m),
			"IntegrityVerifier", "Verify", "compare checksum")
	}

	if len(v.TrustedKeys) == 0 {
		return nil
	}
	for _, key := range v.TrustedKeys {
		if len(key) == ed25519.PublicKeySize && ed25519.Verify(key, []byte(m.Integrity.Checksum), m.Integrity.Signature) {
			return nil
		}
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrSignatureInvalid, m),
		"IntegrityVerifier", "Verify", "verify signature")
}

// ParsePublicKey decodes a hex ed25519 public key as found in configuration.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.WrapInvalid(err, "manifest", "ParsePublicKey", "decode hex key")
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: key is %d bytes, want %d",
			errors.ErrInvalidData, len(raw), ed25519.PublicKeySize), "manifest", "ParsePublicKey", "check key size")
	}
	return ed25519.PublicKey(raw), nil
}
