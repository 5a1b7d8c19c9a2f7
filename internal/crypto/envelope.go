// Package crypto implements the sign/verify and encrypt/decrypt envelope
// that protects every manifest, certificate and block persisted or
// transmitted by the sync engine (spec.md §4.1).
//
// Signing uses ed25519, the same primitive the rest of the codebase's
// device identity is built on. Symmetric encryption uses
// golang.org/x/crypto/nacl/secretbox, an authenticated construction so a
// tampered ciphertext fails to decrypt rather than silently returning
// garbage plaintext.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/parsec-cloud/parsec-sync/internal/model"
)

// SigningKey is a device's private signing key. It is created once at login
// and passed by reference into every component that needs to sign on the
// device's behalf (Design Note: global device identity).
type SigningKey struct {
	DeviceID model.DeviceID
	Private  ed25519.PrivateKey
}

// VerifyKey is the public half of a SigningKey, handed out to peers so they
// can verify envelopes produced by this device.
type VerifyKey struct {
	DeviceID model.DeviceID
	Public   ed25519.PublicKey
}

// NewSigningKey generates a fresh ed25519 key pair for deviceID.
func NewSigningKey(deviceID model.DeviceID) (SigningKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKey{}, fmt.Errorf("crypto: generate signing key: %w", err)
	}
	return SigningKey{DeviceID: deviceID, Private: priv}, nil
}

func (k SigningKey) VerifyKey() VerifyKey {
	pub := k.Private.Public().(ed25519.PublicKey)
	return VerifyKey{DeviceID: k.DeviceID, Public: pub}
}

// Signed is a detached authenticated envelope: a header carrying the
// signer's device id and timestamp, the payload, and a signature covering
// both.
type Signed struct {
	Signer    model.DeviceID
	Timestamp time.Time
	Payload   []byte
	Signature []byte
}

// header serializes (signer, timestamp) the same way on both the signing
// and verifying sides: the raw device id bytes (no length prefix) followed
// by a big-endian unix-nano timestamp. It is intentionally simple — the envelope format is
// internal wire, not a public API other implementations must match.
func header(signer model.DeviceID, ts time.Time) []byte {
	buf := make([]byte, 0, len(signer)+8)
	buf = append(buf, []byte(signer)...)
	var tsb [8]byte
	binary.BigEndian.PutUint64(tsb[:], uint64(ts.UnixNano()))
	return append(buf, tsb[:]...)
}

func signedMessage(signer model.DeviceID, ts time.Time, payload []byte) []byte {
	h := header(signer, ts)
	msg := make([]byte, 0, len(h)+len(payload))
	msg = append(msg, h...)
	return append(msg, payload...)
}

// Sign produces a detached authenticated envelope over payload.
func Sign(key SigningKey, payload []byte) Signed {
	now := time.Now()
	msg := signedMessage(key.DeviceID, now, payload)
	sig := ed25519.Sign(key.Private, msg)
	return Signed{
		Signer:    key.DeviceID,
		Timestamp: now,
		Payload:   payload,
		Signature: sig,
	}
}

// Verify checks the signature, the claimed signer against expectedSigner,
// and the timestamp against expectedTimestamp (when non-zero — callers that
// don't pin an exact timestamp, e.g. first read of an entry, pass the zero
// value to skip that check). Verify does no monotonicity check of its own;
// that is TimestampTracker.Observe in timestamps.go, a separate call.
// Returns the verified payload.
func Verify(s Signed, expectedSigner model.DeviceID, vk VerifyKey, expectedTimestamp time.Time) ([]byte, error) {
	if s.Signer != expectedSigner || vk.DeviceID != expectedSigner {
		return nil, model.ErrAuthorMismatch
	}
	msg := signedMessage(s.Signer, s.Timestamp, s.Payload)
	if !ed25519.Verify(vk.Public, msg, s.Signature) {
		return nil, model.ErrSignatureInvalid
	}
	if !expectedTimestamp.IsZero() && !s.Timestamp.Equal(expectedTimestamp) {
		return nil, model.ErrTimestampMismatch
	}
	return s.Payload, nil
}

// UnsecureExtractMeta returns the header fields without verifying the
// signature. Used only to look up the verification key for the claimed
// signer before a real Verify call.
func UnsecureExtractMeta(s Signed) (model.DeviceID, time.Time) {
	return s.Signer, s.Timestamp
}

// UnsecureExtractMetaAndData returns header and payload without verifying.
func UnsecureExtractMetaAndData(s Signed) (model.DeviceID, time.Time, []byte) {
	return s.Signer, s.Timestamp, s.Payload
}

// Encrypt seals payload under key using secretbox, with a fresh random
// nonce prepended to the ciphertext.
func Encrypt(key model.SymKey, payload []byte) []byte {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		panic(fmt.Sprintf("crypto: failed to read nonce: %v", err))
	}
	out := make([]byte, 0, 24+len(payload)+secretbox.Overhead)
	out = append(out, nonce[:]...)
	var k [32]byte = key
	return secretbox.Seal(out, payload, &nonce, &k)
}

// Decrypt opens a ciphertext produced by Encrypt, failing with
// ErrDecryptionFailed if the key or ciphertext don't match (tampering, wrong
// key, or corruption).
func Decrypt(key model.SymKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 24 {
		return nil, model.ErrDecryptionFailed
	}
	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])
	var k [32]byte = key
	out, ok := secretbox.Open(nil, ciphertext[24:], &nonce, &k)
	if !ok {
		return nil, model.ErrDecryptionFailed
	}
	return out, nil
}

