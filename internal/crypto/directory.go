package crypto

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/parsec-cloud/parsec-sync/internal/model"
)

// DeviceDirectory resolves a device id's current verify key. Trust-chain
// validation of how a device certificate itself was vouched for is out of
// scope (spec.md §1); this only keeps the mapping from device id to the
// public key an envelope claiming that signer must verify against, so a
// manifest fetched from the backend can be checked against its actual
// author instead of the local device's own key.
type DeviceDirectory struct {
	mu   sync.Mutex
	keys map[model.DeviceID]VerifyKey
}

// NewDeviceDirectory builds an empty directory. Register the local device's
// own key (and any peer key learned out of band) before it is used to
// verify manifests from those devices.
func NewDeviceDirectory() *DeviceDirectory {
	return &DeviceDirectory{keys: map[model.DeviceID]VerifyKey{}}
}

// Register records vk as the current verify key for its device id.
func (d *DeviceDirectory) Register(vk VerifyKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[vk.DeviceID] = vk
}

// RegisterCertificate decodes a CertDevice certificate's payload (a raw
// ed25519 public key) and registers it under the certificate's signer —
// device certificates in this codebase are self-issued, so Signer doubles
// as the device the key belongs to.
func (d *DeviceDirectory) RegisterCertificate(cert model.Certificate) error {
	if cert.Type != model.CertDevice {
		return fmt.Errorf("crypto: %s is not a device certificate", cert.Signer)
	}
	if len(cert.Payload) != ed25519.PublicKeySize {
		return fmt.Errorf("crypto: malformed device certificate for %s", cert.Signer)
	}
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, cert.Payload)
	d.Register(VerifyKey{DeviceID: cert.Signer, Public: pub})
	return nil
}

// VerifyKeyFor returns the registered verify key for id, or
// model.ErrUnknownDevice if no certificate for it has been registered.
func (d *DeviceDirectory) VerifyKeyFor(id model.DeviceID) (VerifyKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	vk, ok := d.keys[id]
	if !ok {
		return VerifyKey{}, fmt.Errorf("crypto: %w: %s", model.ErrUnknownDevice, id)
	}
	return vk, nil
}
