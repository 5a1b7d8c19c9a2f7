// Package model holds the shared domain types consumed by every sync-engine
// component: access tuples, manifests, block references and certificates.
package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// EntryID identifies a vault slot. It is a 128-bit random id minted by
// NewEntryID below rather than through google/uuid, since no parsing or
// formatting beyond hex is needed.
type EntryID [16]byte

// NewEntryID draws 16 random bytes. Collisions are astronomically unlikely
// and are not detected here, matching the vault's own reliance on random ids.
func NewEntryID() EntryID {
	var id EntryID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("model: failed to read random entry id: %v", err))
	}
	return id
}

func (id EntryID) String() string {
	return hex.EncodeToString(id[:])
}

func (id EntryID) IsZero() bool {
	return id == EntryID{}
}

// SymKey is the symmetric key protecting a single vault slot.
type SymKey [32]byte

// DeviceID identifies the device that authored a manifest or certificate.
type DeviceID string

// Access is the tuple of rights a client holds over one vault slot: its id,
// the read/write tokens the backend checks on every request, and the
// symmetric key needed to decrypt its contents. A placeholder access is one
// whose id has never been published to the backend — it becomes
// non-placeholder exactly once, on first successful publish (see
// Manifest.Placeholder).
type Access struct {
	ID         EntryID
	ReadToken  string
	WriteToken string
	Key        SymKey
}

func (a Access) String() string {
	return fmt.Sprintf("access(%s)", a.ID)
}
