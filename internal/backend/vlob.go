package backend

import (
	"context"
	"fmt"

	"github.com/parsec-cloud/parsec-sync/internal/model"
)

// VlobCreateParams creates a new versioned blob slot (spec.md §6 table).
type VlobCreateParams struct {
	ID         model.EntryID
	ReadToken  string
	WriteToken string
	Blob       []byte
	Notify     []BeaconNotification
}

// BeaconNotification is the symmetrically-encrypted signed pointer
// delivered to a watched folder's beacon on sync (spec.md §4.7 UPLOAD META).
type BeaconNotification struct {
	BeaconID        model.EntryID
	EncryptedEntryID []byte
}

// VlobCreate publishes a brand-new vlob. Returns ErrAlreadyExists if the id
// is already taken, ErrTrustSeed on a token mismatch.
func (c *Client) VlobCreate(ctx context.Context, p VlobCreateParams) error {
	_, err := c.call(ctx, MethodVlobCreate, p)
	return err
}

// VlobUpdateParams updates an existing vlob to a new version.
type VlobUpdateParams struct {
	ID         model.EntryID
	WriteToken string
	Version    uint32
	Blob       []byte
	Notify     []BeaconNotification
}

// VlobUpdate pushes version p.Version of the vlob. Returns model.ErrBadVersion
// if p.Version != last_known_version+1 — the syncer's fork-on-conflict
// trigger (spec.md §4.7, invariant 8).
func (c *Client) VlobUpdate(ctx context.Context, p VlobUpdateParams) error {
	_, err := c.call(ctx, MethodVlobUpdate, p)
	return err
}

type VlobReadParams struct {
	ID        model.EntryID
	ReadToken string
	// Version, if non-nil, asks for that specific version; nil asks for latest.
	Version *uint32
}

type VlobReadResult struct {
	Version uint32
	Blob    []byte
}

func (c *Client) VlobRead(ctx context.Context, p VlobReadParams) (VlobReadResult, error) {
	raw, err := c.call(ctx, MethodVlobRead, p)
	if err != nil {
		return VlobReadResult{}, err
	}
	res, ok := raw.(VlobReadResult)
	if !ok {
		return VlobReadResult{}, fmt.Errorf("backend: %w: vlob_read returned %T", model.ErrInvalidResponse, raw)
	}
	return res, nil
}

type VlobToCheck struct {
	ID        model.EntryID
	ReadToken string
	Version   uint32
}

type VlobChanged struct {
	ID      model.EntryID
	Version uint32
}

// VlobGroupCheck batches a version-freshness check across many vlobs at
// once, returning only the ones that changed (spec.md §6 table).
func (c *Client) VlobGroupCheck(ctx context.Context, toCheck []VlobToCheck) ([]VlobChanged, error) {
	raw, err := c.call(ctx, MethodVlobGroupCheck, toCheck)
	if err != nil {
		return nil, err
	}
	changed, ok := raw.([]VlobChanged)
	if !ok {
		return nil, fmt.Errorf("backend: %w: vlob_group_check returned %T", model.ErrInvalidResponse, raw)
	}
	return changed, nil
}
