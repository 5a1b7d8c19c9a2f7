package syncer

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parsec-cloud/parsec-sync/internal/buffer"
	"github.com/parsec-cloud/parsec-sync/internal/crypto"
	"github.com/parsec-cloud/parsec-sync/internal/model"
)

// remoteFileManifest is the wire shape of a published file manifest
// (spec.md §4.7 step 5): version, compacted blocks, size, timestamps and
// author, signed then encrypted before it travels as a vlob blob.
type remoteFileManifest struct {
	Version uint32           `json:"version"`
	Size    uint64           `json:"size"`
	Created time.Time        `json:"created"`
	Updated time.Time        `json:"updated"`
	Blocks  []model.BlockRef `json:"blocks"`
	Author  model.DeviceID   `json:"author"`
}

// remoteFolderManifest is the wire shape of a published folder/workspace/
// user manifest.
type remoteFolderManifest struct {
	Version  uint32                   `json:"version"`
	Kind     model.ManifestKind       `json:"kind"`
	Children map[string]model.Access  `json:"children"`
	Author   model.DeviceID           `json:"author"`
}

// signAndEncrypt serializes payload, signs it with signing, and encrypts
// the signed envelope under symKey — "sign then encrypt" per spec.md §4.7
// step 5 ("Sign+encrypt").
func signAndEncrypt(signing crypto.SigningKey, symKey model.SymKey, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("syncer: encode manifest: %w", err)
	}
	signed := crypto.Sign(signing, raw)
	signedRaw, err := json.Marshal(signed)
	if err != nil {
		return nil, fmt.Errorf("syncer: encode signed envelope: %w", err)
	}
	return crypto.Encrypt(symKey, signedRaw), nil
}

// decryptAndVerify is the inverse of signAndEncrypt: decrypt, unmarshal the
// signed envelope, resolve the claimed signer's verify key through
// resolver (crypto.UnsecureExtractMeta reads the claimed signer without
// trusting it yet — Verify below is what actually authenticates the
// envelope against that signer's key), and unmarshal the inner payload
// into out. It does not consult a TimestampTracker, so the envelope's
// timestamp is not checked for regression against earlier reads.
func decryptAndVerify(symKey model.SymKey, ciphertext []byte, resolver VerifyKeyResolver, expectedTimestamp time.Time, out any) error {
	signedRaw, err := crypto.Decrypt(symKey, ciphertext)
	if err != nil {
		return err
	}
	var signed crypto.Signed
	if err := json.Unmarshal(signedRaw, &signed); err != nil {
		return fmt.Errorf("syncer: %w: malformed signed envelope: %v", model.ErrLocalDBCorrupted, err)
	}
	signer, _ := crypto.UnsecureExtractMeta(signed)
	vk, err := resolver.VerifyKeyFor(signer)
	if err != nil {
		return fmt.Errorf("syncer: resolve verify key for %s: %w", signer, err)
	}
	payload, err := crypto.Verify(signed, signer, vk, expectedTimestamp)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("syncer: %w: malformed manifest payload: %v", model.ErrLocalDBCorrupted, err)
	}
	return nil
}

// compactBlocks merges clean and dirty blocks into the published blocks
// list exactly once (spec.md §9's resolved Open Question): dirty ranges
// take priority over any clean block range they overlap, and the result is
// sorted by offset with no overlaps, matching invariant 1.
func compactBlocks(clean, dirty []model.BlockRef) []model.BlockRef {
	if len(dirty) == 0 {
		return append([]model.BlockRef(nil), clean...)
	}

	var lo, hi uint64
	found := false
	for _, b := range append(append([]model.BlockRef(nil), clean...), dirty...) {
		if !found || b.Offset < lo {
			lo = b.Offset
		}
		if !found || b.End() > hi {
			hi = b.End()
		}
		found = true
	}
	if !found {
		return nil
	}

	var bufs []buffer.Buffer
	for _, b := range clean {
		bufs = append(bufs, buffer.Buffer{Start: b.Offset, End: b.End(), Payload: buffer.Payload{Kind: buffer.PayloadCleanBlock, Ref: b}})
	}
	for _, b := range dirty {
		bufs = append(bufs, buffer.Buffer{Start: b.Offset, End: b.End(), Payload: buffer.Payload{Kind: buffer.PayloadDirtyBlock, Ref: b}})
	}

	space := buffer.MergeBuffers(bufs)
	var out []model.BlockRef
	for _, span := range space.Spans {
		for _, sl := range span.Slices {
			ref := sl.Src.Payload.Ref.(model.BlockRef)
			out = append(out, ref)
		}
	}
	return out
}

func digest(data []byte) model.Hash {
	return sha256.Sum256(data)
}
