package backend

import (
	"context"
	"fmt"

	"github.com/parsec-cloud/parsec-sync/internal/model"
)

type BlockCreateParams struct {
	ID    model.EntryID
	Realm model.EntryID // workspace/realm the block belongs to, for access checks
	Block []byte        // ciphertext
}

// BlockCreate uploads an immutable ciphertext block. Per spec.md invariant
// 9, this is idempotent: a duplicate id comes back as ErrAlreadyExists from
// the transport, which BlockCreate swallows and reports as success (the
// recovery hatch for a sync whose metadata commit failed after the block
// upload already landed).
func (c *Client) BlockCreate(ctx context.Context, p BlockCreateParams) error {
	_, err := c.call(ctx, MethodBlockCreate, p)
	if err != nil && err != ErrAlreadyExists {
		return err
	}
	return nil
}

func (c *Client) BlockRead(ctx context.Context, id model.EntryID) ([]byte, error) {
	raw, err := c.call(ctx, MethodBlockRead, struct{ ID model.EntryID }{ID: id})
	if err != nil {
		return nil, err
	}
	block, ok := raw.([]byte)
	if !ok {
		return nil, fmt.Errorf("backend: %w: block_read returned %T", model.ErrInvalidResponse, raw)
	}
	return block, nil
}
