package sphere

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/memo"
	"github.com/subconscious-network/noosphere/core/revision"
)

// Save flushes the pending mutation (if any) into a new signed
// revision and advances this context's tip. It errors if there is
// nothing to save: no staged mutation and no additionalHeaders (spec
// §4.6).
func (c *Context) Save(ctx context.Context, additionalHeaders ...memo.Header) (cid.Cid, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireWrite(); err != nil {
		return cid.Undef, err
	}
	if (c.pending == nil || c.pending.IsEmpty()) && len(additionalHeaders) == 0 {
		return cid.Undef, errs.New(errs.Validation, "save: no changes to save")
	}

	mutation := c.mutation()
	rev, err := revision.Apply(ctx, c.store, c.tip, mutation, additionalHeaders)
	if err != nil {
		return cid.Undef, err
	}
	newCid, err := revision.Sign(ctx, c.store, rev, c.authorKey, c.sphereDID, c.authorization, c.loadProof, c.revocations)
	if err != nil {
		return cid.Undef, err
	}

	c.tip = newCid
	c.pending = nil
	return newCid, nil
}

// Sync reconciles this sphere with the configured SyncClient (gateway
// fetch/rebase/push round trip, implemented by core/sync) and adopts
// whatever tip it returns as this context's own.
func (c *Context) Sync(ctx context.Context) (cid.Cid, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.syncClient == nil {
		return cid.Undef, errs.New(errs.Internal, "sync: no sync client configured for this context")
	}
	newTip, err := c.syncClient.Sync(ctx, c.sphereDID, c.tip)
	if err != nil {
		return cid.Undef, err
	}
	c.tip = newTip
	return newTip, nil
}

// Rewind opens a read-only Context mounted n revisions behind this
// one's tip (original_source's noosphere-sphere cursor.rs "mount_at",
// supplemented per spec.md's Testable Property scenario 3). The
// returned context shares this one's store but has no signing key, so
// every mutating operation on it fails with errs.Authorization.
func (c *Context) Rewind(ctx context.Context, n int) (*Context, error) {
	c.mu.Lock()
	tip := c.tip
	c.mu.Unlock()

	rewoundCid, _, err := revision.Rewind(ctx, c.store, tip, n)
	if err != nil {
		return nil, err
	}
	return &Context{
		store:     c.store,
		sphereDID: c.sphereDID,
		tip:       rewoundCid,
		access:    AccessReadOnly,
	}, nil
}
