package revision

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/subconscious-network/noosphere/core/authority"
	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/hamt"
	"github.com/subconscious-network/noosphere/core/ipld"
	"github.com/subconscious-network/noosphere/core/memo"
)

// Hydrate reconstructs c's expected HAMT roots from its own per-submap
// changelogs applied against its parent's roots, and fails fatally if
// the result disagrees with c's stored body CID (spec §4.5). It lets a
// replica that received only changelog blocks — not full HAMT
// interiors — rebuild those interiors locally.
//
// Hydrate is a no-op for a genesis revision (no parent to diff
// against) and must be called in chronological order across a range
// of revisions for the reconstruction to succeed.
func Hydrate(ctx context.Context, store block.Store, c cid.Cid) error {
	m, err := memo.GetMemo(ctx, store, c)
	if err != nil {
		return err
	}
	if m.Parent == nil {
		return nil
	}
	parentMemo, err := memo.GetMemo(ctx, store, m.Parent.Cid)
	if err != nil {
		return err
	}
	parentBody, err := memo.GetSphereBody(ctx, store, parentMemo.Body.Cid)
	if err != nil {
		return err
	}

	reconstructed := memo.SphereBody{Identity: parentBody.Identity}

	contentRoot, err := hydrateSubmap[ipld.Link](ctx, store, m, headerContentChangelog, linkOrUndef(parentBody.ContentRoot))
	if err != nil {
		return err
	}
	reconstructed.ContentRoot = linkPtr(contentRoot)

	namesRoot, err := hydrateSubmap[memo.Identity](ctx, store, m, headerNamesChangelog, linkOrUndef(parentBody.AddressBook))
	if err != nil {
		return err
	}
	reconstructed.AddressBook = linkPtr(namesRoot)

	allowedRoot, err := hydrateSubmap[authority.Delegation](ctx, store, m, headerAllowedChangelog, linkOrUndef(parentBody.AllowedRoot))
	if err != nil {
		return err
	}
	reconstructed.AllowedRoot = linkPtr(allowedRoot)

	revokedRoot, err := hydrateSubmap[authority.Revocation](ctx, store, m, headerRevokedChangelog, linkOrUndef(parentBody.RevokedRoot))
	if err != nil {
		return err
	}
	reconstructed.RevokedRoot = linkPtr(revokedRoot)

	expectedBodyCid, err := memo.PutSphereBody(ctx, store, &reconstructed)
	if err != nil {
		return err
	}
	if !expectedBodyCid.Equals(m.Body.Cid) {
		return errs.Newf(errs.Internal, "hydrate: reconstructed body %s does not match stored body %s at revision %s", expectedBodyCid, m.Body.Cid, c)
	}
	return nil
}

// hydrateSubmap returns the submap root as reconstructed from m's
// changelog header (if present) applied onto parentRoot, or
// parentRoot unchanged if this revision never touched that submap.
func hydrateSubmap[V any](ctx context.Context, store block.Store, m *memo.Memo, header string, parentRoot cid.Cid) (cid.Cid, error) {
	clRef, ok := m.Get(header)
	if !ok {
		return parentRoot, nil
	}
	clCid, err := cid.Decode(clRef)
	if err != nil {
		return cid.Undef, errs.Wrap(errs.Validation, err, "hydrate: decode changelog header")
	}
	cl, err := hamt.GetChangelog(ctx, store, clCid)
	if err != nil {
		return cid.Undef, err
	}
	root, _, err := applySubmap[V](ctx, store, parentRoot, cl.Ops)
	if err != nil {
		return cid.Undef, err
	}
	return root, nil
}
