package revision

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/did"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/hamt"
	"github.com/subconscious-network/noosphere/core/memo"
)

// Rebase derives the mutation source introduced versus its own parent
// (by reading its per-submap changelogs) and re-applies that mutation
// onto onto, returning a new, unsigned revision (spec §4.5). Where
// source and onto both touched the same key, source's operation wins:
// loading onto's existing submap root first and replaying source's
// changelog on top means an add from source always overwrites
// whatever onto held for that key, and a remove from source always
// deletes it regardless of what onto did to that key.
func Rebase(ctx context.Context, store block.Store, sourceCid, ontoCid cid.Cid) (*Revision, error) {
	source, err := memo.GetMemo(ctx, store, sourceCid)
	if err != nil {
		return nil, err
	}
	if source.Parent == nil {
		return nil, errs.New(errs.Validation, "rebase: source is a genesis revision with no mutation to diff")
	}

	author, _ := source.Get(memo.HeaderAuthor)
	mutation := New(did.DID(author))

	if err := loadSubmutation(ctx, store, source, headerContentChangelog, &mutation.Content); err != nil {
		return nil, err
	}
	if err := loadSubmutation(ctx, store, source, headerNamesChangelog, &mutation.Names); err != nil {
		return nil, err
	}
	if err := loadSubmutation(ctx, store, source, headerAllowedChangelog, &mutation.Allowed); err != nil {
		return nil, err
	}
	if err := loadSubmutation(ctx, store, source, headerRevokedChangelog, &mutation.Revoked); err != nil {
		return nil, err
	}

	var carried []memo.Header
	for _, h := range source.Headers {
		switch h.Name {
		case memo.HeaderSignature, memo.HeaderProof, memo.HeaderVersion, memo.HeaderAuthor,
			headerContentChangelog, headerNamesChangelog, headerAllowedChangelog, headerRevokedChangelog:
			continue
		}
		carried = append(carried, h)
	}

	return Apply(ctx, store, ontoCid, mutation, carried)
}

func loadSubmutation(ctx context.Context, store block.Store, m *memo.Memo, header string, into *hamtOps) error {
	ref, ok := m.Get(header)
	if !ok {
		return nil
	}
	c, err := cid.Decode(ref)
	if err != nil {
		return errs.Wrap(errs.Validation, err, "rebase: decode changelog header")
	}
	cl, err := hamt.GetChangelog(ctx, store, c)
	if err != nil {
		return err
	}
	into.Ops = append(into.Ops, cl.Ops...)
	return nil
}
