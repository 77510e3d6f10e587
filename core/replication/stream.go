package replication

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/hamt"
	"github.com/subconscious-network/noosphere/core/ipld"
	"github.com/subconscious-network/noosphere/core/memo"
	"github.com/subconscious-network/noosphere/core/revision"
)

// changelogHeaders lists the memo headers core/revision uses to record
// each submap's per-revision changelog CID, in the order their values
// reference new content closures worth chasing.
var changelogHeaders = []string{"content-changelog", "names-changelog", "allowed-changelog", "revoked-changelog"}

// BodyStream yields the full transitive closure reachable from root —
// a memo plus its body chunks, or a sphere memo plus its body and the
// complete HAMT closures of its four submaps (spec §4.7 body stream).
// Every block appears at most once.
func BodyStream(ctx context.Context, store block.Store, root cid.Cid) (<-chan Frame, <-chan error) {
	out := make(chan Frame)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		cids, streamErrc := store.StreamLinks(ctx, root)
		for c := range cids {
			data, ok, err := store.Get(ctx, c)
			if err != nil {
				errc <- err
				return
			}
			if !ok {
				errc <- errs.Newf(errs.MissingBlock, "body stream: block %s vanished mid-stream", c)
				return
			}
			select {
			case out <- Frame{Cid: c, Data: data}:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		if err := <-streamErrc; err != nil {
			errc <- err
		}
	}()

	return out, errc
}

// HistoryStream yields, for each revision strictly after since (or
// from genesis if since is nil) up to and including latest: the memo,
// its sphere body, any changelog blocks it produced, and the full
// closure of any content memo newly referenced by the content
// changelog (spec §4.7 history stream). HAMT interior nodes are
// deliberately not retransmitted — the consumer reconstructs them by
// calling Hydrate, per §4.7's "invokes hydrate ... to reconstruct
// missing interior state".
func HistoryStream(ctx context.Context, store block.Store, latest cid.Cid, since *cid.Cid) (<-chan Frame, <-chan error) {
	out := make(chan Frame)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		entries, timelineErrc := revision.Timeline(ctx, store, latest, since)
		var chain []revision.TimelineEntry
		for e := range entries {
			chain = append(chain, e)
		}
		if err := <-timelineErrc; err != nil {
			errc <- err
			return
		}

		seen := map[cid.Cid]bool{}
		emit := func(c cid.Cid) error {
			if seen[c] {
				return nil
			}
			seen[c] = true
			data, ok, err := store.Get(ctx, c)
			if err != nil {
				return err
			}
			if !ok {
				return errs.Newf(errs.MissingBlock, "history stream: block %s vanished mid-stream", c)
			}
			select {
			case out <- Frame{Cid: c, Data: data}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		// chain is newest-first; walk oldest-first so the consumer can
		// apply revisions in chronological order.
		for i := len(chain) - 1; i >= 0; i-- {
			entry := chain[i]
			if err := emit(entry.Cid); err != nil {
				errc <- err
				return
			}
			if err := emit(entry.Memo.Body.Cid); err != nil {
				errc <- err
				return
			}
			body, err := memo.GetSphereBody(ctx, store, entry.Memo.Body.Cid)
			if err != nil {
				errc <- err
				return
			}
			if err := emitChangelogsAndContent(ctx, store, entry.Memo, body, emit); err != nil {
				errc <- err
				return
			}
		}
	}()

	return out, errc
}

func emitChangelogsAndContent(ctx context.Context, store block.Store, m *memo.Memo, body *memo.SphereBody, emit func(cid.Cid) error) error {
	for _, header := range changelogHeaders {
		ref, ok := m.Get(header)
		if !ok {
			continue
		}
		clCid, err := cid.Decode(ref)
		if err != nil {
			return errs.Wrap(errs.Validation, err, "decode changelog header")
		}
		if err := emit(clCid); err != nil {
			return err
		}
		if header != "content-changelog" {
			continue
		}
		cl, err := hamt.GetChangelog(ctx, store, clCid)
		if err != nil {
			return err
		}
		for _, op := range cl.Ops {
			if op.Kind != hamt.OpAdd {
				continue
			}
			var link ipld.Link
			if err := ipld.Unmarshal(op.Value, &link); err != nil {
				return errs.Wrap(errs.Validation, err, "decode content changelog op value")
			}
			contentCids, contentErrc := store.StreamLinks(ctx, link.Cid)
			for c := range contentCids {
				if err := emit(c); err != nil {
					return err
				}
			}
			if err := <-contentErrc; err != nil {
				return err
			}
		}
	}
	return nil
}
