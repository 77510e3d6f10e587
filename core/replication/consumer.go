package replication

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/revision"
)

// Consume writes every frame from frames into store, inferring a
// codec from each CID's own multicodec prefix so structural blocks
// (dag-cbor memos, sphere bodies, changelogs) still have their links
// indexed for later StreamLinks/BodyStream calls. It does not hydrate
// — callers of HistoryStream must call Hydrate themselves once the
// full range they requested has been consumed, per spec §4.7.
func Consume(ctx context.Context, store block.Store, frames <-chan Frame) error {
	for f := range frames {
		codec := f.Cid.Prefix().Codec
		if codec == block.CodecDagCBOR {
			if err := store.PutLinks(ctx, f.Cid, f.Data, codec); err != nil {
				return err
			}
			continue
		}
		if err := store.Put(ctx, f.Cid, f.Data); err != nil {
			return err
		}
	}
	return nil
}

// HydrateRange calls revision.Hydrate on every revision strictly
// after since (or from genesis if nil) up to and including latest,
// oldest first — the step spec §4.7 calls "invokes hydrate across the
// received range to reconstruct missing interior state".
func HydrateRange(ctx context.Context, store block.Store, latest cid.Cid, since *cid.Cid) error {
	entries, errc := revision.Timeline(ctx, store, latest, since)
	var chain []cid.Cid
	for e := range entries {
		chain = append(chain, e.Cid)
	}
	if err := <-errc; err != nil {
		return err
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if err := revision.Hydrate(ctx, store, chain[i]); err != nil {
			return err
		}
	}
	return nil
}
