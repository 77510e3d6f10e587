package revision

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/memo"
)

// TimelineEntry is one step of a Timeline iteration.
type TimelineEntry struct {
	Cid  cid.Cid
	Memo *memo.Memo
}

// Timeline walks parent pointers backward from head toward ancestor,
// exclusive, stopping at the first revision whose parent is nil or
// whose CID equals ancestor (spec §4.5). A nil ancestor walks to
// genesis. The returned channels are finite and not restartable.
func Timeline(ctx context.Context, store block.Store, head cid.Cid, ancestor *cid.Cid) (<-chan TimelineEntry, <-chan error) {
	out := make(chan TimelineEntry)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		cur := head
		for cur.Defined() {
			if ancestor != nil && cur.Equals(*ancestor) {
				return
			}
			m, err := memo.GetMemo(ctx, store, cur)
			if err != nil {
				errc <- err
				return
			}
			select {
			case out <- TimelineEntry{Cid: cur, Memo: m}:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
			if m.Parent == nil {
				return
			}
			cur = m.Parent.Cid
		}
	}()

	return out, errc
}

// Rewind walks n steps back from head along parent pointers and
// returns the CID and memo found there (original_source's
// noosphere-sphere cursor.rs, supplemented per spec.md's Testable
// Property scenario 3). Rewind(head, 0) returns head itself.
func Rewind(ctx context.Context, store block.Store, head cid.Cid, n int) (cid.Cid, *memo.Memo, error) {
	if n < 0 {
		return cid.Undef, nil, errs.Newf(errs.Validation, "rewind: negative step count %d", n)
	}
	cur := head
	m, err := memo.GetMemo(ctx, store, cur)
	if err != nil {
		return cid.Undef, nil, err
	}
	for i := 0; i < n; i++ {
		if m.Parent == nil {
			return cid.Undef, nil, errs.Newf(errs.MissingHistory, "rewind: revision %s has no %d-th ancestor", head, n)
		}
		cur = m.Parent.Cid
		m, err = memo.GetMemo(ctx, store, cur)
		if err != nil {
			return cid.Undef, nil, err
		}
	}
	return cur, m, nil
}
