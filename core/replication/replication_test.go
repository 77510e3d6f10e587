package replication

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/did"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/memo"
	"github.com/subconscious-network/noosphere/core/revision"
)

func noProof(ctx context.Context, ref string) (string, error) {
	return "", errs.Newf(errs.MissingHistory, "no proof available for %s", ref)
}

func collect(t *testing.T, frames <-chan Frame, errc <-chan error) []Frame {
	t.Helper()
	var out []Frame
	for f := range frames {
		out = append(out, f)
	}
	require.NoError(t, <-errc)
	return out
}

func TestBodyStreamThenConsumeRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := block.NewMemoryStore()

	sphereKey, err := did.Generate()
	require.NoError(t, err)
	ownerKey, err := did.Generate()
	require.NoError(t, err)
	genesis, ownerUCAN, err := revision.Genesis(ctx, src, sphereKey, ownerKey.DID(), time.Hour)
	require.NoError(t, err)

	bodyCid, err := block.Sum(block.CodecRaw, block.HashBlake3, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, src.Put(ctx, bodyCid, []byte("hello")))
	mutation := revision.New(ownerKey.DID())
	require.NoError(t, mutation.WriteContent("greeting", bodyCid))
	rev, err := revision.Apply(ctx, src, genesis.Cid, mutation, nil)
	require.NoError(t, err)
	tip, err := revision.Sign(ctx, src, rev, ownerKey, sphereKey.DID(), ownerUCAN, noProof, nil)
	require.NoError(t, err)

	frames, errc := BodyStream(ctx, src, tip)
	collected := collect(t, frames, errc)
	require.NotEmpty(t, collected)

	var buf bytes.Buffer
	framesCh := make(chan Frame, len(collected))
	for _, f := range collected {
		framesCh <- f
	}
	close(framesCh)
	require.NoError(t, WriteCAR(&buf, []cid.Cid{tip}, framesCh))

	dst := block.NewMemoryStore()
	feedCh := make(chan Frame, len(collected))
	for _, f := range collected {
		feedCh <- f
	}
	close(feedCh)
	require.NoError(t, Consume(ctx, dst, feedCh))

	got, err := memo.GetMemo(ctx, dst, tip)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestHistoryStreamOnlyEmitsChangedBlocks(t *testing.T) {
	ctx := context.Background()
	src := block.NewMemoryStore()

	sphereKey, err := did.Generate()
	require.NoError(t, err)
	ownerKey, err := did.Generate()
	require.NoError(t, err)
	genesis, ownerUCAN, err := revision.Genesis(ctx, src, sphereKey, ownerKey.DID(), time.Hour)
	require.NoError(t, err)

	write := func(parent cid.Cid, slug, content string) cid.Cid {
		c, err := block.Sum(block.CodecRaw, block.HashBlake3, []byte(content))
		require.NoError(t, err)
		require.NoError(t, src.Put(ctx, c, []byte(content)))
		m := revision.New(ownerKey.DID())
		require.NoError(t, m.WriteContent(slug, c))
		r, err := revision.Apply(ctx, src, parent, m, nil)
		require.NoError(t, err)
		newCid, err := revision.Sign(ctx, src, r, ownerKey, sphereKey.DID(), ownerUCAN, noProof, nil)
		require.NoError(t, err)
		return newCid
	}

	rev1 := write(genesis.Cid, "a", "1")
	rev2 := write(rev1, "b", "2")

	frames, errc := HistoryStream(ctx, src, rev2, &rev1)
	collected := collect(t, frames, errc)
	require.NotEmpty(t, collected)

	seen := map[string]bool{}
	for _, f := range collected {
		seen[f.Cid.String()] = true
	}
	require.True(t, seen[rev2.String()])
	require.False(t, seen[rev1.String()], "since is exclusive")

	dst := block.NewMemoryStore()
	feedCh := make(chan Frame, len(collected))
	for _, f := range collected {
		feedCh <- f
	}
	close(feedCh)
	require.NoError(t, Consume(ctx, dst, feedCh))

	// since is exclusive, so dst must also hold rev1's own closure, as a
	// replica that had synced up to rev1 would, before rev2 can hydrate.
	baseFrames, baseErrc := BodyStream(ctx, src, rev1)
	require.NoError(t, Consume(ctx, dst, baseFrames))
	require.NoError(t, <-baseErrc)

	require.NoError(t, HydrateRange(ctx, dst, rev2, &rev1))
}

func TestCARRoundTrip(t *testing.T) {
	frames := []Frame{
		{Cid: mustCid(t, "one"), Data: []byte("one")},
		{Cid: mustCid(t, "two"), Data: []byte("two")},
	}
	roots := []cid.Cid{frames[0].Cid}

	var buf bytes.Buffer
	ch := make(chan Frame, len(frames))
	for _, f := range frames {
		ch <- f
	}
	close(ch)
	require.NoError(t, WriteCAR(&buf, roots, ch))

	gotRoots, out, errc := ReadCAR(&buf)
	require.Equal(t, roots, gotRoots)
	var got []Frame
	for f := range out {
		got = append(got, f)
	}
	require.NoError(t, <-errc)
	require.Len(t, got, 2)
	require.Equal(t, "one", string(got[0].Data))
	require.Equal(t, "two", string(got[1].Data))
}

func mustCid(t *testing.T, content string) cid.Cid {
	t.Helper()
	c, err := block.Sum(block.CodecRaw, block.HashBlake3, []byte(content))
	require.NoError(t, err)
	return c
}
