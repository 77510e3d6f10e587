package revision

import (
	"context"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/subconscious-network/noosphere/core/authority"
	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/did"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/hamt"
	"github.com/subconscious-network/noosphere/core/ipld"
	"github.com/subconscious-network/noosphere/core/memo"
)

func noProof(ctx context.Context, ref string) (string, error) {
	return "", errs.Newf(errs.MissingHistory, "no proof available for %s", ref)
}

func genesisSphere(t *testing.T) (block.Store, *did.KeyPair, *did.KeyPair, cid.Cid, string) {
	t.Helper()
	ctx := context.Background()
	store := block.NewMemoryStore()

	sphereKey, err := did.Generate()
	require.NoError(t, err)
	ownerKey, err := did.Generate()
	require.NoError(t, err)

	rev, ownerUCAN, err := Genesis(ctx, store, sphereKey, ownerKey.DID(), time.Hour)
	require.NoError(t, err)
	require.True(t, rev.Cid.Defined())

	return store, sphereKey, ownerKey, rev.Cid, ownerUCAN
}

func TestGenesisShape(t *testing.T) {
	ctx := context.Background()
	store, sphereKey, ownerKey, genesisCid, ownerUCAN := genesisSphere(t)

	m, err := memo.GetMemo(ctx, store, genesisCid)
	require.NoError(t, err)
	require.Nil(t, m.Parent)
	require.Equal(t, memo.ContentTypeSphere, m.ContentType())

	body, err := memo.GetSphereBody(ctx, store, m.Body.Cid)
	require.NoError(t, err)
	require.Equal(t, string(sphereKey.DID()), body.Identity)
	require.NotNil(t, body.AllowedRoot)

	allowed, err := hamt.Load[authority.Delegation](ctx, store, hamt.DefaultConfig(), body.AllowedRoot.Cid)
	require.NoError(t, err)

	var found []authority.Delegation
	entries, errc := allowed.Stream(ctx, store, hamt.StreamOptions{})
	for e := range entries {
		found = append(found, e.Value)
	}
	require.NoError(t, <-errc)
	require.Len(t, found, 1)
	require.Equal(t, authority.OwnerDelegationName, found[0].Name)

	tok, err := authority.VerifySignature(ownerUCAN, time.Now())
	require.NoError(t, err)
	require.Equal(t, ownerKey.DID(), tok.Audience)
	require.Equal(t, sphereKey.DID(), tok.Issuer)
}

func TestApplyAndSignContentWrite(t *testing.T) {
	ctx := context.Background()
	store, _, ownerKey, genesisCid, ownerUCAN := genesisSphere(t)

	bodyCid, err := block.Sum(block.CodecRaw, block.HashBlake3, []byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, bodyCid, []byte("hello world")))

	mutation := New(ownerKey.DID())
	require.NoError(t, mutation.WriteContent("hello", bodyCid))

	rev, err := Apply(ctx, store, genesisCid, mutation, nil)
	require.NoError(t, err)
	require.NotNil(t, rev.Memo.Parent)
	require.True(t, rev.Memo.Parent.Cid.Equals(genesisCid))

	_, err = Sign(ctx, store, rev, ownerKey, did.DID(""), ownerUCAN, noProof, nil)
	require.Error(t, err) // wrong sphereDID: resource mismatch

	sphereDID, err := func() (did.DID, error) {
		body, err := memo.GetSphereBody(ctx, store, rev.Memo.Body.Cid)
		if err != nil {
			return "", err
		}
		return did.DID(body.Identity), nil
	}()
	require.NoError(t, err)

	newCid, err := Sign(ctx, store, rev, ownerKey, sphereDID, ownerUCAN, noProof, nil)
	require.NoError(t, err)
	require.True(t, newCid.Defined())

	signed, err := memo.GetMemo(ctx, store, newCid)
	require.NoError(t, err)
	sig, ok := signed.Get(memo.HeaderSignature)
	require.True(t, ok)
	require.NotEmpty(t, sig)

	version, ok, err := store.GetVersion(ctx, string(sphereDID))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, version.Equals(newCid))

	signedBody, err := memo.GetSphereBody(ctx, store, signed.Body.Cid)
	require.NoError(t, err)
	contentMap, err := hamt.Load[ipld.Link](ctx, store, hamt.DefaultConfig(), signedBody.ContentRoot.Cid)
	require.NoError(t, err)
	got, ok, err := contentMap.Get(ctx, store, "hello")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Cid.Equals(bodyCid))
}

func writeAndSign(t *testing.T, ctx context.Context, store block.Store, ownerKey *did.KeyPair, sphereDID did.DID, ownerUCAN string, parent cid.Cid, slug, content string) cid.Cid {
	t.Helper()
	c, err := block.Sum(block.CodecRaw, block.HashBlake3, []byte(content))
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, c, []byte(content)))

	mutation := New(ownerKey.DID())
	require.NoError(t, mutation.WriteContent(slug, c))
	rev, err := Apply(ctx, store, parent, mutation, nil)
	require.NoError(t, err)
	newCid, err := Sign(ctx, store, rev, ownerKey, sphereDID, ownerUCAN, noProof, nil)
	require.NoError(t, err)
	return newCid
}

func sphereIdentity(t *testing.T, ctx context.Context, store block.Store, c cid.Cid) did.DID {
	t.Helper()
	m, err := memo.GetMemo(ctx, store, c)
	require.NoError(t, err)
	body, err := memo.GetSphereBody(ctx, store, m.Body.Cid)
	require.NoError(t, err)
	return did.DID(body.Identity)
}

func TestRebaseTieBreak(t *testing.T) {
	ctx := context.Background()
	store, _, ownerKey, genesisCid, ownerUCAN := genesisSphere(t)
	sphereDID := sphereIdentity(t, ctx, store, genesisCid)

	base := writeAndSign(t, ctx, store, ownerKey, sphereDID, ownerUCAN, genesisCid, "foo", "bar")

	branchA := writeAndSign(t, ctx, store, ownerKey, sphereDID, ownerUCAN, base, "bar", "baz")

	// branchB introduces both changes vs. base in a single revision, so
	// Rebase (which diffs source against its own immediate parent) sees
	// the whole branch in one step.
	require.NoError(t, store.Put(ctx, mustCid(t, "foobar"), []byte("foobar")))
	require.NoError(t, store.Put(ctx, mustCid(t, "flurb"), []byte("flurb")))
	bMutation := New(ownerKey.DID())
	require.NoError(t, bMutation.WriteContent("foo", mustCid(t, "foobar")))
	require.NoError(t, bMutation.WriteContent("baz", mustCid(t, "flurb")))
	bRev, err := Apply(ctx, store, base, bMutation, nil)
	require.NoError(t, err)
	branchB, err := Sign(ctx, store, bRev, ownerKey, sphereDID, ownerUCAN, noProof, nil)
	require.NoError(t, err)

	rebased, err := Rebase(ctx, store, branchB, branchA)
	require.NoError(t, err)
	rebasedCid, err := Sign(ctx, store, rebased, ownerKey, sphereDID, ownerUCAN, noProof, nil)
	require.NoError(t, err)

	m, err := memo.GetMemo(ctx, store, rebasedCid)
	require.NoError(t, err)
	body, err := memo.GetSphereBody(ctx, store, m.Body.Cid)
	require.NoError(t, err)
	content, err := hamt.Load[ipld.Link](ctx, store, hamt.DefaultConfig(), body.ContentRoot.Cid)
	require.NoError(t, err)

	assertSlug := func(slug, want string) {
		got, ok, err := content.Get(ctx, store, slug)
		require.NoError(t, err)
		require.True(t, ok)
		wantCid := mustCid(t, want)
		require.True(t, got.Cid.Equals(wantCid))
	}
	assertSlug("foo", "foobar")
	assertSlug("bar", "baz")
	assertSlug("baz", "flurb")
}

func mustCid(t *testing.T, content string) cid.Cid {
	t.Helper()
	c, err := block.Sum(block.CodecRaw, block.HashBlake3, []byte(content))
	require.NoError(t, err)
	return c
}

func TestHydrateSucceedsAndDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	store, _, ownerKey, genesisCid, ownerUCAN := genesisSphere(t)
	sphereDID := sphereIdentity(t, ctx, store, genesisCid)

	tip := writeAndSign(t, ctx, store, ownerKey, sphereDID, ownerUCAN, genesisCid, "hello", "world")
	require.NoError(t, Hydrate(ctx, store, tip))

	// Corrupt the stored body to a bogus CID and confirm hydrate now fails.
	m, err := memo.GetMemo(ctx, store, tip)
	require.NoError(t, err)
	bogus := ipld.NewLink(mustCid(t, "not-the-real-body"))
	m.Body = bogus
	corruptCid, err := memo.PutMemo(ctx, store, m)
	require.NoError(t, err)

	err = Hydrate(ctx, store, corruptCid)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Internal))
}

func TestTimelineAndRewind(t *testing.T) {
	ctx := context.Background()
	store, _, ownerKey, genesisCid, ownerUCAN := genesisSphere(t)
	sphereDID := sphereIdentity(t, ctx, store, genesisCid)

	rev1 := writeAndSign(t, ctx, store, ownerKey, sphereDID, ownerUCAN, genesisCid, "a", "1")
	rev2 := writeAndSign(t, ctx, store, ownerKey, sphereDID, ownerUCAN, rev1, "b", "2")
	rev3 := writeAndSign(t, ctx, store, ownerKey, sphereDID, ownerUCAN, rev2, "c", "3")

	entries, errc := Timeline(ctx, store, rev3, nil)
	var seen []cid.Cid
	for e := range entries {
		seen = append(seen, e.Cid)
	}
	require.NoError(t, <-errc)
	require.Equal(t, []cid.Cid{rev3, rev2, rev1, genesisCid}, seen)

	entries2, errc2 := Timeline(ctx, store, rev3, &rev1)
	var seen2 []cid.Cid
	for e := range entries2 {
		seen2 = append(seen2, e.Cid)
	}
	require.NoError(t, <-errc2)
	require.Equal(t, []cid.Cid{rev3, rev2}, seen2)

	rewoundCid, rewoundMemo, err := Rewind(ctx, store, rev3, 2)
	require.NoError(t, err)
	require.True(t, rewoundCid.Equals(rev1))
	require.NotNil(t, rewoundMemo)

	_, _, err = Rewind(ctx, store, rev3, 10)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.MissingHistory))
}
