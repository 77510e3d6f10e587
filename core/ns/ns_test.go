package ns

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/subconscious-network/noosphere/core/authority"
	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/did"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/revision"
	"github.com/subconscious-network/noosphere/core/sphere"
)

func noProof(ctx context.Context, ref string) (string, error) {
	return "", errs.Newf(errs.MissingHistory, "no proof available for %s", ref)
}

// fakeResolver is an in-memory stand-in for the peer-to-peer DHT-like
// backend the adapter consumes.
type fakeResolver struct {
	mu        sync.Mutex
	records   map[did.DID]string
	published []string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{records: make(map[did.DID]string)}
}

func (f *fakeResolver) Resolve(ctx context.Context, subject did.DID) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.records[subject]
	return raw, ok, nil
}

func (f *fakeResolver) Publish(ctx context.Context, subject did.DID, raw string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[subject] = raw
	f.published = append(f.published, raw)
	return nil
}

func buildLinkRecord(t *testing.T, issuer *did.KeyPair, tip cid.Cid, lifetime time.Duration) string {
	t.Helper()
	raw, err := authority.Build(authority.BuildOptions{
		Issuer:   *issuer,
		Audience: issuer.DID(),
		Facts:    map[string]interface{}{"link": tip.String()},
		Lifetime: lifetime,
	})
	require.NoError(t, err)
	return raw
}

func randomCid(t *testing.T, seed string) cid.Cid {
	t.Helper()
	c, err := block.Sum(block.CodecRaw, block.HashBlake3, []byte(seed))
	require.NoError(t, err)
	return c
}

func TestAdoptAcceptsFreshRecordFromSamePeer(t *testing.T) {
	ctx := context.Background()
	peer, err := did.Generate()
	require.NoError(t, err)

	cachedLink := randomCid(t, "one")
	candidateLink := randomCid(t, "two")
	cached := buildLinkRecord(t, peer, cachedLink, time.Hour)
	candidate := buildLinkRecord(t, peer, candidateLink, time.Hour)

	supersedes, link, err := Adopt(ctx, noProof, nil, peer.DID(), cached, candidate)
	require.NoError(t, err)
	require.True(t, supersedes)
	require.True(t, link.Equals(candidateLink))
}

func TestAdoptRejectsWrongIssuer(t *testing.T) {
	ctx := context.Background()
	peer, err := did.Generate()
	require.NoError(t, err)
	other, err := did.Generate()
	require.NoError(t, err)

	candidate := buildLinkRecord(t, other, randomCid(t, "x"), time.Hour)
	_, _, err = Adopt(ctx, noProof, nil, peer.DID(), "", candidate)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Validation))
}

func TestAdoptRejectsExpiredCandidate(t *testing.T) {
	ctx := context.Background()
	peer, err := did.Generate()
	require.NoError(t, err)

	candidate := buildLinkRecord(t, peer, randomCid(t, "x"), -time.Hour)
	_, _, err = Adopt(ctx, noProof, nil, peer.DID(), "", candidate)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Authorization))
}

func TestAdoptRejectsIdenticalLink(t *testing.T) {
	ctx := context.Background()
	peer, err := did.Generate()
	require.NoError(t, err)

	link := randomCid(t, "same")
	cached := buildLinkRecord(t, peer, link, time.Hour)
	candidate := buildLinkRecord(t, peer, link, time.Hour)

	supersedes, _, err := Adopt(ctx, noProof, nil, peer.DID(), cached, candidate)
	require.NoError(t, err)
	require.False(t, supersedes)
}

func newGenesisSphere(t *testing.T) (block.Store, *sphere.Context, *did.KeyPair, did.DID) {
	t.Helper()
	ctx := context.Background()
	store := block.NewMemoryStore()

	sphereKey, err := did.Generate()
	require.NoError(t, err)
	ownerKey, err := did.Generate()
	require.NoError(t, err)
	_, ownerUCAN, err := revision.Genesis(ctx, store, sphereKey, ownerKey.DID(), time.Hour)
	require.NoError(t, err)

	sphereDID := sphereKey.DID()
	revocations := sphere.TipRevocationChecker{Store: store, SphereDID: sphereDID}
	sc, err := sphere.Open(ctx, store, sphereDID, ownerKey, ownerUCAN, noProof, revocations)
	require.NoError(t, err)
	return store, sc, ownerKey, sphereDID
}

func TestPublishOneReusesCachedRecordUntilTipChanges(t *testing.T) {
	ctx := context.Background()
	_, sc, ownerKey, sphereDID := newGenesisSphere(t)

	resolver := newFakeResolver()
	adapter, err := NewAdapter(resolver, noProof, nil, 100, time.Minute)
	require.NoError(t, err)
	adapter.Manage(sc, ownerKey)

	require.NoError(t, adapter.publishAll(ctx))
	require.NoError(t, adapter.publishAll(ctx))

	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	require.Len(t, resolver.published, 2, "republishes every cycle even with an unchanged tip")
	require.Equal(t, resolver.published[0], resolver.published[1], "reuses the cached record rather than minting a fresh one")

	raw, ok, err := resolver.Resolve(ctx, sphereDID)
	require.NoError(t, err)
	require.True(t, ok)
	tok, err := authority.VerifySignature(raw, time.Now())
	require.NoError(t, err)
	link, ok := tok.LinkFact()
	require.True(t, ok)
	require.True(t, link.Equals(sc.Tip()))
}

func TestPublishOneMintsFreshRecordAfterTipAdvances(t *testing.T) {
	ctx := context.Background()
	_, sc, ownerKey, _ := newGenesisSphere(t)

	resolver := newFakeResolver()
	adapter, err := NewAdapter(resolver, noProof, nil, 100, time.Minute)
	require.NoError(t, err)
	adapter.Manage(sc, ownerKey)

	require.NoError(t, adapter.publishAll(ctx))

	require.NoError(t, sc.Write(ctx, "hello", "text/plain", []byte("world")))
	_, err = sc.Save(ctx)
	require.NoError(t, err)

	require.NoError(t, adapter.publishAll(ctx))

	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	require.Len(t, resolver.published, 2)
	require.NotEqual(t, resolver.published[0], resolver.published[1], "mints a fresh record once the sphere's tip moves")
}

func TestRepublishAttemptsTracksExpiredCycles(t *testing.T) {
	ctx := context.Background()
	_, sc, ownerKey, sphereDID := newGenesisSphere(t)

	resolver := newFakeResolver()
	adapter, err := NewAdapter(resolver, noProof, nil, 100, time.Minute)
	require.NoError(t, err)
	adapter.Manage(sc, ownerKey)

	require.Equal(t, 0, adapter.RepublishAttempts(sphereDID), "nothing published yet")

	// Mint a record that is already expired, so every subsequent
	// publishAll cycle counts as a republish-past-expiry.
	m := adapter.spheres[sphereDID]
	m.cachedSelf, err = MintSelfLinkRecord(ownerKey, sc.Tip(), -time.Hour)
	require.NoError(t, err)

	require.NoError(t, adapter.publishAll(ctx))
	require.Equal(t, 1, adapter.RepublishAttempts(sphereDID))
	require.NoError(t, adapter.publishAll(ctx))
	require.Equal(t, 2, adapter.RepublishAttempts(sphereDID))

	require.Equal(t, 0, adapter.RepublishAttempts(did.DID("did:key:unmanaged")))
}

func TestResolveAllAdoptsSupersedingRecordAndPersists(t *testing.T) {
	ctx := context.Background()
	_, owner, ownerKey, _ := newGenesisSphere(t)

	friendKey, err := did.Generate()
	require.NoError(t, err)
	friendDID := string(friendKey.DID())
	require.NoError(t, owner.SetPetname(ctx, "friend", &friendDID))
	_, err = owner.Save(ctx)
	require.NoError(t, err)

	resolver := newFakeResolver()
	candidateLink := randomCid(t, "friend-tip")
	require.NoError(t, resolver.Publish(ctx, friendKey.DID(), buildLinkRecord(t, friendKey, candidateLink, time.Hour)))

	adapter, err := NewAdapter(resolver, noProof, nil, 100, time.Minute)
	require.NoError(t, err)
	adapter.Manage(owner, ownerKey)

	tipBefore := owner.Tip()
	require.NoError(t, adapter.resolveAll(ctx))
	require.NotEqual(t, tipBefore, owner.Tip(), "adopting a record creates a new sphere revision")

	identity, ok, err := owner.GetPetname(ctx, "friend")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, identity.LinkRecord)

	// A second resolve pass against the same candidate is a no-op: no
	// further revision is created.
	tipAfterFirst := owner.Tip()
	require.NoError(t, adapter.resolveAll(ctx))
	require.Equal(t, tipAfterFirst, owner.Tip())
}

func TestResolveOnDemandFindsPublishedRecord(t *testing.T) {
	ctx := context.Background()
	resolver := newFakeResolver()
	peer, err := did.Generate()
	require.NoError(t, err)
	want := buildLinkRecord(t, peer, randomCid(t, "on-demand"), time.Hour)
	require.NoError(t, resolver.Publish(ctx, peer.DID(), want))

	adapter, err := NewAdapter(resolver, noProof, nil, 100, time.Minute)
	require.NoError(t, err)

	caller, err := did.Generate()
	require.NoError(t, err)

	raw, ok, err := adapter.ResolveOnDemand(ctx, caller.DID(), peer.DID())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, raw)
}

func TestResolveOnDemandRateLimited(t *testing.T) {
	ctx := context.Background()
	resolver := newFakeResolver()
	peer, err := did.Generate()
	require.NoError(t, err)

	adapter, err := NewAdapter(resolver, noProof, nil, 1, time.Minute)
	require.NoError(t, err)

	caller, err := did.Generate()
	require.NoError(t, err)

	_, _, err = adapter.ResolveOnDemand(ctx, caller.DID(), peer.DID())
	require.NoError(t, err)

	_, _, err = adapter.ResolveOnDemand(ctx, caller.DID(), peer.DID())
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Validation))
}
