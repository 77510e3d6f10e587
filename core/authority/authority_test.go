package authority

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/subconscious-network/noosphere/core/did"
)

func TestAbilityDominance(t *testing.T) {
	require.True(t, AbilityAuthorize.Dominates(AbilityPush))
	require.True(t, AbilityPush.Dominates(AbilityPush))
	require.False(t, AbilityFetch.Dominates(AbilityPush))
	require.True(t, AbilityPublish.Dominates(AbilityFetch))
}

func TestCapabilityEnables(t *testing.T) {
	sphere := "sphere:did:key:zSphere"
	owner := Capability{Resource: sphere, Ability: AbilityAuthorize}
	require.True(t, owner.Enables(Capability{Resource: sphere, Ability: AbilityPush}))
	require.False(t, owner.Enables(Capability{Resource: "sphere:did:key:zOther", Ability: AbilityPush}))

	pusher := Capability{Resource: sphere, Ability: AbilityPush}
	require.False(t, pusher.Enables(Capability{Resource: sphere, Ability: AbilityAuthorize}))
}

func TestCaveatSupersetSemantics(t *testing.T) {
	proof := Caveat{"slug": "prefix/*"}
	require.True(t, proof.Enables(Caveat{"slug": "prefix/*", "extra": "ignored-by-proof"}))
	require.False(t, proof.Enables(Caveat{}))
	require.False(t, proof.Enables(Caveat{"slug": "other"}))

	empty := Caveat{}
	require.True(t, empty.Enables(Caveat{"anything": "goes"}))
}

func buildChain(t *testing.T) (root *did.KeyPair, delegate *did.KeyPair, rootToken string, delegatedToken string) {
	t.Helper()
	root, err := did.Generate()
	require.NoError(t, err)
	delegate, err = did.Generate()
	require.NoError(t, err)

	sphere := SphereResource(string(root.DID()))
	rootToken, err = Build(BuildOptions{
		Issuer:   *root,
		Audience: delegate.DID(),
		Attenuations: []Attenuation{
			{Capability: Capability{Resource: sphere, Ability: AbilityAuthorize}},
		},
		Lifetime: time.Hour,
	})
	require.NoError(t, err)

	rootCid, err := JWTCid(rootToken)
	require.NoError(t, err)

	third, err := did.Generate()
	require.NoError(t, err)
	delegatedToken, err = Build(BuildOptions{
		Issuer:   *delegate,
		Audience: third.DID(),
		Attenuations: []Attenuation{
			{Capability: Capability{Resource: sphere, Ability: AbilityPush}},
		},
		Proofs:   []string{rootCid.String()},
		Lifetime: time.Hour,
	})
	require.NoError(t, err)
	return root, delegate, rootToken, delegatedToken
}

func TestVerifyChainSuccess(t *testing.T) {
	root, _, rootToken, delegatedToken := buildChain(t)

	rootCid, err := JWTCid(rootToken)
	require.NoError(t, err)

	loadProof := func(ctx context.Context, ref string) (string, error) {
		require.Equal(t, rootCid.String(), ref)
		return rootToken, nil
	}

	chain, reduced, err := VerifyChain(context.Background(), delegatedToken, time.Now(), loadProof, nil)
	require.NoError(t, err)
	require.Len(t, chain.Tokens, 2)
	require.Len(t, reduced, 1)
	require.Equal(t, AbilityPush, reduced[0].Capability.Ability)
	require.Equal(t, root.DID(), reduced[0].Originators[0])
}

func TestVerifyChainRejectsExpired(t *testing.T) {
	_, _, rootToken, delegatedToken := buildChain(t)
	_ = rootToken

	loadProof := func(ctx context.Context, ref string) (string, error) { return rootToken, nil }
	_, _, err := VerifyChain(context.Background(), delegatedToken, time.Now().Add(2*time.Hour), loadProof, nil)
	require.Error(t, err)
}

type fakeRevocations struct {
	revoked map[string]bool
}

func (f fakeRevocations) IsRevoked(ctx context.Context, jwtCid string) (bool, error) {
	return f.revoked[jwtCid], nil
}

func TestVerifyChainRejectsRevoked(t *testing.T) {
	_, _, rootToken, delegatedToken := buildChain(t)

	delegatedCid, err := JWTCid(delegatedToken)
	require.NoError(t, err)

	loadProof := func(ctx context.Context, ref string) (string, error) { return rootToken, nil }
	revocations := fakeRevocations{revoked: map[string]bool{delegatedCid.String(): true}}

	_, _, err = VerifyChain(context.Background(), delegatedToken, time.Now(), loadProof, revocations)
	require.Error(t, err)
}

func TestVerifyChainRejectsUnenabledCapability(t *testing.T) {
	root, err := did.Generate()
	require.NoError(t, err)
	delegate, err := did.Generate()
	require.NoError(t, err)

	sphere := SphereResource(string(root.DID()))
	rootToken, err := Build(BuildOptions{
		Issuer:   *root,
		Audience: delegate.DID(),
		Attenuations: []Attenuation{
			{Capability: Capability{Resource: sphere, Ability: AbilityFetch}},
		},
		Lifetime: time.Hour,
	})
	require.NoError(t, err)
	rootCid, err := JWTCid(rootToken)
	require.NoError(t, err)

	third, err := did.Generate()
	require.NoError(t, err)
	delegatedToken, err := Build(BuildOptions{
		Issuer:   *delegate,
		Audience: third.DID(),
		Attenuations: []Attenuation{
			{Capability: Capability{Resource: sphere, Ability: AbilityAuthorize}},
		},
		Proofs:   []string{rootCid.String()},
		Lifetime: time.Hour,
	})
	require.NoError(t, err)

	loadProof := func(ctx context.Context, ref string) (string, error) { return rootToken, nil }
	_, _, err = VerifyChain(context.Background(), delegatedToken, time.Now(), loadProof, nil)
	require.Error(t, err)
}
