package revision

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/subconscious-network/noosphere/core/authority"
	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/did"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/hamt"
	"github.com/subconscious-network/noosphere/core/ipld"
	"github.com/subconscious-network/noosphere/core/memo"
)

// Per-submap changelog headers, carrying the CID of the Changelog
// block produced for that submap in this revision, if it changed.
// Hydrate and Rebase read these to derive a revision's own mutation
// without needing its HAMT interiors.
const (
	headerContentChangelog = "content-changelog"
	headerNamesChangelog   = "names-changelog"
	headerAllowedChangelog = "allowed-changelog"
	headerRevokedChangelog = "revoked-changelog"
)

// Revision is a memo under construction or already committed to
// history. Cid is cid.Undef until Sign (or Genesis) persists it.
// Mutation is the accumulator this revision was derived from by
// Apply; it is nil for a revision reconstructed by Hydrate.
type Revision struct {
	Cid      cid.Cid
	Memo     *memo.Memo
	Mutation *Mutation
}

func linkOrUndef(l *ipld.Link) cid.Cid {
	if l == nil {
		return cid.Undef
	}
	return l.Cid
}

func linkPtr(c cid.Cid) *ipld.Link {
	if !c.Defined() {
		return nil
	}
	l := ipld.NewLink(c)
	return &l
}

// Apply derives a new, unsigned revision from parentCid and mutation
// (spec §4.5). additionalHeaders are merged into the new memo's
// headers after those inherited from the parent.
func Apply(ctx context.Context, store block.Store, parentCid cid.Cid, mutation *Mutation, additionalHeaders []memo.Header) (*Revision, error) {
	if !parentCid.Defined() {
		return nil, errs.New(errs.Validation, "apply: parent revision required; use Genesis to bootstrap a sphere")
	}
	parentMemo, err := memo.GetMemo(ctx, store, parentCid)
	if err != nil {
		return nil, err
	}
	parentBody, err := memo.GetSphereBody(ctx, store, parentMemo.Body.Cid)
	if err != nil {
		return nil, err
	}

	newBody := *parentBody
	changelogs := map[string]cid.Cid{}

	if !mutation.Content.isEmpty() {
		root, clCid, err := applySubmap[ipld.Link](ctx, store, linkOrUndef(newBody.ContentRoot), mutation.Content.Ops)
		if err != nil {
			return nil, err
		}
		newBody.ContentRoot = linkPtr(root)
		if clCid.Defined() {
			changelogs[headerContentChangelog] = clCid
		}
	}
	if !mutation.Names.isEmpty() {
		root, clCid, err := applySubmap[memo.Identity](ctx, store, linkOrUndef(newBody.AddressBook), mutation.Names.Ops)
		if err != nil {
			return nil, err
		}
		newBody.AddressBook = linkPtr(root)
		if clCid.Defined() {
			changelogs[headerNamesChangelog] = clCid
		}
	}
	if !mutation.Allowed.isEmpty() {
		root, clCid, err := applySubmap[authority.Delegation](ctx, store, linkOrUndef(newBody.AllowedRoot), mutation.Allowed.Ops)
		if err != nil {
			return nil, err
		}
		newBody.AllowedRoot = linkPtr(root)
		if clCid.Defined() {
			changelogs[headerAllowedChangelog] = clCid
		}
	}
	if !mutation.Revoked.isEmpty() {
		root, clCid, err := applySubmap[authority.Revocation](ctx, store, linkOrUndef(newBody.RevokedRoot), mutation.Revoked.Ops)
		if err != nil {
			return nil, err
		}
		newBody.RevokedRoot = linkPtr(root)
		if clCid.Defined() {
			changelogs[headerRevokedChangelog] = clCid
		}
	}

	newBodyCid, err := memo.PutSphereBody(ctx, store, &newBody)
	if err != nil {
		return nil, err
	}

	parentLink := ipld.NewLink(parentCid)
	newMemo := &memo.Memo{Parent: &parentLink, Body: ipld.NewLink(newBodyCid)}
	for _, h := range parentMemo.Headers {
		switch h.Name {
		case memo.HeaderSignature, memo.HeaderProof,
			headerContentChangelog, headerNamesChangelog, headerAllowedChangelog, headerRevokedChangelog:
			continue
		}
		newMemo.Set(h.Name, h.Value)
	}
	newMemo.Set(memo.HeaderVersion, memo.ProtocolVersion)
	for name, c := range changelogs {
		newMemo.Set(name, c.String())
	}
	for _, h := range additionalHeaders {
		newMemo.Set(h.Name, h.Value)
	}

	return &Revision{Memo: newMemo, Mutation: mutation}, nil
}

// applySubmap loads the submap at root (or allocates one), replays
// ops against it, flushes, and returns the new root and the CID of
// the Changelog block recording ops (cid.Undef if ops was empty).
func applySubmap[V any](ctx context.Context, store block.Store, root cid.Cid, ops []hamt.Op) (cid.Cid, cid.Cid, error) {
	m, err := hamt.Load[V](ctx, store, hamt.DefaultConfig(), root)
	if err != nil {
		return cid.Undef, cid.Undef, err
	}
	if err := m.Apply(ctx, store, &hamt.Changelog{Ops: ops}); err != nil {
		return cid.Undef, cid.Undef, err
	}
	return m.Flush(ctx, store)
}

// Sign verifies that authorizationRaw enables the ability this
// revision's mutation requires over sphereDID, then canonicalizes,
// signs with key, stores the memo, and records it as sphereDID's new
// tip (spec §4.5 sign steps 1-3).
func Sign(
	ctx context.Context,
	store block.Store,
	rev *Revision,
	key *did.KeyPair,
	sphereDID did.DID,
	authorizationRaw string,
	loadProof func(ctx context.Context, ref string) (string, error),
	revocations authority.RevocationChecker,
) (cid.Cid, error) {
	required := authority.AbilityPush
	if rev.Mutation != nil {
		required = rev.Mutation.RequiredAbility()
	}
	requiredCap := authority.Capability{Resource: authority.SphereResource(string(sphereDID)), Ability: required}

	now := time.Now()
	_, reduced, err := authority.VerifyChain(ctx, authorizationRaw, now, loadProof, revocations)
	if err != nil {
		return cid.Undef, err
	}

	authorized := false
	for _, rc := range reduced {
		if !rc.Capability.Enables(requiredCap) {
			continue
		}
		if !rc.NotBefore.IsZero() && now.Before(rc.NotBefore) {
			continue
		}
		if !rc.Expiration.IsZero() && now.After(rc.Expiration) {
			continue
		}
		authorized = true
		break
	}
	if !authorized {
		return cid.Undef, errs.Newf(errs.Authorization, "authorization does not enable %s on %s", required, requiredCap.Resource)
	}

	jwtCid, err := authority.JWTCid(authorizationRaw)
	if err != nil {
		return cid.Undef, err
	}
	rev.Memo.Set(memo.HeaderAuthor, string(key.DID()))
	rev.Memo.Set(memo.HeaderProof, jwtCid.String())

	canon, err := rev.Memo.Canonicalize()
	if err != nil {
		return cid.Undef, err
	}
	sig := key.Sign(canon)
	rev.Memo.Set(memo.HeaderSignature, base64.StdEncoding.EncodeToString(sig))

	newCid, err := memo.PutMemo(ctx, store, rev.Memo)
	if err != nil {
		return cid.Undef, err
	}
	if err := store.SetVersion(ctx, string(sphereDID), newCid); err != nil {
		return cid.Undef, err
	}
	rev.Cid = newCid
	return newCid, nil
}

// Genesis bootstraps a new sphere: a freshly generated sphere identity
// self-signs its own root memo (parent = nil) whose authority.allowed
// HAMT already contains a self-issued delegation granting ownerDID the
// "authorize" capability over the sphere, named authority.OwnerDelegationName
// (spec §8 scenario 1; original_source's Sphere::try_generate, collapsed
// into a single memo per spec.md's literal genesis expectations). It
// returns the genesis revision and the raw UCAN the owner should keep
// as their standing authorization.
func Genesis(ctx context.Context, store block.Store, sphereKey *did.KeyPair, ownerDID did.DID, lifetime time.Duration) (*Revision, string, error) {
	sphereDID := sphereKey.DID()
	cap := authority.Capability{Resource: authority.SphereResource(string(sphereDID)), Ability: authority.AbilityAuthorize}
	ownerUCAN, err := authority.Build(authority.BuildOptions{
		Issuer:       *sphereKey,
		Audience:     ownerDID,
		Attenuations: []authority.Attenuation{{Capability: cap}},
		Lifetime:     lifetime,
	})
	if err != nil {
		return nil, "", err
	}
	jwtCid, err := authority.JWTCid(ownerUCAN)
	if err != nil {
		return nil, "", err
	}

	allowed, err := hamt.New[authority.Delegation](hamt.DefaultConfig())
	if err != nil {
		return nil, "", err
	}
	if _, _, err := allowed.Set(ctx, store, jwtCid.String(), authority.Delegation{Name: authority.OwnerDelegationName, JWT: ownerUCAN}, true); err != nil {
		return nil, "", err
	}
	allowedRoot, _, err := allowed.Flush(ctx, store)
	if err != nil {
		return nil, "", err
	}

	body := &memo.SphereBody{Identity: string(sphereDID), AllowedRoot: linkPtr(allowedRoot)}
	bodyCid, err := memo.PutSphereBody(ctx, store, body)
	if err != nil {
		return nil, "", err
	}

	m := &memo.Memo{Body: ipld.NewLink(bodyCid)}
	m.Set(memo.HeaderContentType, memo.ContentTypeSphere)
	m.Set(memo.HeaderVersion, memo.ProtocolVersion)
	m.Set(memo.HeaderAuthor, string(sphereDID))

	canon, err := m.Canonicalize()
	if err != nil {
		return nil, "", err
	}
	m.Set(memo.HeaderSignature, base64.StdEncoding.EncodeToString(sphereKey.Sign(canon)))

	genesisCid, err := memo.PutMemo(ctx, store, m)
	if err != nil {
		return nil, "", err
	}
	if err := store.SetVersion(ctx, string(sphereDID), genesisCid); err != nil {
		return nil, "", err
	}

	return &Revision{Cid: genesisCid, Memo: m}, ownerUCAN, nil
}
