package sphere

import (
	"context"
	"time"

	"github.com/subconscious-network/noosphere/core/authority"
	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/did"
	"github.com/subconscious-network/noosphere/core/hamt"
	"github.com/subconscious-network/noosphere/core/memo"
)

// DefaultDelegationLifetime bounds how long a newly issued delegation
// is valid for when the caller doesn't specify one.
const DefaultDelegationLifetime = 24 * 30 * time.Hour

// Authorize delegates ability over this sphere to agentDID, proven by
// this context's own authorization chain, and stages the delegation
// into the allowed map under name. It returns the raw UCAN the agent
// should be given out of band.
func (c *Context) Authorize(ctx context.Context, name string, agentDID did.DID, ability authority.Ability, lifetime time.Duration) (string, error) {
	if err := validPetname(name); err != nil {
		return "", err
	}
	if lifetime <= 0 {
		lifetime = DefaultDelegationLifetime
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireWrite(); err != nil {
		return "", err
	}

	proofCid, err := authority.JWTCid(c.authorization)
	if err != nil {
		return "", err
	}
	raw, err := authority.Build(authority.BuildOptions{
		Issuer:   *c.authorKey,
		Audience: agentDID,
		Attenuations: []authority.Attenuation{{
			Capability: authority.Capability{
				Resource: authority.SphereResource(string(c.sphereDID)),
				Ability:  ability,
			},
		}},
		Proofs:   []string{proofCid.String()},
		Lifetime: lifetime,
	})
	if err != nil {
		return "", err
	}

	if _, err := authority.PutToken(ctx, c.store, c.authorization); err != nil {
		return "", err
	}
	jwtCid, err := authority.PutToken(ctx, c.store, raw)
	if err != nil {
		return "", err
	}

	if err := c.mutation().Allow(jwtCid.String(), authority.Delegation{Name: name, JWT: raw}); err != nil {
		return "", err
	}
	return raw, nil
}

// Revoke stages a revocation statement against the delegation
// identified by delegationJWTCid (its JWT CID string, as stored in
// the allowed map or handed out by Authorize).
func (c *Context) Revoke(ctx context.Context, delegationJWTCid string, lifetime time.Duration) (string, error) {
	if lifetime <= 0 {
		lifetime = DefaultDelegationLifetime
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireWrite(); err != nil {
		return "", err
	}

	raw, err := authority.Build(authority.BuildOptions{
		Issuer:   *c.authorKey,
		Audience: c.sphereDID,
		Attenuations: []authority.Attenuation{{
			Capability: authority.Capability{
				Resource: authority.SphereResource(string(c.sphereDID)),
				Ability:  authority.AbilityAuthorize,
			},
		}},
		Facts:    map[string]interface{}{authority.FactRevokes: delegationJWTCid},
		Lifetime: lifetime,
	})
	if err != nil {
		return "", err
	}
	if _, err := authority.PutToken(ctx, c.store, raw); err != nil {
		return "", err
	}

	if err := c.mutation().Revoke(delegationJWTCid, authority.Revocation{Statement: raw}); err != nil {
		return "", err
	}
	return raw, nil
}

// ListAuthorizations returns every delegation currently granted over
// this sphere, read from the committed tip.
func (c *Context) ListAuthorizations(ctx context.Context) ([]authority.Delegation, error) {
	body, err := c.tipBody(ctx)
	if err != nil {
		return nil, err
	}
	if body.AllowedRoot == nil {
		return nil, nil
	}
	m, err := hamt.Load[authority.Delegation](ctx, c.store, hamt.DefaultConfig(), body.AllowedRoot.Cid)
	if err != nil {
		return nil, err
	}
	entries, errc := m.Stream(ctx, c.store, hamt.StreamOptions{})
	var out []authority.Delegation
	for e := range entries {
		out = append(out, e.Value)
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return out, nil
}

// ListRevocations returns every revocation statement recorded against
// this sphere, read from the committed tip.
func (c *Context) ListRevocations(ctx context.Context) ([]authority.Revocation, error) {
	body, err := c.tipBody(ctx)
	if err != nil {
		return nil, err
	}
	if body.RevokedRoot == nil {
		return nil, nil
	}
	m, err := hamt.Load[authority.Revocation](ctx, c.store, hamt.DefaultConfig(), body.RevokedRoot.Cid)
	if err != nil {
		return nil, err
	}
	entries, errc := m.Stream(ctx, c.store, hamt.StreamOptions{})
	var out []authority.Revocation
	for e := range entries {
		out = append(out, e.Value)
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return out, nil
}

// TipRevocationChecker implements authority.RevocationChecker against
// a sphere's revoked map as of its current tip. Revocations are
// monotonic — no operation ever removes an entry from the revoked
// map — so the tip's cumulative map already reflects every revision
// back to genesis, and checking it alone satisfies spec §4.4 rule 5's
// "anywhere on the path to the current tip" requirement without
// re-walking history.
type TipRevocationChecker struct {
	Store     block.Store
	SphereDID did.DID
}

// IsRevoked implements authority.RevocationChecker.
func (t TipRevocationChecker) IsRevoked(ctx context.Context, jwtCid string) (bool, error) {
	tip, ok, err := t.Store.GetVersion(ctx, string(t.SphereDID))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	m, err := memo.GetMemo(ctx, t.Store, tip)
	if err != nil {
		return false, err
	}
	body, err := memo.GetSphereBody(ctx, t.Store, m.Body.Cid)
	if err != nil {
		return false, err
	}
	if body.RevokedRoot == nil {
		return false, nil
	}
	revoked, err := hamt.Load[authority.Revocation](ctx, t.Store, hamt.DefaultConfig(), body.RevokedRoot.Cid)
	if err != nil {
		return false, err
	}
	_, ok, err = revoked.Get(ctx, t.Store, jwtCid)
	return ok, err
}
