package ns

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/subconscious-network/noosphere/core/authority"
	"github.com/subconscious-network/noosphere/core/did"
	"github.com/subconscious-network/noosphere/core/errs"
)

// MintSelfLinkRecord builds the self-issued UCAN a sphere publishes to
// the name system to advertise its current tip (spec §3's "link
// record"): a Fact binding the signer's own DID to tip, self-audienced
// so it verifies without a separate proof chain.
func MintSelfLinkRecord(signer *did.KeyPair, tip cid.Cid, lifetime time.Duration) (string, error) {
	return authority.Build(authority.BuildOptions{
		Issuer:   *signer,
		Audience: signer.DID(),
		Facts:    map[string]interface{}{"link": tip.String()},
		Lifetime: lifetime,
	})
}

// Adopt implements spec §4.9's record supersession rule: candidateRaw
// replaces cachedRaw as the resolved record for peerDID iff (a) it was
// issued by peerDID, (b) it is not expired, (c) its link differs from
// cachedRaw's, and (d) its proof chain validates. cachedRaw may be
// empty if nothing is cached yet.
func Adopt(ctx context.Context, loadProof func(context.Context, string) (string, error), revocations authority.RevocationChecker, peerDID did.DID, cachedRaw, candidateRaw string) (bool, cid.Cid, error) {
	chain, _, err := authority.VerifyChain(ctx, candidateRaw, time.Now(), loadProof, revocations)
	if err != nil {
		return false, cid.Undef, err
	}
	if len(chain.Tokens) == 0 {
		return false, cid.Undef, errs.New(errs.Validation, "link record: empty proof chain")
	}
	// VerifyChain already enforced expiration (rule 3) above; a chain
	// that validated here is, by construction, not expired.
	leaf := chain.Tokens[0]
	if leaf.Issuer != peerDID {
		return false, cid.Undef, errs.Newf(errs.Validation, "link record issued by %s does not match expected peer %s", leaf.Issuer, peerDID)
	}
	link, ok := leaf.LinkFact()
	if !ok {
		return false, cid.Undef, errs.New(errs.Validation, "link record missing link fact")
	}

	if cachedRaw == "" {
		return true, link, nil
	}
	cachedChain, _, err := authority.VerifyChain(ctx, cachedRaw, time.Now(), loadProof, revocations)
	if err != nil || len(cachedChain.Tokens) == 0 {
		// Cached record no longer validates (e.g. since expired past
		// the point candidateRaw was checked) — any valid candidate
		// supersedes it.
		return true, link, nil
	}
	cachedLink, ok := cachedChain.Tokens[0].LinkFact()
	if ok && cachedLink.Equals(link) {
		return false, link, nil
	}
	return true, link, nil
}
