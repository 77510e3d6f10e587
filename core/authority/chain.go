package authority

import (
	"context"
	"time"

	"github.com/subconscious-network/noosphere/core/did"
	"github.com/subconscious-network/noosphere/core/errs"
)

// RevocationChecker reports whether a UCAN (identified by the CID of
// its raw JWT) has been revoked anywhere on the path from a sphere's
// genesis to its current tip (spec §4.4 rule 5). core/sphere supplies
// the concrete implementation backed by the authority.revoked HAMT.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jwtCid string) (bool, error)
}

// Originator is a DID at the root of an enabling delegation branch.
type Originator = did.DID

// ReducedCapability is one capability a proof chain actually confers,
// together with the set of root DIDs that originated it and its
// effective validity window (the narrowest exp/nbf along the chain).
type ReducedCapability struct {
	Originators []Originator
	Capability  Capability
	NotBefore   time.Time
	Expiration  time.Time
}

// ProofChain is an ordered sequence of UCANs from leaf (the token
// presented by the caller) to root (a self-signed or originating
// UCAN), already signature-verified.
type ProofChain struct {
	Tokens []*Token // leaf first
}

// VerifyChain resolves and validates a full UCAN chain starting from
// leafRaw, loading each proof's raw JWT via loadProof. It enforces all
// five rules from spec §4.4 and returns the chain's reduced
// capabilities on success.
func VerifyChain(
	ctx context.Context,
	leafRaw string,
	now time.Time,
	loadProof func(ctx context.Context, ref string) (string, error),
	revocations RevocationChecker,
) (*ProofChain, []ReducedCapability, error) {
	var tokens []*Token

	raw := leafRaw
	audience := did.DID("")
	for {
		tok, err := VerifySignature(raw, now) // rule 1
		if err != nil {
			return nil, nil, err
		}

		if audience != "" && tok.Audience != audience {
			return nil, nil, errs.New(errs.Authorization, "ucan chain: audience/issuer mismatch between links")
		}

		if tok.Expiration.IsZero() || now.After(tok.Expiration) { // rule 3
			return nil, nil, errs.New(errs.Authorization, "ucan expired").WithHint("re-delegate a fresh UCAN")
		}
		if !tok.NotBefore.IsZero() && now.Before(tok.NotBefore) { // rule 3
			return nil, nil, errs.New(errs.Authorization, "ucan not yet valid")
		}

		if revocations != nil {
			jwtCid, err := JWTCid(raw)
			if err != nil {
				return nil, nil, err
			}
			revoked, err := revocations.IsRevoked(ctx, jwtCid.String()) // rule 5
			if err != nil {
				return nil, nil, err
			}
			if revoked {
				return nil, nil, errs.New(errs.Authorization, "ucan has been revoked")
			}
		}

		tokens = append(tokens, tok)

		if len(tok.Proofs) == 0 {
			break
		}
		if len(tok.Proofs) > 1 {
			return nil, nil, errs.New(errs.Authorization, "ucan chain: multiple proofs not supported")
		}

		parentRaw, err := loadProof(ctx, tok.Proofs[0])
		if err != nil {
			return nil, nil, errs.Wrap(errs.MissingHistory, err, "load ucan proof")
		}
		audience = tok.Issuer // rule 2: each link's issuer must equal its proof's audience
		raw = parentRaw
	}

	if err := validateEnablement(tokens); err != nil { // rule 4
		return nil, nil, err
	}

	chain := &ProofChain{Tokens: tokens}
	return chain, reduceCapabilities(tokens), nil
}

// validateEnablement checks, for every link but the root, that each of
// its attenuations is enabled by some attenuation of its proof (rule
// 4): matching capability dominance and caveat superset semantics.
func validateEnablement(tokens []*Token) error {
	for i := 0; i < len(tokens)-1; i++ {
		child, parent := tokens[i], tokens[i+1]
		for _, ca := range child.Attenuations {
			enabled := false
			for _, pa := range parent.Attenuations {
				if pa.Capability.Enables(ca.Capability) && pa.Caveat.Enables(ca.Caveat) {
					enabled = true
					break
				}
			}
			if !enabled {
				return errs.Newf(errs.Authorization, "capability %s/%s not enabled by proof", ca.Capability.Resource, ca.Capability.Ability)
			}
		}
	}
	return nil
}

// reduceCapabilities returns the set of capabilities the chain
// actually confers: the leaf (first) token's attenuations, each with
// the root (final) token's issuer as its originator. Each capability's
// validity window narrows to the tightest exp/nbf along the chain.
func reduceCapabilities(tokens []*Token) []ReducedCapability {
	if len(tokens) == 0 {
		return nil
	}
	root := tokens[len(tokens)-1]

	var out []ReducedCapability
	for _, a := range tokens[0].Attenuations {
		rc := ReducedCapability{
			Originators: []Originator{root.Issuer},
			Capability:  a.Capability,
			Expiration:  tokens[0].Expiration,
			NotBefore:   tokens[0].NotBefore,
		}
		for _, tok := range tokens[1:] {
			if tok.Expiration.Before(rc.Expiration) {
				rc.Expiration = tok.Expiration
			}
			if tok.NotBefore.After(rc.NotBefore) {
				rc.NotBefore = tok.NotBefore
			}
		}
		out = append(out, rc)
	}
	return out
}
