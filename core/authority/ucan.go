package authority

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/did"
	"github.com/subconscious-network/noosphere/core/errs"
)

// Custom UCAN claim names, layered on top of the standard JWT claims
// (iss, aud, exp, nbf) that jwx already understands.
const (
	claimAttenuations = "att"
	claimProofs       = "prf"
	claimFacts        = "fct"
	claimLinkFact     = "link"
)

// Attenuation is one delegated capability, optionally restricted by a
// caveat.
type Attenuation struct {
	Capability Capability `json:"capability"`
	Caveat     Caveat     `json:"caveat,omitempty"`
}

// Token is a parsed UCAN: the standard claims jwx validates plus the
// capability attenuations, proof references, and facts specific to
// UCANs.
type Token struct {
	Raw string

	Issuer      did.DID
	Audience    did.DID
	Expiration  time.Time
	NotBefore   time.Time
	Attenuations []Attenuation
	Proofs      []string // JWT CID strings (see JWTCid) naming the parent UCANs
	Facts       map[string]interface{}
}

// LinkFact returns the CID carried by the "link" fact, if present —
// the shape a Link Record's UCAN uses to advertise a sphere's latest
// memo (spec §3).
func (t *Token) LinkFact() (cid.Cid, bool) {
	raw, ok := t.Facts[claimLinkFact]
	if !ok {
		return cid.Undef, false
	}
	s, ok := raw.(string)
	if !ok {
		return cid.Undef, false
	}
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, false
	}
	return c, true
}

// BuildOptions configures a new UCAN.
type BuildOptions struct {
	Issuer       did.KeyPair
	Audience     did.DID
	Attenuations []Attenuation
	Facts        map[string]interface{}
	Proofs       []string
	Lifetime     time.Duration
	NotBefore    time.Time
}

// Build constructs and signs a new UCAN JWT.
func Build(opts BuildOptions) (string, error) {
	now := time.Now().UTC()
	exp := now.Add(opts.Lifetime)

	builder := jwt.NewBuilder().
		Issuer(string(opts.Issuer.DID())).
		Audience([]string{string(opts.Audience)}).
		IssuedAt(now).
		Expiration(exp)

	if !opts.NotBefore.IsZero() {
		builder = builder.NotBefore(opts.NotBefore)
	}

	attenuations := make([]map[string]interface{}, 0, len(opts.Attenuations))
	for _, a := range opts.Attenuations {
		entry := map[string]interface{}{
			"capability": map[string]interface{}{
				"resource": a.Capability.Resource,
				"ability":  string(a.Capability.Ability),
			},
		}
		if len(a.Caveat) > 0 {
			entry["caveat"] = map[string]interface{}(a.Caveat)
		}
		attenuations = append(attenuations, entry)
	}
	builder = builder.Claim(claimAttenuations, attenuations)
	if len(opts.Proofs) > 0 {
		builder = builder.Claim(claimProofs, opts.Proofs)
	}
	if len(opts.Facts) > 0 {
		builder = builder.Claim(claimFacts, opts.Facts)
	}

	tok, err := builder.Build()
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "build ucan")
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.EdDSA, opts.Issuer.Private))
	if err != nil {
		return "", errs.Wrap(errs.Internal, err, "sign ucan")
	}
	return string(signed), nil
}

// Parse decodes raw without verifying its signature, so a chain can be
// inspected (issuer/audience/proof linkage) before the signing keys of
// every link have been resolved.
func Parse(raw string) (*Token, error) {
	tok, err := jwt.Parse([]byte(raw), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return nil, errs.Wrap(errs.Validation, err, "parse ucan")
	}
	return fromJWT(raw, tok)
}

// VerifySignature checks raw's signature against the issuer's
// DID-resolved ed25519 key, and that standard claims (exp/nbf) are
// satisfied as of now. It does not check capability semantics or
// revocation — see VerifyChain for the full UCAN chain validation.
func VerifySignature(raw string, now time.Time) (*Token, error) {
	unverified, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	pub, err := did.ParsePublicKey(unverified.Issuer)
	if err != nil {
		return nil, errs.Wrap(errs.Authorization, err, "resolve ucan issuer key")
	}

	tok, err := jwt.Parse([]byte(raw), jwt.WithKey(jwa.EdDSA, pub), jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })))
	if err != nil {
		return nil, errs.Wrap(errs.Authorization, err, "verify ucan signature")
	}
	return fromJWT(raw, tok)
}

func fromJWT(raw string, tok jwt.Token) (*Token, error) {
	t := &Token{
		Raw:       raw,
		Issuer:    did.DID(tok.Issuer()),
		Expiration: tok.Expiration(),
		NotBefore: tok.NotBefore(),
		Facts:     map[string]interface{}{},
	}
	if aud := tok.Audience(); len(aud) > 0 {
		t.Audience = did.DID(aud[0])
	}

	if raw, ok := tok.Get(claimAttenuations); ok {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, errs.New(errs.Validation, "ucan: malformed attenuations claim")
		}
		for _, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			capRaw, _ := m["capability"].(map[string]interface{})
			a := Attenuation{
				Capability: Capability{
					Resource: stringField(capRaw, "resource"),
					Ability:  Ability(stringField(capRaw, "ability")),
				},
			}
			if caveatRaw, ok := m["caveat"].(map[string]interface{}); ok {
				a.Caveat = Caveat(caveatRaw)
			}
			t.Attenuations = append(t.Attenuations, a)
		}
	}

	if raw, ok := tok.Get(claimProofs); ok {
		if list, ok := raw.([]interface{}); ok {
			for _, p := range list {
				if s, ok := p.(string); ok {
					t.Proofs = append(t.Proofs, s)
				}
			}
		}
	}

	if raw, ok := tok.Get(claimFacts); ok {
		if m, ok := raw.(map[string]interface{}); ok {
			t.Facts = m
		}
	}

	return t, nil
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// JWTCid returns the content-addressed CID of a UCAN's raw JWT bytes,
// the identifier used to reference it as a `proof` header or as a
// revocation key (spec §3).
func JWTCid(raw string) (cid.Cid, error) {
	return block.Sum(block.CodecRaw, block.HashBlake3, []byte(raw))
}

// PutToken stores raw as an opaque block, keyed by JWTCid(raw).
func PutToken(ctx context.Context, store block.Store, raw string) (cid.Cid, error) {
	c, err := JWTCid(raw)
	if err != nil {
		return cid.Undef, err
	}
	if err := store.Put(ctx, c, []byte(raw)); err != nil {
		return cid.Undef, err
	}
	return c, nil
}

// GetToken loads the raw UCAN JWT stored at c.
func GetToken(ctx context.Context, store block.Store, c cid.Cid) (string, error) {
	data, ok, err := store.Get(ctx, c)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errs.Newf(errs.MissingBlock, "ucan block %s not found", c)
	}
	return string(data), nil
}

// StoreProofLoader adapts a block.Store into the loadProof function
// VerifyChain and its callers expect: a UCAN's "prf" claim holds the
// CID of its parent proof's own JWTCid-addressed block, so resolving a
// proof is just parsing ref as a CID and loading it with GetToken.
func StoreProofLoader(store block.Store) func(ctx context.Context, ref string) (string, error) {
	return func(ctx context.Context, ref string) (string, error) {
		c, err := cid.Decode(ref)
		if err != nil {
			return "", errs.Wrap(errs.Validation, err, "decode proof reference")
		}
		return GetToken(ctx, store, c)
	}
}
