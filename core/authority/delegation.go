package authority

// Delegation is a registered UCAN, keyed in authority.allowed by the
// CID of its raw JWT (spec §3's "Delegation"). Name labels the
// delegation for display and lookup — the sphere's self-authorization
// to its own owner is always registered under OwnerDelegationName.
type Delegation struct {
	Name string `cbor:"name"`
	JWT  string `cbor:"jwt"`
}

// OwnerDelegationName is the well-known label for the delegation a
// sphere grants itself to its initial owner at genesis.
const OwnerDelegationName = "(OWNER)"

// Revocation is a signed statement keyed in authority.revoked by the
// CID of the delegation's raw JWT that it revokes (spec §3's
// "Revocation"). Statement is the raw signed revoking UCAN itself: an
// "authorize" capability over the same resource, carrying a "revokes"
// fact naming the delegation's JWT CID.
type Revocation struct {
	Statement string `cbor:"statement"`
}

// FactRevokes is the UCAN fact name carrying the JWT CID (as a
// string) of the delegation a revocation statement revokes.
const FactRevokes = "revokes"

// JWTCidString is a convenience wrapping JWTCid for callers that only
// need the string form used as a HAMT key.
func JWTCidString(raw string) (string, error) {
	c, err := JWTCid(raw)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}
