// Package revision implements the mutation-to-memo pipeline that
// turns pending sphere edits into signed, content-addressed history:
// apply, sign, rebase, and hydrate (spec §4.5).
package revision

import (
	"github.com/ipfs/go-cid"

	"github.com/subconscious-network/noosphere/core/authority"
	"github.com/subconscious-network/noosphere/core/did"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/ipld"
	"github.com/subconscious-network/noosphere/core/memo"

	"github.com/subconscious-network/noosphere/core/hamt"
)

// Mutation is an in-memory accumulator, keyed by author DID, of
// pending add/remove operations against each of a sphere's four
// versioned maps (spec §4.5). Each submap's pending ops are kept in
// the exact shape core/hamt replays (hamt.Op), so a Mutation doubles
// as the changelog Apply derives at hydrate/rebase time.
type Mutation struct {
	Author did.DID

	Content hamtOps // slug -> memo CID
	Names   hamtOps // petname -> memo.Identity
	Allowed hamtOps // jwt cid -> authority.Delegation
	Revoked hamtOps // jwt cid -> authority.Revocation
}

type hamtOps struct {
	Ops []hamt.Op
}

func (h *hamtOps) add(key string, value interface{}) error {
	encoded, err := ipld.Marshal(value)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "encode mutation value")
	}
	h.Ops = append(h.Ops, hamt.Op{Kind: hamt.OpAdd, Key: key, Value: encoded})
	return nil
}

func (h *hamtOps) remove(key string) {
	h.Ops = append(h.Ops, hamt.Op{Kind: hamt.OpRemove, Key: key})
}

func (h hamtOps) isEmpty() bool { return len(h.Ops) == 0 }

// New creates an empty mutation attributed to author.
func New(author did.DID) *Mutation {
	return &Mutation{Author: author}
}

// WriteContent stages slug -> bodyCid in the content map.
func (m *Mutation) WriteContent(slug string, bodyCid cid.Cid) error {
	return m.Content.add(slug, ipld.NewLink(bodyCid))
}

// RemoveContent stages slug's removal from the content map.
func (m *Mutation) RemoveContent(slug string) { m.Content.remove(slug) }

// SetPetname stages name -> id in the address book.
func (m *Mutation) SetPetname(name string, id memo.Identity) error {
	return m.Names.add(name, id)
}

// RemovePetname stages name's removal from the address book.
func (m *Mutation) RemovePetname(name string) { m.Names.remove(name) }

// Allow stages a new delegation, keyed by its JWT CID string.
func (m *Mutation) Allow(jwtCidKey string, d authority.Delegation) error {
	return m.Allowed.add(jwtCidKey, d)
}

// DisallowRaw stages the removal of a delegation by its JWT CID string.
func (m *Mutation) DisallowRaw(jwtCidKey string) { m.Allowed.remove(jwtCidKey) }

// Revoke stages a new revocation, keyed by the JWT CID string of the
// delegation it revokes.
func (m *Mutation) Revoke(jwtCidKey string, r authority.Revocation) error {
	return m.Revoked.add(jwtCidKey, r)
}

// IsEmpty reports whether no submap has any pending operation.
func (m *Mutation) IsEmpty() bool {
	return m.Content.isEmpty() && m.Names.isEmpty() && m.Allowed.isEmpty() && m.Revoked.isEmpty()
}

// RequiredAbility returns the most powerful ability this mutation
// requires of its author's authorization (spec §4.5 sign step 1):
// authority changes need authorize, everything else needs push.
func (m *Mutation) RequiredAbility() authority.Ability {
	if !m.Allowed.isEmpty() || !m.Revoked.isEmpty() {
		return authority.AbilityAuthorize
	}
	return authority.AbilityPush
}
