package sphere

import (
	"context"
	"strings"

	"github.com/subconscious-network/noosphere/core/authority"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/hamt"
	"github.com/subconscious-network/noosphere/core/ipld"
	"github.com/subconscious-network/noosphere/core/memo"
)

// validPetname applies the same character rules as validSlug; a
// petname additionally may not resolve to the sphere's own identity,
// checked by SetPetname against the target DID rather than the name.
func validPetname(name string) error {
	if name == "" {
		return errs.New(errs.Validation, "petname must not be empty")
	}
	if strings.ContainsAny(name, "/\\") {
		return errs.Newf(errs.Validation, "petname %q must not contain path separators", name)
	}
	return nil
}

// SetPetname stages name's assignment to targetDID. A nil targetDID
// stages removal of the petname entirely.
func (c *Context) SetPetname(ctx context.Context, name string, targetDID *string) error {
	if err := validPetname(name); err != nil {
		return err
	}
	if targetDID != nil && *targetDID == string(c.sphereDID) {
		return errs.Newf(errs.Validation, "petname %q must not resolve to this sphere's own identity", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireWrite(); err != nil {
		return err
	}

	if targetDID == nil {
		c.mutation().RemovePetname(name)
		return nil
	}
	return c.mutation().SetPetname(name, memo.Identity{DID: *targetDID})
}

// SetPetnameRecord attaches a newly resolved link record (a raw,
// signed UCAN carrying a "link" fact, spec §3) to an already-assigned
// petname. It errors if name has no assignment yet.
func (c *Context) SetPetnameRecord(ctx context.Context, name, linkRecordRaw string) error {
	if err := validPetname(name); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireWrite(); err != nil {
		return err
	}

	identity, ok, err := c.lookupPetname(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Newf(errs.Validation, "petname %q has no assignment to attach a link record to", name)
	}

	recordCid, err := authority.PutToken(ctx, c.store, linkRecordRaw)
	if err != nil {
		return err
	}
	link := ipld.NewLink(recordCid)
	identity.LinkRecord = &link

	return c.mutation().SetPetname(name, identity)
}

// GetPetname returns the committed address-book entry for name.
func (c *Context) GetPetname(ctx context.Context, name string) (*memo.Identity, bool, error) {
	identity, ok, err := c.lookupPetname(ctx, name)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &identity, true, nil
}

// ListPetnames returns every name currently assigned in the address
// book, in no particular order.
func (c *Context) ListPetnames(ctx context.Context) ([]string, error) {
	body, err := c.tipBody(ctx)
	if err != nil {
		return nil, err
	}
	if body.AddressBook == nil {
		return nil, nil
	}
	m, err := hamt.Load[memo.Identity](ctx, c.store, hamt.DefaultConfig(), body.AddressBook.Cid)
	if err != nil {
		return nil, err
	}
	entries, errc := m.Stream(ctx, c.store, hamt.StreamOptions{})
	var names []string
	for e := range entries {
		names = append(names, e.Key)
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return names, nil
}

func (c *Context) lookupPetname(ctx context.Context, name string) (memo.Identity, bool, error) {
	body, err := c.tipBody(ctx)
	if err != nil {
		return memo.Identity{}, false, err
	}
	if body.AddressBook == nil {
		return memo.Identity{}, false, nil
	}
	m, err := hamt.Load[memo.Identity](ctx, c.store, hamt.DefaultConfig(), body.AddressBook.Cid)
	if err != nil {
		return memo.Identity{}, false, err
	}
	return m.Get(ctx, c.store, name)
}
