// Package sphere implements the Sphere Context: a process-scoped
// handle binding a sphere's identity, an author's credentials, and a
// shared block store to the content, petname, authority, and sync
// operations a caller performs against one sphere (spec §4.6).
package sphere

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/subconscious-network/noosphere/core/authority"
	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/did"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/hamt"
	"github.com/subconscious-network/noosphere/core/ipld"
	"github.com/subconscious-network/noosphere/core/memo"
	"github.com/subconscious-network/noosphere/core/revision"
)

// AccessLevel reports what a Context's authorization chain allows.
type AccessLevel int

const (
	AccessReadOnly AccessLevel = iota
	AccessReadWrite
)

// LoadProof resolves a UCAN proof reference (a JWT CID string) to the
// raw JWT it names, for authority.VerifyChain.
type LoadProof func(ctx context.Context, ref string) (string, error)

// SyncClient is the capability Context.Sync delegates to; core/sync
// supplies the concrete client/gateway implementation. Kept as an
// interface here so core/sphere never imports core/sync.
type SyncClient interface {
	Sync(ctx context.Context, sphereDID did.DID, localTip cid.Cid) (cid.Cid, error)
}

// Context is a process-scoped handle over one sphere (spec §4.6): the
// sphere's DID, the author's key and authorization UCAN, a shared
// block store, a pending mutation, and a cached access level.
type Context struct {
	mu sync.Mutex

	store         block.Store
	sphereDID     did.DID
	authorDID     did.DID
	authorKey     *did.KeyPair
	authorization string
	loadProof     LoadProof
	revocations   authority.RevocationChecker
	syncClient    SyncClient

	tip     cid.Cid
	pending *revision.Mutation
	access  AccessLevel
}

// Open loads the current tip for sphereDID and binds an
// authorization-bearing author to it. access is computed by checking
// whether authorizationRaw's reduced capabilities enable push on the
// sphere resource as of now; authorize-capable authorizations are also
// read-write.
func Open(
	ctx context.Context,
	store block.Store,
	sphereDID did.DID,
	authorKey *did.KeyPair,
	authorizationRaw string,
	loadProof LoadProof,
	revocations authority.RevocationChecker,
) (*Context, error) {
	tip, ok, err := store.GetVersion(ctx, string(sphereDID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Newf(errs.MissingHistory, "sphere %s has no known tip", sphereDID)
	}

	c := &Context{
		store:         store,
		sphereDID:     sphereDID,
		authorDID:     authorKey.DID(),
		authorKey:     authorKey,
		authorization: authorizationRaw,
		loadProof:     loadProof,
		revocations:   revocations,
		tip:           tip,
	}
	c.access = c.computeAccessLevel(ctx)
	return c, nil
}

// OpenReadOnly mounts a Context at sphereDID's current tip with no
// author and no authorization, for visiting a peer sphere reached
// through petname traversal (spec §4.10 step 4): every mutating
// operation on the returned Context fails with errs.Authorization.
func OpenReadOnly(ctx context.Context, store block.Store, sphereDID did.DID) (*Context, error) {
	tip, ok, err := store.GetVersion(ctx, string(sphereDID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Newf(errs.MissingHistory, "sphere %s has no known tip", sphereDID)
	}
	return &Context{
		store:     store,
		sphereDID: sphereDID,
		tip:       tip,
		access:    AccessReadOnly,
	}, nil
}

func (c *Context) computeAccessLevel(ctx context.Context) AccessLevel {
	_, reduced, err := authority.VerifyChain(ctx, c.authorization, time.Now(), c.loadProof, c.revocations)
	if err != nil {
		return AccessReadOnly
	}
	resource := authority.SphereResource(string(c.sphereDID))
	for _, rc := range reduced {
		if rc.Capability.Resource != resource {
			continue
		}
		if rc.Capability.Ability.Dominates(authority.AbilityPush) {
			return AccessReadWrite
		}
	}
	return AccessReadOnly
}

// SphereDID returns the identity of the sphere this context is bound to.
func (c *Context) SphereDID() did.DID { return c.sphereDID }

// Store returns the block store this context reads and writes through,
// for callers (e.g. the Name System Adapter) that need to resolve a
// content-addressed reference the Context's own API doesn't expose
// directly, such as a petname's stored link-record UCAN.
func (c *Context) Store() block.Store { return c.store }

// Tip returns the last-saved or last-synced revision CID.
func (c *Context) Tip() cid.Cid {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tip
}

// AccessLevel reports whether this context's authorization grants push
// (or above) on its sphere.
func (c *Context) AccessLevel() AccessLevel { return c.access }

// SetSyncClient attaches the client Sync delegates to.
func (c *Context) SetSyncClient(client SyncClient) { c.syncClient = client }

func (c *Context) requireWrite() error {
	if c.access != AccessReadWrite {
		return errs.New(errs.Authorization, "sphere context is read-only")
	}
	return nil
}

func (c *Context) mutation() *revision.Mutation {
	if c.pending == nil {
		c.pending = revision.New(c.authorDID)
	}
	return c.pending
}

// validSlug reports whether slug is non-empty UTF-8 with no path
// separators and no did:-like prefix (spec §4.6).
func validSlug(slug string) error {
	if slug == "" {
		return errs.New(errs.Validation, "slug must not be empty")
	}
	if strings.ContainsAny(slug, "/\\") {
		return errs.Newf(errs.Validation, "slug %q must not contain path separators", slug)
	}
	if strings.HasPrefix(slug, "did:") {
		return errs.Newf(errs.Validation, "slug %q must not look like a DID", slug)
	}
	return nil
}

// Read loads the content memo and body bytes last written at slug.
func (c *Context) Read(ctx context.Context, slug string) (*memo.Memo, []byte, error) {
	if err := validSlug(slug); err != nil {
		return nil, nil, err
	}
	link, ok, err := c.lookupContent(ctx, slug)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, errs.Newf(errs.MissingBlock, "no content at slug %q", slug)
	}
	contentMemo, err := memo.GetMemo(ctx, c.store, link.Cid)
	if err != nil {
		return nil, nil, err
	}
	data, err := memo.ReadBody(ctx, c.store, contentMemo.Body.Cid)
	if err != nil {
		return nil, nil, err
	}
	return contentMemo, data, nil
}

// Write stages slug's new content. Nothing is durable until Save.
func (c *Context) Write(ctx context.Context, slug, contentType string, data []byte, additionalHeaders ...memo.Header) error {
	if err := validSlug(slug); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireWrite(); err != nil {
		return err
	}

	bodyCid, err := memo.WriteBody(ctx, c.store, data, 0)
	if err != nil {
		return err
	}

	contentMemo := &memo.Memo{Body: ipld.NewLink(bodyCid)}
	contentMemo.Set(memo.HeaderContentType, contentType)
	contentMemo.Set(memo.HeaderVersion, memo.ProtocolVersion)
	for _, h := range additionalHeaders {
		contentMemo.Set(h.Name, h.Value)
	}

	existing, ok, err := c.lookupContent(ctx, slug)
	if err != nil {
		return err
	}
	if ok {
		parentLink := ipld.NewLink(existing.Cid)
		contentMemo.Parent = &parentLink
	}

	contentMemoCid, err := memo.PutMemo(ctx, c.store, contentMemo)
	if err != nil {
		return err
	}

	return c.mutation().WriteContent(slug, contentMemoCid)
}

// Remove stages slug's removal.
func (c *Context) Remove(ctx context.Context, slug string) error {
	if err := validSlug(slug); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireWrite(); err != nil {
		return err
	}
	c.mutation().RemoveContent(slug)
	return nil
}

// lookupContent reads slug's current entry from the committed tip's
// content map; it does not see this context's own unsaved writes
// (spec §4.6: nothing is durable, and therefore visible, until Save
// succeeds — see DESIGN.md Open Question on read-your-writes).
func (c *Context) lookupContent(ctx context.Context, slug string) (ipld.Link, bool, error) {
	body, err := c.tipBody(ctx)
	if err != nil {
		return ipld.Link{}, false, err
	}
	if body.ContentRoot == nil {
		return ipld.Link{}, false, nil
	}
	m, err := hamt.Load[ipld.Link](ctx, c.store, hamt.DefaultConfig(), body.ContentRoot.Cid)
	if err != nil {
		return ipld.Link{}, false, err
	}
	return m.Get(ctx, c.store, slug)
}

func (c *Context) tipBody(ctx context.Context) (*memo.SphereBody, error) {
	m, err := memo.GetMemo(ctx, c.store, c.tip)
	if err != nil {
		return nil, err
	}
	return memo.GetSphereBody(ctx, c.store, m.Body.Cid)
}
