package sync

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/subconscious-network/noosphere/core/authority"
	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/did"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/hamt"
	"github.com/subconscious-network/noosphere/core/ipld"
	"github.com/subconscious-network/noosphere/core/memo"
	"github.com/subconscious-network/noosphere/core/replication"
	"github.com/subconscious-network/noosphere/core/revision"
)

// Gateway is the server-side half of the Sync Protocol: it owns a
// self-administered "directory" sphere whose content map records,
// per hosted sphere DID, the latest tip that sphere has successfully
// pushed. Fetch and Push both read and write through this directory.
type Gateway struct {
	Store         block.Store
	GatewayKey    *did.KeyPair
	DirectoryKey  *did.KeyPair
	LoadProof     func(ctx context.Context, ref string) (string, error)
	Revocations   authority.RevocationChecker
	NamePublisher NamePublisher // may be nil; Accept skips publish if so

	// directoryOwnerUCAN is the self-issued authorize capability used to
	// sign every directory revision (see Open).
	directoryOwnerUCAN string
}

// Open loads an existing directory sphere tip or bootstraps a new one
// self-owned by directoryKey. existingOwnerUCAN must carry the raw
// authorize token minted the last time this directory was bootstrapped
// when reattaching to a store that already has one; it is ignored (and
// a fresh one minted) when no directory tip exists yet.
func Open(ctx context.Context, store block.Store, gatewayKey, directoryKey *did.KeyPair, loadProof func(context.Context, string) (string, error), revocations authority.RevocationChecker, existingOwnerUCAN string) (*Gateway, error) {
	g := &Gateway{Store: store, GatewayKey: gatewayKey, DirectoryKey: directoryKey, LoadProof: loadProof, Revocations: revocations}

	_, ok, err := store.GetVersion(ctx, string(directoryKey.DID()))
	if err != nil {
		return nil, err
	}
	if ok {
		if existingOwnerUCAN == "" {
			return nil, errs.New(errs.Validation, "open: directory sphere already exists, existingOwnerUCAN required")
		}
		g.directoryOwnerUCAN = existingOwnerUCAN
		return g, nil
	}

	_, ownerUCAN, err := revision.Genesis(ctx, store, directoryKey, directoryKey.DID(), 100*365*24*time.Hour)
	if err != nil {
		return nil, err
	}
	g.directoryOwnerUCAN = ownerUCAN
	return g, nil
}

// Did returns the gateway's own handshake identity (GET /did).
func (g *Gateway) Did() did.DID { return g.GatewayKey.DID() }

// DirectoryOwnerUCAN returns the self-issued authorize capability Open
// minted or was given, so a caller can persist it and pass it back as
// existingOwnerUCAN on the next Open against the same store.
func (g *Gateway) DirectoryOwnerUCAN() string { return g.directoryOwnerUCAN }

// Identify answers GET /identify (spec §4.8 step 1), after confirming
// callerRaw enables fetch on sphereDID.
func (g *Gateway) Identify(ctx context.Context, sphereDID did.DID, callerRaw string) (*IdentifyResponse, error) {
	if err := g.requireAbility(ctx, callerRaw, sphereDID, authority.AbilityFetch); err != nil {
		return nil, err
	}
	return &IdentifyResponse{
		GatewayIdentity:     string(g.GatewayKey.DID()),
		SphereIdentity:      string(sphereDID),
		CounterpartIdentity: string(g.DirectoryKey.DID()),
	}, nil
}

func (g *Gateway) requireAbility(ctx context.Context, callerRaw string, sphereDID did.DID, required authority.Ability) error {
	_, reduced, err := authority.VerifyChain(ctx, callerRaw, time.Now(), g.LoadProof, g.Revocations)
	if err != nil {
		return err
	}
	want := authority.Capability{Resource: authority.SphereResource(string(sphereDID)), Ability: required}
	for _, rc := range reduced {
		if rc.Capability.Enables(want) {
			return nil
		}
	}
	return errs.Newf(errs.Authorization, "caller does not hold %s on %s", required, sphereDID)
}

// directoryTip returns the current tip recorded for sphereDID in the
// gateway's directory content map, or nil if never pushed.
func (g *Gateway) directoryTip(ctx context.Context, sphereDID string) (*cid.Cid, error) {
	tip, ok, err := g.Store.GetVersion(ctx, string(g.DirectoryKey.DID()))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	m, err := memo.GetMemo(ctx, g.Store, tip)
	if err != nil {
		return nil, err
	}
	body, err := memo.GetSphereBody(ctx, g.Store, m.Body.Cid)
	if err != nil {
		return nil, err
	}
	if body.ContentRoot == nil {
		return nil, nil
	}
	entries, err := hamt.Load[ipld.Link](ctx, g.Store, hamt.DefaultConfig(), body.ContentRoot.Cid)
	if err != nil {
		return nil, err
	}
	link, ok, err := entries.Get(ctx, g.Store, sphereDID)
	if err != nil || !ok {
		return nil, err
	}
	c := link.Cid
	return &c, nil
}

// Fetch answers GET /fetch?since=<cid> for sphereDID (spec §4.8 step
// 2): the directory sphere's own history since the caller's last
// known directory tip, plus the directory's current record of
// sphereDID's own tip (the client's "local base" as known to the
// gateway).
func (g *Gateway) Fetch(ctx context.Context, sphereDID did.DID, callerRaw string, since *cid.Cid) (knownLocalBase *cid.Cid, latest cid.Cid, frames <-chan replication.Frame, errc <-chan error, err error) {
	if err := g.requireAbility(ctx, callerRaw, sphereDID, authority.AbilityFetch); err != nil {
		return nil, cid.Undef, nil, nil, err
	}
	localBase, err := g.directoryTip(ctx, string(sphereDID))
	if err != nil {
		return nil, cid.Undef, nil, nil, err
	}
	tip, ok, err := g.Store.GetVersion(ctx, string(g.DirectoryKey.DID()))
	if err != nil {
		return nil, cid.Undef, nil, nil, err
	}
	if !ok {
		return localBase, cid.Undef, nil, nil, nil
	}
	frames, errc = replication.HistoryStream(ctx, g.Store, tip, since)
	return localBase, tip, frames, errc, nil
}

// Accept handles PUT /push (spec §4.8 gateway-side): validates the
// pusher's authority, hydrates the pushed history, checks
// counterpart-tip optimistic concurrency, records the sphere's new
// tip in the directory, and optionally publishes a name record.
func (g *Gateway) Accept(ctx context.Context, callerRaw string, body PushBody, pushed <-chan replication.Frame) (*PushResponse, <-chan replication.Frame, error) {
	sphereDID := did.DID(body.Sphere)
	if err := g.requireAbility(ctx, callerRaw, sphereDID, authority.AbilityPush); err != nil {
		return nil, nil, errs.Wrap(errs.Authorization, err, "push rejected")
	}

	if err := replication.Consume(ctx, g.Store, pushed); err != nil {
		return nil, nil, errs.Wrap(errs.Internal, err, "push: consume blocks")
	}
	if err := replication.HydrateRange(ctx, g.Store, body.LocalTip, body.LocalBase); err != nil {
		return nil, nil, errs.Wrap(errs.Internal, err, "push: hydrate pushed range")
	}
	if _, err := memo.GetMemo(ctx, g.Store, body.LocalTip); err != nil {
		return nil, nil, errs.Wrap(errs.Validation, err, "push: local_tip not present after consuming stream")
	}

	tip, ok, err := g.Store.GetVersion(ctx, string(g.DirectoryKey.DID()))
	if err != nil {
		return nil, nil, err
	}
	if ok {
		if body.CounterpartTip == nil || !body.CounterpartTip.Equals(tip) {
			return nil, nil, errs.Newf(errs.Conflict, "push: counterpart tip mismatch, gateway has %s", tip)
		}
	} else if body.CounterpartTip != nil {
		return nil, nil, errs.New(errs.Conflict, "push: counterpart tip mismatch, gateway has no directory yet")
	}

	currentTip, err := g.directoryTip(ctx, body.Sphere)
	if err != nil {
		return nil, nil, err
	}
	if currentTip != nil && currentTip.Equals(body.LocalTip) {
		noFrames := make(chan replication.Frame)
		close(noFrames)
		return &PushResponse{Kind: PushResponseNoChange}, noFrames, nil
	}

	mutation := revision.New(g.DirectoryKey.DID())
	if err := mutation.WriteContent(body.Sphere, body.LocalTip); err != nil {
		return nil, nil, err
	}
	rev, err := revision.Apply(ctx, g.Store, tip, mutation, nil)
	if err != nil {
		return nil, nil, err
	}
	newDirectoryTip, err := revision.Sign(ctx, g.Store, rev, g.DirectoryKey, g.DirectoryKey.DID(), g.directoryOwnerUCAN, g.LoadProof, g.Revocations)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Internal, err, "push: sign directory revision")
	}

	if body.NameRecord != nil && g.NamePublisher != nil {
		if err := g.NamePublisher.Publish(ctx, *body.NameRecord); err != nil {
			return nil, nil, errs.Wrap(errs.Internal, err, "push: publish name record")
		}
	}

	resp := &PushResponse{Kind: PushResponseAccepted, NewTip: &newDirectoryTip}
	frames, _ := replication.HistoryStream(ctx, g.Store, newDirectoryTip, &tip)
	return resp, frames, nil
}

// Replicate answers GET /replicate/<cid>?since=<cid> (spec §4.11): the
// block closure for [since, root] out of this gateway's own store,
// regardless of which hosted sphere root belongs to. It is the route
// the Graph Walker's gateway fallback targets (the Sync Protocol client
// uses /fetch and /push instead), and it carries no per-sphere
// authorization check of its own — root is itself a content hash, and
// a caller with no legitimate path to it has nothing to ask for.
func (g *Gateway) Replicate(ctx context.Context, root cid.Cid, since *cid.Cid) (<-chan replication.Frame, <-chan error, error) {
	if _, err := memo.GetMemo(ctx, g.Store, root); err != nil {
		return nil, nil, errs.Wrap(errs.Validation, err, "replicate: unknown root")
	}
	frames, errc := replication.HistoryStream(ctx, g.Store, root, since)
	return frames, errc, nil
}

