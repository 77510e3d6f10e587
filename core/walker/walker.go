// Package walker implements the Graph Walker (spec §4.10): resolving a
// petname path into a read-only Sphere Context on the sphere it names,
// replicating whatever portion of the peer's history is missing along
// the way.
package walker

import (
	"context"
	"net/http"
	"time"

	"github.com/ipfs/go-cid"
	"golang.org/x/sync/errgroup"

	"github.com/subconscious-network/noosphere/core/authority"
	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/did"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/memo"
	"github.com/subconscious-network/noosphere/core/replication"
	"github.com/subconscious-network/noosphere/core/sphere"
)

// InactivityTimeout bounds how long a single replicate call (the direct
// peer attempt and any gateway fallback together) may run before the
// walker gives up on the advertised tip and falls back to whatever it
// already has locally (spec §4.10). It limits the call as a whole, not
// the gap between blocks: a stream that is still delivering blocks is
// aborted once the call runs past it.
const InactivityTimeout = 5 * time.Second

// GatewayFor resolves the gateway base URL a peer DID's blocks can be
// replicated from. Callers typically derive this from the same
// address-book entry the Walker already consulted, or from a fixed
// well-known gateway.
type GatewayFor func(ctx context.Context, peerDID did.DID) (string, error)

// PeerAddrFor resolves a peer DID's own dialable libp2p multiaddr, if
// one is known, for replicating directly from the peer rather than
// through its gateway's HTTP surface.
type PeerAddrFor func(ctx context.Context, peerDID did.DID) (addr string, ok bool, err error)

// Walker traverses petname paths across sphere boundaries, replicating
// peer history as needed. When PeerTransport and PeerAddrFor are both
// set and a peer's multiaddr is known, replication goes directly to
// the peer over libp2p; otherwise it falls back to the gateway's
// /replicate HTTP route.
type Walker struct {
	Store         block.Store
	HTTPClient    *http.Client
	GatewayFor    GatewayFor
	PeerTransport *PeerTransport
	PeerAddrFor   PeerAddrFor
	LoadProof     func(ctx context.Context, ref string) (string, error)
	Revocations   authority.RevocationChecker
}

// New wires a Walker against store, resolving each hop's gateway with
// gatewayFor.
func New(store block.Store, gatewayFor GatewayFor, loadProof func(context.Context, string) (string, error), revocations authority.RevocationChecker) *Walker {
	return &Walker{
		Store:       store,
		HTTPClient:  http.DefaultClient,
		GatewayFor:  gatewayFor,
		LoadProof:   loadProof,
		Revocations: revocations,
	}
}

// Traverse resolves path, one petname per path segment, starting from
// root. It returns (nil, nil) if any segment along the way has no
// matching petname (spec §4.10 step 5), rather than an error.
func (w *Walker) Traverse(ctx context.Context, root *sphere.Context, path []string) (*sphere.Context, error) {
	current := root
	for _, name := range path {
		next, found, err := w.hop(ctx, current, name)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		current = next
	}
	if current == root {
		return nil, nil
	}
	return current, nil
}

// hop performs one petname resolution: look up name in current's
// address book, replicate whatever of the peer's history is missing,
// and mount a read-only Context at the best tip available.
func (w *Walker) hop(ctx context.Context, current *sphere.Context, name string) (*sphere.Context, bool, error) {
	identity, ok, err := current.GetPetname(ctx, name)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	peerDID := did.DID(identity.DID)

	advertisedTip, haveAdvertised, err := w.advertisedTip(ctx, identity)
	if err != nil {
		return nil, false, err
	}

	localTip, haveLocal, err := w.Store.GetVersion(ctx, string(peerDID))
	if err != nil {
		return nil, false, err
	}

	tip := localTip
	haveTip := haveLocal
	if haveAdvertised && (!haveLocal || !advertisedTip.Equals(localTip)) {
		switch err := w.replicate(ctx, peerDID, advertisedTip, localTipPtr(haveLocal, localTip)); {
		case err == nil:
			tip = advertisedTip
			haveTip = true
			if err := w.Store.SetVersion(ctx, string(peerDID), tip); err != nil {
				return nil, false, err
			}
		case haveLocal:
			// Replication of the advertised tip failed, but we already
			// know an older tip for this peer — surface that rather
			// than failing the whole traversal (spec §4.10 fallback).
			tip = localTip
			haveTip = true
		default:
			return nil, false, err
		}
	}

	if !haveTip {
		return nil, false, errs.Newf(errs.MissingHistory, "no known or replicable history for peer %s", peerDID)
	}

	peerCtx, err := sphere.OpenReadOnly(ctx, w.Store, peerDID)
	if err != nil {
		return nil, false, err
	}
	return peerCtx, true, nil
}

// Request is one path to resolve against a starting Context, for
// TraverseMany.
type Request struct {
	Root *sphere.Context
	Path []string
}

// TraverseMany resolves several independent petname paths concurrently,
// one goroutine per request, each replicating whatever peer history it
// needs without waiting on the others (spec §4.10's traversal fan-out
// when a caller needs more than one path at once). The returned slice
// is index-aligned with requests; an unmatched path yields a nil entry
// at that index, not an error.
func (w *Walker) TraverseMany(ctx context.Context, requests []Request) ([]*sphere.Context, error) {
	results := make([]*sphere.Context, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			resolved, err := w.Traverse(gctx, req.Root, req.Path)
			if err != nil {
				return err
			}
			results[i] = resolved
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func localTipPtr(have bool, tip cid.Cid) *cid.Cid {
	if !have {
		return nil
	}
	return &tip
}

// advertisedTip reads the link fact out of identity's cached link
// record, if any. Its signature is not re-verified here — the record
// was already verified by the Name System Adapter's supersession rule
// when it was written into the address book.
func (w *Walker) advertisedTip(ctx context.Context, identity *memo.Identity) (cid.Cid, bool, error) {
	if identity.LinkRecord == nil {
		return cid.Undef, false, nil
	}
	raw, err := authority.GetToken(ctx, w.Store, identity.LinkRecord.Cid)
	if err != nil {
		return cid.Undef, false, err
	}
	tok, err := authority.Parse(raw)
	if err != nil {
		return cid.Undef, false, err
	}
	link, ok := tok.LinkFact()
	if !ok {
		return cid.Undef, false, nil
	}
	return link, true, nil
}

// replicate fetches the block closure for [since, tip] from peerDID
// and hydrates it into the local store: directly from the peer over
// libp2p when a multiaddr is known, otherwise through its gateway's
// HTTP /replicate route.
func (w *Walker) replicate(ctx context.Context, peerDID did.DID, tip cid.Cid, since *cid.Cid) error {
	reqCtx, cancel := context.WithTimeout(ctx, InactivityTimeout)
	defer cancel()

	if err := w.replicateFromPeer(reqCtx, peerDID, tip, since); err != nil {
		if err := w.replicateFromGateway(reqCtx, peerDID, tip, since); err != nil {
			return err
		}
	}

	if err := replication.HydrateRange(ctx, w.Store, tip, since); err != nil {
		return errs.Wrap(errs.Internal, err, "walker: hydrate replicated range")
	}
	return nil
}

// replicateFromPeer returns an errs.Internal error when direct peer
// replication isn't available for this Walker (no transport or address
// resolver) or for peerDID (no known multiaddr), so replicate falls
// through to the gateway.
func (w *Walker) replicateFromPeer(ctx context.Context, peerDID did.DID, tip cid.Cid, since *cid.Cid) error {
	if w.PeerTransport == nil || w.PeerAddrFor == nil {
		return errs.New(errs.Internal, "walker: no peer transport configured")
	}
	addr, ok, err := w.PeerAddrFor(ctx, peerDID)
	if err != nil || !ok {
		return errs.New(errs.Internal, "walker: no known multiaddr for peer")
	}
	return w.PeerTransport.Replicate(ctx, addr, w.Store, tip, since)
}

func (w *Walker) replicateFromGateway(ctx context.Context, peerDID did.DID, tip cid.Cid, since *cid.Cid) error {
	gatewayURL, err := w.GatewayFor(ctx, peerDID)
	if err != nil {
		return err
	}

	resp, _, frames, errc, err := replication.FetchBlockClosure(ctx, w.HTTPClient, gatewayURL, tip, since)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := replication.Consume(ctx, w.Store, frames); err != nil {
		return errs.Wrap(errs.Network, err, "walker: consume replicated closure")
	}
	if err := <-errc; err != nil {
		return errs.Wrap(errs.Network, err, "walker: read replicated closure")
	}
	return nil
}
