package ns

import (
	"context"
	"sync"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/subconscious-network/noosphere/core/authority"
	"github.com/subconscious-network/noosphere/core/did"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/sphere"
)

// PublishInterval is how often the adapter republishes each managed
// sphere's cached link record (spec §4.9), independent of expiry.
const PublishInterval = 5 * time.Minute

// ResolveInterval is how often the adapter re-resolves every petname
// known to a managed sphere's address book (spec §4.9).
const ResolveInterval = 60 * time.Second

// maxExpiredRepublishCycles bounds how many periodic-publish cycles an
// already-expired cached record is re-sent for (~30 minutes at
// PublishInterval) before the adapter gives up on it until a fresher
// record is minted locally. Republishing expired records at all is
// intentional (spec §4.9: a partitioned peer should keep refreshing
// whatever it last knew), but doing so forever would keep a stale
// identity alive in the resolver indefinitely.
const maxExpiredRepublishCycles = 6

// managed is one sphere the adapter publishes and resolves on behalf
// of.
type managed struct {
	ctx *sphere.Context
	key *did.KeyPair

	mu                  sync.Mutex
	cachedSelf          string // our own last-published link record, raw UCAN
	expiredRepublishRun int    // consecutive cycles cachedSelf has been republished past its own exp
}

// Adapter is the Name System Adapter (spec §4.9): it runs a periodic
// publisher and periodic resolver per managed sphere, and services
// on-demand petname resolution requests, all against a single
// Resolver backend.
type Adapter struct {
	resolver    Resolver
	loadProof   func(context.Context, string) (string, error)
	revocations authority.RevocationChecker

	group *singleflight.Group

	limiterMu sync.Mutex
	limiter   *limiter.TokenBucket

	mu      sync.Mutex
	spheres map[did.DID]*managed
}

// NewAdapter wires an Adapter with an on-demand rate limit of rate
// requests per window per caller DID, matching the mesh gossip
// resolver's own token-bucket convention.
func NewAdapter(resolver Resolver, loadProof func(context.Context, string) (string, error), revocations authority.RevocationChecker, rate int64, window time.Duration) (*Adapter, error) {
	bucket, err := limiter.NewTokenBucket(limiter.Config{
		Rate:     rate,
		Duration: window,
		Burst:    rate,
	}, store.NewMemoryStore(time.Minute))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "ns: build rate limiter")
	}
	return &Adapter{
		resolver:    resolver,
		loadProof:   loadProof,
		revocations: revocations,
		group:       &singleflight.Group{},
		limiter:     bucket,
		spheres:     make(map[did.DID]*managed),
	}, nil
}

// Manage registers sphereCtx for periodic publishing and resolving.
// key signs the sphere's self-published link records; it need not be
// the same key the sphere context itself writes with, though usually
// is.
func (a *Adapter) Manage(sphereCtx *sphere.Context, key *did.KeyPair) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.spheres[sphereCtx.SphereDID()] = &managed{ctx: sphereCtx, key: key}
}

// Unmanage stops publishing/resolving on behalf of sphereDID.
func (a *Adapter) Unmanage(sphereDID did.DID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.spheres, sphereDID)
}

// Publish implements core/sync.NamePublisher: it republishes record
// immediately for whichever managed sphere issued it, outside the
// periodic cadence (used right after a push advances a sphere's tip).
func (a *Adapter) Publish(ctx context.Context, record string) error {
	return a.resolver.Publish(ctx, a.issuerOf(record), record)
}

func (a *Adapter) issuerOf(record string) did.DID {
	tok, err := authority.VerifySignature(record, time.Now())
	if err != nil {
		return ""
	}
	return tok.Issuer
}

// Run drives the periodic publisher and periodic resolver until ctx is
// canceled, then returns nil. On-demand resolution (ResolveOnDemand) is
// served inline by callers and does not go through Run. Errors from a
// single tick are discarded by runPeriodic and never end Run. A zero
// publishInterval or resolveInterval falls back to this package's
// own default cadence.
func (a *Adapter) Run(ctx context.Context, publishInterval, resolveInterval time.Duration) error {
	if publishInterval <= 0 {
		publishInterval = PublishInterval
	}
	if resolveInterval <= 0 {
		resolveInterval = ResolveInterval
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runPeriodic(ctx, publishInterval, a.publishAll) })
	g.Go(func() error { return a.runPeriodic(ctx, resolveInterval, a.resolveAll) })
	return g.Wait()
}

// runPeriodic ticks task every interval until ctx is canceled. A
// failure resolving or publishing one sphere must not stop the whole
// adapter, so task errors are discarded here rather than propagated:
// the next tick simply tries again.
func (a *Adapter) runPeriodic(ctx context.Context, interval time.Duration, task func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = task(ctx)
		}
	}
}

func (a *Adapter) managedSpheres() []*managed {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*managed, 0, len(a.spheres))
	for _, m := range a.spheres {
		out = append(out, m)
	}
	return out
}

// publishAll republishes the cached self-link record for every managed
// sphere, minting a fresh one first if the sphere's tip has moved
// since the last publish.
func (a *Adapter) publishAll(ctx context.Context) error {
	for _, m := range a.managedSpheres() {
		_ = a.publishOne(ctx, m)
	}
	return nil
}

// publishOne republishes m's cached self-link record unchanged if it
// already points at the sphere's current tip, even past its own exp
// (spec §4.9 deliberately bypasses the expiry gate here) — except once
// that staleness has run maxExpiredRepublishCycles in a row, at which
// point it gives up until a fresher record exists. Parse (not
// VerifySignature) is used to read the cached record's claims, since
// VerifySignature would itself reject an expired token.
func (a *Adapter) publishOne(ctx context.Context, m *managed) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tip := m.ctx.Tip()
	needsMint := true
	expired := false
	if m.cachedSelf != "" {
		if tok, err := authority.Parse(m.cachedSelf); err == nil {
			if link, ok := tok.LinkFact(); ok && link.Equals(tip) {
				needsMint = false
				expired = !tok.Expiration.IsZero() && time.Now().After(tok.Expiration)
			}
		}
	}

	if expired {
		if m.expiredRepublishRun >= maxExpiredRepublishCycles {
			return nil
		}
		m.expiredRepublishRun++
	} else {
		m.expiredRepublishRun = 0
	}

	if needsMint {
		record, err := MintSelfLinkRecord(m.key, tip, 7*24*time.Hour)
		if err != nil {
			return err
		}
		m.cachedSelf = record
	}
	return a.resolver.Publish(ctx, m.ctx.SphereDID(), m.cachedSelf)
}

// resolveAll re-resolves every petname known to each managed sphere's
// address book, adopting any record that supersedes what's cached.
func (a *Adapter) resolveAll(ctx context.Context) error {
	for _, m := range a.managedSpheres() {
		names, err := m.ctx.ListPetnames(ctx)
		if err != nil {
			continue
		}
		for _, name := range names {
			_ = a.resolvePetname(ctx, m, name)
		}
	}
	return nil
}

func (a *Adapter) resolvePetname(ctx context.Context, m *managed, name string) error {
	identity, ok, err := m.ctx.GetPetname(ctx, name)
	if err != nil || !ok {
		return err
	}
	peerDID := did.DID(identity.DID)

	candidate, found, err := a.resolver.Resolve(ctx, peerDID)
	if err != nil || !found {
		return err
	}

	var cachedRaw string
	if identity.LinkRecord != nil {
		raw, err := authority.GetToken(ctx, m.ctx.Store(), identity.LinkRecord.Cid)
		if err == nil {
			cachedRaw = raw
		}
	}

	supersedes, _, err := Adopt(ctx, a.loadProof, a.revocations, peerDID, cachedRaw, candidate)
	if err != nil || !supersedes {
		return nil
	}
	if err := m.ctx.SetPetnameRecord(ctx, name, candidate); err != nil {
		return err
	}
	_, err = m.ctx.Save(ctx)
	return err
}

// ResolveOnDemand runs an immediate resolution for peerDID on the
// caller's goroutine and blocks until the resolver responds or ctx is
// canceled. Duplicate
// concurrent requests for the same DID are coalesced.
func (a *Adapter) ResolveOnDemand(ctx context.Context, caller did.DID, peerDID did.DID) (string, bool, error) {
	if !a.allow(caller) {
		return "", false, errs.New(errs.Validation, "ns: on-demand resolve rate limit exceeded")
	}

	type result struct {
		raw string
		ok  bool
	}
	v, err, _ := a.group.Do(string(peerDID), func() (interface{}, error) {
		raw, ok, err := a.resolver.Resolve(ctx, peerDID)
		return result{raw: raw, ok: ok}, err
	})
	if err != nil {
		return "", false, err
	}
	r := v.(result)
	return r.raw, r.ok, nil
}

// RepublishAttempts reports how many consecutive publish cycles
// sphereDID's cached self-link record has been republished past its
// own expiration, for observability against maxExpiredRepublishCycles.
// It returns 0 for an unmanaged sphere or one whose cached record is
// still current.
func (a *Adapter) RepublishAttempts(sphereDID did.DID) int {
	a.mu.Lock()
	m, ok := a.spheres[sphereDID]
	a.mu.Unlock()
	if !ok {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiredRepublishRun
}

func (a *Adapter) allow(caller did.DID) bool {
	a.limiterMu.Lock()
	defer a.limiterMu.Unlock()
	return a.limiter.Allow(string(caller))
}
