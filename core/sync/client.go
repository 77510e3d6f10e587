package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/sony/gobreaker"

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

// Client is the sphere-side half of the Sync Protocol (spec §4.8): it
// satisfies sphere.SyncClient structurally so a *sphere.Context can
// drive it without core/sphere importing core/sync.
type Client struct {
	Store         block.Store
	HTTPClient    *http.Client
	GatewayURL    string
	SphereDID     did.DID
	AuthorKey     *did.KeyPair
	Authorization string
	LoadProof     func(ctx context.Context, ref string) (string, error)
	Revocations   authority.RevocationChecker

	// counterpartTip is the last directory tip this client observed
	// for its own sphere; nil until the first successful round trip.
	counterpartTip *cid.Cid

	// pendingFetchBody holds the response body backing the most recent
	// fetch's frame stream, closed once sync has fully drained it.
	pendingFetchBody io.Closer

	breaker *gobreaker.CircuitBreaker
}

// NewClient wires a Client with a default circuit breaker tripping
// after 5 consecutive failed Sync round trips, whatever the error kind
// (spec §4.8's retry guidance).
func NewClient(store block.Store, gatewayURL string, sphereDID did.DID, authorKey *did.KeyPair, authorization string, loadProof func(context.Context, string) (string, error), revocations authority.RevocationChecker) *Client {
	c := &Client{
		Store:         store,
		HTTPClient:    http.DefaultClient,
		GatewayURL:    gatewayURL,
		SphereDID:     sphereDID,
		AuthorKey:     authorKey,
		Authorization: authorization,
		LoadProof:     loadProof,
		Revocations:   revocations,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "noosphere-sync-client",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 5 },
	})
	return c
}

// Sync implements sphere.SyncClient: identify, fetch the gateway's
// directory history since our last known counterpart tip, rebase our
// unpublished local history onto the gateway's recorded base if it
// diverged, then push. Returns the (possibly rebased) new local tip.
func (c *Client) Sync(ctx context.Context, sphereDID did.DID, localTip cid.Cid) (cid.Cid, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.sync(ctx, sphereDID, localTip)
	})
	if err != nil {
		if _, ok := err.(*errs.Error); ok {
			return cid.Undef, err
		}
		return cid.Undef, errs.Wrap(errs.Network, err, "sync")
	}
	return result.(cid.Cid), nil
}

func (c *Client) sync(ctx context.Context, sphereDID did.DID, localTip cid.Cid) (cid.Cid, error) {
	ident, err := c.identify(ctx, sphereDID)
	if err != nil {
		return cid.Undef, err
	}
	_ = ident

	previousCounterpartTip := c.counterpartTip

	knownBase, gatewayDirTip, frames, errc, err := c.fetch(ctx, sphereDID)
	if err != nil {
		return cid.Undef, err
	}
	if frames != nil {
		consumeErr := replication.Consume(ctx, c.Store, frames)
		readErr := <-errc
		if c.pendingFetchBody != nil {
			c.pendingFetchBody.Close()
			c.pendingFetchBody = nil
		}
		if consumeErr != nil {
			return cid.Undef, errs.Wrap(errs.Internal, consumeErr, "sync: consume directory history")
		}
		if readErr != nil {
			return cid.Undef, errs.Wrap(errs.Internal, readErr, "sync: read directory history")
		}
	}
	if gatewayDirTip.Defined() {
		c.counterpartTip = &gatewayDirTip
	}

	finalTip := localTip
	if knownBase != nil && !knownBase.Equals(localTip) {
		rebased, err := c.rebaseOnto(ctx, localTip, *knownBase)
		if err != nil {
			return cid.Undef, err
		}
		finalTip = rebased
	}

	if gatewayDirTip.Defined() {
		updatedNames, err := collectUpdatedNames(ctx, c.Store, gatewayDirTip, previousCounterpartTip)
		if err != nil {
			return cid.Undef, errs.Wrap(errs.Internal, err, "sync: collect updated names")
		}
		adopted, err := c.adoptNames(ctx, finalTip, updatedNames)
		if err != nil {
			return cid.Undef, err
		}
		finalTip = adopted
	}

	if knownBase != nil && knownBase.Equals(finalTip) {
		return finalTip, nil
	}

	resp, err := c.push(ctx, sphereDID, knownBase, finalTip)
	if err != nil {
		return cid.Undef, err
	}
	if resp.Kind == PushResponseAccepted && resp.NewTip != nil {
		c.counterpartTip = resp.NewTip
	}
	return finalTip, nil
}

// collectUpdatedNames walks the counterpart directory's history newly
// received since the last sync and collects the latest Identity record
// added under each petname (sync step 4, spec §4.8), grounded on
// _examples/original_source/rust/noosphere-sphere/src/sync/strategy.rs's
// fetch_remote_changes. Entries are visited newest-first, so the first
// occurrence of a name wins.
func collectUpdatedNames(ctx context.Context, store block.Store, latest cid.Cid, since *cid.Cid) (map[string]memo.Identity, error) {
	entries, errc := revision.Timeline(ctx, store, latest, since)
	updated := map[string]memo.Identity{}
	for e := range entries {
		ref, ok := e.Memo.Get("names-changelog")
		if !ok {
			continue
		}
		clCid, err := cid.Decode(ref)
		if err != nil {
			return nil, errs.Wrap(errs.Validation, err, "decode names changelog header")
		}
		cl, err := hamt.GetChangelog(ctx, store, clCid)
		if err != nil {
			return nil, err
		}
		for _, op := range cl.Ops {
			if op.Kind != hamt.OpAdd {
				continue
			}
			if _, exists := updated[op.Key]; exists {
				continue
			}
			var id memo.Identity
			if err := ipld.Unmarshal(op.Value, &id); err != nil {
				return nil, errs.Wrap(errs.Validation, err, "decode names changelog op value")
			}
			updated[op.Key] = id
		}
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return updated, nil
}

// adoptNames implements sync step 4 (spec §4.8's record adoption
// rule): for each updated Identity, a locally assigned petname under
// the same peer DID whose cached link record differs is rewritten to
// the new one, staged as a single local revision
// (_examples/original_source/rust/noosphere-sphere/src/sync/strategy.rs's
// adopt_names).
func (c *Client) adoptNames(ctx context.Context, tip cid.Cid, updated map[string]memo.Identity) (cid.Cid, error) {
	if len(updated) == 0 {
		return tip, nil
	}

	mutation := revision.New(c.SphereDID)
	for name, identity := range updated {
		current, ok, err := c.lookupPetname(ctx, tip, name)
		if err != nil {
			return cid.Undef, err
		}
		if !ok || current.DID != identity.DID {
			continue
		}
		if linkRecordEqual(current.LinkRecord, identity.LinkRecord) {
			continue
		}
		if err := mutation.SetPetname(name, identity); err != nil {
			return cid.Undef, err
		}
	}
	if mutation.IsEmpty() {
		return tip, nil
	}

	rev, err := revision.Apply(ctx, c.Store, tip, mutation, nil)
	if err != nil {
		return cid.Undef, err
	}
	newTip, err := revision.Sign(ctx, c.Store, rev, c.AuthorKey, c.SphereDID, c.Authorization, c.LoadProof, c.Revocations)
	if err != nil {
		return cid.Undef, errs.Wrap(errs.Internal, err, "sync: sign adopted names revision")
	}
	return newTip, nil
}

// lookupPetname reads the Identity currently recorded for name in the
// sphere body at tip, mirroring core/sphere/petname.go's lookupPetname
// without requiring a *sphere.Context (core/sync must not import
// core/sphere; see sphere.SyncClient).
func (c *Client) lookupPetname(ctx context.Context, tip cid.Cid, name string) (memo.Identity, bool, error) {
	m, err := memo.GetMemo(ctx, c.Store, tip)
	if err != nil {
		return memo.Identity{}, false, err
	}
	body, err := memo.GetSphereBody(ctx, c.Store, m.Body.Cid)
	if err != nil {
		return memo.Identity{}, false, err
	}
	if body.AddressBook == nil {
		return memo.Identity{}, false, nil
	}
	entries, err := hamt.Load[memo.Identity](ctx, c.Store, hamt.DefaultConfig(), body.AddressBook.Cid)
	if err != nil {
		return memo.Identity{}, false, err
	}
	return entries.Get(ctx, c.Store, name)
}

// linkRecordEqual reports whether two optional link records name the
// same block.
func linkRecordEqual(a, b *ipld.Link) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cid.Equals(b.Cid)
}

// identify performs GET /identify.
func (c *Client) identify(ctx context.Context, sphereDID did.DID) (*IdentifyResponse, error) {
	url := fmt.Sprintf("%s/identify?sphere=%s", c.GatewayURL, sphereDID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "identify: build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.Authorization)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.Network, err, "identify")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Newf(errs.Network, "identify: unexpected status %d", resp.StatusCode)
	}
	var ident IdentifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&ident); err != nil {
		return nil, errs.Wrap(errs.Network, err, "identify: decode response")
	}
	return &ident, nil
}

// fetch performs GET /fetch?sphere=<did>&since=<counterpartTip>,
// returning the directory's recorded base tip for our sphere (if any)
// and its own current tip alongside the CAR frame stream.
func (c *Client) fetch(ctx context.Context, sphereDID did.DID) (*cid.Cid, cid.Cid, <-chan replication.Frame, <-chan error, error) {
	url := fmt.Sprintf("%s/fetch?sphere=%s", c.GatewayURL, sphereDID)
	if c.counterpartTip != nil {
		url += "&since=" + c.counterpartTip.String()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, cid.Undef, nil, nil, errs.Wrap(errs.Internal, err, "fetch: build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.Authorization)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, cid.Undef, nil, nil, errs.Wrap(errs.Network, err, "fetch")
	}
	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil, cid.Undef, nil, nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, cid.Undef, nil, nil, errs.Newf(errs.Network, "fetch: unexpected status %d", resp.StatusCode)
	}

	localBaseHeader := resp.Header.Get("X-Noosphere-Local-Base")
	var localBase *cid.Cid
	if localBaseHeader != "" {
		parsed, err := cid.Decode(localBaseHeader)
		if err != nil {
			resp.Body.Close()
			return nil, cid.Undef, nil, nil, errs.Wrap(errs.Network, err, "fetch: parse X-Noosphere-Local-Base")
		}
		localBase = &parsed
	}

	roots, frames, errc := replication.ReadCAR(resp.Body)
	c.pendingFetchBody = resp.Body
	var dirTip cid.Cid
	if len(roots) > 0 {
		dirTip = roots[0]
	}
	return localBase, dirTip, frames, errc, nil
}

// rebaseOnto replays the mutations between knownBase and localTip onto
// whatever the gateway considers the sphere's authoritative base,
// re-signing each intermediate revision with this client's author key.
func (c *Client) rebaseOnto(ctx context.Context, localTip, knownBase cid.Cid) (cid.Cid, error) {
	rev, err := revision.Rebase(ctx, c.Store, localTip, knownBase)
	if err != nil {
		return cid.Undef, err
	}
	newTip, err := revision.Sign(ctx, c.Store, rev, c.AuthorKey, c.SphereDID, c.Authorization, c.LoadProof, c.Revocations)
	if err != nil {
		return cid.Undef, errs.Wrap(errs.Internal, err, "sync: sign rebased revision")
	}
	return newTip, nil
}

// push performs PUT /push with a CAR stream whose root is the new
// PushBody block, followed by the history closure for [localBase,
// localTip] (spec §4.8 step 5, §6). The response is CAR-framed the
// same way: a PushResponse root block followed by the gateway's new
// counterpart history closure, which push consumes into the local
// store before returning.
func (c *Client) push(ctx context.Context, sphereDID did.DID, localBase *cid.Cid, localTip cid.Cid) (*PushResponse, error) {
	body := &PushBody{
		Sphere:         string(sphereDID),
		LocalBase:      localBase,
		LocalTip:       localTip,
		CounterpartTip: c.counterpartTip,
	}
	rootCid, rootBytes, err := EncodePushBody(body)
	if err != nil {
		return nil, err
	}

	history, errc := replication.HistoryStream(ctx, c.Store, localTip, localBase)
	frames := replication.PrependFrame(replication.Frame{Cid: rootCid, Data: rootBytes}, history)

	var buf bytes.Buffer
	if err := replication.WriteCAR(&buf, []cid.Cid{rootCid}, frames); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "push: encode car")
	}
	if err := <-errc; err != nil {
		return nil, errs.Wrap(errs.Internal, err, "push: stream history")
	}

	url := fmt.Sprintf("%s/push", c.GatewayURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, &buf)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "push: build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.Authorization)
	req.Header.Set("Content-Type", "application/vnd.ipld.car")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.Network, err, "push")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return c.decodePushResponse(ctx, resp.Body)
	case http.StatusConflict:
		return nil, errs.New(errs.Conflict, "push: gateway rejected stale counterpart tip")
	default:
		return nil, errs.Newf(errs.Network, "push: unexpected status %d", resp.StatusCode)
	}
}

// decodePushResponse reads a push response's CAR stream: decodes its
// PushResponse root block and consumes the gateway's new counterpart
// history closure that follows it into the local store.
func (c *Client) decodePushResponse(ctx context.Context, r io.Reader) (*PushResponse, error) {
	roots, frames, errc := replication.ReadCAR(r)
	if len(roots) != 1 {
		for range frames {
		}
		<-errc
		return nil, errs.Newf(errs.Network, "push: response car stream declared %d roots, want 1", len(roots))
	}
	rootCid := roots[0]

	var rootBytes []byte
	closure := make(chan replication.Frame)
	go func() {
		defer close(closure)
		for f := range frames {
			if rootBytes == nil && f.Cid.Equals(rootCid) {
				rootBytes = f.Data
				continue
			}
			closure <- f
		}
	}()

	if err := replication.Consume(ctx, c.Store, closure); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "push: consume counterpart history")
	}
	if err := <-errc; err != nil {
		return nil, errs.Wrap(errs.Internal, err, "push: read response car stream")
	}
	if rootBytes == nil {
		return nil, errs.New(errs.Network, "push: response car stream missing root block")
	}
	return DecodePushResponse(rootBytes)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}
