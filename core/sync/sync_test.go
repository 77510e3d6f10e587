package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"github.com/subconscious-network/noosphere/core/authority"
	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/did"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/replication"
	"github.com/subconscious-network/noosphere/core/revision"
)

func noProof(ctx context.Context, ref string) (string, error) {
	return "", errs.Newf(errs.MissingHistory, "no proof available for %s", ref)
}

// newTestGateway bootstraps a Gateway over a fresh store and wraps its
// three routes in an httptest.Server that mirrors the Client's header
// and query-param wire contract, so Client.Sync can be exercised
// end-to-end without the HTTP transport package.
func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	ctx := context.Background()
	store := block.NewMemoryStore()

	gatewayKey, err := did.Generate()
	require.NoError(t, err)
	directoryKey, err := did.Generate()
	require.NoError(t, err)

	gw, err := Open(ctx, store, gatewayKey, directoryKey, noProof, nil, "")
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/identify", func(w http.ResponseWriter, r *http.Request) {
		sphereDID := did.DID(r.URL.Query().Get("sphere"))
		caller := bearerToken(r)
		resp, err := gw.Identify(r.Context(), sphereDID, caller)
		if err != nil {
			writeError(w, err)
			return
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/fetch", func(w http.ResponseWriter, r *http.Request) {
		sphereDID := did.DID(r.URL.Query().Get("sphere"))
		caller := bearerToken(r)
		var since *cid.Cid
		if s := r.URL.Query().Get("since"); s != "" {
			c, err := cid.Decode(s)
			require.NoError(t, err)
			since = &c
		}
		localBase, latest, frames, errc, err := gw.Fetch(r.Context(), sphereDID, caller, since)
		if err != nil {
			writeError(w, err)
			return
		}
		if frames == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if localBase != nil {
			w.Header().Set("X-Noosphere-Local-Base", localBase.String())
		}
		w.WriteHeader(http.StatusOK)
		require.NoError(t, replication.WriteCAR(w, []cid.Cid{latest}, frames))
		require.NoError(t, <-errc)
	})
	mux.HandleFunc("/push", func(w http.ResponseWriter, r *http.Request) {
		caller := bearerToken(r)

		roots, rawFrames, errc := replication.ReadCAR(r.Body)
		require.Len(t, roots, 1, "push car stream must name exactly one root")
		rootCid := roots[0]

		var bodyBytes []byte
		frames := make(chan replication.Frame)
		go func() {
			defer close(frames)
			for f := range rawFrames {
				if bodyBytes == nil && f.Cid.Equals(rootCid) {
					bodyBytes = f.Data
					continue
				}
				frames <- f
			}
		}()

		body, err := DecodePushBody(bodyBytes)
		require.NoError(t, err)

		resp, respFrames, err := gw.Accept(r.Context(), caller, *body, frames)
		require.NoError(t, <-errc, "car decode error surfaces only after Accept drains the frame stream")
		if err != nil {
			writeError(w, err)
			return
		}

		respCid, respBytes, err := EncodePushResponse(resp)
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
		out := replication.PrependFrame(replication.Frame{Cid: respCid, Data: respBytes}, respFrames)
		require.NoError(t, replication.WriteCAR(w, []cid.Cid{respCid}, out))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return gw, srv
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return auth
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.Conflict:
		status = http.StatusConflict
	case errs.Authorization:
		status = http.StatusForbidden
	case errs.Validation:
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

func TestFirstPushIsAccepted(t *testing.T) {
	ctx := context.Background()
	gw, srv := newTestGateway(t)

	sphereStore := block.NewMemoryStore()
	sphereKey, err := did.Generate()
	require.NoError(t, err)
	ownerKey, err := did.Generate()
	require.NoError(t, err)
	genesis, ownerUCAN, err := revision.Genesis(ctx, sphereStore, sphereKey, ownerKey.DID(), time.Hour)
	require.NoError(t, err)

	client := NewClient(sphereStore, srv.URL, sphereKey.DID(), ownerKey, ownerUCAN, noProof, nil)

	newTip, err := client.Sync(ctx, sphereKey.DID(), genesis.Cid)
	require.NoError(t, err)
	require.Equal(t, genesis.Cid, newTip)

	tip, err := gw.directoryTip(ctx, string(sphereKey.DID()))
	require.NoError(t, err)
	require.NotNil(t, tip)
	require.Equal(t, genesis.Cid, *tip)
}

func TestSecondPushWithStaleCounterpartTipConflicts(t *testing.T) {
	ctx := context.Background()
	gw, srv := newTestGateway(t)

	sphereStore := block.NewMemoryStore()
	sphereKey, err := did.Generate()
	require.NoError(t, err)
	ownerKey, err := did.Generate()
	require.NoError(t, err)
	genesis, ownerUCAN, err := revision.Genesis(ctx, sphereStore, sphereKey, ownerKey.DID(), time.Hour)
	require.NoError(t, err)

	client := NewClient(sphereStore, srv.URL, sphereKey.DID(), ownerKey, ownerUCAN, noProof, nil)
	_, err = client.Sync(ctx, sphereKey.DID(), genesis.Cid)
	require.NoError(t, err)

	// Directly call Accept with a stale counterpart tip, bypassing the
	// client's cached counterpartTip bookkeeping.
	bodyCid, err := block.Sum(block.CodecRaw, block.HashBlake3, []byte("new content"))
	require.NoError(t, err)
	require.NoError(t, sphereStore.Put(ctx, bodyCid, []byte("new content")))
	mutation := revision.New(ownerKey.DID())
	require.NoError(t, mutation.WriteContent("a", bodyCid))
	rev, err := revision.Apply(ctx, sphereStore, genesis.Cid, mutation, nil)
	require.NoError(t, err)
	newTip, err := revision.Sign(ctx, sphereStore, rev, ownerKey, sphereKey.DID(), ownerUCAN, noProof, nil)
	require.NoError(t, err)

	frames, _ := replication.BodyStream(ctx, sphereStore, newTip)
	push := PushBody{
		Sphere:         string(sphereKey.DID()),
		LocalBase:      &genesis.Cid,
		LocalTip:       newTip,
		CounterpartTip: nil, // stale: gateway already has a tip from the first push
	}
	_, _, err = gw.Accept(ctx, ownerUCAN, push, frames)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Conflict))
}

func TestFetchReportsNoKnownBaseWhenSphereNeverPushed(t *testing.T) {
	ctx := context.Background()
	gw, _ := newTestGateway(t)

	sphereKey, err := did.Generate()
	require.NoError(t, err)
	ownerKey, err := did.Generate()
	require.NoError(t, err)
	_, ownerUCAN, err := revision.Genesis(ctx, block.NewMemoryStore(), sphereKey, ownerKey.DID(), time.Hour)
	require.NoError(t, err)

	localBase, _, frames, errc, err := gw.Fetch(ctx, sphereKey.DID(), ownerUCAN, nil)
	require.NoError(t, err)
	require.Nil(t, localBase, "gateway has never accepted a push for this sphere")

	for range frames {
	}
	require.NoError(t, <-errc)
}
