package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/subconscious-network/noosphere/core/did"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/revision"
	"github.com/subconscious-network/noosphere/core/sync"
	"github.com/subconscious-network/noosphere/internal/logging"

	"github.com/subconscious-network/noosphere/core/block"
)

func noProof(ctx context.Context, ref string) (string, error) {
	return "", errs.Newf(errs.MissingHistory, "no proof available for %s", ref)
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, *sync.Gateway) {
	t.Helper()
	ctx := context.Background()
	store := block.NewMemoryStore()

	gatewayKey, err := did.Generate()
	require.NoError(t, err)
	directoryKey, err := did.Generate()
	require.NoError(t, err)

	gw, err := sync.Open(ctx, store, gatewayKey, directoryKey, noProof, nil, "")
	require.NoError(t, err)

	logger := logging.New(logging.Error, "gateway-test")
	metrics := NewMetrics(prometheus.NewRegistry())
	srv, err := New(gw, nil, logger, metrics, 1000)
	require.NoError(t, err)

	httpSrv := httptest.NewServer(srv.Router())
	t.Cleanup(httpSrv.Close)
	return srv, httpSrv, gw
}

func TestHandleDidReturnsGatewayIdentity(t *testing.T) {
	_, httpSrv, gw := newTestServer(t)

	resp, err := http.Get(httpSrv.URL + "/did")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, string(gw.Did()), body["did"])
}

func TestSyncClientRoundTripsThroughRealRouter(t *testing.T) {
	ctx := context.Background()
	_, httpSrv, _ := newTestServer(t)

	sphereStore := block.NewMemoryStore()
	sphereKey, err := did.Generate()
	require.NoError(t, err)
	ownerKey, err := did.Generate()
	require.NoError(t, err)
	genesis, ownerUCAN, err := revision.Genesis(ctx, sphereStore, sphereKey, ownerKey.DID(), time.Hour)
	require.NoError(t, err)

	client := sync.NewClient(sphereStore, httpSrv.URL, sphereKey.DID(), ownerKey, ownerUCAN, noProof, nil)
	newTip, err := client.Sync(ctx, sphereKey.DID(), genesis.Cid)
	require.NoError(t, err)
	require.Equal(t, genesis.Cid, newTip)
}

func TestHandleReplicateServesArbitraryRoot(t *testing.T) {
	ctx := context.Background()
	_, httpSrv, gw := newTestServer(t)

	sphereKey, err := did.Generate()
	require.NoError(t, err)
	ownerKey, err := did.Generate()
	require.NoError(t, err)
	genesis, _, err := revision.Genesis(ctx, gw.Store, sphereKey, ownerKey.DID(), time.Hour)
	require.NoError(t, err)

	resp, err := http.Get(httpSrv.URL + "/replicate/" + genesis.Cid.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandlePushRejectsEmptyCarStream(t *testing.T) {
	_, httpSrv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, httpSrv.URL+"/push", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleResolveReturns503WithoutNamesAdapter(t *testing.T) {
	_, httpSrv, _ := newTestServer(t)

	resp, err := http.Get(httpSrv.URL + "/resolve?peer=did:key:nobody")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRateLimiterRejectsBeyondBurst(t *testing.T) {
	ctx := context.Background()
	store := block.NewMemoryStore()
	gatewayKey, err := did.Generate()
	require.NoError(t, err)
	directoryKey, err := did.Generate()
	require.NoError(t, err)
	gw, err := sync.Open(ctx, store, gatewayKey, directoryKey, noProof, nil, "")
	require.NoError(t, err)

	logger := logging.New(logging.Error, "gateway-test")
	metrics := NewMetrics(prometheus.NewRegistry())
	srv, err := New(gw, nil, logger, metrics, 1)
	require.NoError(t, err)
	httpSrv := httptest.NewServer(srv.Router())
	t.Cleanup(httpSrv.Close)

	sphereKey, err := did.Generate()
	require.NoError(t, err)
	ownerKey, err := did.Generate()
	require.NoError(t, err)
	genesis, _, err := revision.Genesis(ctx, store, sphereKey, ownerKey.DID(), time.Hour)
	require.NoError(t, err)

	url := httpSrv.URL + "/replicate/" + genesis.Cid.String()
	first, err := http.Get(url)
	require.NoError(t, err)
	first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	second, err := http.Get(url)
	require.NoError(t, err)
	defer second.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}
