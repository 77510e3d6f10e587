package replication

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
	"github.com/ipfs/go-cid"

	"github.com/subconscious-network/noosphere/core/errs"
)

// FetchBlockClosure requests a gateway's `/replicate/<cid>?since=<cid>`
// route and returns the parsed CAR stream, unifying the call site the
// Sync Protocol client and the Graph Walker both need (spec §4.11).
// The returned frame/error channels behave like ReadCAR's; the caller
// is responsible for closing the underlying response body once the
// frame channel is drained (resp.Body.Close, deferred by the caller).
func FetchBlockClosure(ctx context.Context, httpClient *http.Client, gatewayURL string, root cid.Cid, since *cid.Cid) (*http.Response, []cid.Cid, <-chan Frame, <-chan error, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	url := fmt.Sprintf("%s/replicate/%s", gatewayURL, root.String())
	if since != nil {
		url += "?since=" + since.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, nil, nil, errs.Wrap(errs.Internal, err, "build replicate request")
	}
	req.Header.Set("Accept-Encoding", "br")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, nil, nil, errs.Wrap(errs.Network, err, "fetch block closure")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, nil, nil, nil, errs.Newf(errs.Network, "replicate %s: unexpected status %d", url, resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "br" {
		body = brotli.NewReader(resp.Body)
	}

	roots, frames, errc := ReadCAR(body)
	return resp, roots, frames, errc, nil
}
