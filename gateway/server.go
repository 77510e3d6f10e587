// Package gateway implements the HTTP transport for a Noosphere gateway:
// route wiring, request logging, per-caller rate limiting, and
// Prometheus metrics over core/sync.Gateway, core/ns.Adapter, and
// core/replication's CAR framing.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/ipfs/go-cid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/subconscious-network/noosphere/core/did"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/ns"
	"github.com/subconscious-network/noosphere/core/replication"
	"github.com/subconscious-network/noosphere/core/sync"
	"github.com/subconscious-network/noosphere/internal/logging"
)

// Server binds a core/sync.Gateway and an optional core/ns.Adapter to
// the gateway's HTTP surface (spec §4.8, §4.9 NEW: on-demand channel).
type Server struct {
	Gateway *sync.Gateway
	Names   *ns.Adapter // may be nil; /resolve answers 503 if so
	Logger  *logging.Logger
	Metrics *Metrics

	limiter *callerLimiter
}

// New wires a Server. rateLimitBurst is internal_config.Config's
// RateLimitBurst, the per-caller-DID /push and /replicate admission
// bound.
func New(gw *sync.Gateway, names *ns.Adapter, logger *logging.Logger, metrics *Metrics, rateLimitBurst int) (*Server, error) {
	limiter, err := newCallerLimiter(rateLimitBurst, metrics)
	if err != nil {
		return nil, err
	}
	return &Server{Gateway: gw, Names: names, Logger: logger, Metrics: metrics, limiter: limiter}, nil
}

// Router builds the gateway's mux.Router (spec §6): /did, /identify,
// /fetch, /push, /replicate/{cid}, /resolve, /metrics.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger(s.Logger))

	r.HandleFunc("/did", s.handleDid).Methods(http.MethodGet)
	r.HandleFunc("/identify", s.handleIdentify).Methods(http.MethodGet)
	r.HandleFunc("/fetch", s.handleFetch).Methods(http.MethodGet)
	r.HandleFunc("/resolve", s.handleResolve).Methods(http.MethodGet)

	r.Handle("/push", s.limiter.middleware("push")(http.HandlerFunc(s.handlePush))).Methods(http.MethodPut)
	r.Handle("/replicate/{cid}", s.limiter.middleware("replicate")(http.HandlerFunc(s.handleReplicate))).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

func (s *Server) handleDid(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"did": string(s.Gateway.Did())})
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	sphereDID := did.DID(r.URL.Query().Get("sphere"))
	resp, err := s.Gateway.Identify(r.Context(), sphereDID, bearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	sphereDID := did.DID(r.URL.Query().Get("sphere"))
	since, err := parseOptionalCid(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, errs.Wrap(errs.Validation, err, "fetch: parse since"))
		return
	}

	localBase, latest, frames, errc, err := s.Gateway.Fetch(r.Context(), sphereDID, bearerToken(r), since)
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
	w.Header().Set("Content-Type", "application/vnd.ipld.car")
	w.WriteHeader(http.StatusOK)
	if err := replication.WriteCAR(w, []cid.Cid{latest}, frames); err != nil {
		s.Logger.Warn("fetch: write car failed", logging.Err(err))
		return
	}
	if err := <-errc; err != nil {
		s.Logger.Warn("fetch: stream history failed", logging.Err(err))
	}
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	roots, rawFrames, errc := replication.ReadCAR(r.Body)
	if len(roots) != 1 {
		for range rawFrames {
		}
		<-errc
		writeError(w, errs.Newf(errs.Validation, "push: request car stream declared %d roots, want 1", len(roots)))
		return
	}
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

	resp, respFrames, err := s.acceptPush(r.Context(), bearerToken(r), bodyBytes, frames)
	if decodeErr := <-errc; decodeErr != nil && err == nil {
		err = errs.Wrap(errs.Validation, decodeErr, "push: decode car stream")
	}
	if err != nil {
		s.Metrics.PushRejected.WithLabelValues(string(errs.KindOf(err))).Inc()
		writeError(w, err)
		return
	}
	s.Metrics.PushAccepted.Inc()

	respCid, respBytes, err := sync.EncodePushResponse(resp)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.ipld.car")
	w.WriteHeader(http.StatusOK)
	out := replication.PrependFrame(replication.Frame{Cid: respCid, Data: respBytes}, respFrames)
	if err := replication.WriteCAR(w, []cid.Cid{respCid}, out); err != nil {
		s.Logger.Warn("push: write response car failed", logging.Err(err))
	}
}

// acceptPush decodes the request CAR stream's PushBody root block and
// forwards it to the gateway, so the CAR framing concern stays entirely
// in this handler.
func (s *Server) acceptPush(ctx context.Context, callerRaw string, bodyBytes []byte, frames <-chan replication.Frame) (*sync.PushResponse, <-chan replication.Frame, error) {
	if bodyBytes == nil {
		for range frames {
		}
		return nil, nil, errs.New(errs.Validation, "push: request car stream missing root block")
	}
	body, err := sync.DecodePushBody(bodyBytes)
	if err != nil {
		for range frames {
		}
		return nil, nil, err
	}
	return s.Gateway.Accept(ctx, callerRaw, *body, frames)
}

func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	root, err := cid.Decode(mux.Vars(r)["cid"])
	if err != nil {
		writeError(w, errs.Wrap(errs.Validation, err, "replicate: parse cid"))
		return
	}
	since, err := parseOptionalCid(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, errs.Wrap(errs.Validation, err, "replicate: parse since"))
		return
	}

	frames, errc, err := s.Gateway.Replicate(r.Context(), root, since)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.ipld.car")
	w.WriteHeader(http.StatusOK)
	counting := &countingWriter{w: w}
	if err := replication.WriteCAR(counting, []cid.Cid{root}, frames); err != nil {
		s.Logger.Warn("replicate: write car failed", logging.Err(err))
		return
	}
	s.Metrics.ReplicateBytes.Add(float64(counting.n))
	if err := <-errc; err != nil {
		s.Logger.Warn("replicate: stream history failed", logging.Err(err))
	}
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if s.Names == nil {
		http.Error(w, "name system adapter not configured", http.StatusServiceUnavailable)
		return
	}
	caller := did.DID(callerDID(r))
	peer := did.DID(r.URL.Query().Get("peer"))
	start := time.Now()
	record, ok, err := s.Names.ResolveOnDemand(r.Context(), caller, peer)
	s.Metrics.ResolveLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"record": record})
}

func parseOptionalCid(s string) (*cid.Cid, error) {
	if s == "" {
		return nil, nil
	}
	c, err := cid.Decode(s)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type countingWriter struct {
	w http.ResponseWriter
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}
