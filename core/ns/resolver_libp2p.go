package ns

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/subconscious-network/noosphere/core/did"
	"github.com/subconscious-network/noosphere/core/errs"
)

// ResolveProtocol is the libp2p stream protocol a LibP2PResolver speaks
// to ask a configured resolver peer to resolve or publish a subject's
// link record (spec §1: the Kademlia routing algorithm itself remains
// an external collaborator — this is only the request/response
// contract over a stream to whichever peer the operator has pointed
// NameResolverAddr at).
const ResolveProtocol = "/noosphere/resolve/1.0.0"

// LibP2PResolver implements Resolver by dialing a single well-known
// resolver peer over libp2p, and optionally also serves that same
// protocol against an in-memory registry so this process can act as
// the configured resolver for other nodes.
type LibP2PResolver struct {
	Host         libp2phost.Host
	ResolverAddr string

	mu      sync.Mutex
	records map[did.DID]string
}

// NewLibP2PResolver starts a libp2p host under a fresh ed25519 identity
// and configures it to dial resolverAddr (the operator's configured
// NameResolverAddr) for Resolve/Publish. If serve is true the host also
// answers ResolveProtocol requests from other peers against its own
// in-memory registry.
func NewLibP2PResolver(resolverAddr string, serve bool) (*LibP2PResolver, error) {
	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "ns: generate resolver identity")
	}
	host, err := libp2p.New(libp2p.Identity(priv))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "ns: start libp2p host")
	}
	r := &LibP2PResolver{Host: host, ResolverAddr: resolverAddr, records: make(map[did.DID]string)}
	if serve {
		r.serve()
	}
	return r, nil
}

// Addr returns this host's own dialable multiaddr, for operators who
// want to point other nodes' NameResolverAddr at this one.
func (r *LibP2PResolver) Addr() (string, bool) {
	addrs := r.Host.Addrs()
	if len(addrs) == 0 {
		return "", false
	}
	return addrs[0].String() + "/p2p/" + r.Host.ID().String(), true
}

// Close shuts down the underlying libp2p host.
func (r *LibP2PResolver) Close() error {
	return r.Host.Close()
}

func (r *LibP2PResolver) serve() {
	r.Host.SetStreamHandler(ResolveProtocol, func(s network.Stream) {
		defer s.Close()
		req, err := readResolveRequest(s)
		if err != nil {
			return
		}
		switch req.Kind {
		case resolveRequestResolve:
			r.mu.Lock()
			raw, ok := r.records[req.Subject]
			r.mu.Unlock()
			_ = writeResolveResponse(s, resolveResponse{Raw: raw, OK: ok})
		case resolveRequestPublish:
			r.mu.Lock()
			r.records[req.Subject] = req.Raw
			r.mu.Unlock()
			_ = writeResolveResponse(s, resolveResponse{OK: true})
		}
	})
}

// Resolve implements Resolver by dialing ResolverAddr and asking it for
// subject's currently-advertised link record.
func (r *LibP2PResolver) Resolve(ctx context.Context, subject did.DID) (string, bool, error) {
	resp, err := r.roundTrip(ctx, resolveRequest{Kind: resolveRequestResolve, Subject: subject})
	if err != nil {
		return "", false, err
	}
	return resp.Raw, resp.OK, nil
}

// Publish implements Resolver by dialing ResolverAddr and asking it to
// record raw as subject's currently-advertised link record.
func (r *LibP2PResolver) Publish(ctx context.Context, subject did.DID, raw string) error {
	_, err := r.roundTrip(ctx, resolveRequest{Kind: resolveRequestPublish, Subject: subject, Raw: raw})
	return err
}

func (r *LibP2PResolver) roundTrip(ctx context.Context, req resolveRequest) (resolveResponse, error) {
	maddr, err := ma.NewMultiaddr(r.ResolverAddr)
	if err != nil {
		return resolveResponse{}, errs.Wrap(errs.Validation, err, "ns: parse resolver multiaddr")
	}
	info, err := libp2ppeer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return resolveResponse{}, errs.Wrap(errs.Validation, err, "ns: parse resolver addr info")
	}
	if err := r.Host.Connect(ctx, *info); err != nil {
		return resolveResponse{}, errs.Wrap(errs.Network, err, "ns: connect to resolver peer")
	}
	stream, err := r.Host.NewStream(ctx, info.ID, ResolveProtocol)
	if err != nil {
		return resolveResponse{}, errs.Wrap(errs.Network, err, "ns: open resolve stream")
	}
	defer stream.Close()

	if err := writeResolveRequest(stream, req); err != nil {
		return resolveResponse{}, err
	}
	resp, err := readResolveResponse(bufio.NewReader(stream))
	if err != nil {
		return resolveResponse{}, err
	}
	return resp, nil
}

type resolveRequestKind uint8

const (
	resolveRequestResolve resolveRequestKind = iota
	resolveRequestPublish
)

type resolveRequest struct {
	Kind    resolveRequestKind
	Subject did.DID
	Raw     string
}

type resolveResponse struct {
	Raw string
	OK  bool
}

func writeResolveRequest(w io.Writer, req resolveRequest) error {
	if err := writeByte(w, byte(req.Kind)); err != nil {
		return err
	}
	if err := writeResolveString(w, string(req.Subject)); err != nil {
		return err
	}
	return writeResolveString(w, req.Raw)
}

func readResolveRequest(r io.Reader) (resolveRequest, error) {
	kind, err := readByte(r)
	if err != nil {
		return resolveRequest{}, err
	}
	subject, err := readResolveString(r)
	if err != nil {
		return resolveRequest{}, err
	}
	raw, err := readResolveString(r)
	if err != nil {
		return resolveRequest{}, err
	}
	return resolveRequest{Kind: resolveRequestKind(kind), Subject: did.DID(subject), Raw: raw}, nil
}

func writeResolveResponse(w io.Writer, resp resolveResponse) error {
	ok := byte(0)
	if resp.OK {
		ok = 1
	}
	if err := writeByte(w, ok); err != nil {
		return err
	}
	return writeResolveString(w, resp.Raw)
}

func readResolveResponse(r io.Reader) (resolveResponse, error) {
	ok, err := readByte(r)
	if err != nil {
		return resolveResponse{}, err
	}
	raw, err := readResolveString(r)
	if err != nil {
		return resolveResponse{}, err
	}
	return resolveResponse{Raw: raw, OK: ok == 1}, nil
}

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	if err != nil {
		return errs.Wrap(errs.Network, err, "ns: write resolve frame byte")
	}
	return nil
}

func readByte(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errs.Wrap(errs.Network, err, "ns: read resolve frame byte")
	}
	return buf[0], nil
}

func writeResolveString(w io.Writer, s string) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errs.Wrap(errs.Network, err, "ns: write resolve frame length")
	}
	if len(s) == 0 {
		return nil
	}
	if _, err := io.WriteString(w, s); err != nil {
		return errs.Wrap(errs.Network, err, "ns: write resolve frame")
	}
	return nil
}

func readResolveString(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", errs.Wrap(errs.Network, err, "ns: read resolve frame length")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return "", nil
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", errs.Wrap(errs.Network, err, "ns: read resolve frame")
	}
	return string(data), nil
}
