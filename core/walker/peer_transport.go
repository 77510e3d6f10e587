package walker

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"

	libp2p "github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/ipfs/go-cid"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/replication"
)

// ReplicateProtocol is the libp2p stream protocol a PeerTransport
// speaks to exchange a block closure directly with a peer, bypassing
// the gateway's HTTP /replicate route entirely when a peer's own
// multiaddr is known (spec §4.10's peer-to-peer enrichment).
const ReplicateProtocol = "/noosphere/replicate/1.0.0"

// PeerTransport is a libp2p host dedicated to direct peer replication,
// adapted from the teacher's packet-stream host (internal/network).
type PeerTransport struct {
	Host libp2phost.Host
}

// NewPeerTransport starts a libp2p host under a fresh ed25519 identity.
// If store is non-nil the host also serves ReplicateProtocol requests
// against it, so this process can act as a replication source for its
// own managed spheres as well as a client for others'.
func NewPeerTransport(store block.Store) (*PeerTransport, error) {
	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "walker: generate peer transport identity")
	}
	host, err := libp2p.New(libp2p.Identity(priv))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "walker: start libp2p host")
	}
	t := &PeerTransport{Host: host}
	if store != nil {
		t.serve(store)
	}
	return t, nil
}

func (t *PeerTransport) serve(store block.Store) {
	t.Host.SetStreamHandler(ReplicateProtocol, func(s network.Stream) {
		defer s.Close()
		req, err := readReplicateRequest(s)
		if err != nil {
			return
		}
		frames, errc := replication.HistoryStream(context.Background(), store, req.Root, req.Since)
		if err := replication.WriteCAR(s, []cid.Cid{req.Root}, frames); err != nil {
			return
		}
		<-errc
	})
}

// Close shuts down the underlying libp2p host.
func (t *PeerTransport) Close() error {
	return t.Host.Close()
}

// Addr returns this host's own dialable multiaddr, if it has one.
func (t *PeerTransport) Addr() (string, bool) {
	addrs := t.Host.Addrs()
	if len(addrs) == 0 {
		return "", false
	}
	return addrs[0].String() + "/p2p/" + t.Host.ID().String(), true
}

// Replicate dials peerAddr (a full /p2p/ multiaddr) and writes the
// block closure for [since, root] directly into store.
func (t *PeerTransport) Replicate(ctx context.Context, peerAddr string, store block.Store, root cid.Cid, since *cid.Cid) error {
	maddr, err := ma.NewMultiaddr(peerAddr)
	if err != nil {
		return errs.Wrap(errs.Validation, err, "walker: parse peer multiaddr")
	}
	info, err := libp2ppeer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return errs.Wrap(errs.Validation, err, "walker: parse peer addr info")
	}
	if err := t.Host.Connect(ctx, *info); err != nil {
		return errs.Wrap(errs.Network, err, "walker: connect to peer")
	}
	stream, err := t.Host.NewStream(ctx, info.ID, ReplicateProtocol)
	if err != nil {
		return errs.Wrap(errs.Network, err, "walker: open replicate stream")
	}
	defer stream.Close()

	if err := writeReplicateRequest(stream, replicateRequest{Root: root, Since: since}); err != nil {
		return err
	}

	_, frames, errc := replication.ReadCAR(bufio.NewReader(stream))
	if err := replication.Consume(ctx, store, frames); err != nil {
		return errs.Wrap(errs.Network, err, "walker: consume peer-replicated closure")
	}
	if err := <-errc; err != nil {
		return errs.Wrap(errs.Network, err, "walker: read peer-replicated closure")
	}
	return nil
}

// replicateRequest is the fixed-frame (root, since) pair a client
// sends before the server streams back a CAR closure.
type replicateRequest struct {
	Root  cid.Cid
	Since *cid.Cid
}

func writeReplicateRequest(w io.Writer, req replicateRequest) error {
	if err := writeFrame(w, req.Root.Bytes()); err != nil {
		return err
	}
	var sinceBytes []byte
	if req.Since != nil {
		sinceBytes = req.Since.Bytes()
	}
	return writeFrame(w, sinceBytes)
}

func readReplicateRequest(r io.Reader) (replicateRequest, error) {
	rootBytes, err := readFrame(r)
	if err != nil {
		return replicateRequest{}, err
	}
	root, err := cid.Cast(rootBytes)
	if err != nil {
		return replicateRequest{}, errs.Wrap(errs.Validation, err, "decode replicate request root")
	}
	sinceBytes, err := readFrame(r)
	if err != nil {
		return replicateRequest{}, err
	}
	var since *cid.Cid
	if len(sinceBytes) > 0 {
		c, err := cid.Cast(sinceBytes)
		if err != nil {
			return replicateRequest{}, errs.Wrap(errs.Validation, err, "decode replicate request since")
		}
		since = &c
	}
	return replicateRequest{Root: root, Since: since}, nil
}

func writeFrame(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return errs.Wrap(errs.Network, err, "write replicate frame length")
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := w.Write(data); err != nil {
		return errs.Wrap(errs.Network, err, "write replicate frame")
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errs.Wrap(errs.Network, err, "read replicate frame length")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errs.Wrap(errs.Network, err, "read replicate frame")
	}
	return data, nil
}
