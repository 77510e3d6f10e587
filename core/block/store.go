// Package block implements the content-addressed Block Store (spec §4.1):
// a CID-keyed byte store with codec-aware link extraction, breadth-first
// link traversal, and a small per-sphere version index.
package block

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"lukechampine.com/blake3"

	"github.com/subconscious-network/noosphere/core/errs"
)

// Multicodec codes for the two block shapes Noosphere recognizes (spec
// §4.1): CBOR for structured IPLD, raw bytes for opaque payloads.
// Unknown codecs are stored opaquely and never produce link edges.
const (
	CodecRaw     = 0x55
	CodecDagCBOR = 0x71
)

// Multihash algorithm codes. SHA2-256 is the default; Blake3 is offered
// as the configurable "blake-family" option spec §4.2 calls for.
const (
	HashSHA2_256 = mh.SHA2_256
	HashBlake3   = 0x1e
)

// Store is the capability set spec §9 calls for in place of a store
// trait object: put, get, link-aware put, breadth-first link streaming,
// and the per-identity version pointer.
type Store interface {
	// Put is idempotent and fails only on I/O.
	Put(ctx context.Context, c cid.Cid, data []byte) error
	// Get returns (nil, false, nil) for an unknown CID.
	Get(ctx context.Context, c cid.Cid) ([]byte, bool, error)
	// PutLinks stores data like Put and additionally records every
	// outgoing CID reference found in data when decoded under codec.
	PutLinks(ctx context.Context, c cid.Cid, data []byte, codec uint64) error
	// StreamLinks yields the breadth-first closure of outgoing
	// references reachable from root, root included.
	StreamLinks(ctx context.Context, root cid.Cid) (<-chan cid.Cid, <-chan error)
	// SetVersion/GetVersion track the locally-observed tip for a sphere
	// DID (or any other version-pointer identity string).
	SetVersion(ctx context.Context, identity string, c cid.Cid) error
	GetVersion(ctx context.Context, identity string) (cid.Cid, bool, error)
}

// Sum hashes data under the requested multihash algorithm and wraps the
// digest in a CIDv1 tagged with codec.
func Sum(codec uint64, hashAlg uint64, data []byte) (cid.Cid, error) {
	switch hashAlg {
	case HashSHA2_256:
		sum, err := mh.Sum(data, mh.SHA2_256, -1)
		if err != nil {
			return cid.Undef, errs.Wrap(errs.Internal, err, "sum sha2-256 multihash")
		}
		return cid.NewCidV1(codec, sum), nil
	case HashBlake3:
		digest := blake3.Sum256(data)
		encoded, err := mh.Encode(digest[:], hashAlg)
		if err != nil {
			return cid.Undef, errs.Wrap(errs.Internal, err, "encode blake3 multihash")
		}
		return cid.NewCidV1(codec, mh.Multihash(encoded)), nil
	default:
		return cid.Undef, errs.Newf(errs.Validation, "unsupported multihash algorithm 0x%x", hashAlg)
	}
}

// breadthFirst walks an adjacency lookup starting at root, yielding every
// reachable CID exactly once. Shared by the memory and bbolt backends.
func breadthFirst(ctx context.Context, root cid.Cid, neighbors func(cid.Cid) []cid.Cid) (<-chan cid.Cid, <-chan error) {
	out := make(chan cid.Cid)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		seen := make(map[cid.Cid]struct{})
		queue := []cid.Cid{root}

		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if _, ok := seen[cur]; ok {
				continue
			}
			seen[cur] = struct{}{}

			select {
			case out <- cur:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}

			queue = append(queue, neighbors(cur)...)
		}
	}()

	return out, errc
}

// linkIndex is a small, mutex-guarded cid->[]cid adjacency table shared
// by the in-memory store implementation.
type linkIndex struct {
	mu    sync.RWMutex
	edges map[cid.Cid][]cid.Cid
}

func newLinkIndex() *linkIndex {
	return &linkIndex{edges: make(map[cid.Cid][]cid.Cid)}
}

func (l *linkIndex) set(c cid.Cid, links []cid.Cid) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.edges[c] = links
}

func (l *linkIndex) get(c cid.Cid) []cid.Cid {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]cid.Cid{}, l.edges[c]...)
}
