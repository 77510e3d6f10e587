package block

import (
	"context"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
	bolt "go.etcd.io/bbolt"

	"github.com/subconscious-network/noosphere/core/errs"
)

var (
	bucketBlocks   = []byte("blocks")
	bucketLinks    = []byte("links")
	bucketVersions = []byte("versions")
)

// BoltStore is the on-disk Store backend, a single bbolt file holding
// three buckets (blocks, their extracted links, and version pointers).
// A Bloom filter front-ends block lookups so most misses skip the bbolt
// read transaction; a false positive still costs one.
type BoltStore struct {
	db *bolt.DB

	bloomMu sync.Mutex
	bloom   *bloom.BloomFilter
}

// OpenBoltStore opens (creating if absent) a bbolt-backed block store at
// path and seeds its Bloom filter from the existing block keys.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "open bbolt store")
	}

	s := &BoltStore{db: db, bloom: bloom.NewWithEstimates(1_000_000, 0.01)}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketBlocks, bucketLinks, bucketVersions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.Internal, err, "initialize bbolt buckets")
	}

	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		return b.ForEach(func(k, _ []byte) error {
			s.bloom.Add(k)
			return nil
		})
	})
	if err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.Internal, err, "seed bloom filter")
	}

	return s, nil
}

// Close releases the underlying bbolt file handle.
func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Put(_ context.Context, c cid.Cid, data []byte) error {
	key := c.Bytes()
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).Put(key, data)
	}); err != nil {
		return errs.Wrap(errs.Internal, err, "put block")
	}
	s.bloomMu.Lock()
	s.bloom.Add(key)
	s.bloomMu.Unlock()
	return nil
}

func (s *BoltStore) Get(_ context.Context, c cid.Cid) ([]byte, bool, error) {
	key := c.Bytes()

	s.bloomMu.Lock()
	maybePresent := s.bloom.Test(key)
	s.bloomMu.Unlock()
	if !maybePresent {
		return nil, false, nil
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlocks).Get(key)
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, errs.Wrap(errs.Internal, err, "get block")
	}
	return data, data != nil, nil
}

func (s *BoltStore) PutLinks(ctx context.Context, c cid.Cid, data []byte, codec uint64) error {
	if err := s.Put(ctx, c, data); err != nil {
		return err
	}
	links, err := extractLinks(codec, data)
	if err != nil {
		return errs.Wrap(errs.Validation, err, "extract links")
	}

	encoded := encodeLinkList(links)
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLinks).Put(c.Bytes(), encoded)
	}); err != nil {
		return errs.Wrap(errs.Internal, err, "persist links")
	}
	return nil
}

func (s *BoltStore) neighbors(c cid.Cid) []cid.Cid {
	var links []cid.Cid
	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLinks).Get(c.Bytes())
		if v == nil {
			return nil
		}
		decoded, err := decodeLinkList(v)
		if err != nil {
			return nil
		}
		links = decoded
		return nil
	})
	return links
}

func (s *BoltStore) StreamLinks(ctx context.Context, root cid.Cid) (<-chan cid.Cid, <-chan error) {
	return breadthFirst(ctx, root, s.neighbors)
}

func (s *BoltStore) SetVersion(_ context.Context, identity string, c cid.Cid) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVersions).Put([]byte(identity), c.Bytes())
	}); err != nil {
		return errs.Wrap(errs.Internal, err, "set version")
	}
	return nil
}

func (s *BoltStore) GetVersion(_ context.Context, identity string) (cid.Cid, bool, error) {
	var out cid.Cid
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketVersions).Get([]byte(identity))
		if v == nil {
			return nil
		}
		c, err := cid.Cast(v)
		if err != nil {
			return err
		}
		out, found = c, true
		return nil
	})
	if err != nil {
		return cid.Undef, false, errs.Wrap(errs.Internal, err, "get version")
	}
	return out, found, nil
}

// encodeLinkList/decodeLinkList serialize a CID slice as repeated
// varint-length-prefixed CID byte strings, the same framing discipline
// core/replication uses for CAR streams.
func encodeLinkList(links []cid.Cid) []byte {
	var buf []byte
	for _, c := range links {
		b := c.Bytes()
		buf = append(buf, varint.ToUvarint(uint64(len(b)))...)
		buf = append(buf, b...)
	}
	return buf
}

func decodeLinkList(data []byte) ([]cid.Cid, error) {
	var out []cid.Cid
	for len(data) > 0 {
		n, read, err := varint.FromUvarint(data)
		if err != nil {
			return nil, err
		}
		data = data[read:]
		if uint64(len(data)) < n {
			return nil, errs.New(errs.Internal, "truncated link list")
		}
		c, err := cid.Cast(data[:n])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		data = data[n:]
	}
	return out, nil
}
