package hamt

import (
	"context"
	"sort"

	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/ipld"
)

// maxArrayWidth is K from spec §4.2: the inline-bucket threshold
// before a values pointer splits into a sub-node.
const maxArrayWidth = 3

// kv is one inline key/value pair, ordered by Key within a bucket.
type kv[V any] struct {
	Key   string `cbor:"k"`
	Value V      `cbor:"v"`
}

// wirePointer is a node pointer as it appears on the wire: exactly one
// of Values or Link is populated. There is no on-wire representation
// of a dirty (unflushed) pointer — flush eliminates them first.
type wirePointer[V any] struct {
	Values []kv[V]    `cbor:"values,omitempty"`
	Link   *ipld.Link `cbor:"link,omitempty"`
}

// wireNode is the codec-level shape of a stored trie node.
type wireNode[V any] struct {
	Bitmap   []byte          `cbor:"bitmap"`
	Pointers []wirePointer[V] `cbor:"pointers"`
}

// pointer is one slot of an in-memory node. Exactly one of values,
// dirty, or link is set at any time; link may additionally carry a
// cached, already-loaded child.
type pointer[V any] struct {
	values []kv[V]
	dirty  *node[V]
	link   *ipld.Link
	cached *node[V]
}

func pointerFromValues[V any](k string, v V) *pointer[V] {
	return &pointer[V]{values: []kv[V]{{Key: k, Value: v}}}
}

// node is an in-memory HAMT node: a bitmap of occupied slots plus a
// dense array of pointers, one per set bit, in ascending index order.
type node[V any] struct {
	bitmap   bitmap
	pointers []*pointer[V]
}

func newNode[V any](cfg Config) *node[V] {
	return &node[V]{bitmap: newBitmap(cfg.BitWidth)}
}

func (n *node[V]) isEmpty() bool { return len(n.pointers) == 0 }

// toWire renders n for encoding. Callers must have already flushed
// every dirty pointer (no dirty pointers may remain).
func (n *node[V]) toWire() (wireNode[V], error) {
	w := wireNode[V]{Bitmap: []byte(n.bitmap), Pointers: make([]wirePointer[V], len(n.pointers))}
	for i, p := range n.pointers {
		if p.dirty != nil {
			return wireNode[V]{}, errs.New(errs.Internal, "hamt: encode called on unflushed node")
		}
		w.Pointers[i] = wirePointer[V]{Values: p.values, Link: p.link}
	}
	return w, nil
}

func nodeFromWire[V any](cfg Config, w wireNode[V]) *node[V] {
	n := &node[V]{bitmap: bitmap(w.Bitmap), pointers: make([]*pointer[V], len(w.Pointers))}
	for i, wp := range w.Pointers {
		n.pointers[i] = &pointer[V]{values: wp.Values, link: wp.Link}
	}
	return n
}

func (n *node[V]) encode(cfg Config) ([]byte, error) {
	w, err := n.toWire()
	if err != nil {
		return nil, err
	}
	return ipld.Marshal(w)
}

func decodeNode[V any](cfg Config, data []byte) (*node[V], error) {
	var w wireNode[V]
	if err := ipld.Unmarshal(data, &w); err != nil {
		return nil, errs.Wrap(errs.Validation, err, "decode hamt node")
	}
	return nodeFromWire(cfg, w), nil
}

// loadChild resolves p's stored subtree into memory, caching it on p.
func loadChild[V any](ctx context.Context, store block.Store, cfg Config, p *pointer[V]) (*node[V], error) {
	if p.cached != nil {
		return p.cached, nil
	}
	data, ok, err := store.Get(ctx, p.link.Cid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Newf(errs.MissingBlock, "hamt: node block %s not found", p.link.Cid)
	}
	child, err := decodeNode[V](cfg, data)
	if err != nil {
		return nil, err
	}
	p.cached = child
	return child, nil
}

func (n *node[V]) get(ctx context.Context, store block.Store, cfg Config, hb *hashBits, key string) (V, bool, error) {
	var zero V
	idx, err := hb.next(cfg.BitWidth)
	if err != nil {
		return zero, false, err
	}
	if !n.bitmap.test(idx) {
		return zero, false, nil
	}
	p := n.pointers[n.bitmap.indexForBit(idx)]
	switch {
	case p.values != nil:
		for _, e := range p.values {
			if e.Key == key {
				return e.Value, true, nil
			}
		}
		return zero, false, nil
	case p.dirty != nil:
		return p.dirty.get(ctx, store, cfg, hb, key)
	case p.link != nil:
		child, err := loadChild(ctx, store, cfg, p)
		if err != nil {
			return zero, false, err
		}
		return child.get(ctx, store, cfg, hb, key)
	default:
		return zero, false, errs.New(errs.Internal, "hamt: pointer with no payload")
	}
}

// set inserts or updates key, returning the previous value (if any)
// and whether the node was modified.
func (n *node[V]) set(ctx context.Context, store block.Store, cfg Config, hb *hashBits, key string, value V, overwrite bool) (V, bool, error) {
	var zero V
	idx, err := hb.next(cfg.BitWidth)
	if err != nil {
		return zero, false, err
	}

	if !n.bitmap.test(idx) {
		ci := n.bitmap.indexForBit(idx)
		n.bitmap.set(idx)
		n.pointers = append(n.pointers, nil)
		copy(n.pointers[ci+1:], n.pointers[ci:])
		n.pointers[ci] = pointerFromValues(key, value)
		return zero, true, nil
	}

	ci := n.bitmap.indexForBit(idx)
	p := n.pointers[ci]

	switch {
	case p.link != nil:
		child, err := loadChild(ctx, store, cfg, p)
		if err != nil {
			return zero, false, err
		}
		old, modified, err := child.set(ctx, store, cfg, hb, key, value, overwrite)
		if err != nil {
			return zero, false, err
		}
		if modified {
			p.dirty, p.link, p.cached = child, nil, nil
		}
		return old, modified, nil

	case p.dirty != nil:
		return p.dirty.set(ctx, store, cfg, hb, key, value, overwrite)

	case p.values != nil:
		for i, e := range p.values {
			if e.Key == key {
				if !overwrite {
					return zero, false, nil
				}
				old := e.Value
				p.values[i].Value = value
				return old, true, nil
			}
		}

		if len(p.values) >= maxArrayWidth {
			sub := newNode[V](cfg)
			consumed := hb.consumed
			if _, _, err := sub.set(ctx, store, cfg, hb, key, value, overwrite); err != nil {
				return zero, false, err
			}
			for _, e := range p.values {
				hb2 := newHashBitsAt(cfg.Hash(e.Key), consumed)
				if _, _, err := sub.set(ctx, store, cfg, hb2, e.Key, e.Value, true); err != nil {
					return zero, false, err
				}
			}
			p.values, p.dirty = nil, sub
			return zero, true, nil
		}

		at := sort.Search(len(p.values), func(i int) bool { return p.values[i].Key > key })
		p.values = append(p.values, kv[V]{})
		copy(p.values[at+1:], p.values[at:])
		p.values[at] = kv[V]{Key: key, Value: value}
		return zero, true, nil

	default:
		return zero, false, errs.New(errs.Internal, "hamt: pointer with no payload")
	}
}

// remove deletes key, returning its value if present. On the way back
// up, any pointer whose dirty node is left holding only value buckets
// with at most maxArrayWidth entries in total is cleaned into a plain
// values pointer to keep the trie in canonical form.
func (n *node[V]) remove(ctx context.Context, store block.Store, cfg Config, hb *hashBits, key string) (V, bool, error) {
	var zero V
	idx, err := hb.next(cfg.BitWidth)
	if err != nil {
		return zero, false, err
	}
	if !n.bitmap.test(idx) {
		return zero, false, nil
	}
	ci := n.bitmap.indexForBit(idx)
	p := n.pointers[ci]

	switch {
	case p.link != nil:
		child, err := loadChild(ctx, store, cfg, p)
		if err != nil {
			return zero, false, err
		}
		val, deleted, err := child.remove(ctx, store, cfg, hb, key)
		if err != nil {
			return zero, false, err
		}
		if deleted {
			p.dirty, p.link, p.cached = child, nil, nil
			if err := cleanPointer(p); err != nil {
				return zero, false, err
			}
		}
		return val, deleted, nil

	case p.dirty != nil:
		val, deleted, err := p.dirty.remove(ctx, store, cfg, hb, key)
		if err != nil {
			return zero, false, err
		}
		if deleted {
			if err := cleanPointer(p); err != nil {
				return zero, false, err
			}
		}
		return val, deleted, nil

	case p.values != nil:
		for i, e := range p.values {
			if e.Key != key {
				continue
			}
			if len(p.values) == 1 {
				n.bitmap.clear(idx)
				n.pointers = append(n.pointers[:ci], n.pointers[ci+1:]...)
				return e.Value, true, nil
			}
			p.values = append(p.values[:i], p.values[i+1:]...)
			return e.Value, true, nil
		}
		return zero, false, nil

	default:
		return zero, false, errs.New(errs.Internal, "hamt: pointer with no payload")
	}
}

// cleanPointer collapses a dirty node whose pointers are all value
// buckets holding at most maxArrayWidth entries in total (including a
// node with exactly one values-bucket child) into a single sorted
// bucket, removing a redundant trie level
// (spec §4.2: "renormalized ... to maintain canonical form").
func cleanPointer[V any](p *pointer[V]) error {
	if p.dirty == nil {
		return nil
	}
	switch len(p.dirty.pointers) {
	case 0:
		return errs.New(errs.Internal, "hamt: node emptied without collapsing parent")
	case 1:
		only := p.dirty.pointers[0]
		if only.values != nil {
			p.values, p.dirty = only.values, nil
		}
	default:
		var merged []kv[V]
		for _, child := range p.dirty.pointers {
			if child.values == nil {
				return nil
			}
			merged = append(merged, child.values...)
		}
		if len(merged) <= maxArrayWidth {
			sort.Slice(merged, func(i, j int) bool { return merged[i].Key < merged[j].Key })
			p.values, p.dirty = merged, nil
		}
	}
	return nil
}

// flush recursively writes every dirty subtree and replaces its
// pointer with a stored link, post-order so parents reference already
// written children.
func (n *node[V]) flush(ctx context.Context, store block.Store, cfg Config) error {
	for _, p := range n.pointers {
		if p.dirty == nil {
			continue
		}
		if err := p.dirty.flush(ctx, store, cfg); err != nil {
			return err
		}
		data, err := p.dirty.encode(cfg)
		if err != nil {
			return err
		}
		c, err := block.Sum(block.CodecDagCBOR, block.HashBlake3, data)
		if err != nil {
			return err
		}
		if err := store.PutLinks(ctx, c, data, block.CodecDagCBOR); err != nil {
			return err
		}
		l := ipld.NewLink(c)
		p.cached, p.link, p.dirty = p.dirty, &l, nil
	}
	return nil
}

// Entry pairs a key with its value, yielded by Map.Stream.
type Entry[V any] struct {
	Key   string
	Value V
}

// StreamOptions controls how stream handles a subtree whose linked
// block cannot be loaded.
type StreamOptions struct {
	// IgnoreDeadLinks, when true, skips a subtree whose block is
	// missing instead of failing the whole stream (spec §4.2).
	IgnoreDeadLinks bool
	// Diagnostics, if non-nil, receives one message per skipped dead
	// link. Never blocks: sends are dropped if the channel is full.
	Diagnostics chan<- string
}

func (n *node[V]) stream(ctx context.Context, store block.Store, cfg Config, opts StreamOptions, out chan<- Entry[V], errc chan<- error) bool {
	for _, p := range n.pointers {
		switch {
		case p.values != nil:
			for _, e := range p.values {
				select {
				case out <- Entry[V]{Key: e.Key, Value: e.Value}:
				case <-ctx.Done():
					errc <- ctx.Err()
					return false
				}
			}
		case p.dirty != nil:
			if !p.dirty.stream(ctx, store, cfg, opts, out, errc) {
				return false
			}
		case p.link != nil:
			child, err := loadChild(ctx, store, cfg, p)
			if err != nil {
				if opts.IgnoreDeadLinks && errs.Is(err, errs.MissingBlock) {
					if opts.Diagnostics != nil {
						select {
						case opts.Diagnostics <- "dead link: " + p.link.Cid.String():
						default:
						}
					}
					continue
				}
				errc <- err
				return false
			}
			if !child.stream(ctx, store, cfg, opts, out, errc) {
				return false
			}
		}
	}
	return true
}
