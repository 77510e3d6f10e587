package hamt

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/ipld"
)

// Map is a persistent hash-array-mapped-trie from string keys to
// values of type V, with a pending changelog of the add/remove
// operations performed since the map was loaded or last flushed
// (spec §4.2). It backs every versioned map in a sphere body: content
// (slug -> memo CID), the address book (petname -> Identity), and the
// allowed/revoked authority maps.
type Map[V any] struct {
	cfg     Config
	root    *node[V]
	pending []Op
}

// New creates an empty map under cfg.
func New[V any](cfg Config) (*Map[V], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Map[V]{cfg: cfg, root: newNode[V](cfg)}, nil
}

// Load reconstructs a map from its stored root. An undefined root CID
// loads as an empty map, matching a sphere body whose HAMT was never
// allocated.
func Load[V any](ctx context.Context, store block.Store, cfg Config, root cid.Cid) (*Map[V], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if !root.Defined() {
		return New[V](cfg)
	}
	data, ok, err := store.Get(ctx, root)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Newf(errs.MissingBlock, "hamt root %s not found", root)
	}
	n, err := decodeNode[V](cfg, data)
	if err != nil {
		return nil, err
	}
	return &Map[V]{cfg: cfg, root: n}, nil
}

// Get returns the value stored for key, if present.
func (m *Map[V]) Get(ctx context.Context, store block.Store, key string) (V, bool, error) {
	return m.root.get(ctx, store, m.cfg, newHashBits(m.cfg.Hash(key)), key)
}

// Set stores value under key. When overwrite is false and key already
// holds a value, the existing value is left untouched and Set returns
// (zero, false, nil).
func (m *Map[V]) Set(ctx context.Context, store block.Store, key string, value V, overwrite bool) (V, bool, error) {
	old, modified, err := m.root.set(ctx, store, m.cfg, newHashBits(m.cfg.Hash(key)), key, value, overwrite)
	if err != nil {
		var zero V
		return zero, false, err
	}
	if modified {
		encoded, err := ipld.Marshal(value)
		if err != nil {
			var zero V
			return zero, false, errs.Wrap(errs.Internal, err, "encode changelog value")
		}
		m.pending = append(m.pending, Op{Kind: OpAdd, Key: key, Value: encoded})
	}
	return old, modified, nil
}

// Remove deletes key, returning its value if it was present.
func (m *Map[V]) Remove(ctx context.Context, store block.Store, key string) (V, bool, error) {
	val, deleted, err := m.root.remove(ctx, store, m.cfg, newHashBits(m.cfg.Hash(key)), key)
	if err != nil {
		var zero V
		return zero, false, err
	}
	if deleted {
		m.pending = append(m.pending, Op{Kind: OpRemove, Key: key})
	}
	return val, deleted, nil
}

// IsEmpty reports whether the map currently holds no entries.
func (m *Map[V]) IsEmpty() bool { return m.root.isEmpty() }

// PendingOps returns the add/remove operations performed since the
// map was loaded or last flushed, without clearing them.
func (m *Map[V]) PendingOps() []Op {
	return append([]Op(nil), m.pending...)
}

// Flush writes every dirty subtree depth-first and returns the new
// root CID. If any operations are pending, it also writes a Changelog
// block listing them and returns its CID as changelogCid; otherwise
// changelogCid is cid.Undef. Flushing clears the pending op list.
func (m *Map[V]) Flush(ctx context.Context, store block.Store) (rootCid cid.Cid, changelogCid cid.Cid, err error) {
	if err := m.root.flush(ctx, store, m.cfg); err != nil {
		return cid.Undef, cid.Undef, err
	}
	data, err := m.root.encode(m.cfg)
	if err != nil {
		return cid.Undef, cid.Undef, err
	}
	rootCid, err = block.Sum(block.CodecDagCBOR, block.HashBlake3, data)
	if err != nil {
		return cid.Undef, cid.Undef, err
	}
	if err := store.PutLinks(ctx, rootCid, data, block.CodecDagCBOR); err != nil {
		return cid.Undef, cid.Undef, err
	}

	if len(m.pending) == 0 {
		return rootCid, cid.Undef, nil
	}
	changelogCid, err = PutChangelog(ctx, store, &Changelog{Ops: m.pending})
	if err != nil {
		return cid.Undef, cid.Undef, err
	}
	m.pending = nil
	return rootCid, changelogCid, nil
}

// Apply replays every operation in cl against m, in order. Used by the
// Revision Engine to derive a mutation from a memo's own changelog
// (hydrate) or to re-derive and re-apply it onto a different parent
// (rebase).
func (m *Map[V]) Apply(ctx context.Context, store block.Store, cl *Changelog) error {
	for _, op := range cl.Ops {
		switch op.Kind {
		case OpAdd:
			var v V
			if err := ipld.Unmarshal(op.Value, &v); err != nil {
				return errs.Wrap(errs.Validation, err, "decode changelog value")
			}
			if _, _, err := m.Set(ctx, store, op.Key, v, true); err != nil {
				return err
			}
		case OpRemove:
			if _, _, err := m.Remove(ctx, store, op.Key); err != nil {
				return err
			}
		default:
			return errs.Newf(errs.Validation, "hamt: unknown changelog op %q", op.Kind)
		}
	}
	return nil
}

// Stream yields every (key, value) pair reachable from the map's
// current root over the returned channel, closing it when exhausted.
// It is finite and not restartable, per spec §4.2.
func (m *Map[V]) Stream(ctx context.Context, store block.Store, opts StreamOptions) (<-chan Entry[V], <-chan error) {
	out := make(chan Entry[V])
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		m.root.stream(ctx, store, m.cfg, opts, out, errc)
	}()
	return out, errc
}
