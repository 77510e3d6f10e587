package block

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/subconscious-network/noosphere/core/errs"
)

// MemoryStore is an in-process Store backed by plain maps. It is the
// default for tests and for read-only peer contexts opened by the Graph
// Walker, where durability across process restarts is not required.
type MemoryStore struct {
	mu       sync.RWMutex
	blocks   map[cid.Cid][]byte
	versions map[string]cid.Cid
	links    *linkIndex
}

// NewMemoryStore creates an empty in-memory block store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blocks:   make(map[cid.Cid][]byte),
		versions: make(map[string]cid.Cid),
		links:    newLinkIndex(),
	}
}

func (m *MemoryStore) Put(_ context.Context, c cid.Cid, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), data...)
	m.blocks[c] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, c cid.Cid) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blocks[c]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

func (m *MemoryStore) PutLinks(ctx context.Context, c cid.Cid, data []byte, codec uint64) error {
	if err := m.Put(ctx, c, data); err != nil {
		return err
	}
	links, err := extractLinks(codec, data)
	if err != nil {
		return errs.Wrap(errs.Validation, err, "extract links")
	}
	m.links.set(c, links)
	return nil
}

func (m *MemoryStore) StreamLinks(ctx context.Context, root cid.Cid) (<-chan cid.Cid, <-chan error) {
	return breadthFirst(ctx, root, m.links.get)
}

func (m *MemoryStore) SetVersion(_ context.Context, identity string, c cid.Cid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[identity] = c
	return nil
}

func (m *MemoryStore) GetVersion(_ context.Context, identity string) (cid.Cid, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.versions[identity]
	return c, ok, nil
}
