package block

import (
	"sync"

	"github.com/ipfs/go-cid"
)

// LinkExtractor decodes data under a known codec and returns every
// outgoing CID it references. One extractor is registered per codec;
// core/ipld registers the dag-cbor extractor that memos, HAMT nodes
// and every other dag-cbor block share.
type LinkExtractor func(data []byte) ([]cid.Cid, error)

var (
	registryMu sync.RWMutex
	registry   = map[uint64]LinkExtractor{}
)

// RegisterLinkExtractor installs the link extractor for codec. Intended
// to be called from package init() functions.
func RegisterLinkExtractor(codec uint64, fn LinkExtractor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[codec] = fn
}

// extractLinks looks up the extractor for codec; an unrecognized codec
// yields no links rather than an error (spec §4.1).
func extractLinks(codec uint64, data []byte) ([]cid.Cid, error) {
	registryMu.RLock()
	fn, ok := registry[codec]
	registryMu.RUnlock()
	if !ok {
		return nil, nil
	}
	return fn(data)
}
