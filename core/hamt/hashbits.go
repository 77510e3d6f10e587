package hamt

import "github.com/subconscious-network/noosphere/core/errs"

// hashBits consumes a key's routing hash bitWidth bits at a time,
// most-significant-bit first, tracking how many bits have been
// consumed so a bucket split can re-derive each displaced key's
// remaining bits without restarting from bit zero.
type hashBits struct {
	b        []byte
	consumed int
}

func newHashBits(h []byte) *hashBits {
	return &hashBits{b: h}
}

// newHashBitsAt resumes consumption of h as though consumed bits had
// already been read off — used when a values bucket overflows and its
// existing entries must be re-routed into a fresh sub-node at the same
// depth the overflowing insert reached.
func newHashBitsAt(h []byte, consumed int) *hashBits {
	return &hashBits{b: h, consumed: consumed}
}

// next returns the next width-bit chunk of the hash as an index in
// [0, 2^width). It errors once the hash has been fully consumed,
// which bounds trie depth to len(hash)*8/width levels.
func (h *hashBits) next(width BitWidth) (int, error) {
	w := int(width)
	if h.consumed+w > len(h.b)*8 {
		return 0, errs.New(errs.Internal, "hamt: hash bits exhausted; trie too deep")
	}
	val := 0
	for i := 0; i < w; i++ {
		pos := h.consumed
		byteIdx := pos / 8
		bitIdx := 7 - (pos % 8)
		bit := (h.b[byteIdx] >> uint(bitIdx)) & 1
		val = (val << 1) | int(bit)
		h.consumed++
	}
	return val, nil
}
