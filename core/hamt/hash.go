package hamt

import (
	"lukechampine.com/blake3"

	"github.com/subconscious-network/noosphere/core/errs"
)

// HashFunc derives the bit sequence a key is routed through. Every
// replica of a given map must agree on the same function (spec §4.2).
type HashFunc func(key string) []byte

// HashIdentity treats the key's own bytes as the hash, zero-padded out
// to 32 bytes. Only safe for keys that are already well-distributed
// (e.g. content-type slugs hashed upstream); the default for most
// sphere state is HashBlake3.
func HashIdentity(key string) []byte {
	out := make([]byte, 32)
	copy(out, key)
	return out
}

// HashBlake3 hashes key with BLAKE3-256, giving a uniform 256-bit
// routing key regardless of input shape or length.
func HashBlake3(key string) []byte {
	sum := blake3.Sum256([]byte(key))
	return sum[:]
}

// BitWidth is the number of bits consumed per trie level. 5 (32-way
// fan-out) is the default for sphere state; 8 (256-way) trades depth
// for breadth on maps expected to hold very many entries.
type BitWidth int

const (
	BitWidth5 BitWidth = 5
	BitWidth8 BitWidth = 8
)

// Config parameterizes a Map's shape. The zero Config is invalid; use
// DefaultConfig or construct explicitly.
type Config struct {
	BitWidth BitWidth
	Hash     HashFunc
}

// DefaultConfig matches the bit-width and hash function used for most
// sphere state (spec §4.2): 5-bit fan-out, BLAKE3 routing hash.
func DefaultConfig() Config {
	return Config{BitWidth: BitWidth5, Hash: HashBlake3}
}

func (c Config) validate() error {
	if c.BitWidth != BitWidth5 && c.BitWidth != BitWidth8 {
		return errs.Newf(errs.Validation, "hamt: unsupported bit width %d", c.BitWidth)
	}
	if c.Hash == nil {
		return errs.New(errs.Validation, "hamt: config missing hash function")
	}
	return nil
}
