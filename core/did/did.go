// Package did implements the DID identity primitives Noosphere relies on:
// did:key generation/parsing (ed25519, multicodec 0xed, multibase
// base58btc) and the signing capability consumed by the Revision and
// Authority engines.
//
// Design Notes §9 calls for modeling key material as an explicit
// capability rather than global state; KeyStorage is that capability.
package did

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-varint"

	"github.com/subconscious-network/noosphere/core/errs"
)

// ed25519PubMulticodec is the multicodec table entry for an ed25519
// public key.
const ed25519PubMulticodec = uint64(multicodec.Ed25519Pub)

// DID is a did:key identifier string, e.g. "did:key:z6MkA...".
type DID string

// KeyPair is an ed25519 identity keypair.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// Generate creates a fresh ed25519 keypair using a cryptographically
// secure random source.
func Generate() (*KeyPair, error) {
	return GenerateFrom(rand.Reader)
}

// GenerateFrom creates a keypair from the given entropy source; used in
// tests and for sphere genesis from a deterministic mnemonic-derived
// reader (spec §3 Lifecycle).
func GenerateFrom(r io.Reader) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "generate ed25519 keypair")
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// DID returns the did:key identifier for this keypair's public half.
func (k *KeyPair) DID() DID {
	return EncodePublicKey(k.Public)
}

// Sign produces a detached ed25519 signature over msg.
func (k *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.Private, msg)
}

// EncodePublicKey renders an ed25519 public key as a did:key identifier.
func EncodePublicKey(pub ed25519.PublicKey) DID {
	prefixed := append(varint.ToUvarint(ed25519PubMulticodec), pub...)
	encoded, err := multibase.Encode(multibase.Base58BTC, prefixed)
	if err != nil {
		// Base58BTC is always a valid encoding; Encode only errors on an
		// unknown base.
		panic(err)
	}
	return DID("did:key:" + encoded)
}

// ParsePublicKey decodes a did:key identifier back into its ed25519
// public key, validating the multicodec tag and key length.
func ParsePublicKey(d DID) (ed25519.PublicKey, error) {
	const prefix = "did:key:"
	s := string(d)
	if !strings.HasPrefix(s, prefix) {
		return nil, errs.Newf(errs.Validation, "not a did:key identifier: %q", s)
	}

	_, data, err := multibase.Decode(s[len(prefix):])
	if err != nil {
		return nil, errs.Wrap(errs.Validation, err, "decode did:key multibase")
	}

	code, n, err := varint.FromUvarint(data)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, err, "decode did:key multicodec prefix")
	}
	if code != ed25519PubMulticodec {
		return nil, errs.Newf(errs.Validation, "unsupported did:key codec 0x%x", code)
	}

	pub := data[n:]
	if len(pub) != ed25519.PublicKeySize {
		return nil, errs.Newf(errs.Validation, "invalid ed25519 public key length %d", len(pub))
	}
	return ed25519.PublicKey(pub), nil
}

// Verify checks sig as a detached ed25519 signature over msg by the key
// behind DID d.
func Verify(d DID, msg, sig []byte) error {
	pub, err := ParsePublicKey(d)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return errs.New(errs.Authorization, "signature verification failed")
	}
	return nil
}

// Fingerprint returns a short base58 fingerprint of a public key,
// suitable for log lines where the full did:key would be noise.
func Fingerprint(pub ed25519.PublicKey) string {
	enc := base58.Encode(pub)
	if len(enc) > 8 {
		enc = enc[:8]
	}
	return enc
}

// KeyStorage is the capability surface other packages depend on instead
// of holding a *KeyPair directly or reaching for process-global state
// (Design Notes §9).
type KeyStorage interface {
	DID() DID
	Sign(msg []byte) []byte
}

// InMemoryKeyStorage adapts a *KeyPair to KeyStorage.
type InMemoryKeyStorage struct {
	pair *KeyPair
}

// NewInMemoryKeyStorage wraps an existing keypair as a KeyStorage.
func NewInMemoryKeyStorage(pair *KeyPair) *InMemoryKeyStorage {
	return &InMemoryKeyStorage{pair: pair}
}

func (s *InMemoryKeyStorage) DID() DID          { return s.pair.DID() }
func (s *InMemoryKeyStorage) Sign(msg []byte) []byte { return s.pair.Sign(msg) }
