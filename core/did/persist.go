package did

import (
	"crypto/ed25519"
	"encoding/json"
	"os"

	"github.com/subconscious-network/noosphere/core/errs"
)

// persistedKeyPair is the on-disk form of a KeyPair, adapted from the
// teacher's PersistentIdentity (internal/network/mesh.go): a single
// JSON file holding the private key seed, from which both halves of
// the keypair and the did:key identifier are re-derived on load.
type persistedKeyPair struct {
	Seed []byte `json:"seed"`
}

// SaveKeyPair writes pair's private key seed to path as JSON, creating
// or truncating the file with owner-only permissions.
func SaveKeyPair(path string, pair *KeyPair) error {
	seed := pair.Private.Seed()
	data, err := json.Marshal(persistedKeyPair{Seed: seed})
	if err != nil {
		return errs.Wrap(errs.Internal, err, "marshal keypair")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errs.Wrap(errs.Internal, err, "write keypair file")
	}
	return nil
}

// LoadKeyPair reads a keypair previously written by SaveKeyPair.
func LoadKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "read keypair file")
	}
	var persisted persistedKeyPair
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "unmarshal keypair file")
	}
	if len(persisted.Seed) != ed25519.SeedSize {
		return nil, errs.Newf(errs.Internal, "invalid keypair seed length %d", len(persisted.Seed))
	}
	priv := ed25519.NewKeyFromSeed(persisted.Seed)
	return &KeyPair{Private: priv, Public: priv.Public().(ed25519.PublicKey)}, nil
}

// LoadOrGenerateKeyPair loads a keypair from path, generating and
// persisting a fresh one if path does not yet exist — the gateway
// daemon's identity and directory-sphere keys both use this so a
// restart keeps the same DID instead of minting a new identity every
// run.
func LoadOrGenerateKeyPair(path string) (*KeyPair, error) {
	if _, err := os.Stat(path); err == nil {
		return LoadKeyPair(path)
	} else if !os.IsNotExist(err) {
		return nil, errs.Wrap(errs.Internal, err, "stat keypair file")
	}
	pair, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := SaveKeyPair(path, pair); err != nil {
		return nil, err
	}
	return pair, nil
}
