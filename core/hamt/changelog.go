package hamt

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/ipld"
)

// OpKind distinguishes an add from a remove in a Changelog.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpRemove OpKind = "remove"
)

// Op is one mutation applied to a map since its parent revision.
type Op struct {
	Kind OpKind `cbor:"kind"`
	Key  string `cbor:"key"`
	// Value is the CBOR-encoded new value for an add, or empty for a
	// remove. Encoded rather than typed so Changelog itself does not
	// need to be generic over V — replaying it only requires decoding
	// into whatever V the caller's Map is parameterized with.
	Value []byte `cbor:"value,omitempty"`
}

// Changelog lists every operation performed against a map since its
// parent revision, in application order. Replaying the changelogs
// along a chain from genesis reconstructs the map's current contents
// (spec §4.2 invariant) without needing the interior trie nodes.
type Changelog struct {
	Ops []Op `cbor:"ops"`
}

// Encode serializes the changelog.
func (c *Changelog) Encode() ([]byte, error) { return ipld.Marshal(c) }

// DecodeChangelog parses a stored changelog block.
func DecodeChangelog(data []byte) (*Changelog, error) {
	var c Changelog
	if err := ipld.Unmarshal(data, &c); err != nil {
		return nil, errs.Wrap(errs.Validation, err, "decode hamt changelog")
	}
	return &c, nil
}

// PutChangelog stores c and returns its CID.
func PutChangelog(ctx context.Context, store block.Store, c *Changelog) (cid.Cid, error) {
	data, err := c.Encode()
	if err != nil {
		return cid.Undef, errs.Wrap(errs.Internal, err, "encode changelog")
	}
	sum, err := block.Sum(block.CodecDagCBOR, block.HashBlake3, data)
	if err != nil {
		return cid.Undef, err
	}
	if err := store.PutLinks(ctx, sum, data, block.CodecDagCBOR); err != nil {
		return cid.Undef, err
	}
	return sum, nil
}

// GetChangelog loads and decodes the changelog at c.
func GetChangelog(ctx context.Context, store block.Store, c cid.Cid) (*Changelog, error) {
	data, ok, err := store.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Newf(errs.MissingBlock, "changelog block %s not found", c)
	}
	return DecodeChangelog(data)
}
