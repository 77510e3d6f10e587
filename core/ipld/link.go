// Package ipld provides the one CBOR convention every structured block
// shape in Noosphere shares: a CID reference is a CBOR tag-42 byte
// string (the same convention the original Rust implementation's IPLD
// crate uses), which lets core/block's Block Store extract outgoing
// links from ANY dag-cbor block without knowing its Go type.
package ipld

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"

	"github.com/subconscious-network/noosphere/core/block"
)

const cidTag = 42

func init() {
	block.RegisterLinkExtractor(block.CodecDagCBOR, ExtractLinks)
}

// Link wraps a CID so it round-trips through CBOR as a tag-42 byte
// string, the IPLD convention for an inline content-addressed reference.
type Link struct {
	Cid cid.Cid
}

// NewLink wraps c as a Link.
func NewLink(c cid.Cid) Link { return Link{Cid: c} }

// MarshalCBOR implements cbor.Marshaler.
func (l Link) MarshalCBOR() ([]byte, error) {
	if !l.Cid.Defined() {
		return cbor.Marshal(nil)
	}
	payload := append([]byte{0x00}, l.Cid.Bytes()...)
	return cbor.Marshal(cbor.Tag{Number: cidTag, Content: payload})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (l *Link) UnmarshalCBOR(data []byte) error {
	if string(data) == "\xf6" { // CBOR null
		l.Cid = cid.Undef
		return nil
	}
	var tag cbor.Tag
	if err := cbor.Unmarshal(data, &tag); err != nil {
		return err
	}
	if tag.Number != cidTag {
		return fmt.Errorf("ipld: expected cbor tag %d, got %d", cidTag, tag.Number)
	}
	raw, ok := tag.Content.([]byte)
	if !ok || len(raw) == 0 {
		return errors.New("ipld: malformed cid link payload")
	}
	c, err := cid.Cast(raw[1:])
	if err != nil {
		return fmt.Errorf("ipld: decode cid link: %w", err)
	}
	l.Cid = c
	return nil
}

// ExtractLinks decodes a dag-cbor block generically and returns every
// tag-42 CID reference found anywhere in its structure, in encounter
// order. It never redecodes into the block's concrete Go type, so it
// works uniformly for memos, sphere bodies, HAMT nodes and changelogs.
func ExtractLinks(data []byte) ([]cid.Cid, error) {
	var v interface{}
	if err := cbor.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	var out []cid.Cid
	walk(v, &out)
	return out, nil
}

func walk(v interface{}, out *[]cid.Cid) {
	switch x := v.(type) {
	case cbor.Tag:
		if x.Number == cidTag {
			if raw, ok := x.Content.([]byte); ok && len(raw) > 0 {
				if c, err := cid.Cast(raw[1:]); err == nil {
					*out = append(*out, c)
				}
			}
			return
		}
		walk(x.Content, out)
	case map[interface{}]interface{}:
		for _, vv := range x {
			walk(vv, out)
		}
	case map[string]interface{}:
		for _, vv := range x {
			walk(vv, out)
		}
	case []interface{}:
		for _, vv := range x {
			walk(vv, out)
		}
	}
}

// Marshal canonically encodes v as dag-cbor: CBOR's core
// (github.com/fxamacker/cbor/v2) canonical mode sorts map keys
// deterministically, which is what spec §3/§4.3 require for CID
// stability ("equal contents always hash to the same root CID").
func Marshal(v interface{}) ([]byte, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return em.Marshal(v)
}

// Unmarshal decodes a canonical dag-cbor block into v.
func Unmarshal(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}
