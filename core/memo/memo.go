// Package memo implements the canonical IPLD block shapes every
// revision of a sphere is built from: the Memo envelope, the Sphere
// Body payload, and the body-chunk linked list used for opaque byte
// content larger than a single block.
package memo

import (
	"sort"

	"github.com/ipfs/go-cid"

	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/ipld"
)

// Well-known header names.
const (
	HeaderContentType = "content-type"
	HeaderVersion     = "version"
	HeaderAuthor      = "author"
	HeaderProof       = "proof"
	HeaderSignature   = "signature"
	HeaderTitle       = "title"
	HeaderFileExt     = "file-extension"
)

// Well-known content-type values. The type is otherwise open: callers
// may set any user-defined string.
const (
	ContentTypeSubtext     = "text/subtext"
	ContentTypePlain       = "text/plain"
	ContentTypeJSON        = "application/json"
	ContentTypeCBOR        = "application/cbor"
	ContentTypeOctetStream = "application/octet-stream"
	ContentTypeSphere      = "application/sphere"
)

// ProtocolVersion is written into every memo's "version" header.
const ProtocolVersion = "noosphere-v1alpha2"

// Header is a single (name, value) pair. Memo.Headers preserves
// insertion order for display; signing canonicalizes by sorting.
type Header struct {
	Name  string `cbor:"name"`
	Value string `cbor:"value"`
}

// Memo is the envelope wrapping every revision of every piece of
// sphere content, including the sphere's own root revision.
type Memo struct {
	Parent  *ipld.Link `cbor:"parent"`
	Headers []Header   `cbor:"headers"`
	Body    ipld.Link  `cbor:"body"`
}

// Get returns the value of the first header named name.
func (m *Memo) Get(name string) (string, bool) {
	for _, h := range m.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// Set replaces (or appends) the header named name.
func (m *Memo) Set(name, value string) {
	for i := range m.Headers {
		if m.Headers[i].Name == name {
			m.Headers[i].Value = value
			return
		}
	}
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// Remove drops the header named name, if present.
func (m *Memo) Remove(name string) {
	out := m.Headers[:0]
	for _, h := range m.Headers {
		if h.Name != name {
			out = append(out, h)
		}
	}
	m.Headers = out
}

// ContentType returns the memo's content-type header.
func (m *Memo) ContentType() string {
	v, _ := m.Get(HeaderContentType)
	return v
}

// canonicalMemo is the shape signed over: headers sorted by name, any
// signature header omitted entirely.
type canonicalMemo struct {
	Parent  *ipld.Link `cbor:"parent"`
	Headers []Header   `cbor:"headers"`
	Body    ipld.Link  `cbor:"body"`
}

// Canonicalize deterministically encodes m for signing: headers sorted
// by name then value, with any "signature" header omitted.
func (m *Memo) Canonicalize() ([]byte, error) {
	headers := make([]Header, 0, len(m.Headers))
	for _, h := range m.Headers {
		if h.Name == HeaderSignature {
			continue
		}
		headers = append(headers, h)
	}
	sort.Slice(headers, func(i, j int) bool {
		if headers[i].Name != headers[j].Name {
			return headers[i].Name < headers[j].Name
		}
		return headers[i].Value < headers[j].Value
	})
	return ipld.Marshal(canonicalMemo{Parent: m.Parent, Headers: headers, Body: m.Body})
}

// Encode serializes m in its stored form (headers in original order,
// signature header included once present).
func (m *Memo) Encode() ([]byte, error) {
	return ipld.Marshal(m)
}

// Decode parses a stored memo block.
func Decode(data []byte) (*Memo, error) {
	var m Memo
	if err := ipld.Unmarshal(data, &m); err != nil {
		return nil, errs.Wrap(errs.Validation, err, "decode memo")
	}
	return &m, nil
}

// SphereBody is the payload a sphere's own memo chain points its Body
// link at: the sphere's stable DID plus the three HAMT roots holding
// its content, address book, and authority state. AllowedRoot and
// RevokedRoot together form the authority pair described in spec §3.
type SphereBody struct {
	Identity    string     `cbor:"identity"`
	ContentRoot *ipld.Link `cbor:"content_root"`
	AddressBook *ipld.Link `cbor:"address_book_root"`
	AllowedRoot *ipld.Link `cbor:"allowed_root"`
	RevokedRoot *ipld.Link `cbor:"revoked_root"`
}

// Encode serializes the sphere body.
func (b *SphereBody) Encode() ([]byte, error) { return ipld.Marshal(b) }

// DecodeSphereBody parses a stored sphere-body block.
func DecodeSphereBody(data []byte) (*SphereBody, error) {
	var b SphereBody
	if err := ipld.Unmarshal(data, &b); err != nil {
		return nil, errs.Wrap(errs.Validation, err, "decode sphere body")
	}
	return &b, nil
}

// BodyChunk is one segment of an opaque content body split across
// multiple blocks; Next is nil for the final chunk.
type BodyChunk struct {
	Bytes []byte     `cbor:"bytes"`
	Next  *ipld.Link `cbor:"next"`
}

// Encode serializes the chunk.
func (c *BodyChunk) Encode() ([]byte, error) { return ipld.Marshal(c) }

// DecodeBodyChunk parses a stored body-chunk block.
func DecodeBodyChunk(data []byte) (*BodyChunk, error) {
	var c BodyChunk
	if err := ipld.Unmarshal(data, &c); err != nil {
		return nil, errs.Wrap(errs.Validation, err, "decode body chunk")
	}
	return &c, nil
}

// Identity is an address-book entry: a peer sphere's stable DID plus
// the CID of the latest link record the local sphere has verified for
// it (spec §3's "Identity record"). LinkRecord is nil until a link
// record has ever been resolved for this petname.
type Identity struct {
	DID        string     `cbor:"did"`
	LinkRecord *ipld.Link `cbor:"link_record"`
}

// linkOrUndef resolves an optional link to cid.Undef when nil, for
// callers threading parent/root CIDs through lower layers that use the
// undefined CID as their "absent" sentinel.
func linkOrUndef(l *ipld.Link) cid.Cid {
	if l == nil {
		return cid.Undef
	}
	return l.Cid
}
