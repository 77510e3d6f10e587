package memo

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/ipld"
)

// DefaultChunkSize bounds how many raw bytes go into a single
// BodyChunk block before the remainder is linked off as Next.
const DefaultChunkSize = 1 << 18 // 256 KiB

// PutMemo encodes and stores m, returning its CID.
func PutMemo(ctx context.Context, s block.Store, m *Memo) (cid.Cid, error) {
	data, err := m.Encode()
	if err != nil {
		return cid.Undef, errs.Wrap(errs.Internal, err, "encode memo")
	}
	c, err := block.Sum(block.CodecDagCBOR, block.HashBlake3, data)
	if err != nil {
		return cid.Undef, err
	}
	if err := s.PutLinks(ctx, c, data, block.CodecDagCBOR); err != nil {
		return cid.Undef, err
	}
	return c, nil
}

// GetMemo loads and decodes the memo at c.
func GetMemo(ctx context.Context, s block.Store, c cid.Cid) (*Memo, error) {
	data, ok, err := s.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Newf(errs.MissingBlock, "memo block %s not found", c)
	}
	return Decode(data)
}

// PutSphereBody encodes and stores b, returning its CID.
func PutSphereBody(ctx context.Context, s block.Store, b *SphereBody) (cid.Cid, error) {
	data, err := b.Encode()
	if err != nil {
		return cid.Undef, errs.Wrap(errs.Internal, err, "encode sphere body")
	}
	c, err := block.Sum(block.CodecDagCBOR, block.HashBlake3, data)
	if err != nil {
		return cid.Undef, err
	}
	if err := s.PutLinks(ctx, c, data, block.CodecDagCBOR); err != nil {
		return cid.Undef, err
	}
	return c, nil
}

// GetSphereBody loads and decodes the sphere body at c.
func GetSphereBody(ctx context.Context, s block.Store, c cid.Cid) (*SphereBody, error) {
	data, ok, err := s.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Newf(errs.MissingBlock, "sphere body block %s not found", c)
	}
	return DecodeSphereBody(data)
}

// WriteBody splits content into a linked list of BodyChunk blocks no
// larger than chunkSize each, stores them, and returns the CID of the
// head chunk. A chunkSize <= 0 uses DefaultChunkSize.
func WriteBody(ctx context.Context, s block.Store, content []byte, chunkSize int) (cid.Cid, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if len(content) == 0 {
		return putChunk(ctx, s, BodyChunk{})
	}

	// Build tail-to-head so each chunk's Next can be set before storing.
	var segments [][]byte
	for off := 0; off < len(content); off += chunkSize {
		end := off + chunkSize
		if end > len(content) {
			end = len(content)
		}
		segments = append(segments, content[off:end])
	}

	var next *ipld.Link
	var head cid.Cid
	for i := len(segments) - 1; i >= 0; i-- {
		c, err := putChunk(ctx, s, BodyChunk{Bytes: segments[i], Next: next})
		if err != nil {
			return cid.Undef, err
		}
		head = c
		l := ipld.NewLink(c)
		next = &l
	}
	return head, nil
}

func putChunk(ctx context.Context, s block.Store, c BodyChunk) (cid.Cid, error) {
	data, err := c.Encode()
	if err != nil {
		return cid.Undef, errs.Wrap(errs.Internal, err, "encode body chunk")
	}
	sum, err := block.Sum(block.CodecDagCBOR, block.HashBlake3, data)
	if err != nil {
		return cid.Undef, err
	}
	if err := s.PutLinks(ctx, sum, data, block.CodecDagCBOR); err != nil {
		return cid.Undef, err
	}
	return sum, nil
}

// ReadBody walks the chunk list starting at head and concatenates its
// bytes.
func ReadBody(ctx context.Context, s block.Store, head cid.Cid) ([]byte, error) {
	var out []byte
	cur := head
	for {
		data, ok, err := s.Get(ctx, cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errs.Newf(errs.MissingBlock, "body chunk %s not found", cur)
		}
		chunk, err := DecodeBodyChunk(data)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk.Bytes...)
		if chunk.Next == nil {
			break
		}
		cur = chunk.Next.Cid
	}
	return out, nil
}
