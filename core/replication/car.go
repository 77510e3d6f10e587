// Package replication implements the CAR-framed Body and History
// streams (spec §4.7): a header block naming the stream's root CIDs
// followed by varint length-prefixed (cid, bytes) frames, a producer
// for each stream shape, and a consumer that writes received blocks
// and hydrates the range they cover.
package replication

import (
	"bufio"
	"io"

	"github.com/ipfs/go-cid"
	varint "github.com/multiformats/go-varint"

	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/ipld"
)

// Frame is one (cid, bytes) block carried by a CAR stream.
type Frame struct {
	Cid  cid.Cid
	Data []byte
}

type carHeader struct {
	Roots []cid.Cid `cbor:"roots"`
}

// WriteCAR writes a CAR header naming roots, then one frame per value
// received from frames, to w. It returns once frames closes or ctx via
// the caller's own cancellation of the frames producer.
func WriteCAR(w io.Writer, roots []cid.Cid, frames <-chan Frame) error {
	bw := bufio.NewWriter(w)

	headerBytes, err := ipld.Marshal(carHeader{Roots: roots})
	if err != nil {
		return errs.Wrap(errs.Internal, err, "encode car header")
	}
	if err := writeSection(bw, headerBytes); err != nil {
		return err
	}

	for f := range frames {
		section := append(f.Cid.Bytes(), f.Data...)
		if err := writeSection(bw, section); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// PrependFrame returns a channel yielding root first, then every frame
// forwarded from rest until it closes. It splices a synthetic root
// block (a PushBody or PushResponse) onto the front of a history
// closure so WriteCAR's frames line up with the root CID named in its
// header, per spec §4.8 step 5/§6's CAR-root convention.
func PrependFrame(root Frame, rest <-chan Frame) <-chan Frame {
	out := make(chan Frame)
	go func() {
		defer close(out)
		out <- root
		for f := range rest {
			out <- f
		}
	}()
	return out
}

func writeSection(w *bufio.Writer, section []byte) error {
	if _, err := varint.WriteUvarint(w, uint64(len(section))); err != nil {
		return errs.Wrap(errs.Network, err, "write car section length")
	}
	if _, err := w.Write(section); err != nil {
		return errs.Wrap(errs.Network, err, "write car section")
	}
	return nil
}

// ReadCAR parses a CAR stream from r, returning its declared roots and
// a channel of frames. The frame channel closes when r is exhausted;
// any error is sent on the returned error channel before it closes.
func ReadCAR(r io.Reader) ([]cid.Cid, <-chan Frame, <-chan error) {
	br := bufio.NewReader(r)
	out := make(chan Frame)
	errc := make(chan error, 1)

	headerBytes, err := readSection(br)
	if err != nil {
		close(out)
		errc <- err
		close(errc)
		return nil, out, errc
	}
	var header carHeader
	if err := ipld.Unmarshal(headerBytes, &header); err != nil {
		close(out)
		errc <- errs.Wrap(errs.Validation, err, "decode car header")
		close(errc)
		return nil, out, errc
	}

	go func() {
		defer close(out)
		defer close(errc)
		for {
			section, err := readSection(br)
			if err == io.EOF {
				return
			}
			if err != nil {
				errc <- err
				return
			}
			c, n, err := cid.CidFromBytes(section)
			if err != nil {
				errc <- errs.Wrap(errs.Validation, err, "decode car frame cid")
				return
			}
			out <- Frame{Cid: c, Data: section[n:]}
		}
	}()

	return header.Roots, out, errc
}

func readSection(br *bufio.Reader) ([]byte, error) {
	length, err := varint.ReadUvarint(br)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errs.Wrap(errs.Network, err, "read car section length")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, errs.Wrap(errs.Network, err, "read car section")
	}
	return buf, nil
}
