package block

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

func TestSumIsDeterministic(t *testing.T) {
	c1, err := Sum(CodecRaw, HashSHA2_256, []byte("hello"))
	require.NoError(t, err)
	c2, err := Sum(CodecRaw, HashSHA2_256, []byte("hello"))
	require.NoError(t, err)
	require.True(t, c1.Equals(c2))

	c3, err := Sum(CodecRaw, HashBlake3, []byte("hello"))
	require.NoError(t, err)
	require.False(t, c1.Equals(c3))
}

func testStoreRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	data := []byte("sphere content")
	c, err := Sum(CodecRaw, HashSHA2_256, data)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, c, data))

	got, ok, err := s.Get(ctx, c)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, data, got)

	missing, err := Sum(CodecRaw, HashSHA2_256, []byte("never stored"))
	require.NoError(t, err)
	_, ok, err = s.Get(ctx, missing)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetVersion(ctx, "did:key:zExample", c))
	v, ok, err := s.GetVersion(ctx, "did:key:zExample")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, v.Equals(c))
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	testStoreRoundTrip(t, NewMemoryStore())
}

func TestBoltStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenBoltStore(filepath.Join(dir, "blocks.db"))
	require.NoError(t, err)
	defer s.Close()
	testStoreRoundTrip(t, s)
}

func TestStreamLinksBreadthFirst(t *testing.T) {
	RegisterLinkExtractor(CodecDagCBOR, func(data []byte) ([]cid.Cid, error) {
		// Test-only extractor: treats data as a single encoded CID.
		if len(data) == 0 {
			return nil, nil
		}
		c, err := cid.Cast(data)
		if err != nil {
			return nil, nil
		}
		return []cid.Cid{c}, nil
	})

	ctx := context.Background()
	s := NewMemoryStore()

	leaf, err := Sum(CodecRaw, HashSHA2_256, []byte("leaf"))
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, leaf, []byte("leaf")))

	mid, err := Sum(CodecDagCBOR, HashSHA2_256, leaf.Bytes())
	require.NoError(t, err)
	require.NoError(t, s.PutLinks(ctx, mid, leaf.Bytes(), CodecDagCBOR))

	root, err := Sum(CodecDagCBOR, HashSHA2_256, mid.Bytes())
	require.NoError(t, err)
	require.NoError(t, s.PutLinks(ctx, root, mid.Bytes(), CodecDagCBOR))

	out, errc := s.StreamLinks(ctx, root)
	var seen []cid.Cid
	for c := range out {
		seen = append(seen, c)
	}
	require.NoError(t, <-errc)
	require.Equal(t, []cid.Cid{root, mid, leaf}, seen)
}
