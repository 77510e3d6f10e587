package ipld

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/subconscious-network/noosphere/core/block"
)

type linkPair struct {
	Name string `cbor:"name"`
	To   Link   `cbor:"to"`
}

func TestLinkRoundTrip(t *testing.T) {
	c, err := block.Sum(block.CodecRaw, block.HashSHA2_256, []byte("target"))
	require.NoError(t, err)

	in := linkPair{Name: "parent", To: NewLink(c)}
	encoded, err := Marshal(in)
	require.NoError(t, err)

	var out linkPair
	require.NoError(t, Unmarshal(encoded, &out))
	require.Equal(t, in.Name, out.Name)
	require.True(t, in.To.Cid.Equals(out.To.Cid))
}

func TestExtractLinksNested(t *testing.T) {
	a, err := block.Sum(block.CodecRaw, block.HashSHA2_256, []byte("a"))
	require.NoError(t, err)
	b, err := block.Sum(block.CodecRaw, block.HashSHA2_256, []byte("b"))
	require.NoError(t, err)

	type nested struct {
		Children []Link         `cbor:"children"`
		Extra    map[string]Link `cbor:"extra"`
	}
	v := nested{
		Children: []Link{NewLink(a)},
		Extra:    map[string]Link{"other": NewLink(b)},
	}
	encoded, err := Marshal(v)
	require.NoError(t, err)

	links, err := ExtractLinks(encoded)
	require.NoError(t, err)
	require.Len(t, links, 2)

	seen := map[string]bool{}
	for _, l := range links {
		seen[l.String()] = true
	}
	require.True(t, seen[a.String()])
	require.True(t, seen[b.String()])
}

func TestExtractLinksRegisteredWithBlockStore(t *testing.T) {
	payload, err := block.Sum(block.CodecRaw, block.HashSHA2_256, []byte("payload"))
	require.NoError(t, err)

	type memoLike struct {
		Body Link `cbor:"body"`
	}
	encoded, err := Marshal(memoLike{Body: NewLink(payload)})
	require.NoError(t, err)

	root, err := block.Sum(block.CodecDagCBOR, block.HashSHA2_256, encoded)
	require.NoError(t, err)

	s := block.NewMemoryStore()
	require.NoError(t, s.PutLinks(context.Background(), root, encoded, block.CodecDagCBOR))
}
