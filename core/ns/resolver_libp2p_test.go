package ns

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/subconscious-network/noosphere/core/did"
)

func TestLibP2PResolverPublishThenResolveRoundTrips(t *testing.T) {
	ctx := context.Background()

	server, err := NewLibP2PResolver("", true)
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })
	serverAddr, ok := server.Addr()
	require.True(t, ok)

	client, err := NewLibP2PResolver(serverAddr, false)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	key, err := did.Generate()
	require.NoError(t, err)
	subject := key.DID()

	_, ok, err := client.Resolve(ctx, subject)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, client.Publish(ctx, subject, "bafysomerecord"))

	raw, ok, err := client.Resolve(ctx, subject)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "bafysomerecord", raw)
}

func TestLibP2PResolverSatisfiesResolverInterface(t *testing.T) {
	var _ Resolver = (*LibP2PResolver)(nil)
}
