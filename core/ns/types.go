// Package ns implements the Name System Adapter (spec §4.9): a thin
// consumer of a resolve/publish DHT-like interface that runs three
// long-lived tasks per managed sphere — periodic publisher, periodic
// resolver, on-demand resolver — and applies the record supersession
// rule before writing a resolved petname's link record into a sphere.
package ns

import (
	"context"

	"github.com/subconscious-network/noosphere/core/did"
)

// Resolver is the peer-to-peer DHT-like backend the adapter consumes.
// Resolve returns the raw link-record UCAN currently advertised for a
// DID, or ok=false if nothing is published.
type Resolver interface {
	Resolve(ctx context.Context, subject did.DID) (raw string, ok bool, err error)
	Publish(ctx context.Context, subject did.DID, raw string) error
}

