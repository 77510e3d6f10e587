// Package sync implements the Sync Protocol (spec §4.8): a client-side
// handshake/fetch/rebase/push strategy and the gateway-side
// accept/reconcile/record counterpart. The gateway maintains one
// "directory" sphere per deployment whose content map is a registry of
// every hosted sphere's latest known tip (spec's "counterpart sphere").
package sync

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/ipld"
)

// IdentifyResponse is returned by GET /identify (spec §4.8 step 1).
type IdentifyResponse struct {
	GatewayIdentity     string `json:"gatewayIdentity" cbor:"gatewayIdentity"`
	SphereIdentity      string `json:"sphereIdentity" cbor:"sphereIdentity"`
	CounterpartIdentity string `json:"counterpartIdentity" cbor:"counterpartIdentity"`
}

// PushBody is the root block of a PUT /push CAR stream (spec §4.8
// step 5, §6).
type PushBody struct {
	Sphere         string   `cbor:"sphere"`
	LocalBase      *cid.Cid `cbor:"local_base"`
	LocalTip       cid.Cid  `cbor:"local_tip"`
	CounterpartTip *cid.Cid `cbor:"counterpart_tip"`
	NameRecord     *string  `cbor:"name_record"`
}

// PushResponse is the root block of a push's CAR-framed response.
type PushResponse struct {
	Kind   string   `cbor:"kind"` // "accepted" | "no_change"
	NewTip *cid.Cid `cbor:"new_tip,omitempty"`
}

const (
	PushResponseAccepted = "accepted"
	PushResponseNoChange = "no_change"
)

// EncodePushBody canonically encodes body and computes the CID it is
// addressed by as a CAR stream's root block (spec §4.8 step 5, §6:
// "the stream's CAR root is the CID of this block").
func EncodePushBody(body *PushBody) (cid.Cid, []byte, error) {
	data, err := ipld.Marshal(body)
	if err != nil {
		return cid.Undef, nil, errs.Wrap(errs.Internal, err, "encode push body")
	}
	c, err := block.Sum(block.CodecDagCBOR, block.HashBlake3, data)
	if err != nil {
		return cid.Undef, nil, err
	}
	return c, data, nil
}

// DecodePushBody parses a push body root block.
func DecodePushBody(data []byte) (*PushBody, error) {
	var body PushBody
	if err := ipld.Unmarshal(data, &body); err != nil {
		return nil, errs.Wrap(errs.Validation, err, "decode push body")
	}
	return &body, nil
}

// EncodePushResponse canonically encodes resp and computes the CID a
// push response CAR stream's root block is addressed by.
func EncodePushResponse(resp *PushResponse) (cid.Cid, []byte, error) {
	data, err := ipld.Marshal(resp)
	if err != nil {
		return cid.Undef, nil, errs.Wrap(errs.Internal, err, "encode push response")
	}
	c, err := block.Sum(block.CodecDagCBOR, block.HashBlake3, data)
	if err != nil {
		return cid.Undef, nil, err
	}
	return c, data, nil
}

// DecodePushResponse parses a push response root block.
func DecodePushResponse(data []byte) (*PushResponse, error) {
	var resp PushResponse
	if err := ipld.Unmarshal(data, &resp); err != nil {
		return nil, errs.Wrap(errs.Validation, err, "decode push response")
	}
	return &resp, nil
}

// NamePublisher is the capability core/ns.Adapter provides back to the
// gateway push handler so an accepted name_record gets published to
// the name system (spec §4.8's "publish name_record to the name
// system"). Declared here rather than imported to keep core/sync free
// of a dependency on core/ns.
type NamePublisher interface {
	Publish(ctx context.Context, record string) error
}
