// Package authority implements the UCAN-based capability model that
// gates every sphere write: capability semantics (resource/ability
// dominance, caveat superset checks), delegation-chain construction
// and reduction, and revocation checking (spec §4.4).
package authority

import (
	"encoding/json"
	"strings"

	"github.com/subconscious-network/noosphere/core/errs"
)

// Ability is one of the four sphere operations a capability may grant,
// in the dominance order authorize > publish > push > fetch.
type Ability string

const (
	AbilityFetch     Ability = "fetch"
	AbilityPush      Ability = "push"
	AbilityPublish   Ability = "publish"
	AbilityAuthorize Ability = "authorize"
)

var abilityRank = map[Ability]int{
	AbilityFetch:     0,
	AbilityPush:      1,
	AbilityPublish:   2,
	AbilityAuthorize: 3,
}

// Dominates reports whether a holder of ability a may also exercise
// ability b (a is at least as powerful as b).
func (a Ability) Dominates(b Ability) bool {
	ra, ok := abilityRank[a]
	if !ok {
		return false
	}
	rb, ok := abilityRank[b]
	if !ok {
		return false
	}
	return ra >= rb
}

// Valid reports whether a is one of the four known abilities.
func (a Ability) Valid() bool {
	_, ok := abilityRank[a]
	return ok
}

// SphereResource formats the capability resource for a sphere DID.
func SphereResource(sphereDID string) string {
	return "sphere:" + sphereDID
}

// Capability is a (resource, ability) pair, e.g. ("sphere:did:key:z...", "push").
type Capability struct {
	Resource string  `json:"resource"`
	Ability  Ability `json:"ability"`
}

// Enables reports whether a holder of cap may exercise requested: the
// resources must match exactly and cap's ability must dominate
// requested's.
func (cap Capability) Enables(requested Capability) bool {
	return cap.Resource == requested.Resource && cap.Ability.Dominates(requested.Ability)
}

// Caveat restricts a delegated capability with arbitrary JSON.
type Caveat map[string]interface{}

// Enables reports whether proof (the caveat on the proof/parent UCAN)
// enables derived (the caveat on the delegated capability): derived
// must be at least as restrictive, i.e. every key present in proof
// must also be present in derived with an equal value (spec §4.4
// superset semantics). An empty proof caveat enables anything.
func (proof Caveat) Enables(derived Caveat) bool {
	for k, pv := range proof {
		dv, ok := derived[k]
		if !ok {
			return false
		}
		if !jsonEqual(pv, dv) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b interface{}) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

// ParseCapabilityAbility maps a request like "push" onto an Ability,
// erroring on anything outside the closed set.
func ParseCapabilityAbility(s string) (Ability, error) {
	a := Ability(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", errs.Newf(errs.Validation, "unknown ability %q", s)
	}
	return a, nil
}
