// Package account defines the domain types shared by the cache, the API
// client and the processing pipeline: account profiles, relationship
// snapshots and the result of resolving a target identifier.
package account

import "bulkblock.org/classify"

// Profile is the subset of an account profile the pipeline needs.
type Profile struct {
	ID          string             `json:"id"`
	ScreenName  string             `json:"screen_name"`
	DisplayName string             `json:"display_name,omitempty"`
	State       classify.UserState `json:"state"`
	Protected   bool               `json:"protected,omitempty"`
	Verified    bool               `json:"verified,omitempty"`
}

// Relationship is the caller-to-target relationship snapshot.
type Relationship struct {
	Following  bool `json:"following,omitempty"`
	FollowedBy bool `json:"followed_by,omitempty"`
	Blocking   bool `json:"blocking,omitempty"`
	BlockedBy  bool `json:"blocked_by,omitempty"`
	Muting     bool `json:"muting,omitempty"`
}

// Resolved is a fully resolved target: profile plus relationship. For
// unavailable accounts the relationship is zero and State says why.
type Resolved struct {
	Profile      Profile      `json:"profile"`
	Relationship Relationship `json:"relationship"`
}

// Blockable reports whether the account is in a state the block endpoint
// accepts.
func (r *Resolved) Blockable() bool {
	return r.Profile.State == classify.StateActive
}

// SkipReason returns the safety-filter reason to skip this target, or ""
// when a block call is warranted.
func (r *Resolved) SkipReason() string {
	switch {
	case r.Relationship.Blocking:
		return "blocking"
	case r.Relationship.Following:
		return "following"
	case r.Relationship.FollowedBy:
		return "followed_by"
	}
	return ""
}
