package rbac

import "encoding/json"

// Tier is a caller's effective access level on one library node.
// Tiers are totally ordered: None < Read < Write < Admin < Owner.
type Tier int

type Action string

const (
	TierNone Tier = iota
	TierRead
	TierWrite
	TierAdmin
	TierOwner
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionManage Action = "manage"
)

func (t Tier) String() string {
	switch t {
	case TierRead:
		return "read"
	case TierWrite:
		return "write"
	case TierAdmin:
		return "admin"
	case TierOwner:
		return "owner"
	default:
		return "none"
	}
}

func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t Tier) AtLeast(other Tier) bool {
	return t >= other
}

// ParseTier accepts the tiers a collaborator row may hold. Owner is derived
// from authorship, never stored, so it does not parse.
func ParseTier(value string) (Tier, bool) {
	switch value {
	case "read":
		return TierRead, true
	case "write":
		return TierWrite, true
	case "admin":
		return TierAdmin, true
	default:
		return TierNone, false
	}
}

// Grant is everything resolution needs to know about one node.
type Grant struct {
	Found            bool
	OwnerID          string
	IsPublic         bool
	CollaboratorTier Tier
}

// Resolve applies, in order: ownership, an explicit collaborator grant,
// public visibility. The first rule that matches wins.
func Resolve(grant Grant, userID string) Tier {
	if !grant.Found {
		return TierNone
	}
	if userID != "" && grant.OwnerID == userID {
		return TierOwner
	}
	if grant.CollaboratorTier != TierNone {
		return grant.CollaboratorTier
	}
	if grant.IsPublic {
		return TierRead
	}
	return TierNone
}

// Can reports whether tier permits action. Manage covers deleting a library
// and changing its collaborators; only the owner may do either.
func Can(tier Tier, action Action) bool {
	switch action {
	case ActionRead:
		return tier >= TierRead
	case ActionWrite:
		return tier >= TierWrite
	case ActionManage:
		return tier == TierOwner
	default:
		return false
	}
}

// Visible reports whether a node may be acknowledged to the caller at all.
func Visible(tier Tier) bool {
	return tier != TierNone
}
