package access

import "strings"

// Role names a capacity an actor holds on a resource server or the platform.
type Role string

const (
	RoleConsumer      Role = "consumer"
	RoleProvider      Role = "provider"
	RoleDelegate      Role = "delegate"
	RoleServerAdmin   Role = "admin"
	RolePlatformAdmin Role = "platform_admin"
	RoleTrustee       Role = "trustee"
)

// ParseRole normalizes a requested role name. Unknown names come back as-is
// so the decision engine can reject them with a precise message.
func ParseRole(raw string) Role {
	return Role(strings.ToLower(strings.TrimSpace(raw)))
}

var knownRoles = map[Role]bool{
	RoleConsumer:      true,
	RoleProvider:      true,
	RoleDelegate:      true,
	RoleServerAdmin:   true,
	RolePlatformAdmin: true,
	RoleTrustee:       true,
}

// Known reports whether the role is one the platform defines.
func (r Role) Known() bool { return knownRoles[r] }

// ItemType classifies what a credential is requested for.
type ItemType string

const (
	ItemResource       ItemType = "RESOURCE"
	ItemResourceGroup  ItemType = "RESOURCE_GROUP"
	ItemResourceServer ItemType = "RESOURCE_SERVER"
	ItemPlatform       ItemType = "PLATFORM"
)

// ParseItemType normalizes a requested item type.
func ParseItemType(raw string) ItemType {
	return ItemType(strings.ToUpper(strings.TrimSpace(raw)))
}

// Actor is the authenticated caller with its approved roles. Roles maps each
// held role to the resource-server URLs it was approved for; platform-scoped
// roles carry the platform domain. Immutable per request.
type Actor struct {
	ID    string
	Roles map[Role][]string
}

// HasRole reports whether the actor holds the role for any resource server.
func (a Actor) HasRole(role Role) bool {
	return len(a.Roles[role]) > 0
}

// HasRoleFor reports whether the actor holds the role scoped to the given
// resource-server URL.
func (a Actor) HasRoleFor(role Role, resourceServerURL string) bool {
	for _, url := range a.Roles[role] {
		if url == resourceServerURL {
			return true
		}
	}
	return false
}

// DelegationContext is present only when the requested role is delegate. A
// delegation is valid for exactly one (role, resource server) pair.
type DelegationContext struct {
	DelegatorID       string
	Role              Role
	ResourceServerURL string
}

// ResolveEffectiveActor substitutes the delegator for the delegate: the
// delegation record proves the delegator held the delegated role for the
// named resource server, so the returned actor carries exactly that scope.
// The original actor object is never mutated.
func ResolveEffectiveActor(delegation DelegationContext, original Actor) Actor {
	return Actor{
		ID: delegation.DelegatorID,
		Roles: map[Role][]string{
			delegation.Role: {delegation.ResourceServerURL},
		},
	}
}

// Request describes what credential the caller wants.
type Request struct {
	ItemID       string
	ItemType     ItemType
	Role         Role
	Context      map[string]any
	DelegationID string
}

// GrantDescriptor is the outcome of a successful decision and the sole input
// to resource-credential issuance.
type GrantDescriptor struct {
	ResourceServerURL string
	ItemID            string
	ItemType          ItemType
	ResourceGroupID   string
	Constraints       map[string]any
	DelegatorID       string
	DelegatedRole     Role
	APDConstraints    map[string]any
}

// InteractionContext is the outcome when the APD demands an out-of-band
// interaction before it will allow access. It is not a failure; it mints a
// narrower-scoped credential the APD can correlate a callback with.
type InteractionContext struct {
	SessionID string
	Link      string
	APDURL    string
}

// Outcome carries exactly one of the two success shapes of a decision.
type Outcome struct {
	Grant       *GrantDescriptor
	Interaction *InteractionContext
}
