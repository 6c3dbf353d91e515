// Package access implements the role- and delegation-aware decision logic
// that fronts credential issuance. Static rules (role scope, ownership, PII)
// are decided locally; resources under a dynamic policy defer to the item's
// APD through the protocol client.
package access

import (
	"context"
	"errors"
	"time"

	"dexhub.org/internal/apd"
	"dexhub.org/internal/catalogue"
	"dexhub.org/internal/obs"
	"dexhub.org/internal/problem"
)

// Catalogue fetches resource metadata.
type Catalogue interface {
	Item(ctx context.Context, itemID string) (catalogue.ResourceItem, error)
}

// PolicyPoint consults an APD for a verdict.
type PolicyPoint interface {
	Verify(ctx context.Context, apdBaseURL, bearerToken string, payload apd.VerifyRequest, userClass string) (apd.Verdict, error)
}

// TokenSource mints the internal platform-identity bearer used on APD calls.
type TokenSource interface {
	PlatformToken(audience string) (string, error)
}

// Engine decides access requests. It is stateless and safe for concurrent
// use; every decision is independent and idempotent.
type Engine struct {
	catalogue      Catalogue
	apd            PolicyPoint
	tokens         TokenSource
	platformDomain string
}

// NewEngine wires the decision engine to its collaborators.
func NewEngine(cat Catalogue, policy PolicyPoint, tokens TokenSource, platformDomain string) (*Engine, error) {
	if cat == nil || policy == nil || tokens == nil {
		return nil, errors.New("access: catalogue, policy point and token source are required")
	}
	if platformDomain == "" {
		return nil, errors.New("access: platform domain is required")
	}
	return &Engine{
		catalogue:      cat,
		apd:            policy,
		tokens:         tokens,
		platformDomain: platformDomain,
	}, nil
}

type dispatchKey struct {
	itemType ItemType
	role     Role
}

type dispatchFunc func(ctx context.Context, e *Engine, req Request, delegation *DelegationContext, actor Actor) (Outcome, error)

// The permitted (item type, role) matrix. Pairs absent from this table are
// rejected before any I/O happens.
var dispatch = map[dispatchKey]dispatchFunc{
	{ItemResourceServer, RoleConsumer}:    decideResourceServer,
	{ItemResourceServer, RoleProvider}:    decideResourceServer,
	{ItemResourceServer, RoleServerAdmin}: decideResourceServer,
	{ItemResourceServer, RoleDelegate}:    decideResourceServerDelegated,
	{ItemResource, RoleConsumer}:          decideResourceConsumer,
	{ItemResource, RoleProvider}:          decideResourceProvider,
	{ItemResource, RoleDelegate}:          decideResourceDelegated,
	{ItemPlatform, RolePlatformAdmin}:     decidePlatform,
}

// Decide evaluates a request for an actor and yields either a grant
// descriptor or an APD-interaction context. Denials and validation failures
// are returned as structured problems.
func (e *Engine) Decide(ctx context.Context, req Request, delegation *DelegationContext, actor Actor) (Outcome, error) {
	outcome, err := e.decide(ctx, req, delegation, actor)
	if err != nil {
		obs.ObserveDecision("denied")
		return Outcome{}, err
	}
	if outcome.Interaction != nil {
		obs.ObserveDecision("interaction")
	} else {
		obs.ObserveDecision("granted")
	}
	return outcome, nil
}

func (e *Engine) decide(ctx context.Context, req Request, delegation *DelegationContext, actor Actor) (Outcome, error) {
	// Preconditions, cheapest first, all before any I/O.
	if len(actor.Roles) == 0 {
		return Outcome{}, problem.NotFound("no approved roles")
	}
	if !actor.HasRole(req.Role) {
		return Outcome{}, problem.Forbidden("role not owned")
	}
	if req.Role == RoleDelegate && delegation == nil {
		return Outcome{}, problem.BadRequest("delegation info missing")
	}
	if req.ItemType == ItemResourceGroup {
		return Outcome{}, problem.BadRequest("resource groups are not issuable")
	}
	if req.ItemType == ItemPlatform && req.ItemID != e.platformDomain {
		return Outcome{}, problem.BadRequest("unknown platform identifier")
	}

	handler, ok := dispatch[dispatchKey{req.ItemType, req.Role}]
	if !ok {
		return Outcome{}, problem.Forbidden("role not permitted for item type")
	}
	return handler(ctx, e, req, delegation, actor)
}

// decideResourceServer covers consumer/provider/admin requests for a
// resource-server credential: the actor must hold the role for that URL.
func decideResourceServer(_ context.Context, _ *Engine, req Request, _ *DelegationContext, actor Actor) (Outcome, error) {
	if !actor.HasRoleFor(req.Role, req.ItemID) {
		return Outcome{}, problem.Forbidden("role not approved for this resource server")
	}
	return Outcome{Grant: &GrantDescriptor{
		ResourceServerURL: req.ItemID,
		ItemID:            req.ItemID,
		ItemType:          ItemResourceServer,
		Constraints:       map[string]any{},
	}}, nil
}

func decideResourceServerDelegated(ctx context.Context, e *Engine, req Request, delegation *DelegationContext, _ Actor) (Outcome, error) {
	if delegation.ResourceServerURL != req.ItemID {
		return Outcome{}, problem.Forbidden("delegated resource server does not match item resource server")
	}
	effective := ResolveEffectiveActor(*delegation, Actor{})
	effectiveReq := req
	effectiveReq.Role = delegation.Role
	outcome, err := decideResourceServer(ctx, e, effectiveReq, nil, effective)
	if err != nil {
		return Outcome{}, err
	}
	stampDelegation(outcome.Grant, *delegation)
	return outcome, nil
}

func decideResourceConsumer(ctx context.Context, e *Engine, req Request, _ *DelegationContext, actor Actor) (Outcome, error) {
	item, err := e.fetchItem(ctx, req.ItemID)
	if err != nil {
		return Outcome{}, err
	}
	return e.consumeResource(ctx, req, actor, item)
}

// consumeResource runs the consumer branch against an already-fetched item,
// so the delegated path can reuse it after its own scope check.
func (e *Engine) consumeResource(ctx context.Context, req Request, actor Actor, item catalogue.ResourceItem) (Outcome, error) {
	if !actor.HasRoleFor(RoleConsumer, item.ResourceServerURL) {
		return Outcome{}, problem.Forbidden("consumer role not approved for this resource server")
	}

	grant := &GrantDescriptor{
		ResourceServerURL: item.ResourceServerURL,
		ItemID:            item.ID,
		ItemType:          ItemResource,
		ResourceGroupID:   item.ResourceGroupID,
		Constraints:       map[string]any{},
	}

	if item.Policy == catalogue.PolicyOpen {
		return Outcome{Grant: grant}, nil
	}

	verdict, err := e.consultAPD(ctx, req, actor, item)
	if err != nil {
		return Outcome{}, err
	}
	switch verdict.Kind() {
	case apd.KindAllow:
		grant.Constraints = verdict.Constraints()
		grant.APDConstraints = verdict.Constraints()
		return Outcome{Grant: grant}, nil
	case apd.KindDeny:
		return Outcome{}, problem.Forbidden("access denied").WithDetail("%s", verdict.Detail())
	case apd.KindDenyNeedsInteraction:
		return Outcome{Interaction: &InteractionContext{
			SessionID: verdict.SessionID(),
			Link:      verdict.Link(),
			APDURL:    item.APDURL,
		}}, nil
	default:
		return Outcome{}, problem.Internal()
	}
}

func decideResourceProvider(ctx context.Context, e *Engine, req Request, _ *DelegationContext, actor Actor) (Outcome, error) {
	item, err := e.fetchItem(ctx, req.ItemID)
	if err != nil {
		return Outcome{}, err
	}
	return e.provideResource(req, actor, item)
}

// provideResource grants providers their own non-PII resources directly;
// providers are never subject to the APD.
func (e *Engine) provideResource(_ Request, actor Actor, item catalogue.ResourceItem) (Outcome, error) {
	if !actor.HasRoleFor(RoleProvider, item.ResourceServerURL) {
		return Outcome{}, problem.Forbidden("provider role not approved for this resource server")
	}
	if actor.ID != item.OwnerID {
		return Outcome{}, problem.Forbidden("provider does not own this resource")
	}
	if item.PII {
		return Outcome{}, problem.Forbidden("provider cannot access PII resource")
	}
	return Outcome{Grant: &GrantDescriptor{
		ResourceServerURL: item.ResourceServerURL,
		ItemID:            item.ID,
		ItemType:          ItemResource,
		ResourceGroupID:   item.ResourceGroupID,
		Constraints:       map[string]any{},
	}}, nil
}

func decideResourceDelegated(ctx context.Context, e *Engine, req Request, delegation *DelegationContext, _ Actor) (Outcome, error) {
	if delegation.Role != RoleConsumer && delegation.Role != RoleProvider {
		return Outcome{}, problem.BadRequest("delegated role is not issuable for resources")
	}

	item, err := e.fetchItem(ctx, req.ItemID)
	if err != nil {
		return Outcome{}, err
	}
	// Delegation is resource-server-scoped, not item-scoped: a mismatch is
	// rejected here, before any APD involvement.
	if item.ResourceServerURL != delegation.ResourceServerURL {
		return Outcome{}, problem.Forbidden("delegated resource server does not match item resource server")
	}

	effective := ResolveEffectiveActor(*delegation, Actor{})
	var outcome Outcome
	if delegation.Role == RoleConsumer {
		outcome, err = e.consumeResource(ctx, req, effective, item)
	} else {
		outcome, err = e.provideResource(req, effective, item)
	}
	if err != nil {
		return Outcome{}, err
	}
	stampDelegation(outcome.Grant, *delegation)
	return outcome, nil
}

func decidePlatform(_ context.Context, e *Engine, req Request, _ *DelegationContext, actor Actor) (Outcome, error) {
	if !actor.HasRoleFor(RolePlatformAdmin, e.platformDomain) {
		return Outcome{}, problem.Forbidden("platform admin role not approved")
	}
	return Outcome{Grant: &GrantDescriptor{
		ResourceServerURL: e.platformDomain,
		ItemID:            e.platformDomain,
		ItemType:          ItemPlatform,
		Constraints:       map[string]any{},
	}}, nil
}

func stampDelegation(grant *GrantDescriptor, delegation DelegationContext) {
	if grant == nil {
		return
	}
	grant.DelegatorID = delegation.DelegatorID
	grant.DelegatedRole = delegation.Role
}

func (e *Engine) fetchItem(ctx context.Context, itemID string) (catalogue.ResourceItem, error) {
	item, err := e.catalogue.Item(ctx, itemID)
	if err != nil {
		if errors.Is(err, catalogue.ErrNotFound) {
			return catalogue.ResourceItem{}, problem.NotFound("resource not found")
		}
		logUpstream("catalogue", err)
		return catalogue.ResourceItem{}, problem.Upstream("catalogue did not respond correctly")
	}
	return item, nil
}

// consultAPD mints a fresh platform-identity token and performs exactly one
// verify call. Any protocol failure becomes the generic upstream problem;
// the underlying cause only reaches the server log.
func (e *Engine) consultAPD(ctx context.Context, req Request, actor Actor, item catalogue.ResourceItem) (apd.Verdict, error) {
	bearer, err := e.tokens.PlatformToken(item.APDURL)
	if err != nil {
		logUpstream("apd", err)
		return apd.Verdict{}, problem.Internal()
	}

	payload := apd.VerifyRequest{
		User:  apd.Party{ID: actor.ID},
		Owner: apd.Party{ID: item.OwnerID},
		Item: apd.ItemRef{
			ID:                item.ID,
			ResourceGroupID:   item.ResourceGroupID,
			ResourceServerURL: item.ResourceServerURL,
		},
		Context: req.Context,
	}
	verdict, err := e.apd.Verify(ctx, item.APDURL, bearer, payload, string(RoleConsumer))
	if err != nil {
		logUpstream("apd", err)
		return apd.Verdict{}, problem.Upstream("access policy decision point did not respond correctly")
	}
	return verdict, nil
}

func logUpstream(upstream string, err error) {
	obs.LogEntry(map[string]any{
		"ts":       time.Now().UTC().Format(time.RFC3339Nano),
		"level":    "error",
		"msg":      "upstream call failed",
		"upstream": upstream,
		"error":    err.Error(),
	})
}
