package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"dexhub.org/internal/access"
	"dexhub.org/internal/audit"
	"dexhub.org/internal/obs"
	"dexhub.org/internal/problem"
	"dexhub.org/internal/store/pg"
)

type accessRequest struct {
	UserID       string         `json:"user_id"`
	ItemID       string         `json:"item_id"`
	ItemType     string         `json:"item_type"`
	Role         string         `json:"role"`
	DelegationID string         `json:"delegation_id,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

type accessResponse struct {
	Token     string    `json:"token"`
	Audience  string    `json:"audience"`
	ExpiresAt time.Time `json:"expires_at"`

	// Present only when the policy decision point demands an interaction.
	SessionID string `json:"session_id,omitempty"`
	Link      string `json:"link,omitempty"`
}

func (a *API) handleAccess(w http.ResponseWriter, r *http.Request) {
	var req accessRequest
	if err := decodeJSON(r, &req); err != nil {
		writeProblem(w, problem.BadRequest("malformed request body").WithDetail("%s", err.Error()))
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeProblem(w, problem.BadRequest("user_id is required"))
		return
	}
	if strings.TrimSpace(req.ItemID) == "" {
		writeProblem(w, problem.BadRequest("item_id is required"))
		return
	}
	role := access.ParseRole(req.Role)
	if !role.Known() {
		writeProblem(w, problem.BadRequest("unknown role"))
		return
	}
	itemType := access.ParseItemType(req.ItemType)
	switch itemType {
	case access.ItemResource, access.ItemResourceGroup, access.ItemResourceServer, access.ItemPlatform:
	default:
		writeProblem(w, problem.BadRequest("unknown item type"))
		return
	}

	ctx := r.Context()
	actor, err := a.store.Actor(ctx, req.UserID)
	if err != nil {
		logStoreError("load actor", err)
		writeProblem(w, problem.Internal())
		return
	}

	var delegation *access.DelegationContext
	if req.DelegationID != "" {
		record, err := a.store.Delegation(ctx, req.DelegationID)
		if err != nil {
			if errors.Is(err, pg.ErrNotFound) {
				writeProblem(w, problem.Forbidden("delegation not active"))
				return
			}
			logStoreError("load delegation", err)
			writeProblem(w, problem.Internal())
			return
		}
		if record.DelegateID != req.UserID {
			writeProblem(w, problem.Forbidden("delegation does not name this delegate"))
			return
		}
		dc := record.Context()
		delegation = &dc
	}

	decisionReq := access.Request{
		ItemID:       req.ItemID,
		ItemType:     itemType,
		Role:         role,
		Context:      req.Context,
		DelegationID: req.DelegationID,
	}
	outcome, err := a.engine.Decide(ctx, decisionReq, delegation, actor)
	if err != nil {
		p := problem.From(err)
		_ = audit.LogEvent(ctx, "access.denied", map[string]any{
			"user_id":   req.UserID,
			"item_id":   req.ItemID,
			"item_type": string(itemType),
			"role":      string(role),
			"status":    p.Status,
			"title":     p.Title,
		})
		writeProblem(w, p)
		return
	}

	if outcome.Interaction != nil {
		token, err := a.issuer.IssueInteractionToken(req.UserID, *outcome.Interaction)
		if err != nil {
			logStoreError("issue interaction token", err)
			writeProblem(w, problem.Internal())
			return
		}
		_ = audit.LogEvent(ctx, "access.interaction", map[string]any{
			"user_id":    req.UserID,
			"item_id":    req.ItemID,
			"session_id": outcome.Interaction.SessionID,
		})
		writeJSON(w, http.StatusOK, accessResponse{
			Token:     token.Value,
			Audience:  token.Audience,
			ExpiresAt: token.ExpiresAt,
			SessionID: outcome.Interaction.SessionID,
			Link:      outcome.Interaction.Link,
		})
		return
	}

	token, err := a.issuer.IssueResourceToken(req.UserID, role, *outcome.Grant)
	if err != nil {
		logStoreError("issue resource token", err)
		writeProblem(w, problem.Internal())
		return
	}
	_ = audit.LogEvent(ctx, "access.granted", map[string]any{
		"user_id":   req.UserID,
		"item_id":   req.ItemID,
		"item_type": string(itemType),
		"role":      string(role),
		"audience":  token.Audience,
	})
	writeJSON(w, http.StatusOK, accessResponse{
		Token:     token.Value,
		Audience:  token.Audience,
		ExpiresAt: token.ExpiresAt,
	})
}

func logStoreError(op string, err error) {
	obs.LogEntry(map[string]any{
		"level": "error",
		"msg":   op + " failed",
		"error": err.Error(),
	})
}
