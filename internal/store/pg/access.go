package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dexhub.org/internal/access"
)

var ErrNotFound = errors.New("pg: not found")

// Delegation is an active mandate allowing one party to act for another,
// scoped to a role at a single resource server.
type Delegation struct {
	ID                string
	DelegateID        string
	DelegatorID       string
	Role              access.Role
	ResourceServerURL string
	CreatedAt         time.Time
}

// APIClient is a registered machine caller of the service. KeyHash holds a
// bcrypt digest of the client's API key.
type APIClient struct {
	ClientID  string
	Name      string
	KeyHash   string
	CreatedAt time.Time
}

// Actor loads a user's approved role assignments. A user with no approved
// rows still resolves, with an empty role map; the decision engine turns
// that into its own refusal.
func (s *Store) Actor(ctx context.Context, userID string) (access.Actor, error) {
	if s.db == nil {
		return access.Actor{}, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select role, resource_server_url
		from approved_roles
		where user_id = $1 and status = 'approved'
		order by role, resource_server_url
	`, userID)
	if err != nil {
		return access.Actor{}, err
	}
	defer rows.Close()

	actor := access.Actor{ID: userID, Roles: map[access.Role][]string{}}
	for rows.Next() {
		var rawRole, rs string
		if err := rows.Scan(&rawRole, &rs); err != nil {
			return access.Actor{}, err
		}
		role := access.ParseRole(rawRole)
		if !role.Known() {
			return access.Actor{}, fmt.Errorf("approved_roles row for %s: unknown role %q", userID, rawRole)
		}
		actor.Roles[role] = append(actor.Roles[role], rs)
	}
	if err := rows.Err(); err != nil {
		return access.Actor{}, err
	}
	return actor, nil
}

// Delegation loads an active delegation by id. Revoked and expired rows are
// invisible here.
func (s *Store) Delegation(ctx context.Context, id string) (Delegation, error) {
	if s.db == nil {
		return Delegation{}, errors.New("database connection unavailable")
	}
	var (
		d       Delegation
		rawRole string
	)
	err := s.db.QueryRowContext(ctx, `
		select id, delegate_id, delegator_id, role, resource_server_url, created_at
		from delegations
		where id = $1
		  and status = 'active'
		  and (expires_at is null or expires_at > now())
	`, id).Scan(&d.ID, &d.DelegateID, &d.DelegatorID, &rawRole, &d.ResourceServerURL, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Delegation{}, ErrNotFound
	}
	if err != nil {
		return Delegation{}, err
	}
	d.Role = access.ParseRole(rawRole)
	if !d.Role.Known() {
		return Delegation{}, fmt.Errorf("delegation %s: unknown role %q", id, rawRole)
	}
	return d, nil
}

// Context converts a stored delegation into the engine's view of it.
func (d Delegation) Context() access.DelegationContext {
	return access.DelegationContext{
		DelegatorID:       d.DelegatorID,
		Role:              d.Role,
		ResourceServerURL: d.ResourceServerURL,
	}
}

// APIClient loads an active API client by its client id.
func (s *Store) APIClient(ctx context.Context, clientID string) (APIClient, error) {
	if s.db == nil {
		return APIClient{}, errors.New("database connection unavailable")
	}
	var c APIClient
	err := s.db.QueryRowContext(ctx, `
		select client_id, name, key_hash, created_at
		from api_clients
		where client_id = $1 and status = 'active'
	`, clientID).Scan(&c.ClientID, &c.Name, &c.KeyHash, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return APIClient{}, ErrNotFound
	}
	if err != nil {
		return APIClient{}, err
	}
	return c, nil
}
