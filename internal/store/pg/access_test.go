package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"dexhub.org/internal/access"
)

func newStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestActorCollectsApprovedRoles(t *testing.T) {
	store, mock := newStore(t)

	mock.ExpectQuery("select role, resource_server_url.*from approved_roles").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"role", "resource_server_url"}).
			AddRow("consumer", "https://a.example.com").
			AddRow("consumer", "https://b.example.com").
			AddRow("provider", "https://a.example.com"))

	actor, err := store.Actor(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Actor: %v", err)
	}
	if actor.ID != "user-1" {
		t.Fatalf("unexpected actor id: %s", actor.ID)
	}
	if got := actor.Roles[access.RoleConsumer]; len(got) != 2 {
		t.Fatalf("expected two consumer scopes, got %v", got)
	}
	if !actor.HasRoleFor(access.RoleProvider, "https://a.example.com") {
		t.Fatalf("provider scope missing: %v", actor.Roles)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestActorWithoutRowsHasEmptyRoleMap(t *testing.T) {
	store, mock := newStore(t)

	mock.ExpectQuery("select role, resource_server_url.*from approved_roles").
		WithArgs("user-2").
		WillReturnRows(sqlmock.NewRows([]string{"role", "resource_server_url"}))

	actor, err := store.Actor(context.Background(), "user-2")
	if err != nil {
		t.Fatalf("Actor: %v", err)
	}
	if len(actor.Roles) != 0 {
		t.Fatalf("expected empty role map, got %v", actor.Roles)
	}
}

func TestActorRejectsUnknownRoleRow(t *testing.T) {
	store, mock := newStore(t)

	mock.ExpectQuery("select role, resource_server_url.*from approved_roles").
		WithArgs("user-3").
		WillReturnRows(sqlmock.NewRows([]string{"role", "resource_server_url"}).
			AddRow("superuser", "https://a.example.com"))

	if _, err := store.Actor(context.Background(), "user-3"); err == nil {
		t.Fatal("expected error for unrecognised role value")
	}
}

func TestDelegationLookup(t *testing.T) {
	store, mock := newStore(t)

	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("select id, delegate_id, delegator_id, role, resource_server_url, created_at.*from delegations").
		WithArgs("del-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "delegate_id", "delegator_id", "role", "resource_server_url", "created_at"}).
			AddRow("del-1", "delegate-1", "delegator-1", "consumer", "https://a.example.com", created))

	d, err := store.Delegation(context.Background(), "del-1")
	if err != nil {
		t.Fatalf("Delegation: %v", err)
	}
	if d.DelegateID != "delegate-1" || d.Role != access.RoleConsumer {
		t.Fatalf("unexpected delegation: %+v", d)
	}

	dc := d.Context()
	if dc.DelegatorID != "delegator-1" || dc.ResourceServerURL != "https://a.example.com" {
		t.Fatalf("unexpected context: %+v", dc)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDelegationNotFound(t *testing.T) {
	store, mock := newStore(t)

	mock.ExpectQuery("from delegations").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "delegate_id", "delegator_id", "role", "resource_server_url", "created_at"}))

	_, err := store.Delegation(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAPIClientLookup(t *testing.T) {
	store, mock := newStore(t)

	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("select client_id, name, key_hash, created_at.*from api_clients").
		WithArgs("client-1").
		WillReturnRows(sqlmock.NewRows([]string{"client_id", "name", "key_hash", "created_at"}).
			AddRow("client-1", "Portal", "$2a$10$hash", created))

	c, err := store.APIClient(context.Background(), "client-1")
	if err != nil {
		t.Fatalf("APIClient: %v", err)
	}
	if c.Name != "Portal" || c.KeyHash != "$2a$10$hash" {
		t.Fatalf("unexpected client: %+v", c)
	}
}

func TestAPIClientNotFound(t *testing.T) {
	store, mock := newStore(t)

	mock.ExpectQuery("from api_clients").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"client_id", "name", "key_hash", "created_at"}))

	_, err := store.APIClient(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
