package httpapi

import (
	"context"
	"strings"
	"testing"
	"time"

	"dukan/backend/internal/domain"
	"dukan/backend/internal/store/memory"
)

func newTestAuth(t *testing.T) (*AuthManager, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	return NewAuthManager("0123456789abcdef0123456789abcdef", time.Hour, repo), repo
}

func TestLoginSeededAccounts(t *testing.T) {
	auth, _ := newTestAuth(t)

	cases := []struct {
		username string
		password string
		role     string
	}{
		{"admin", "admin123", domain.RoleAdmin},
		{"manager", "manager123", domain.RoleManager},
		{"cashier", "cashier123", domain.RoleCashier},
	}
	for _, tc := range cases {
		resp, err := auth.Login(domain.LoginRequest{Username: tc.username, Password: tc.password})
		if err != nil {
			t.Fatalf("login %s: %v", tc.username, err)
		}
		if resp.Role != tc.role {
			t.Fatalf("login %s: expected role %s, got %s", tc.username, tc.role, resp.Role)
		}
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	auth, _ := newTestAuth(t)

	if _, err := auth.Login(domain.LoginRequest{Username: "admin", Password: "wrong"}); err == nil {
		t.Fatalf("expected error for wrong password")
	}
	if _, err := auth.Login(domain.LoginRequest{Username: "ghost", Password: "admin123"}); err == nil {
		t.Fatalf("expected error for unknown user")
	}
}

func TestLoginIsCaseInsensitiveOnUsername(t *testing.T) {
	auth, _ := newTestAuth(t)

	if _, err := auth.Login(domain.LoginRequest{Username: "  ADMIN ", Password: "admin123"}); err != nil {
		t.Fatalf("uppercase username should log in: %v", err)
	}
}

func TestParseTokenRoundTrip(t *testing.T) {
	auth, _ := newTestAuth(t)

	resp, err := auth.Login(domain.LoginRequest{Username: "manager", Password: "manager123"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if actor.Username != "manager" || actor.Role != domain.RoleManager || actor.OrganizationID != "org-demo" {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	auth, _ := newTestAuth(t)
	other := NewAuthManager("another-secret-that-is-long-enough", time.Hour, memory.NewSeeded())

	resp, err := other.Login(domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := auth.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("token signed with a different secret must not parse")
	}
}

func TestParseTokenRequiresOrgClaim(t *testing.T) {
	auth, _ := newTestAuth(t)

	token, err := auth.sign("admin", domain.RoleAdmin, "", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("token without an org claim must not parse")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	auth, _ := newTestAuth(t)

	token, err := auth.sign("admin", domain.RoleAdmin, "org-demo", time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseToken(token); err == nil {
		t.Fatalf("expired token must not parse")
	}
}

func TestCreateCashierValidation(t *testing.T) {
	auth, _ := newTestAuth(t)

	cases := []domain.CashierCreateRequest{
		{Username: "ab", Password: "secret1"},
		{Username: "with space", Password: "secret1"},
		{Username: "okname", Password: "123"},
		{Username: "cashier", Password: "secret1"}, // already exists
	}
	for _, tc := range cases {
		if _, err := auth.CreateCashier("org-demo", tc); err == nil {
			t.Fatalf("expected validation error for %+v", tc)
		}
	}
}

func TestCreateCashierPersistsToUserStore(t *testing.T) {
	auth, repo := newTestAuth(t)

	created, err := auth.CreateCashier("org-demo", domain.CashierCreateRequest{Username: "Gulzat", Password: "secret1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Username != "gulzat" || created.Role != domain.RoleCashier {
		t.Fatalf("unexpected account: %+v", created)
	}

	if _, err := auth.Login(domain.LoginRequest{Username: "gulzat", Password: "secret1"}); err != nil {
		t.Fatalf("new cashier cannot log in: %v", err)
	}

	// the store holds a bcrypt hash, never the plain password
	users, err := repo.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	for _, u := range users {
		if u.Username != "gulzat" {
			continue
		}
		if !isPasswordHash(u.Password) || u.Password == "secret1" {
			t.Fatalf("stored password is not hashed: %q", u.Password)
		}
		return
	}
	t.Fatalf("created cashier not persisted")
}

func TestBootstrapUpgradesPlaintextPasswords(t *testing.T) {
	repo := memory.NewSeeded()
	if err := repo.CreateUser(context.Background(), domain.UserAccount{
		Username:       "legacy",
		Password:       "oldplain",
		Role:           domain.RoleCashier,
		OrganizationID: "org-demo",
		Active:         true,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed legacy user: %v", err)
	}

	auth := NewAuthManager("0123456789abcdef0123456789abcdef", time.Hour, repo)
	if _, err := auth.Login(domain.LoginRequest{Username: "legacy", Password: "oldplain"}); err != nil {
		t.Fatalf("legacy user cannot log in after upgrade: %v", err)
	}

	users, err := repo.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	for _, u := range users {
		if u.Username == "legacy" && strings.Contains(u.Password, "oldplain") {
			t.Fatalf("plain-text password survived bootstrap")
		}
	}
}

func TestListCashiersScopedToOrg(t *testing.T) {
	auth, _ := newTestAuth(t)

	if _, err := auth.CreateCashier("org-other", domain.CashierCreateRequest{Username: "elsewhere", Password: "secret1"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, c := range auth.ListCashiers("org-demo") {
		if c.Username == "elsewhere" {
			t.Fatalf("cashier from another org leaked into listing")
		}
	}
}
