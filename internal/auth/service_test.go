package auth

import (
	"context"
	"errors"
	"testing"
)

func newTestService(t *testing.T) (*Service, *MemoryUsers) {
	t.Helper()
	clock := newFakeClock()
	tokens, _ := newTestTokens(t, clock)
	users := NewMemoryUsers()
	svc, err := NewService(users, tokens, WithServiceClock(clock.Now))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, users
}

func TestLoginCreatesStudentOnFirstLogin(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	res, err := svc.Login(ctx, ExternalIdentity{Subject: "g-1", Email: "Ada@Example.com", EmailVerified: true, Name: "Ada"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !res.Created || res.User.Role != RoleStudent || res.User.Email != "ada@example.com" {
		t.Fatalf("unexpected login result: %+v", res.User)
	}
	claims, err := svc.Tokens().Verify(ctx, res.Token.Raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != res.User.ID || claims.Role != RoleStudent {
		t.Fatalf("token does not match user: %+v", claims)
	}

	again, err := svc.Login(ctx, ExternalIdentity{Subject: "g-1", Email: "ada@example.com", EmailVerified: true})
	if err != nil {
		t.Fatalf("second Login: %v", err)
	}
	if again.Created || again.User.ID != res.User.ID {
		t.Fatalf("second login should reuse the account: %+v", again)
	}
}

func TestLoginLinksExistingEmail(t *testing.T) {
	ctx := context.Background()
	svc, users := newTestService(t)

	admin, err := svc.EnsureAdmin(ctx, "admin@llacademy.ng")
	if err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	res, err := svc.Login(ctx, ExternalIdentity{Subject: "g-admin", Email: "admin@llacademy.ng", EmailVerified: true})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Created || res.User.ID != admin.ID || res.User.Role != RoleAdmin {
		t.Fatalf("expected existing admin to be linked: %+v", res.User)
	}
	stored, _ := users.Find(ctx, admin.ID)
	if stored.ExternalID != "g-admin" {
		t.Fatalf("external id not linked: %+v", stored)
	}

	if _, err := svc.Login(ctx, ExternalIdentity{Subject: "g-other", Email: "admin@llacademy.ng", EmailVerified: true}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected conflict for a second identity on the same email, got %v", err)
	}
}

func TestLoginRejectsBadIdentity(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	cases := []ExternalIdentity{
		{Subject: "g", Email: "not-an-email", EmailVerified: true},
		{Subject: "", Email: "a@b.co", EmailVerified: true},
		{Subject: "g", Email: "a@b.co", EmailVerified: false},
	}
	for _, c := range cases {
		if _, err := svc.Login(ctx, c); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Login(%+v) = %v, want ErrInvalidInput", c, err)
		}
	}
}

func TestSetRole(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	res, _ := svc.Login(ctx, ExternalIdentity{Subject: "g-2", Email: "t@school.ng", EmailVerified: true})

	user, err := svc.SetRole(ctx, res.User.ID, RoleTeacher)
	if err != nil {
		t.Fatalf("SetRole: %v", err)
	}
	if user.Role != RoleTeacher {
		t.Fatalf("role not updated: %+v", user)
	}
	if _, err := svc.SetRole(ctx, res.User.ID, "superuser"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.SetRole(ctx, "missing", RoleAdmin); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestParseRoleAndPrivilege(t *testing.T) {
	r, err := ParseRole(" Teacher ")
	if err != nil || r != RoleTeacher {
		t.Fatalf("ParseRole: %v %v", r, err)
	}
	if !RoleAdmin.Privileged() || !RoleTeacher.Privileged() || RoleStudent.Privileged() || RoleParent.Privileged() {
		t.Fatalf("unexpected privilege mapping")
	}
}
