package common

import (
	"context"
	"testing"
)

func TestUserContext_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if uc := UserContextFromContext(ctx); uc != nil {
		t.Error("expected nil UserContext from empty context")
	}

	uc := &UserContext{UserID: "user-123", IsAdmin: true}
	ctx = WithUserContext(ctx, uc)

	got := UserContextFromContext(ctx)
	if got == nil {
		t.Fatal("expected non-nil UserContext")
	}
	if got.UserID != "user-123" {
		t.Errorf("UserID = %q, want %q", got.UserID, "user-123")
	}
	if !got.IsAdmin {
		t.Error("expected IsAdmin true to round-trip")
	}
}

func TestResolveUserID_Absent(t *testing.T) {
	if got := ResolveUserID(context.Background()); got != "" {
		t.Errorf("expected empty string for absent context, got %q", got)
	}
}

func TestResolveUserID_Present(t *testing.T) {
	ctx := WithUserContext(context.Background(), &UserContext{UserID: "user-1"})
	if got := ResolveUserID(ctx); got != "user-1" {
		t.Errorf("ResolveUserID = %q, want %q", got, "user-1")
	}
}

func TestIsAdmin_DefaultsFalse(t *testing.T) {
	if IsAdmin(context.Background()) {
		t.Error("expected IsAdmin false for absent context")
	}
	ctx := WithUserContext(context.Background(), &UserContext{UserID: "user-1"})
	if IsAdmin(ctx) {
		t.Error("expected IsAdmin false for non-admin user")
	}
}

func TestIsAdmin_True(t *testing.T) {
	ctx := WithUserContext(context.Background(), &UserContext{UserID: "user-1", IsAdmin: true})
	if !IsAdmin(ctx) {
		t.Error("expected IsAdmin true for admin user")
	}
}
