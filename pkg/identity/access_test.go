package identity

import (
	"testing"
	"time"

	"github.com/cursorbot/cursorbot/pkg/cerr"
)

func TestResolveFallsBackToProviderPeer(t *testing.T) {
	a := NewAccess()
	got := a.Resolve("telegram", "123")
	if got != "telegram:123" {
		t.Errorf("Resolve() = %q, want %q", got, "telegram:123")
	}

	a.LinkIdentity("telegram", "123", "user:alice")
	got = a.Resolve("telegram", "123")
	if got != "user:alice" {
		t.Errorf("Resolve() after link = %q, want %q", got, "user:alice")
	}

	a.UnlinkIdentity("telegram", "123")
	got = a.Resolve("telegram", "123")
	if got != "telegram:123" {
		t.Errorf("Resolve() after unlink = %q, want %q", got, "telegram:123")
	}
}

func TestCheckAccessDenyOrder(t *testing.T) {
	a := NewAccess()

	// No restrictions: allowed.
	if allowed, _ := a.CheckAccess("u1", AccessCheck{}); !allowed {
		t.Fatal("expected allowed with no restrictions")
	}

	// Global blacklist denies.
	a.AddToGlobalBlacklist("u1")
	if allowed, reason := a.CheckAccess("u1", AccessCheck{}); allowed || reason == "" {
		t.Fatalf("expected global blacklist denial, got allowed=%v reason=%q", allowed, reason)
	}

	// Global admin bypasses everything, including blacklist.
	a.AddGlobalAdmin("u1")
	if allowed, _ := a.CheckAccess("u1", AccessCheck{}); !allowed {
		t.Fatal("expected global admin bypass")
	}
}

func TestCheckAccessGlobalLockDominance(t *testing.T) {
	a := NewAccess()
	a.LockGlobal(LockMaintenance, "down for maintenance", 0, "owner")

	if allowed, _ := a.CheckAccess("u1", AccessCheck{}); allowed {
		t.Fatal("expected global lock to deny")
	}

	a.AllowDuringLock("u1")
	if allowed, _ := a.CheckAccess("u1", AccessCheck{}); !allowed {
		t.Fatal("expected allow-during-lock user to pass")
	}

	// Admin always bypasses the lock.
	a.AddGlobalAdmin("u2")
	if allowed, _ := a.CheckAccess("u2", AccessCheck{}); !allowed {
		t.Fatal("expected global admin to bypass lock")
	}
}

func TestCheckAccessAutoUnlock(t *testing.T) {
	a := NewAccess()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	a.LockUser("u1", LockSecurity, "suspicious activity", time.Hour, "mod1")
	if allowed, _ := a.CheckAccess("u1", AccessCheck{}); allowed {
		t.Fatal("expected active user lock to deny")
	}

	a.now = func() time.Time { return fixed.Add(2 * time.Hour) }
	if allowed, _ := a.CheckAccess("u1", AccessCheck{}); !allowed {
		t.Fatal("expected lock past auto-unlock to read as released")
	}
}

func TestCheckPermissionRoleAndCustomGrants(t *testing.T) {
	a := NewAccess()

	if a.CheckPermission("u1", PermExecuteCode, "") {
		t.Fatal("default user role should not have execute_code")
	}

	a.Grant("u1", PermExecuteCode)
	if !a.CheckPermission("u1", PermExecuteCode, "") {
		t.Fatal("custom grant should allow execute_code")
	}

	a.Deny("u1", PermExecuteCode)
	if a.CheckPermission("u1", PermExecuteCode, "") {
		t.Fatal("custom deny should override custom grant")
	}
}

func TestCheckPermissionGroupPromotionUsesMaxRole(t *testing.T) {
	a := NewAccess()
	a.AddGroupAdmin("g1", "u1")

	if !a.CheckPermission("u1", PermManageGroup, "g1") {
		t.Fatal("group-local admin should have manage_group in that group")
	}
	if a.CheckPermission("u1", PermManageGroup, "") {
		t.Fatal("group-local promotion must not leak outside the group")
	}
}

func TestElevateGrantsElevatedPermissionWithoutChangingRole(t *testing.T) {
	a := NewAccess()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	if a.CheckPermission("u1", PermElevated, "") {
		t.Fatal("should not be elevated by default")
	}

	a.Elevate("u1", 30*time.Minute)
	if !a.CheckPermission("u1", PermElevated, "") {
		t.Fatal("expected elevated permission after Elevate")
	}
	if a.RoleOf("u1") != RoleUser {
		t.Fatal("elevation must not change role")
	}

	a.now = func() time.Time { return fixed.Add(time.Hour) }
	if a.CheckPermission("u1", PermElevated, "") {
		t.Fatal("expected elevation to expire after TTL")
	}
}

func TestRevokeElevationNeverDowngradesRole(t *testing.T) {
	a := NewAccess()
	a.SetRole("u1", RoleAdmin)
	a.Elevate("u1", time.Hour)
	a.RevokeElevation("u1")

	if a.RoleOf("u1") != RoleAdmin {
		t.Fatal("revoking elevation must not touch role")
	}
	if a.IsElevated("u1") {
		t.Fatal("expected elevation revoked")
	}
}

func TestRequirePermissionReturnsElevationRequired(t *testing.T) {
	a := NewAccess()
	err := a.RequirePermission("u1", PermElevated, "")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !cerr.Is(err, cerr.ElevationRequired) {
		t.Fatalf("expected ElevationRequired kind, got %v", err)
	}
}
