package staybook

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newAdminEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestClient(t)
	env.records.profiles["user-root"] = Profile{ID: "user-root", Role: RoleAdmin}
	env.records.profiles["user-alice"] = Profile{ID: "user-alice", Role: RoleUser, VerificationStatus: VerificationUnverified}
	env.signIn(t, "root@example.com")
	return env
}

func TestModerationRequiresAdmin(t *testing.T) {
	env := newTestClient(t)
	env.records.profiles["user-alice"] = Profile{ID: "user-alice", Role: RoleUser}
	ctx := context.Background()

	if err := env.client.Moderation.ModerateListing(ctx, "a", ListingVerify); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Expected not authenticated, got %v", err)
	}

	env.signIn(t, "alice@example.com")
	err := env.client.Moderation.ModerateListing(ctx, "a", ListingVerify)
	if KindOf(err) != KindAuth || !errors.Is(err, ErrNotAdmin) {
		t.Errorf("Expected not admin, got %v", err)
	}
	if _, err := env.client.Moderation.Stats(ctx); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("Expected not admin, got %v", err)
	}
	if len(env.records.actions) != 0 {
		t.Error("No audit row should be written")
	}
}

func TestModerateListing(t *testing.T) {
	tests := []struct {
		action   ListingAction
		verified bool
		status   Status
		featured bool
	}{
		{action: ListingVerify, verified: true, status: StatusActive},
		{action: ListingSuspend, status: StatusSuspended},
		{action: ListingActivate, status: StatusActive},
		{action: ListingFeature, status: StatusSuspended, featured: true},
		{action: ListingUnfeature, status: StatusSuspended},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			env := newAdminEnv(t)
			ctx := context.Background()

			start := listing("a", "user-alice", t0)
			start.Status = StatusSuspended
			start.Featured = tt.action == ListingUnfeature
			env.records.put(start)
			env.client.Listings.InsertLocal(start)

			if err := env.client.Moderation.ModerateListing(ctx, "a", tt.action); err != nil {
				t.Fatalf("ModerateListing failed: %v", err)
			}

			got, ok := env.client.Listings.Get("a")
			if !ok {
				t.Fatal("Listing should stay cached")
			}
			if got.Verified != tt.verified || got.Status != tt.status || got.Featured != tt.featured {
				t.Errorf("Unexpected listing %+v", got)
			}

			if len(env.records.actions) != 1 {
				t.Fatalf("Expected one audit row, got %d", len(env.records.actions))
			}
			a := env.records.actions[0]
			if a.ActionType != string(tt.action)+"_house" || a.TargetType != "house" || a.TargetID != "a" || a.AdminUserID != "user-root" {
				t.Errorf("Unexpected audit row %+v", a)
			}
		})
	}
}

func TestModerateListingDelete(t *testing.T) {
	env := newAdminEnv(t)
	ctx := context.Background()

	env.records.put(listing("a", "user-alice", t0))
	env.client.Listings.InsertLocal(listing("a", "user-alice", t0))

	if err := env.client.Moderation.ModerateListing(ctx, "a", ListingDelete); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := env.client.Listings.Get("a"); ok {
		t.Error("Listing should be removed from the cache")
	}
	if len(env.records.deleted) != 1 {
		t.Errorf("Expected remote delete, got %v", env.records.deleted)
	}
	if env.records.actions[0].ActionType != "delete_house" {
		t.Errorf("Unexpected audit action %q", env.records.actions[0].ActionType)
	}
}

func TestModerateListingUnknownAction(t *testing.T) {
	env := newAdminEnv(t)
	err := env.client.Moderation.ModerateListing(context.Background(), "a", ListingAction("archive"))
	if KindOf(err) != KindValidation {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestModerateUser(t *testing.T) {
	tests := []struct {
		name       string
		action     UserAction
		reason     string
		wantStatus VerificationStatus
		wantReason string
	}{
		{name: "verify", action: UserVerify, wantStatus: VerificationVerified},
		{name: "suspend with reason", action: UserSuspend, reason: "spam", wantStatus: VerificationSuspended, wantReason: "spam"},
		{name: "suspend without reason", action: UserSuspend, wantStatus: VerificationSuspended, wantReason: "Admin suspension"},
		{name: "activate", action: UserActivate, wantStatus: VerificationUnverified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newAdminEnv(t)

			if err := env.client.Moderation.ModerateUser(context.Background(), "user-alice", tt.action, tt.reason); err != nil {
				t.Fatalf("ModerateUser failed: %v", err)
			}

			p := env.records.profiles["user-alice"]
			if p.VerificationStatus != tt.wantStatus || p.SuspensionReason != tt.wantReason {
				t.Errorf("Unexpected profile %+v", p)
			}
			a := env.records.actions[0]
			if a.ActionType != string(tt.action)+"_user" || a.TargetType != "user" {
				t.Errorf("Unexpected audit row %+v", a)
			}
			if tt.action == UserSuspend && a.Details["reason"] != tt.wantReason {
				t.Errorf("Audit row should carry the reason, got %v", a.Details)
			}
		})
	}
}

func TestAuditFailureDoesNotFailAction(t *testing.T) {
	env := newAdminEnv(t)
	env.records.auditErr = errBoom

	if err := env.client.Moderation.ModerateUser(context.Background(), "user-alice", UserVerify, ""); err != nil {
		t.Fatalf("Audit failure should not surface, got %v", err)
	}
	if env.records.profiles["user-alice"].VerificationStatus != VerificationVerified {
		t.Error("Action should still be applied")
	}
}

func TestAdminStats(t *testing.T) {
	env := newAdminEnv(t)
	env.records.profilesN = 42

	verified := listing("v", "user-alice", t0)
	verified.Verified = true
	env.client.Listings.InsertLocal(verified)
	env.client.Listings.InsertLocal(listing("p1", "user-alice", t0.Add(time.Minute)))
	env.client.Listings.InsertLocal(listing("p2", "user-alice", t0.Add(2*time.Minute)))

	stats, err := env.client.Moderation.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	want := AdminStats{TotalListings: 3, PendingVerifications: 2, TotalUsers: 42}
	if stats != want {
		t.Errorf("Expected %+v, got %+v", want, stats)
	}
}
