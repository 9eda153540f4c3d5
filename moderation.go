package staybook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ListingAction is a moderation action on a listing.
type ListingAction string

const (
	ListingVerify    ListingAction = "verify"
	ListingSuspend   ListingAction = "suspend"
	ListingActivate  ListingAction = "activate"
	ListingFeature   ListingAction = "feature"
	ListingUnfeature ListingAction = "unfeature"
	ListingDelete    ListingAction = "delete"
)

// UserAction is a moderation action on a user profile.
type UserAction string

const (
	UserVerify   UserAction = "verify"
	UserSuspend  UserAction = "suspend"
	UserActivate UserAction = "activate"
)

const defaultSuspensionReason = "Admin suspension"

// AdminStats is the admin overview.
type AdminStats struct {
	TotalListings        int
	PendingVerifications int
	TotalUsers           int
}

// Moderator runs admin actions on listings and users. Every action checks
// the current user's role first and leaves an audit row behind.
type Moderator struct {
	sessions *SessionStore
	records  Records
	cache    *ListingCache
	logger   *zap.Logger
	clock    Clock
}

func newModerator(cfg Config, sessions *SessionStore, cache *ListingCache) *Moderator {
	return &Moderator{
		sessions: sessions,
		records:  cfg.Records,
		cache:    cache,
		logger:   cfg.Logger.Named("moderation"),
		clock:    cfg.Clock,
	}
}

// ModerateListing applies action to the listing with id.
func (m *Moderator) ModerateListing(ctx context.Context, id string, action ListingAction) error {
	op := "moderate_listing"
	admin, err := m.requireAdmin(ctx, op)
	if err != nil {
		return err
	}

	var patch ListingPatch
	switch action {
	case ListingVerify:
		patch.Verified = ptr(true)
		patch.Status = ptr(StatusActive)
	case ListingSuspend:
		patch.Status = ptr(StatusSuspended)
	case ListingActivate:
		patch.Status = ptr(StatusActive)
	case ListingFeature:
		patch.Featured = ptr(true)
	case ListingUnfeature:
		patch.Featured = ptr(false)
	case ListingDelete:
		if err := m.cache.remove(ctx, op, id, ""); err != nil {
			return err
		}
		m.audit(ctx, admin, string(action)+"_house", "house", id, nil)
		return nil
	default:
		return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf("unknown listing action %q", action)}
	}

	record, err := m.records.UpdateListing(ctx, id, patch)
	if err != nil {
		return classify(op, KindRecord, err)
	}
	m.cache.InsertLocal(record)

	m.audit(ctx, admin, string(action)+"_house", "house", id, nil)
	m.logger.Info("listing moderated",
		zap.String("listing_id", id),
		zap.String("action", string(action)),
		zap.String("admin_id", admin),
	)
	return nil
}

// ModerateUser applies action to the profile of userID. reason is only used
// for suspensions.
func (m *Moderator) ModerateUser(ctx context.Context, userID string, action UserAction, reason string) error {
	op := "moderate_user"
	admin, err := m.requireAdmin(ctx, op)
	if err != nil {
		return err
	}

	var patch ProfilePatch
	var details map[string]any
	switch action {
	case UserVerify:
		patch.VerificationStatus = ptr(VerificationVerified)
		patch.SuspensionReason = ptr("")
	case UserSuspend:
		reason = strings.TrimSpace(reason)
		if reason == "" {
			reason = defaultSuspensionReason
		}
		patch.VerificationStatus = ptr(VerificationSuspended)
		patch.SuspensionReason = ptr(reason)
		details = map[string]any{"reason": reason}
	case UserActivate:
		patch.VerificationStatus = ptr(VerificationUnverified)
		patch.SuspensionReason = ptr("")
	default:
		return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf("unknown user action %q", action)}
	}

	if err := m.records.UpdateProfile(ctx, userID, patch); err != nil {
		return classify(op, KindRecord, err)
	}

	m.audit(ctx, admin, string(action)+"_user", "user", userID, details)
	m.logger.Info("user moderated",
		zap.String("user_id", userID),
		zap.String("action", string(action)),
		zap.String("admin_id", admin),
	)
	return nil
}

// Stats counts listings from the cache and users from the profile collection.
func (m *Moderator) Stats(ctx context.Context) (AdminStats, error) {
	if _, err := m.requireAdmin(ctx, "admin_stats"); err != nil {
		return AdminStats{}, err
	}

	users, err := m.records.CountProfiles(ctx)
	if err != nil {
		return AdminStats{}, classify("admin_stats", KindRecord, err)
	}

	return AdminStats{
		TotalListings:        m.cache.Count(nil),
		PendingVerifications: m.cache.Count(Unverified()),
		TotalUsers:           users,
	}, nil
}

func (m *Moderator) requireAdmin(ctx context.Context, op string) (string, error) {
	sess := m.sessions.Current()
	if sess == nil {
		return "", &Error{Kind: KindAuth, Op: op, Err: ErrNotAuthenticated}
	}

	profile, err := m.records.GetProfile(ctx, sess.UserID)
	if errors.Is(err, ErrNotFound) {
		return "", &Error{Kind: KindAuth, Op: op, Err: ErrNotAdmin}
	}
	if err != nil {
		return "", classify(op, KindRecord, err)
	}
	if profile.Role != RoleAdmin {
		return "", &Error{Kind: KindAuth, Op: op, Err: ErrNotAdmin}
	}
	return sess.UserID, nil
}

// audit records the action. A failed audit write does not undo the action.
func (m *Moderator) audit(ctx context.Context, admin, actionType, targetType, targetID string, details map[string]any) {
	err := m.records.InsertAdminAction(ctx, AdminAction{
		AdminUserID: admin,
		ActionType:  actionType,
		TargetType:  targetType,
		TargetID:    targetID,
		Details:     details,
		CreatedAt:   m.clock.Now(),
	})
	if err != nil {
		m.logger.Warn("failed to record admin action",
			zap.String("action", actionType),
			zap.String("target_id", targetID),
			zap.Error(err),
		)
	}
}

func ptr[T any](v T) *T { return &v }
