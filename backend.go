package staybook

import (
	"context"
	"time"
)

// RemoteSession is a session as issued by the identity provider.
type RemoteSession struct {
	UserID       string
	Email        string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	AccessToken  string
	RefreshToken string
}

// AuthEventType names an auth-state change pushed by the provider.
type AuthEventType string

const (
	AuthEventSignedIn       AuthEventType = "SIGNED_IN"
	AuthEventSignedOut      AuthEventType = "SIGNED_OUT"
	AuthEventTokenRefreshed AuthEventType = "TOKEN_REFRESHED"
	AuthEventUserUpdated    AuthEventType = "USER_UPDATED"
)

// AuthEvent is a full-replacement snapshot: a nil Session means no session.
type AuthEvent struct {
	Type    AuthEventType
	Session *RemoteSession
}

// AuthProvider is the remote authentication service.
type AuthProvider interface {
	// GetSession returns the provider's live session, or nil when there is none.
	GetSession(ctx context.Context) (*RemoteSession, error)

	// SignUp registers an account. It does not sign the caller in.
	SignUp(ctx context.Context, email, password string) error

	// SignInWithPassword exchanges credentials for a session.
	SignInWithPassword(ctx context.Context, email, password string) (*RemoteSession, error)

	// SignOut ends the provider session.
	SignOut(ctx context.Context) error

	// WatchAuthState delivers unsolicited auth-state changes until ctx is done,
	// then closes the channel.
	WatchAuthState(ctx context.Context) (<-chan AuthEvent, error)
}

// ObjectStorage is the remote object storage service.
type ObjectStorage interface {
	// Upload stores data at path. It never overwrites an existing object.
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error

	// PublicURL returns a stable fetchable URL for path.
	PublicURL(bucket, path string) string

	// Remove deletes objects.
	Remove(ctx context.Context, bucket string, paths ...string) error
}

// ListingFilter narrows a listing query. Zero fields do not filter.
type ListingFilter struct {
	Status   Status
	Featured *bool
	OwnerID  string
	Limit    int
}

// NewListing is the row written when a listing is created.
type NewListing struct {
	Title       string
	Description string
	Phone       string
	ImageURLs   []string
	OwnerID     string
	CreatedAt   time.Time
}

// ListingPatch carries the moderation fields of an update. Nil fields are left alone.
type ListingPatch struct {
	Verified *bool
	Status   *Status
	Featured *bool
}

// ListingRecords is the relational query service for listings.
type ListingRecords interface {
	ListListings(ctx context.Context, filter ListingFilter) ([]ListingRecord, error)
	InsertListing(ctx context.Context, listing NewListing) (ListingRecord, error)
	UpdateListing(ctx context.Context, id string, patch ListingPatch) (ListingRecord, error)
	DeleteListing(ctx context.Context, id string) error
}

// Role is a profile's role.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// VerificationStatus is a profile's moderation state.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationVerified   VerificationStatus = "verified"
	VerificationSuspended  VerificationStatus = "suspended"
)

// Profile is a row of the user profile collection.
type Profile struct {
	ID                 string
	Email              string
	FullName           string
	Phone              string
	Role               Role
	VerificationStatus VerificationStatus
	SuspensionReason   string
}

// ProfilePatch carries the moderation fields of a profile update.
type ProfilePatch struct {
	VerificationStatus *VerificationStatus
	SuspensionReason   *string
}

// ProfileRecords is the relational query service for user profiles.
type ProfileRecords interface {
	GetProfile(ctx context.Context, userID string) (Profile, error)
	UpdateProfile(ctx context.Context, userID string, patch ProfilePatch) error
	CountProfiles(ctx context.Context) (int, error)
}

// AdminAction is one audit row written for a moderation action.
type AdminAction struct {
	AdminUserID string
	ActionType  string
	TargetType  string
	TargetID    string
	Details     map[string]any
	CreatedAt   time.Time
}

// AdminActionRecords stores the moderation audit trail.
type AdminActionRecords interface {
	InsertAdminAction(ctx context.Context, action AdminAction) error
}

// BookingStatus is a booking's state.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingRejected  BookingStatus = "rejected"
)

// Booking is a guest's request to stay at a listing.
type Booking struct {
	ID          string
	ListingID   string
	GuestID     string
	Status      BookingStatus
	CreatedAt   time.Time
	ConfirmedAt *time.Time
}

// BookingFilter narrows a booking query.
type BookingFilter struct {
	ListingIDs []string
	Limit      int
}

// BookingRecords is the relational query service for bookings.
type BookingRecords interface {
	ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error)
	UpdateBookingStatus(ctx context.Context, id string, status BookingStatus, at time.Time) error
}

// Records bundles every collection of the relational query service.
type Records interface {
	ListingRecords
	ProfileRecords
	AdminActionRecords
	BookingRecords
}
