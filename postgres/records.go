// Package postgres provides the PostgreSQL-backed relational query service
// for listings, profiles, admin actions and bookings.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/aadithya-v/staybook"
)

const (
	defaultQueryCapacity = 50
	maxQueryCapacity     = 1000

	// pgUndefinedTable is the SQLSTATE for a missing table or relation.
	pgUndefinedTable = "42P01"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// houseColumns lists columns returned by listing queries, in scan order.
var houseColumns = []string{
	"id", "title", "description", "phone", "images", "image_url",
	"user_id", "is_verified", "status", "featured", "created_at",
}

var profileColumns = []string{
	"id", "email", "full_name", "phone", "role", "verification_status", "suspension_reason",
}

var bookingColumns = []string{
	"id", "house_id", "guest_id", "status", "created_at", "confirmed_at",
}

// Records implements staybook.Records using PostgreSQL.
type Records struct {
	db     *sql.DB
	ownsDB bool
}

var _ staybook.Records = (*Records)(nil)

// New creates Records over an existing connection pool.
func New(db *sql.DB) *Records {
	return &Records{db: db}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Records, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: failed to ping database: %w", err)
	}
	return &Records{db: db, ownsDB: true}, nil
}

// Close closes the connection pool if Open created it.
func (r *Records) Close() error {
	if r.ownsDB {
		return r.db.Close()
	}
	return nil
}

// ListListings returns listings matching filter, newest first.
func (r *Records) ListListings(ctx context.Context, filter staybook.ListingFilter) ([]staybook.ListingRecord, error) {
	qb := psq.Select(houseColumns...).From("houses")
	if filter.Status != "" {
		qb = qb.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Featured != nil {
		qb = qb.Where(sq.Eq{"featured": *filter.Featured})
	}
	if filter.OwnerID != "" {
		qb = qb.Where(sq.Eq{"user_id": filter.OwnerID})
	}
	qb = qb.OrderBy("created_at DESC", "id ASC")
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building listing query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("querying listings", err)
	}
	defer func() { _ = rows.Close() }()

	allocCap := defaultQueryCapacity
	if filter.Limit > 0 && filter.Limit <= maxQueryCapacity {
		allocCap = filter.Limit
	}
	listings := make([]staybook.ListingRecord, 0, allocCap)

	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, wrapErr("scanning listing", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterating listing rows", err)
	}
	return listings, nil
}

// InsertListing creates a listing and returns the stored row. The legacy
// image_url column is filled with the cover image for older readers.
func (r *Records) InsertListing(ctx context.Context, listing staybook.NewListing) (staybook.ListingRecord, error) {
	var cover sql.NullString
	if len(listing.ImageURLs) > 0 {
		cover = sql.NullString{String: listing.ImageURLs[0], Valid: true}
	}
	var owner sql.NullString
	if listing.OwnerID != "" {
		owner = sql.NullString{String: listing.OwnerID, Valid: true}
	}

	query, args, err := psq.Insert("houses").
		Columns("title", "description", "phone", "images", "image_url", "user_id", "is_verified", "status", "featured", "created_at").
		Values(listing.Title, listing.Description, listing.Phone, pq.Array(listing.ImageURLs), cover, owner,
			false, string(staybook.StatusActive), false, listing.CreatedAt).
		Suffix("RETURNING " + strings.Join(houseColumns, ", ")).
		ToSql()
	if err != nil {
		return staybook.ListingRecord{}, fmt.Errorf("building listing insert: %w", err)
	}

	l, err := scanListing(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return staybook.ListingRecord{}, wrapErr("inserting listing", err)
	}
	return l, nil
}

// UpdateListing applies the non-nil fields of patch and returns the updated row.
func (r *Records) UpdateListing(ctx context.Context, id string, patch staybook.ListingPatch) (staybook.ListingRecord, error) {
	ub := psq.Update("houses").Where(sq.Eq{"id": id})
	changed := false
	if patch.Verified != nil {
		ub = ub.Set("is_verified", *patch.Verified)
		changed = true
	}
	if patch.Status != nil {
		ub = ub.Set("status", string(*patch.Status))
		changed = true
	}
	if patch.Featured != nil {
		ub = ub.Set("featured", *patch.Featured)
		changed = true
	}
	if !changed {
		return staybook.ListingRecord{}, staybook.NewError(staybook.KindValidation, "", errors.New("empty listing patch"))
	}

	query, args, err := ub.Suffix("RETURNING " + strings.Join(houseColumns, ", ")).ToSql()
	if err != nil {
		return staybook.ListingRecord{}, fmt.Errorf("building listing update: %w", err)
	}

	l, err := scanListing(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return staybook.ListingRecord{}, wrapErr("updating listing", err)
	}
	return l, nil
}

// DeleteListing deletes a listing. Deleting a row that is already gone succeeds.
func (r *Records) DeleteListing(ctx context.Context, id string) error {
	query, args, err := psq.Delete("houses").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("building listing delete: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return wrapErr("deleting listing", err)
	}
	return nil
}

// GetProfile returns the profile of userID.
func (r *Records) GetProfile(ctx context.Context, userID string) (staybook.Profile, error) {
	query, args, err := psq.Select(profileColumns...).From("user_profiles").Where(sq.Eq{"id": userID}).ToSql()
	if err != nil {
		return staybook.Profile{}, fmt.Errorf("building profile query: %w", err)
	}

	var (
		p                                            staybook.Profile
		email, fullName, phone, role, status, reason sql.NullString
	)
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&p.ID, &email, &fullName, &phone, &role, &status, &reason)
	if err != nil {
		return staybook.Profile{}, wrapErr("querying profile", err)
	}

	p.Email = email.String
	p.FullName = fullName.String
	p.Phone = phone.String
	p.Role = staybook.Role(role.String)
	if p.Role == "" {
		p.Role = staybook.RoleUser
	}
	p.VerificationStatus = staybook.VerificationStatus(status.String)
	if p.VerificationStatus == "" {
		p.VerificationStatus = staybook.VerificationUnverified
	}
	p.SuspensionReason = reason.String
	return p, nil
}

// UpdateProfile applies the non-nil fields of patch. An empty suspension
// reason clears the column.
func (r *Records) UpdateProfile(ctx context.Context, userID string, patch staybook.ProfilePatch) error {
	ub := psq.Update("user_profiles").Where(sq.Eq{"id": userID})
	changed := false
	if patch.VerificationStatus != nil {
		ub = ub.Set("verification_status", string(*patch.VerificationStatus))
		changed = true
	}
	if patch.SuspensionReason != nil {
		reason := sql.NullString{String: *patch.SuspensionReason, Valid: *patch.SuspensionReason != ""}
		ub = ub.Set("suspension_reason", reason)
		changed = true
	}
	if !changed {
		return staybook.NewError(staybook.KindValidation, "", errors.New("empty profile patch"))
	}

	query, args, err := ub.ToSql()
	if err != nil {
		return fmt.Errorf("building profile update: %w", err)
	}
	return r.execOne(ctx, "updating profile", query, args)
}

// CountProfiles returns the number of user profiles.
func (r *Records) CountProfiles(ctx context.Context) (int, error) {
	query, args, err := psq.Select("COUNT(*)").From("user_profiles").ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count query: %w", err)
	}

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, wrapErr("counting profiles", err)
	}
	return count, nil
}

// InsertAdminAction appends a row to the moderation audit trail.
func (r *Records) InsertAdminAction(ctx context.Context, action staybook.AdminAction) error {
	details, err := json.Marshal(action.Details)
	if err != nil || action.Details == nil {
		details = []byte("{}")
	}

	query, args, err := psq.Insert("admin_actions").
		Columns("admin_user_id", "action_type", "target_type", "target_id", "details", "created_at").
		Values(action.AdminUserID, action.ActionType, action.TargetType, action.TargetID, details, action.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("building admin action insert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return wrapErr("inserting admin action", err)
	}
	return nil
}

// ListBookings returns bookings on the given listings, newest first.
func (r *Records) ListBookings(ctx context.Context, filter staybook.BookingFilter) ([]staybook.Booking, error) {
	if len(filter.ListingIDs) == 0 {
		return nil, nil
	}

	qb := psq.Select(bookingColumns...).From("bookings").
		Where(sq.Eq{"house_id": filter.ListingIDs}).
		OrderBy("created_at DESC")
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building booking query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("querying bookings", err)
	}
	defer func() { _ = rows.Close() }()

	var bookings []staybook.Booking
	for rows.Next() {
		var (
			b           staybook.Booking
			status      string
			confirmedAt sql.NullTime
		)
		if err := rows.Scan(&b.ID, &b.ListingID, &b.GuestID, &status, &b.CreatedAt, &confirmedAt); err != nil {
			return nil, wrapErr("scanning booking", err)
		}
		b.Status = staybook.BookingStatus(status)
		if confirmedAt.Valid {
			t := confirmedAt.Time
			b.ConfirmedAt = &t
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterating booking rows", err)
	}
	return bookings, nil
}

// UpdateBookingStatus sets a booking's status. Confirming also stamps confirmed_at.
func (r *Records) UpdateBookingStatus(ctx context.Context, id string, status staybook.BookingStatus, at time.Time) error {
	ub := psq.Update("bookings").Set("status", string(status)).Where(sq.Eq{"id": id})
	if status == staybook.BookingConfirmed {
		ub = ub.Set("confirmed_at", at)
	}

	query, args, err := ub.ToSql()
	if err != nil {
		return fmt.Errorf("building booking update: %w", err)
	}
	return r.execOne(ctx, "updating booking", query, args)
}

func (r *Records) execOne(ctx context.Context, what, query string, args []any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapErr(what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, staybook.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (staybook.ListingRecord, error) {
	var (
		l                  staybook.ListingRecord
		description, phone sql.NullString
		images             []string
		legacyURL, owner   sql.NullString
		status             sql.NullString
	)
	err := row.Scan(
		&l.ID,
		&l.Title,
		&description,
		&phone,
		pq.Array(&images),
		&legacyURL,
		&owner,
		&l.Verified,
		&status,
		&l.Featured,
		&l.CreatedAt,
	)
	if err != nil {
		return staybook.ListingRecord{}, err
	}

	l.Description = description.String
	l.Phone = phone.String
	l.ImageURLs = staybook.NormalizeImageURLs(images, legacyURL.String)
	l.OwnerID = owner.String
	l.Status = staybook.Status(status.String)
	if l.Status == "" {
		l.Status = staybook.StatusActive
	}
	return l, nil
}

// wrapErr maps driver errors onto the staybook error taxonomy.
func wrapErr(what string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, staybook.ErrNotFound)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUndefinedTable {
		return &staybook.Error{
			Kind: staybook.KindRecord,
			Code: staybook.CodeSchemaMissing,
			Err:  fmt.Errorf("%s: %w: %s", what, staybook.ErrSchemaMissing, pqErr.Message),
		}
	}

	if staybook.IsTransport(err) {
		return staybook.NewError(staybook.KindTransport, "", fmt.Errorf("%s: %w", what, err))
	}
	return fmt.Errorf("%s: %w", what, err)
}
