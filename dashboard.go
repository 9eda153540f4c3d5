package staybook

import (
	"context"

	"go.uber.org/zap"
)

// recentBookingsLimit is how many bookings the host overview shows.
const recentBookingsLimit = 5

// HostStats is the host overview of the current user.
type HostStats struct {
	TotalListings     int
	PendingBookings   int
	ConfirmedBookings int
	RecentBookings    []Booking
}

// HostDashboard shows hosts their listings and the bookings made on them.
type HostDashboard struct {
	sessions *SessionStore
	listings ListingRecords
	records  BookingRecords
	logger   *zap.Logger
	clock    Clock
}

func newHostDashboard(cfg Config, sessions *SessionStore) *HostDashboard {
	return &HostDashboard{
		sessions: sessions,
		listings: cfg.Records,
		records:  cfg.Records,
		logger:   cfg.Logger.Named("host"),
		clock:    cfg.Clock,
	}
}

// Load builds the overview from every listing the current user owns and
// the most recent bookings on them. It queries the owner's listings itself,
// so the counts do not depend on how the listing cache was last filtered.
func (h *HostDashboard) Load(ctx context.Context) (HostStats, error) {
	sess := h.sessions.Current()
	if sess == nil {
		return HostStats{}, &Error{Kind: KindAuth, Op: "load_host_stats", Err: ErrNotAuthenticated}
	}

	owned, err := h.listings.ListListings(ctx, ListingFilter{OwnerID: sess.UserID})
	if err != nil {
		return HostStats{}, classify("load_host_stats", KindRecord, err)
	}
	ids := make([]string, 0, len(owned))
	for _, r := range owned {
		ids = append(ids, r.ID)
	}

	stats := HostStats{TotalListings: len(ids)}
	if len(ids) == 0 {
		return stats, nil
	}

	bookings, err := h.records.ListBookings(ctx, BookingFilter{ListingIDs: ids, Limit: recentBookingsLimit})
	if err != nil {
		return HostStats{}, classify("load_host_stats", KindRecord, err)
	}

	stats.RecentBookings = bookings
	for _, b := range bookings {
		switch b.Status {
		case BookingPending:
			stats.PendingBookings++
		case BookingConfirmed:
			stats.ConfirmedBookings++
		}
	}
	return stats, nil
}

// ConfirmBooking accepts a booking request.
func (h *HostDashboard) ConfirmBooking(ctx context.Context, id string) error {
	return h.setStatus(ctx, "confirm_booking", id, BookingConfirmed)
}

// RejectBooking declines a booking request.
func (h *HostDashboard) RejectBooking(ctx context.Context, id string) error {
	return h.setStatus(ctx, "reject_booking", id, BookingRejected)
}

func (h *HostDashboard) setStatus(ctx context.Context, op, id string, status BookingStatus) error {
	if h.sessions.Current() == nil {
		return &Error{Kind: KindAuth, Op: op, Err: ErrNotAuthenticated}
	}
	if err := h.records.UpdateBookingStatus(ctx, id, status, h.clock.Now()); err != nil {
		return classify(op, KindRecord, err)
	}
	h.logger.Info("booking updated", zap.String("booking_id", id), zap.String("status", string(status)))
	return nil
}
