package staybook

import (
	"sort"
	"strings"
	"time"
)

// Status is a listing's moderation status.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// ListingRecord is a property listing.
type ListingRecord struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Phone       string    `json:"phone"`
	ImageURLs   []string  `json:"images"`
	OwnerID     string    `json:"user_id,omitempty"` // empty for legacy rows
	Verified    bool      `json:"is_verified"`
	Status      Status    `json:"status"`
	Featured    bool      `json:"featured"`
	CreatedAt   time.Time `json:"created_at"`
}

// CoverURL returns the first image, or "" when there is none.
func (r ListingRecord) CoverURL() string {
	if len(r.ImageURLs) == 0 {
		return ""
	}
	return r.ImageURLs[0]
}

func (r ListingRecord) clone() ListingRecord {
	out := r
	out.ImageURLs = append([]string(nil), r.ImageURLs...)
	return out
}

// NormalizeImageURLs resolves the two historical image shapes into one list.
// The images array wins; the single legacy image_url is used only when the
// array is absent or empty.
func NormalizeImageURLs(images []string, legacyURL string) []string {
	out := make([]string, 0, len(images))
	for _, u := range images {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	if len(out) > 0 {
		return out
	}
	if legacyURL = strings.TrimSpace(legacyURL); legacyURL != "" {
		return []string{legacyURL}
	}
	return nil
}

// listingLess orders newest first, ties by id ascending.
func listingLess(a, b ListingRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

// sortListings dedupes by id (last occurrence wins) and sorts in cache order.
func sortListings(records []ListingRecord) []ListingRecord {
	seen := make(map[string]int, len(records))
	out := make([]ListingRecord, 0, len(records))
	for _, r := range records {
		if i, ok := seen[r.ID]; ok {
			out[i] = r.clone()
			continue
		}
		seen[r.ID] = len(out)
		out = append(out, r.clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return listingLess(out[i], out[j]) })
	return out
}

// upsertSorted replaces the record with the same id, or inserts it at its
// sorted position.
func upsertSorted(items []ListingRecord, record ListingRecord) []ListingRecord {
	items = removeByID(items, record.ID)
	i := sort.Search(len(items), func(i int) bool { return !listingLess(items[i], record) })
	items = append(items, ListingRecord{})
	copy(items[i+1:], items[i:])
	items[i] = record.clone()
	return items
}

func removeByID(items []ListingRecord, id string) []ListingRecord {
	for i := range items {
		if items[i].ID == id {
			return append(items[:i], items[i+1:]...)
		}
	}
	return items
}

func indexByID(items []ListingRecord, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

// OwnedBy matches listings owned by userID.
func OwnedBy(userID string) func(ListingRecord) bool {
	return func(r ListingRecord) bool {
		return userID != "" && r.OwnerID == userID
	}
}

// Unverified matches listings still awaiting verification.
func Unverified() func(ListingRecord) bool {
	return func(r ListingRecord) bool { return !r.Verified }
}

// WithStatus matches listings in status.
func WithStatus(status Status) func(ListingRecord) bool {
	return func(r ListingRecord) bool { return r.Status == status }
}
