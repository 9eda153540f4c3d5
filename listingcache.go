package staybook

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ListingCacheState is a snapshot of the cache.
type ListingCacheState struct {
	Items           []ListingRecord
	RefreshInFlight bool
	LastError       error
	LastSyncedAt    time.Time
}

// ListingCache is a locally materialized, refreshable view of the remote
// listing collection, ordered newest first and free of duplicate ids.
//
// At most one fetch runs at a time. Local mutations made while a fetch is
// running are journaled and replayed on top of its result, so a response
// read before the mutation reached the server cannot undo it.
type ListingCache struct {
	records  ListingRecords
	sessions *SessionStore
	logger   *zap.Logger
	clock    Clock
	timeout  time.Duration

	group singleflight.Group
	slot  chan struct{} // one fetch at a time

	mu           sync.Mutex
	items        []ListingRecord
	fetching     bool
	journal      []cacheMutation
	lastError    error
	lastSyncedAt time.Time
	generation   uint64
	ownerID      string
}

// cacheMutation is a journaled local change: an upsert, or a delete when
// record is nil.
type cacheMutation struct {
	id     string
	record *ListingRecord
}

func newListingCache(cfg Config, sessions *SessionStore) *ListingCache {
	c := &ListingCache{
		records:  cfg.Records,
		sessions: sessions,
		logger:   cfg.Logger.Named("listings"),
		clock:    cfg.Clock,
		timeout:  cfg.RefreshTimeout,
		slot:     make(chan struct{}, 1),
	}
	if sessions != nil {
		sessions.OnSessionChange(c.onSessionChange)
	}
	return c
}

// Refresh replaces the cached items with the remote collection matching
// filter. Concurrent calls with the same filter share one fetch and its
// result; a call with a different filter waits for the running fetch and
// then issues its own. On failure the items are left unchanged.
func (c *ListingCache) Refresh(ctx context.Context, filter ListingFilter) ([]ListingRecord, error) {
	// The fetch is shared, so it must not die with whichever caller started it.
	fetchCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan(filterKey(filter), func() (any, error) {
		return c.fetch(fetchCtx, filter)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneListings(res.Val.([]ListingRecord)), nil
	case <-ctx.Done():
		return nil, classify("refresh", KindTransport, ctx.Err())
	}
}

func (c *ListingCache) fetch(ctx context.Context, filter ListingFilter) ([]ListingRecord, error) {
	c.slot <- struct{}{}
	defer func() { <-c.slot }()

	c.mu.Lock()
	gen := c.generation
	c.fetching = true
	c.journal = nil
	c.mu.Unlock()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	started := c.clock.Now()
	rows, err := c.records.ListListings(ctx, filter)

	c.mu.Lock()
	defer c.mu.Unlock()

	journal := c.journal
	c.fetching = false
	c.journal = nil

	if gen != c.generation {
		c.logger.Debug("discarding refresh that outlived its session")
		return nil, &Error{Kind: KindAuth, Op: "refresh", Err: ErrSessionEnded}
	}

	if err != nil {
		err = classify("refresh", KindRecord, err)
		c.lastError = err
		c.logger.Warn("refresh failed", zap.Error(err))
		return nil, err
	}

	items := sortListings(rows)
	for _, m := range journal {
		if m.record != nil {
			items = upsertSorted(items, *m.record)
		} else {
			items = removeByID(items, m.id)
		}
	}

	c.items = items
	c.lastError = nil
	c.lastSyncedAt = c.clock.Now()

	c.logger.Debug("refreshed listings",
		zap.Int("count", len(items)),
		zap.Int("replayed", len(journal)),
		zap.Duration("took", c.lastSyncedAt.Sub(started)),
	)
	return cloneListings(items), nil
}

// InsertLocal splices record into the items at its sorted position. A record
// whose id is already cached replaces the cached copy.
func (c *ListingCache) InsertLocal(record ListingRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upsertLocked(record)
}

func (c *ListingCache) upsertLocked(record ListingRecord) {
	c.items = upsertSorted(c.items, record)
	if c.fetching {
		r := record.clone()
		c.journal = append(c.journal, cacheMutation{id: record.ID, record: &r})
	}
}

func (c *ListingCache) removeLocked(id string) (ListingRecord, bool) {
	// Journal even when not cached: the running fetch may return it.
	if c.fetching {
		c.journal = append(c.journal, cacheMutation{id: id})
	}
	i := indexByID(c.items, id)
	if i < 0 {
		return ListingRecord{}, false
	}
	removed := c.items[i]
	c.items = removeByID(c.items, id)
	return removed, true
}

// dropTombstoneLocked forgets the most recent journaled delete of id.
func (c *ListingCache) dropTombstoneLocked(id string) {
	for i := len(c.journal) - 1; i >= 0; i-- {
		if m := c.journal[i]; m.record == nil && m.id == id {
			c.journal = append(c.journal[:i], c.journal[i+1:]...)
			return
		}
	}
}

// Remove deletes one of the current user's listings. Only cached records
// can be removed. The record leaves the items immediately; if the remote
// delete fails it is put back and the error is returned.
func (c *ListingCache) Remove(ctx context.Context, id string) error {
	sess := c.sessions.Current()
	if sess == nil {
		return &Error{Kind: KindAuth, Op: "remove_listing", Err: ErrNotAuthenticated}
	}

	return c.remove(ctx, "remove_listing", id, sess.UserID)
}

// remove runs the optimistic delete. A non-empty owner must match the
// cached record's owner; an empty owner skips the check and allows ids
// that are not cached.
func (c *ListingCache) remove(ctx context.Context, op, id, owner string) error {
	c.mu.Lock()
	if owner != "" {
		// Ownership is only known for cached records.
		i := indexByID(c.items, id)
		if i < 0 {
			c.mu.Unlock()
			return &Error{Kind: KindRecord, Op: op, Err: ErrNotFound}
		}
		if c.items[i].OwnerID != owner {
			c.mu.Unlock()
			return &Error{Kind: KindAuth, Op: op, Err: ErrNotOwner}
		}
	}
	gen := c.generation
	removed, wasCached := c.removeLocked(id)
	c.mu.Unlock()

	err := c.records.DeleteListing(ctx, id)
	if err == nil {
		c.logger.Info("listing deleted", zap.String("listing_id", id))
		return nil
	}

	err = classify(op, KindRecord, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen == c.generation {
		if wasCached {
			c.upsertLocked(removed)
		} else {
			c.dropTombstoneLocked(id)
		}
	}
	c.lastError = err
	c.logger.Warn("listing delete failed, rolled back", zap.String("listing_id", id), zap.Error(err))
	return err
}

// Count returns the number of cached records matching pred. It never fetches.
func (c *ListingCache) Count(pred func(ListingRecord) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, r := range c.items {
		if pred == nil || pred(r) {
			n++
		}
	}
	return n
}

// Items returns a copy of the cached records.
func (c *ListingCache) Items() []ListingRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneListings(c.items)
}

// Get returns the cached record with id.
func (c *ListingCache) Get(id string) (ListingRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := indexByID(c.items, id); i >= 0 {
		return c.items[i].clone(), true
	}
	return ListingRecord{}, false
}

// State returns a snapshot of the cache.
func (c *ListingCache) State() ListingCacheState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ListingCacheState{
		Items:           cloneListings(c.items),
		RefreshInFlight: c.fetching,
		LastError:       c.lastError,
		LastSyncedAt:    c.lastSyncedAt,
	}
}

// onSessionChange drops everything cached under a session that ended or
// changed hands. A fetch still running is discarded when it lands.
func (c *ListingCache) onSessionChange(state SessionState) {
	if state.Phase == PhaseLoading || state.Phase == PhaseUninitialized {
		return
	}

	owner := ""
	if state.Session != nil {
		owner = state.Session.UserID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if owner == c.ownerID {
		return
	}
	previous := c.ownerID
	c.ownerID = owner

	// First resolution into a session is not a change of hands.
	if previous == "" && owner != "" {
		return
	}

	c.generation++
	c.items = nil
	c.journal = nil
	c.lastError = nil
	c.lastSyncedAt = time.Time{}
	c.logger.Debug("listing cache reset after session change")
}

func filterKey(f ListingFilter) string {
	featured := "-"
	if f.Featured != nil {
		featured = strconv.FormatBool(*f.Featured)
	}
	return fmt.Sprintf("status=%s|featured=%s|owner=%s|limit=%d", f.Status, featured, f.OwnerID, f.Limit)
}

func cloneListings(in []ListingRecord) []ListingRecord {
	out := make([]ListingRecord, len(in))
	for i, r := range in {
		out[i] = r.clone()
	}
	return out
}
