package staybook

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aadithya-v/staybook/store"
)

var errBoom = errors.New("boom")

// jpegBytes sniffs as image/jpeg.
var jpegBytes = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00fake-jpeg-body")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeAuth is an in-memory identity provider. Push delivers an event to the
// active watch.
type fakeAuth struct {
	mu         sync.Mutex
	session    *RemoteSession
	getErr     error
	signUpErr  error
	signInErr  error
	signOutErr error
	watchErr   error
	signUps    []string
	watchCalls int

	events chan AuthEvent
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{events: make(chan AuthEvent, 8)}
}

func remoteSessionFor(email string) *RemoteSession {
	return &RemoteSession{
		UserID:       "user-" + strings.SplitN(email, "@", 2)[0],
		Email:        email,
		IssuedAt:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		ExpiresAt:    time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC),
		AccessToken:  "access-" + email,
		RefreshToken: "refresh-" + email,
	}
}

func (f *fakeAuth) GetSession(ctx context.Context) (*RemoteSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.session, nil
}

func (f *fakeAuth) SignUp(ctx context.Context, email, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signUpErr != nil {
		return f.signUpErr
	}
	f.signUps = append(f.signUps, email)
	return nil
}

func (f *fakeAuth) SignInWithPassword(ctx context.Context, email, password string) (*RemoteSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signInErr != nil {
		return nil, f.signInErr
	}
	f.session = remoteSessionFor(email)
	return f.session, nil
}

func (f *fakeAuth) SignOut(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signOutErr != nil {
		return f.signOutErr
	}
	f.session = nil
	return nil
}

func (f *fakeAuth) WatchAuthState(ctx context.Context) (<-chan AuthEvent, error) {
	f.mu.Lock()
	f.watchCalls++
	err := f.watchErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan AuthEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-f.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *fakeAuth) Push(ev AuthEvent) {
	f.events <- ev
}

// fakeStorage hands out urlA, urlB, ... in upload order.
type fakeStorage struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
	urls         map[string]string
	paths        []string
	removed      []string
	calls        int
	failAt       int // 1-based upload call that fails; 0 never
	removeErr    error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		objects:      make(map[string][]byte),
		contentTypes: make(map[string]string),
		urls:         make(map[string]string),
	}
}

func (f *fakeStorage) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAt == f.calls {
		return errBoom
	}
	key := bucket + "/" + path
	if _, exists := f.objects[key]; exists {
		return ErrObjectExists
	}
	f.objects[key] = append([]byte(nil), data...)
	f.contentTypes[key] = contentType
	f.urls[key] = fmt.Sprintf("url%c", 'A'+len(f.paths))
	f.paths = append(f.paths, path)
	return nil
}

func (f *fakeStorage) PublicURL(bucket, path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.urls[bucket+"/"+path]
}

func (f *fakeStorage) Remove(ctx context.Context, bucket string, paths ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	for _, p := range paths {
		delete(f.objects, bucket+"/"+p)
		f.removed = append(f.removed, p)
	}
	return nil
}

func (f *fakeStorage) Objects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// fakeRecords is an in-memory relational service. When listGate is set,
// ListListings blocks until it is closed.
type fakeRecords struct {
	mu        sync.Mutex
	listings  map[string]ListingRecord
	nextID    int
	listCalls int
	listErr   error
	listGate  chan struct{}
	started   chan struct{}

	insertErr error
	inserted  []NewListing
	updateErr error
	deleteErr error
	deleted   []string

	profiles  map[string]Profile
	profilesN int
	actions   []AdminAction
	auditErr  error

	bookings      []Booking
	bookingFilter BookingFilter
	bookingErr    error
	statusUpdates map[string]BookingStatus
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		listings:      make(map[string]ListingRecord),
		profiles:      make(map[string]Profile),
		statusUpdates: make(map[string]BookingStatus),
		started:       make(chan struct{}, 64),
	}
}

func (f *fakeRecords) put(records ...ListingRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range records {
		f.listings[r.ID] = r
	}
}

func (f *fakeRecords) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeRecords) ListListings(ctx context.Context, filter ListingFilter) ([]ListingRecord, error) {
	f.mu.Lock()
	f.listCalls++
	gate := f.listGate
	err := f.listErr
	var out []ListingRecord
	for _, r := range f.listings {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.OwnerID != "" && r.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Featured != nil && r.Featured != *filter.Featured {
			continue
		}
		out = append(out, r)
	}
	f.mu.Unlock()

	// Map order is random; the cache is responsible for ordering.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })

	select {
	case f.started <- struct{}{}:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeRecords) InsertListing(ctx context.Context, listing NewListing) (ListingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, listing)
	if f.insertErr != nil {
		return ListingRecord{}, f.insertErr
	}
	f.nextID++
	r := ListingRecord{
		ID:          fmt.Sprintf("house-%d", f.nextID),
		Title:       listing.Title,
		Description: listing.Description,
		Phone:       listing.Phone,
		ImageURLs:   append([]string(nil), listing.ImageURLs...),
		OwnerID:     listing.OwnerID,
		Status:      StatusActive,
		CreatedAt:   listing.CreatedAt,
	}
	f.listings[r.ID] = r
	return r, nil
}

func (f *fakeRecords) UpdateListing(ctx context.Context, id string, patch ListingPatch) (ListingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return ListingRecord{}, f.updateErr
	}
	r, ok := f.listings[id]
	if !ok {
		return ListingRecord{}, ErrNotFound
	}
	if patch.Verified != nil {
		r.Verified = *patch.Verified
	}
	if patch.Status != nil {
		r.Status = *patch.Status
	}
	if patch.Featured != nil {
		r.Featured = *patch.Featured
	}
	f.listings[id] = r
	return r, nil
}

func (f *fakeRecords) DeleteListing(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.listings, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeRecords) GetProfile(ctx context.Context, userID string) (Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (f *fakeRecords) UpdateProfile(ctx context.Context, userID string, patch ProfilePatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return ErrNotFound
	}
	if patch.VerificationStatus != nil {
		p.VerificationStatus = *patch.VerificationStatus
	}
	if patch.SuspensionReason != nil {
		p.SuspensionReason = *patch.SuspensionReason
	}
	f.profiles[userID] = p
	return nil
}

func (f *fakeRecords) CountProfiles(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.profilesN > 0 {
		return f.profilesN, nil
	}
	return len(f.profiles), nil
}

func (f *fakeRecords) InsertAdminAction(ctx context.Context, action AdminAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.auditErr != nil {
		return f.auditErr
	}
	f.actions = append(f.actions, action)
	return nil
}

func (f *fakeRecords) ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookingFilter = filter
	if f.bookingErr != nil {
		return nil, f.bookingErr
	}
	out := append([]Booking(nil), f.bookings...)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeRecords) UpdateBookingStatus(ctx context.Context, id string, status BookingStatus, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bookingErr != nil {
		return f.bookingErr
	}
	f.statusUpdates[id] = status
	return nil
}

type testEnv struct {
	client  *Client
	auth    *fakeAuth
	storage *fakeStorage
	records *fakeRecords
	kv      *store.MemoryStore
	clock   *fakeClock
}

// newTestClient creates a Client with in-memory stores and fake services.
func newTestClient(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		auth:    newFakeAuth(),
		storage: newFakeStorage(),
		records: newFakeRecords(),
		kv:      store.NewMemory(),
		clock:   newFakeClock(),
	}

	client, err := New(Config{
		Auth:         env.auth,
		Storage:      env.storage,
		Records:      env.records,
		SessionStore: env.kv,
		Clock:        env.clock,
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	env.client = client
	return env
}

// signIn initializes the client and signs email in.
func (e *testEnv) signIn(t *testing.T, email string) *Session {
	t.Helper()
	ctx := context.Background()
	if err := e.client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	sess, err := e.client.Sessions.SignIn(ctx, email, "secret")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	return sess
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func listing(id, owner string, created time.Time) ListingRecord {
	return ListingRecord{
		ID:          id,
		Title:       "Listing " + id,
		Description: "Description " + id,
		Phone:       "+15550000000",
		ImageURLs:   []string{"https://cdn.test/" + id + ".jpg"},
		OwnerID:     owner,
		Status:      StatusActive,
		CreatedAt:   created,
	}
}

func ids(items []ListingRecord) []string {
	out := make([]string, len(items))
	for i, r := range items {
		out[i] = r.ID
	}
	return out
}
