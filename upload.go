package staybook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalImage is an image picked on the device and not yet uploaded.
type LocalImage interface {
	Name() string
	Open() (io.ReadCloser, error)
}

type fileImage string

// FileImage returns a LocalImage backed by a file on disk.
func FileImage(path string) LocalImage { return fileImage(path) }

func (f fileImage) Name() string                 { return filepath.Base(string(f)) }
func (f fileImage) Open() (io.ReadCloser, error) { return os.Open(string(f)) }

type bytesImage struct {
	name string
	data []byte
}

// BytesImage returns a LocalImage held in memory.
func BytesImage(name string, data []byte) LocalImage {
	return bytesImage{name: name, data: data}
}

func (b bytesImage) Name() string { return b.name }
func (b bytesImage) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

// Draft is what the user fills in before submitting a listing.
type Draft struct {
	Title       string
	Description string
	Phone       string
	Images      []LocalImage
}

// Validate checks every field and reports each failure separately.
func (d Draft) Validate() error {
	var errs ValidationErrors
	if strings.TrimSpace(d.Title) == "" {
		errs = append(errs, FieldError{Field: "title", Message: "is required"})
	}
	if strings.TrimSpace(d.Description) == "" {
		errs = append(errs, FieldError{Field: "description", Message: "is required"})
	}
	if strings.TrimSpace(d.Phone) == "" {
		errs = append(errs, FieldError{Field: "phone", Message: "is required"})
	}
	switch n := len(d.Images); {
	case n == 0:
		errs = append(errs, FieldError{Field: "images", Message: "at least one image is required"})
	case n > MaxImages:
		errs = append(errs, FieldError{Field: "images", Message: fmt.Sprintf("at most %d images are allowed", MaxImages)})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// UploadStage is a step of the submission state machine.
type UploadStage int

const (
	StageDraft UploadStage = iota
	StageUploadingImages
	StageCreatingRecord
	StageCommitted
	StageFailed
)

func (s UploadStage) String() string {
	switch s {
	case StageDraft:
		return "draft"
	case StageUploadingImages:
		return "uploading_images"
	case StageCreatingRecord:
		return "creating_record"
	case StageCommitted:
		return "committed"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// UploadProgress is reported after each image completes.
type UploadProgress struct {
	Stage     UploadStage
	Completed int
	Total     int
	Percent   int
}

// UploadState is a snapshot of an UploadSession.
type UploadState struct {
	Stage UploadStage
	// FailedStage is the stage that failed when Stage is StageFailed.
	FailedStage  UploadStage
	Percent      int
	UploadedURLs []string
	Record       *ListingRecord
	Err          error
	Closed       bool
}

// UploadCoordinator turns a draft into one listing: upload every image,
// then create one record referencing them all.
type UploadCoordinator struct {
	sessions *SessionStore
	storage  ObjectStorage
	records  ListingRecords
	cache    *ListingCache
	logger   *zap.Logger
	clock    Clock

	bucket   string
	prefix   string
	maxBytes int64

	mu     sync.Mutex
	active map[string]*UploadSession // by user id
}

func newUploadCoordinator(cfg Config, sessions *SessionStore, cache *ListingCache) *UploadCoordinator {
	return &UploadCoordinator{
		sessions: sessions,
		storage:  cfg.Storage,
		records:  cfg.Records,
		cache:    cache,
		logger:   cfg.Logger.Named("uploads"),
		clock:    cfg.Clock,
		bucket:   cfg.ImageBucket,
		prefix:   cfg.ImagePathPrefix,
		maxBytes: cfg.MaxImageBytes,
		active:   make(map[string]*UploadSession),
	}
}

// Begin opens an upload session for the signed-in user. Each user has at
// most one open session; it stays open until committed or abandoned.
func (c *UploadCoordinator) Begin(draft Draft) (*UploadSession, error) {
	sess := c.sessions.Current()
	if sess == nil {
		return nil, &Error{Kind: KindAuth, Op: "begin_upload", Err: ErrNotAuthenticated}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.active[sess.UserID]; busy {
		return nil, &Error{Kind: KindValidation, Op: "begin_upload", Err: ErrUploadInProgress}
	}

	u := &UploadSession{
		coord:   c,
		ownerID: sess.UserID,
		draft:   draft,
		stage:   StageDraft,
	}
	c.active[sess.UserID] = u
	return u, nil
}

// Active returns the open upload session of the signed-in user, if any.
func (c *UploadCoordinator) Active() (*UploadSession, bool) {
	sess := c.sessions.Current()
	if sess == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.active[sess.UserID]
	return u, ok
}

func (c *UploadCoordinator) release(u *UploadSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[u.ownerID] == u {
		delete(c.active, u.ownerID)
	}
}

// objectPath builds a collision-resistant path: timestamp, random suffix, index.
func (c *UploadCoordinator) objectPath(index int, name string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	if ext == "" {
		ext = "jpg"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	file := fmt.Sprintf("%d_%s_%d.%s", c.clock.Now().UnixMilli(), suffix, index, ext)
	if c.prefix == "" {
		return file
	}
	return c.prefix + "/" + file
}

// UploadSession tracks one submission. It is never persisted.
type UploadSession struct {
	coord   *UploadCoordinator
	ownerID string

	mu          sync.Mutex
	draft       Draft
	stage       UploadStage
	failedStage UploadStage
	uploaded    []string // public URLs, in submission order
	paths       []string // object paths, parallel to uploaded
	completed   int
	total       int
	record      *ListingRecord
	err         error
	closed      bool
	onProgress  func(UploadProgress)
}

// SetDraft replaces the draft. Only valid before submission.
func (u *UploadSession) SetDraft(d Draft) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return &Error{Kind: KindValidation, Op: "set_draft", Err: ErrUploadClosed}
	}
	if u.stage != StageDraft {
		return &Error{Kind: KindValidation, Op: "set_draft", Err: ErrInvalidStage}
	}
	u.draft = d
	return nil
}

// OnProgress sets the progress callback. It runs on the submitting goroutine.
func (u *UploadSession) OnProgress(fn func(UploadProgress)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onProgress = fn
}

// Submit validates the draft, uploads every image in order and creates the
// listing. Validation failures leave the session in StageDraft. Any later
// failure moves it to StageFailed; no record exists unless it reaches
// StageCommitted.
func (u *UploadSession) Submit(ctx context.Context) (ListingRecord, error) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ListingRecord{}, &Error{Kind: KindValidation, Op: "submit_upload", Err: ErrUploadClosed}
	}
	if u.stage != StageDraft {
		u.mu.Unlock()
		return ListingRecord{}, &Error{Kind: KindValidation, Op: "submit_upload", Err: ErrInvalidStage}
	}
	if err := u.draft.Validate(); err != nil {
		u.mu.Unlock()
		return ListingRecord{}, &Error{Kind: KindValidation, Op: "submit_upload", Err: err}
	}
	if err := u.checkOwnerLocked(); err != nil {
		u.mu.Unlock()
		return ListingRecord{}, err
	}
	draft := u.draft
	u.stage = StageUploadingImages
	u.total = len(draft.Images)
	u.mu.Unlock()

	for i, img := range draft.Images {
		url, objectPath, err := u.uploadImage(ctx, i, img)
		if err != nil {
			err = fmt.Errorf("image %d of %d: %w", i+1, len(draft.Images), err)
			return ListingRecord{}, u.fail(StageUploadingImages, classify("upload_image", KindStorage, err))
		}
		u.imageDone(url, objectPath)
	}

	return u.createRecord(ctx)
}

// RetryRecord re-attempts only the record creation of a session whose
// images all uploaded but whose insert failed.
func (u *UploadSession) RetryRecord(ctx context.Context) (ListingRecord, error) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ListingRecord{}, &Error{Kind: KindValidation, Op: "retry_record", Err: ErrUploadClosed}
	}
	if u.stage != StageFailed || u.failedStage != StageCreatingRecord {
		u.mu.Unlock()
		return ListingRecord{}, &Error{Kind: KindValidation, Op: "retry_record", Err: ErrInvalidStage}
	}
	if err := u.checkOwnerLocked(); err != nil {
		u.mu.Unlock()
		return ListingRecord{}, err
	}
	u.stage = StageCreatingRecord
	u.err = nil
	u.mu.Unlock()

	return u.createRecord(ctx)
}

// Cleanup deletes the images a failed session already uploaded. Nothing
// removes them automatically, because RetryRecord depends on them.
func (u *UploadSession) Cleanup(ctx context.Context) error {
	u.mu.Lock()
	if u.stage != StageFailed {
		u.mu.Unlock()
		return &Error{Kind: KindValidation, Op: "cleanup_upload", Err: ErrInvalidStage}
	}
	paths := append([]string(nil), u.paths...)
	// Once removal starts the record can no longer be created.
	prevFailed := u.failedStage
	u.failedStage = StageUploadingImages
	u.mu.Unlock()

	if len(paths) == 0 {
		return nil
	}
	if err := u.coord.storage.Remove(ctx, u.coord.bucket, paths...); err != nil {
		u.mu.Lock()
		u.failedStage = prevFailed
		u.mu.Unlock()
		return classify("cleanup_upload", KindStorage, err)
	}

	u.mu.Lock()
	u.uploaded = nil
	u.paths = nil
	u.mu.Unlock()

	u.coord.logger.Info("removed orphaned images", zap.Int("count", len(paths)))
	return nil
}

// Abandon closes the session and frees the user's upload slot. It fails
// with ErrInvalidStage while Submit or RetryRecord is running.
func (u *UploadSession) Abandon() error {
	u.mu.Lock()
	if u.stage == StageUploadingImages || u.stage == StageCreatingRecord {
		u.mu.Unlock()
		return &Error{Kind: KindValidation, Op: "abandon_upload", Err: ErrInvalidStage}
	}
	u.closed = true
	u.mu.Unlock()

	u.coord.release(u)
	return nil
}

// State returns a snapshot of the session.
func (u *UploadSession) State() UploadState {
	u.mu.Lock()
	defer u.mu.Unlock()

	state := UploadState{
		Stage:        u.stage,
		FailedStage:  u.failedStage,
		Percent:      percent(u.completed, u.total),
		UploadedURLs: append([]string(nil), u.uploaded...),
		Err:          u.err,
		Closed:       u.closed,
	}
	if u.record != nil {
		r := u.record.clone()
		state.Record = &r
	}
	return state
}

func (u *UploadSession) uploadImage(ctx context.Context, index int, img LocalImage) (string, string, error) {
	rc, err := img.Open()
	if err != nil {
		return "", "", fmt.Errorf("opening %s: %w", img.Name(), err)
	}
	defer rc.Close()

	limit := u.coord.maxBytes
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return "", "", fmt.Errorf("reading %s: %w", img.Name(), err)
	}
	if int64(len(data)) > limit {
		return "", "", ErrImageTooLarge
	}

	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidContentType, mtype.String())
	}

	objectPath := u.coord.objectPath(index, img.Name())
	if err := u.coord.storage.Upload(ctx, u.coord.bucket, objectPath, data, mtype.String()); err != nil {
		return "", "", err
	}

	u.coord.logger.Debug("image uploaded",
		zap.Int("index", index),
		zap.String("path", objectPath),
		zap.String("content_type", mtype.String()),
	)
	return u.coord.storage.PublicURL(u.coord.bucket, objectPath), objectPath, nil
}

func (u *UploadSession) imageDone(url, objectPath string) {
	u.mu.Lock()
	u.uploaded = append(u.uploaded, url)
	u.paths = append(u.paths, objectPath)
	u.completed++
	progress := UploadProgress{
		Stage:     StageUploadingImages,
		Completed: u.completed,
		Total:     u.total,
		Percent:   percent(u.completed, u.total),
	}
	fn := u.onProgress
	u.mu.Unlock()

	if fn != nil {
		fn(progress)
	}
}

func (u *UploadSession) createRecord(ctx context.Context) (ListingRecord, error) {
	u.mu.Lock()
	u.stage = StageCreatingRecord
	listing := NewListing{
		Title:       strings.TrimSpace(u.draft.Title),
		Description: strings.TrimSpace(u.draft.Description),
		Phone:       strings.TrimSpace(u.draft.Phone),
		ImageURLs:   append([]string(nil), u.uploaded...),
		OwnerID:     u.ownerID,
		CreatedAt:   u.coord.clock.Now(),
	}
	u.mu.Unlock()

	record, err := u.coord.records.InsertListing(ctx, listing)
	if err != nil {
		return ListingRecord{}, u.fail(StageCreatingRecord, classify("create_listing", KindRecord, err))
	}

	u.mu.Lock()
	u.stage = StageCommitted
	u.record = &record
	u.closed = true
	u.mu.Unlock()

	u.coord.release(u)
	u.coord.cache.InsertLocal(record)
	u.coord.logger.Info("listing created",
		zap.String("listing_id", record.ID),
		zap.String("user_id", u.ownerID),
		zap.Int("images", len(record.ImageURLs)),
	)
	return record.clone(), nil
}

func (u *UploadSession) fail(stage UploadStage, err error) error {
	u.mu.Lock()
	u.stage = StageFailed
	u.failedStage = stage
	u.err = err
	uploaded := len(u.uploaded)
	u.mu.Unlock()

	u.coord.logger.Warn("upload failed",
		zap.String("stage", stage.String()),
		zap.Int("uploaded_images", uploaded),
		zap.Error(err),
	)
	return err
}

// checkOwnerLocked refuses to continue once the user who began the session
// is no longer signed in.
func (u *UploadSession) checkOwnerLocked() error {
	sess := u.coord.sessions.Current()
	if sess == nil || sess.UserID != u.ownerID {
		return &Error{Kind: KindAuth, Op: "submit_upload", Err: ErrNotAuthenticated}
	}
	return nil
}

func percent(completed, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(100 * float64(completed) / float64(total)))
}
