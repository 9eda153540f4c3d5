package staybook

import (
	"time"

	"go.uber.org/zap"

	"github.com/aadithya-v/staybook/store"
)

// MaxImages is the largest number of images a listing can carry.
const MaxImages = 8

// Config contains configuration options for a Client.
type Config struct {
	// Auth is the remote identity provider. Required.
	Auth AuthProvider

	// Storage is the remote object storage for listing images. Required.
	Storage ObjectStorage

	// Records is the remote relational query service. Required.
	Records Records

	// SessionStore is the local durable storage for the persisted session.
	// Default: SQLite store (creates staybook.db in current directory).
	SessionStore store.KeyValueStore

	// DatabasePath is the path for the default SQLite database.
	// Only used if SessionStore is nil.
	// Default: "staybook.db".
	DatabasePath string

	// SessionKey is the key the serialized session is persisted under.
	// Default: "userSession".
	SessionKey string

	// ImageBucket is the storage bucket listing images are uploaded to.
	// Default: "house-images".
	ImageBucket string

	// ImagePathPrefix is the folder inside ImageBucket.
	// Default: "houses".
	ImagePathPrefix string

	// MaxImageBytes limits the size of a single uploaded image.
	// Default: 10 MiB.
	MaxImageBytes int64

	// RefreshTimeout bounds a single listing fetch. Zero leaves the
	// transport default in place.
	RefreshTimeout time.Duration

	// UserAgent describes this client. It is parsed into the DeviceInfo
	// stamped on every adopted session.
	UserAgent string

	// Logger receives structured logs. Default: no-op.
	Logger *zap.Logger

	// Clock supplies timestamps. Default: wall clock.
	Clock Clock
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// DefaultConfig returns a Config with sensible defaults.
// The remote services still have to be filled in.
func DefaultConfig() Config {
	return Config{
		DatabasePath:    "staybook.db",
		SessionKey:      "userSession",
		ImageBucket:     "house-images",
		ImagePathPrefix: "houses",
		MaxImageBytes:   10 << 20,
	}
}

// applyDefaults fills in default values for zero-value fields.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.DatabasePath == "" {
		c.DatabasePath = defaults.DatabasePath
	}
	if c.SessionKey == "" {
		c.SessionKey = defaults.SessionKey
	}
	if c.ImageBucket == "" {
		c.ImageBucket = defaults.ImageBucket
	}
	if c.ImagePathPrefix == "" {
		c.ImagePathPrefix = defaults.ImagePathPrefix
	}
	if c.MaxImageBytes <= 0 {
		c.MaxImageBytes = defaults.MaxImageBytes
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
}
