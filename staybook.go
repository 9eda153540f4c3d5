// Package staybook is the client core of a rental-listing app: who is signed
// in, which listings are known locally, and how a new listing with its
// images is submitted.
package staybook

import (
	"context"
	"errors"
	"fmt"

	"github.com/aadithya-v/staybook/store"
)

// Client wires the components together around one SessionStore.
type Client struct {
	Sessions   *SessionStore
	Listings   *ListingCache
	Uploads    *UploadCoordinator
	Moderation *Moderator
	Host       *HostDashboard

	config Config
	kv     store.KeyValueStore
	ownsKV bool
}

// New creates a new Client with the given configuration.
// Auth, Storage and Records are required. If SessionStore is not provided,
// a SQLite store is opened at DatabasePath and closed with the Client.
func New(cfg Config) (*Client, error) {
	cfg.applyDefaults()

	if cfg.Auth == nil {
		return nil, errors.New("staybook: Config.Auth is required")
	}
	if cfg.Storage == nil {
		return nil, errors.New("staybook: Config.Storage is required")
	}
	if cfg.Records == nil {
		return nil, errors.New("staybook: Config.Records is required")
	}

	c := &Client{config: cfg}

	// Initialize session persistence (default: SQLite)
	if cfg.SessionStore != nil {
		c.kv = cfg.SessionStore
	} else {
		sqliteStore, err := store.NewSQLite(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("staybook: failed to initialize SQLite store: %w", err)
		}
		c.kv = sqliteStore
		c.ownsKV = true
	}

	c.Sessions = newSessionStore(cfg, c.kv)
	c.Listings = newListingCache(cfg, c.Sessions)
	c.Uploads = newUploadCoordinator(cfg, c.Sessions, c.Listings)
	c.Moderation = newModerator(cfg, c.Sessions, c.Listings)
	c.Host = newHostDashboard(cfg, c.Sessions)

	return c, nil
}

// Initialize resolves the startup session. See SessionStore.Initialize.
func (c *Client) Initialize(ctx context.Context) error {
	return c.Sessions.Initialize(ctx)
}

// Close releases all resources held by the Client.
// Should be called when the application shuts down.
func (c *Client) Close() error {
	var errs []error

	if err := c.Sessions.Close(); err != nil {
		errs = append(errs, err)
	}

	if c.ownsKV {
		if err := c.kv.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("staybook: errors during close: %v", errs)
	}
	return nil
}
