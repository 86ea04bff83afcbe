// Package auth implements the offline authentication cache.
//
// The cache persists the last successful online session and decides, at
// startup and on connectivity changes, whether the process operates
// online-authenticated, offline-authenticated, or unauthenticated.
// Offline mode never fabricates a session: the cache is written only
// after a successful online authentication.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/terracadastre/fieldsync/internal/connectivity"
	"github.com/terracadastre/fieldsync/internal/remote"
	"github.com/terracadastre/fieldsync/internal/schema"
	"github.com/terracadastre/fieldsync/internal/store"
)

// ErrNoSession is returned when an operation needs a cached session and
// none exists.
var ErrNoSession = errors.New("no cached session")

// State is the authentication posture decided at startup.
type State int

const (
	// Unauthenticated means no identity is available; operations that
	// require identity are blocked until an online login succeeds.
	Unauthenticated State = iota
	// OnlineAuthenticated means the session was validated against the
	// remote authority during this process lifetime.
	OnlineAuthenticated
	// OfflineAuthenticated means a cached session was accepted without
	// remote validation because no connectivity was available.
	OfflineAuthenticated
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case OnlineAuthenticated:
		return "online-authenticated"
	case OfflineAuthenticated:
		return "offline-authenticated"
	default:
		return "unknown"
	}
}

// Cache owns the CachedSession row and the advisory offline-mode flag.
type Cache struct {
	store  *store.Store
	client remote.Client
	logger *log.Logger

	mu      sync.Mutex
	offline bool
	token   string
}

// NewCache creates an authentication cache over the local store.
//
// If logger is nil, a default logger writing to stderr is used.
func NewCache(st *store.Store, client remote.Client, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.New(os.Stderr, "[auth] ", log.LstdFlags)
	}
	return &Cache{
		store:  st,
		client: client,
		logger: logger,
	}
}

// GetCachedSession returns the persisted session, or ErrNoSession.
func (c *Cache) GetCachedSession(ctx context.Context) (*schema.CachedSession, error) {
	sess, err := c.store.GetSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached session: %w", err)
	}
	if sess == nil {
		return nil, ErrNoSession
	}
	return sess, nil
}

// SaveSession overwrites the cache with a freshly validated session.
// Called only after a successful online authentication.
func (c *Cache) SaveSession(ctx context.Context, session *remote.Session) error {
	cached := &schema.CachedSession{
		UserID:      session.UserID,
		Username:    session.Username,
		DisplayName: session.DisplayName,
		Role:        session.Role,
		Token:       session.Token,
		CachedAt:    time.Now().UTC(),
	}
	if err := c.store.SaveSession(ctx, cached); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	c.mu.Lock()
	c.token = session.Token
	c.mu.Unlock()

	c.logger.Printf("Cached session for %s", session.Username)
	return nil
}

// ClearSession removes the cached session.
func (c *Cache) ClearSession(ctx context.Context) error {
	if err := c.store.ClearSession(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return nil
}

// SetOfflineMode records whether the system is operating without a
// verified remote session. Purely advisory state for the coordinator
// and for collaborators that gate remote-only features.
func (c *Cache) SetOfflineMode(enabled bool) {
	c.mu.Lock()
	c.offline = enabled
	c.mu.Unlock()
}

// OfflineMode reports the advisory offline flag.
func (c *Cache) OfflineMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offline
}

// Token returns the current session token, or empty when unauthenticated.
func (c *Cache) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// SyncWithServer validates the cached session against the remote
// authority.
//
// On success the cache is refreshed with the authority's session. On
// rejection the cache is cleared and remote.ErrAuthExpired is returned;
// the coordinator must force re-authentication, never retry. Transient
// failures leave the cache untouched.
func (c *Cache) SyncWithServer(ctx context.Context) error {
	cached, err := c.GetCachedSession(ctx)
	if err != nil {
		return err
	}

	session, err := c.client.ValidateSession(ctx, cached.Token)
	if errors.Is(err, remote.ErrAuthExpired) {
		c.logger.Printf("Session for %s expired, clearing cache", cached.Username)
		if clearErr := c.ClearSession(ctx); clearErr != nil {
			return fmt.Errorf("failed to clear expired session: %w", clearErr)
		}
		return remote.ErrAuthExpired
	}
	if err != nil {
		return fmt.Errorf("session validation failed: %w", err)
	}

	if err := c.SaveSession(ctx, session); err != nil {
		return err
	}

	c.logger.Printf("Session for %s refreshed", session.Username)
	return nil
}

// Bootstrap decides the startup authentication posture for the given
// connectivity mode.
//
// Offline with a cached session: the session is accepted without remote
// validation. Offline with no cache: unauthenticated until connectivity
// returns. Online: the cached session is validated with the authority.
func (c *Cache) Bootstrap(ctx context.Context, mode connectivity.Mode) (State, error) {
	cached, err := c.GetCachedSession(ctx)
	if errors.Is(err, ErrNoSession) {
		return Unauthenticated, nil
	}
	if err != nil {
		return Unauthenticated, err
	}

	c.mu.Lock()
	c.token = cached.Token
	c.mu.Unlock()

	if mode == connectivity.Offline {
		c.SetOfflineMode(true)
		c.logger.Printf("Offline start: accepting cached session for %s", cached.Username)
		return OfflineAuthenticated, nil
	}

	if err := c.SyncWithServer(ctx); err != nil {
		if errors.Is(err, remote.ErrAuthExpired) {
			return Unauthenticated, remote.ErrAuthExpired
		}
		// Transient validation trouble at startup: fall back to the
		// cached session rather than locking the agent out
		c.logger.Printf("Warning: startup validation failed (%v), using cached session", err)
		c.SetOfflineMode(true)
		return OfflineAuthenticated, nil
	}

	c.SetOfflineMode(false)
	return OnlineAuthenticated, nil
}

// Login performs an online authentication and caches the session.
func (c *Cache) Login(ctx context.Context, username, password string) (*remote.Session, error) {
	session, err := c.client.Authenticate(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	if err := c.SaveSession(ctx, session); err != nil {
		return nil, err
	}

	c.SetOfflineMode(false)
	return session, nil
}

// Logout clears the cached session.
func (c *Cache) Logout(ctx context.Context) error {
	if err := c.ClearSession(ctx); err != nil {
		return err
	}
	c.logger.Println("Logged out")
	return nil
}
