// Package session owns the authenticated identity: login, registration,
// restore across restarts and logout.
package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"chat-client/internal/models"
	"chat-client/internal/storage"
)

// AuthError means the backend rejected the credentials, the token expired,
// or the auth request never reached the backend. Callers return to the
// login flow when they see one.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// API is the subset of the REST client the store needs.
type API interface {
	Login(ctx context.Context, usernameOrEmail, password string) (models.Session, error)
	Register(ctx context.Context, username, password, displayName string) (models.Session, error)
	SetToken(token string)
}

// Storage is the durable key/value store the session persists into.
type Storage interface {
	Get(key string) (string, bool, error)
	Put(key, value string) error
	Delete(key string) error
}

// Store holds the current session and keeps it in sync with storage.
type Store struct {
	api     API
	storage Storage

	mu      sync.Mutex
	current models.Session
}

// NewStore builds a session store.
func NewStore(api API, st Storage) *Store {
	return &Store{api: api, storage: st}
}

// Login authenticates and persists the resulting session.
func (s *Store) Login(ctx context.Context, usernameOrEmail, password string) (models.Session, error) {
	if strings.TrimSpace(usernameOrEmail) == "" || password == "" {
		return models.Session{}, &AuthError{Op: "login", Err: fmt.Errorf("missing credentials")}
	}

	sess, err := s.api.Login(ctx, usernameOrEmail, password)
	if err != nil {
		return models.Session{}, &AuthError{Op: "login", Err: err}
	}
	if !sess.Authenticated() {
		return models.Session{}, &AuthError{Op: "login", Err: fmt.Errorf("backend returned no token")}
	}

	s.install(sess)
	return sess, nil
}

// Register creates an account. When the backend issues a token on
// registration the new session is installed exactly as a login would be;
// otherwise the caller still has to log in.
func (s *Store) Register(ctx context.Context, username, password, displayName string) (models.Session, error) {
	sess, err := s.api.Register(ctx, username, password, displayName)
	if err != nil {
		return models.Session{}, &AuthError{Op: "register", Err: err}
	}
	if sess.Authenticated() {
		s.install(sess)
	}
	return sess, nil
}

// Restore loads a persisted session, if any. The token is not validated
// here; the first authenticated request does that, and on rejection the
// caller clears the session and redirects to login.
func (s *Store) Restore() (models.Session, bool) {
	token, ok, err := s.storage.Get(storage.KeyToken)
	if err != nil {
		log.Printf("session restore failed: %v", err)
		return models.Session{}, false
	}
	if !ok || token == "" {
		return models.Session{}, false
	}

	name, _, err := s.storage.Get(storage.KeyDisplayName)
	if err != nil {
		log.Printf("session restore failed: %v", err)
		return models.Session{}, false
	}

	sess := models.Session{Token: token, DisplayName: name}
	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
	s.api.SetToken(token)
	return sess, true
}

// Current returns the in-memory session.
func (s *Store) Current() models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Logout clears the persisted token and the in-memory session. The owner
// of the transport must have torn the connection down before calling this.
func (s *Store) Logout() error {
	s.mu.Lock()
	s.current = models.Session{}
	s.mu.Unlock()
	s.api.SetToken("")

	if err := s.storage.Delete(storage.KeyToken); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	if err := s.storage.Delete(storage.KeyDisplayName); err != nil {
		return fmt.Errorf("clear display name: %w", err)
	}
	return nil
}

func (s *Store) install(sess models.Session) {
	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
	s.api.SetToken(sess.Token)

	if err := s.storage.Put(storage.KeyToken, sess.Token); err != nil {
		log.Printf("persist token failed: %v", err)
	}
	if err := s.storage.Put(storage.KeyDisplayName, sess.DisplayName); err != nil {
		log.Printf("persist display name failed: %v", err)
	}
}
