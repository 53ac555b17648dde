package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// State is the session tuple owned by the Store.
type State struct {
	User            *Identity `json:"user"`
	Token           string    `json:"token"`
	IsAuthenticated bool      `json:"isAuthenticated"`
}

type persistedState struct {
	State   State `json:"state"`
	Version int   `json:"version"`
}

const persistVersion = 0

// Listener observes state transitions. It runs synchronously inside the
// mutating call, after the store lock has been released.
type Listener func(prev, next State)

// StoreOptions configures a Store.
type StoreOptions struct {
	Logger *slog.Logger
}

// Store is the single source of truth for session state of one workspace.
type Store struct {
	mu        sync.RWMutex
	state     State
	revision  uint64
	storage   Storage
	logger    *slog.Logger
	listeners map[int]Listener
	nextID    int
	hydrated  chan struct{}
}

// NewStore builds a store and rehydrates it from storage. Rehydration is
// best effort: failures are logged and leave the store unauthenticated.
func NewStore(ctx context.Context, storage Storage, opts StoreOptions) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		storage:   storage,
		logger:    logger,
		listeners: make(map[int]Listener),
		hydrated:  make(chan struct{}),
	}
	s.rehydrate(ctx)
	return s
}

func (s *Store) rehydrate(ctx context.Context) {
	defer close(s.hydrated)
	raw, ok, err := s.storage.Get(ctx, StorageKey)
	if err != nil {
		s.logger.Warn("session rehydrate", slog.Any("error", err))
		return
	}
	if !ok {
		return
	}
	state, err := decodeState(raw)
	if err != nil {
		s.logger.Warn("session rehydrate decode", slog.Any("error", err))
		return
	}
	if state.IsAuthenticated && (state.User == nil || state.Token == "") {
		state = State{}
	}
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Hydrated is closed once the store has attempted to load persisted state.
func (s *Store) Hydrated() <-chan struct{} {
	return s.hydrated
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Token returns the in-memory bearer token.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Token
}

func (s *Store) tokenAt() (string, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Token, s.revision
}

// IsAuthenticated reports the authenticated flag.
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.IsAuthenticated
}

// Login establishes an authenticated session. The in-memory state always
// changes; a storage failure is returned to the caller.
func (s *Store) Login(ctx context.Context, token string, user Identity) error {
	s.mu.Lock()
	prev, next, err := s.loginLocked(ctx, token, user)
	s.mu.Unlock()

	s.notify(prev, next)
	return err
}

// LoginIfUnchanged is Login applied only when no transition has happened
// since rev was read. It reports whether the login was applied.
func (s *Store) LoginIfUnchanged(ctx context.Context, rev uint64, token string, user Identity) (bool, error) {
	s.mu.Lock()
	if s.revision != rev {
		s.mu.Unlock()
		return false, nil
	}
	prev, next, err := s.loginLocked(ctx, token, user)
	s.mu.Unlock()

	s.notify(prev, next)
	return true, err
}

func (s *Store) loginLocked(ctx context.Context, token string, user Identity) (State, State, error) {
	u := user
	next := State{User: &u, Token: token, IsAuthenticated: true}
	prev := s.state
	s.state = next
	s.revision++
	err := s.persistLocked(ctx, next)
	if err == nil {
		err = s.storage.Set(ctx, TokenKey, token)
	}
	return prev, next, err
}

// Logout clears the session and every durable token artifact. It reports
// whether an authenticated session was ended by this call.
func (s *Store) Logout(ctx context.Context) bool {
	s.mu.Lock()
	prev := s.logoutLocked(ctx)
	s.mu.Unlock()
	return s.loggedOut(prev)
}

// LogoutIfUnchanged is Logout applied only when no transition has happened
// since rev was read. It reports whether the logout was applied.
func (s *Store) LogoutIfUnchanged(ctx context.Context, rev uint64) bool {
	s.mu.Lock()
	if s.revision != rev {
		s.mu.Unlock()
		return false
	}
	prev := s.logoutLocked(ctx)
	s.mu.Unlock()
	s.loggedOut(prev)
	return true
}

func (s *Store) logoutLocked(ctx context.Context) State {
	prev := s.state
	s.state = State{}
	s.revision++
	if err := s.storage.Delete(ctx, TokenKey); err != nil {
		s.logger.Warn("session logout clear token", slog.Any("error", err))
	}
	if err := s.persistLocked(ctx, State{}); err != nil {
		s.logger.Warn("session logout persist", slog.Any("error", err))
	}
	return prev
}

func (s *Store) loggedOut(prev State) bool {
	if !prev.IsAuthenticated && prev.Token == "" && prev.User == nil {
		return false
	}
	s.notify(prev, State{})
	return prev.IsAuthenticated
}

// Revision counts transitions. It moves on every Login, Logout and
// UpdateUser, including a Logout of an already empty session.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// UpdateUser replaces the identity of an authenticated session. It is a
// no-op returning false while unauthenticated.
func (s *Store) UpdateUser(ctx context.Context, user Identity) bool {
	s.mu.Lock()
	prev, next, ok := s.updateUserLocked(ctx, user)
	s.mu.Unlock()
	if ok {
		s.notify(prev, next)
	}
	return ok
}

func (s *Store) updateUserIfUnchanged(ctx context.Context, rev uint64, user Identity) bool {
	s.mu.Lock()
	if s.revision != rev {
		s.mu.Unlock()
		return false
	}
	prev, next, ok := s.updateUserLocked(ctx, user)
	s.mu.Unlock()
	if ok {
		s.notify(prev, next)
	}
	return ok
}

func (s *Store) updateUserLocked(ctx context.Context, user Identity) (State, State, bool) {
	if !s.state.IsAuthenticated {
		s.logger.Debug("session update user ignored: not authenticated")
		return State{}, State{}, false
	}
	prev := s.state
	u := user
	next := State{User: &u, Token: prev.Token, IsAuthenticated: true}
	s.state = next
	s.revision++
	if err := s.persistLocked(ctx, next); err != nil {
		s.logger.Warn("session update user persist", slog.Any("error", err))
	}
	return prev, next, true
}

// BearerToken resolves the token for an outgoing request from durable
// storage: the fast slot first, then the blob, backfilling the fast slot.
func (s *Store) BearerToken(ctx context.Context) (string, error) {
	token, ok, err := s.storage.Get(ctx, TokenKey)
	if err != nil {
		return "", err
	}
	if ok && token != "" {
		return token, nil
	}
	raw, ok, err := s.storage.Get(ctx, StorageKey)
	if err != nil || !ok {
		return "", err
	}
	state, err := decodeState(raw)
	if err != nil || state.Token == "" {
		return "", nil
	}
	if err := s.storage.Set(ctx, TokenKey, state.Token); err != nil {
		s.logger.Warn("session backfill token slot", slog.Any("error", err))
	}
	return state.Token, nil
}

// Subscribe registers a listener and returns a function removing it.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) notify(prev, next State) {
	s.mu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(prev.clone(), next.clone())
	}
}

func (s *Store) persistLocked(ctx context.Context, state State) error {
	data, err := json.Marshal(persistedState{State: state, Version: persistVersion})
	if err != nil {
		return fmt.Errorf("session: encode state: %w", err)
	}
	return s.storage.Set(ctx, StorageKey, string(data))
}

// ReadDurableToken reads the token straight from storage, bypassing any
// store instance: the fast slot first, then the structured blob.
func ReadDurableToken(ctx context.Context, storage Storage) (string, error) {
	token, ok, err := storage.Get(ctx, TokenKey)
	if err != nil {
		return "", err
	}
	if ok && strings.TrimSpace(token) != "" {
		return token, nil
	}
	raw, ok, err := storage.Get(ctx, StorageKey)
	if err != nil || !ok {
		return "", err
	}
	state, err := decodeState(raw)
	if err != nil {
		return "", err
	}
	return state.Token, nil
}

// DecodeState parses a persisted blob.
func DecodeState(raw string) (State, error) {
	return decodeState(raw)
}

func decodeState(raw string) (State, error) {
	if strings.TrimSpace(raw) == "" {
		return State{}, errors.New("session: empty state blob")
	}
	var stored persistedState
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return State{}, fmt.Errorf("session: decode state: %w", err)
	}
	return stored.State, nil
}

func (st State) clone() State {
	if st.User != nil {
		u := *st.User
		st.User = &u
	}
	return st
}
