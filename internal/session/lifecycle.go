package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultLeadTime is how long before expiry the session is revalidated.
	DefaultLeadTime = 5 * time.Minute

	// DefaultMinInterval spaces consecutive revalidations of the same token
	// once it is inside the lead window.
	DefaultMinInterval = time.Minute

	defaultRevalidateTimeout = 15 * time.Second
)

// Phase is the Manager's scheduling state.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseScheduled Phase = "scheduled"
)

// Timer is the cancellable handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for the Manager.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// ManagerConfig collects Manager dependencies.
type ManagerConfig struct {
	Store       *Store
	Restorer    *Restorer
	Fetcher     IdentityFetcher
	Navigator   Navigator
	Observer    Observer
	Logger      *slog.Logger
	LeadTime    time.Duration
	// MinInterval is the smallest delay before re-checking a token that
	// was just revalidated.
	MinInterval time.Duration
	Timeout     time.Duration
	Clock       Clock
}

// Manager keeps exactly one revalidation pending while the session is
// authenticated and none otherwise. After a successful revalidation the next
// check is at least MinInterval away, even when the token is already inside
// its lead window. A result that arrives after the session changed is dropped.
type Manager struct {
	store     *Store
	restorer  *Restorer
	fetcher   IdentityFetcher
	navigator Navigator
	observer  Observer
	logger    *slog.Logger
	lead      time.Duration
	interval  time.Duration
	timeout   time.Duration
	clock     Clock

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	timer       Timer
	token       string
	fireAt      time.Time
	generation  uint64
	started     bool
	stopped     bool
	unsubscribe func()
}

// NewManager builds an idle Manager.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		store:     cfg.Store,
		restorer:  cfg.Restorer,
		fetcher:   cfg.Fetcher,
		navigator: cfg.Navigator,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
		lead:      cfg.LeadTime,
		interval:  cfg.MinInterval,
		timeout:   cfg.Timeout,
		clock:     cfg.Clock,
	}
	if m.navigator == nil {
		m.navigator = nopNavigator{}
	}
	if m.observer == nil {
		m.observer = nopObserver{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.lead <= 0 {
		m.lead = DefaultLeadTime
	}
	if m.interval <= 0 {
		m.interval = DefaultMinInterval
	}
	if m.timeout <= 0 {
		m.timeout = defaultRevalidateTimeout
	}
	if m.clock == nil {
		m.clock = systemClock{}
	}
	return m
}

// Start activates the Manager once restoration has completed. Timers
// that fire after ctx ends are ignored.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	runCtx := m.ctx
	m.mu.Unlock()

	if m.restorer == nil {
		m.activate()
		return
	}
	select {
	case <-m.restorer.Done():
		m.activate()
	default:
		go func() {
			select {
			case <-m.restorer.Done():
				m.activate()
			case <-runCtx.Done():
			}
		}()
	}
}

func (m *Manager) activate() {
	unsubscribe := m.store.Subscribe(m.onChange)
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		unsubscribe()
		return
	}
	m.unsubscribe = unsubscribe
	m.mu.Unlock()
	m.sync(m.store.Snapshot())
}

// Stop cancels any pending timer and detaches from the store. It is safe
// to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.cancelLocked()
	unsubscribe, cancel := m.unsubscribe, m.cancel
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
}

// Phase reports whether a revalidation is pending.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		return PhaseScheduled
	}
	return PhaseIdle
}

// NextFireAt returns when the pending revalidation fires, or the zero time.
func (m *Manager) NextFireAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fireAt
}

func (m *Manager) onChange(prev, next State) {
	if prev.IsAuthenticated == next.IsAuthenticated && prev.Token == next.Token {
		return
	}
	m.sync(next)
}

func (m *Manager) sync(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if !state.IsAuthenticated || state.Token == "" {
		m.cancelLocked()
		return
	}
	if m.timer != nil && m.token == state.Token {
		return
	}
	m.scheduleLocked(state.Token, 0)
}

func (m *Manager) scheduleLocked(token string, floor time.Duration) {
	m.cancelLocked()
	exp, err := Expiry(token)
	if err != nil {
		m.logger.Warn("session refresh not scheduled", slog.Any("error", err))
		return
	}
	now := m.clock.Now()
	fireAt := exp.Add(-m.lead)
	if earliest := now.Add(floor); fireAt.Before(earliest) {
		fireAt = earliest
	}
	gen := m.generation
	m.token = token
	m.fireAt = fireAt
	m.timer = m.clock.AfterFunc(fireAt.Sub(now), func() { m.fire(gen, token) })
	m.logger.Debug("session refresh scheduled", slog.Time("fire_at", fireAt))
}

func (m *Manager) cancelLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.generation++
	m.token = ""
	m.fireAt = time.Time{}
}

func (m *Manager) fire(gen uint64, token string) {
	m.mu.Lock()
	if m.stopped || gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.fireAt = time.Time{}
	ctx := m.ctx
	m.mu.Unlock()

	current, rev := m.store.tokenAt()
	if current != token {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	user, err := m.fetcher.Me(callCtx, token)
	if ctx.Err() != nil {
		return
	}
	m.observer.Revalidated(err)
	if err != nil {
		m.logger.Info("session revalidation failed", slog.Any("error", err))
		if m.store.IsAuthenticated() && m.store.LogoutIfUnchanged(ctx, rev) {
			m.observer.ForcedLogout(ReasonRevalidationFailed)
			m.navigator.ToLogin(ctx, ReasonRevalidationFailed)
		}
		return
	}
	if !m.store.updateUserIfUnchanged(ctx, rev, user) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || gen != m.generation || m.timer != nil {
		return
	}
	m.scheduleLocked(token, m.interval)
}
