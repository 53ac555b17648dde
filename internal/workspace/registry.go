package workspace

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/bugbridge/dashboard/internal/bugbridge"
	"github.com/bugbridge/dashboard/internal/session"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("workspace: registry closed")

const defaultIdleTTL = 30 * time.Minute

// Config groups registry dependencies.
type Config struct {
	Redis       *redis.Client
	API         *bugbridge.Client
	Transport   http.RoundTripper
	Logger      *slog.Logger
	Observer    session.Observer
	Clock       session.Clock
	LoginView   string
	Grace       time.Duration
	LeadTime    time.Duration
	MinInterval time.Duration
	IdleTTL     time.Duration
	StorageTTL  time.Duration
	// OnCount is called with the number of live workspaces after each change.
	OnCount func(n int)
}

// Registry owns the live workspaces of this process.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	group  singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	items  map[string]*Workspace
	closed bool
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Redis == nil {
		return nil, errors.New("workspace: redis client is required")
	}
	if cfg.API == nil {
		return nil, errors.New("workspace: api client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LoginView == "" {
		cfg.LoginView = "/login"
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		items:  make(map[string]*Workspace),
	}, nil
}

// Acquire returns the live workspace for id, booting it on first use.
// Concurrent first requests for the same id share one boot.
func (r *Registry) Acquire(ctx context.Context, id string) (*Workspace, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("workspace: empty id")
	}
	if ws, ok := r.Lookup(id); ok {
		return ws, nil
	}

	ch := r.group.DoChan(id, func() (interface{}, error) {
		if ws, ok := r.Lookup(id); ok {
			return ws, nil
		}
		return r.boot(id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Workspace), nil
	}
}

// Lookup returns a live workspace without booting one.
func (r *Registry) Lookup(id string) (*Workspace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.items[id]
	if ok {
		ws.touch(time.Now())
	}
	return ws, ok
}

func (r *Registry) boot(id string) (*Workspace, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	logger := r.logger.With(slog.String("workspace", shortID(id)))
	wsCtx, cancel := context.WithCancel(r.ctx)

	storage := session.NewRedisStorage(r.cfg.Redis, id, r.cfg.StorageTTL)
	store := session.NewStore(wsCtx, storage, session.StoreOptions{Logger: logger})
	ws := &Workspace{ID: id, Store: store, cancel: cancel}

	gateway := session.NewGateway(session.GatewayConfig{
		Base:      r.cfg.Transport,
		APIPath:   r.cfg.API.BasePath(),
		Store:     store,
		LoginView: r.cfg.LoginView,
		Navigator: ws,
		Observer:  r.cfg.Observer,
		Logger:    logger,
	})
	ws.API = r.cfg.API.WithTransport(gateway)
	ws.Restorer = session.NewRestorer(session.RestorerConfig{
		Store:    store,
		Storage:  storage,
		Fetcher:  ws.API,
		Grace:    r.cfg.Grace,
		Logger:   logger,
		Observer: r.cfg.Observer,
	})
	ws.Manager = session.NewManager(session.ManagerConfig{
		Store:       store,
		Restorer:    ws.Restorer,
		Fetcher:     ws.API,
		Navigator:   ws,
		Observer:    r.cfg.Observer,
		Logger:      logger,
		LeadTime:    r.cfg.LeadTime,
		MinInterval: r.cfg.MinInterval,
		Clock:       r.cfg.Clock,
	})
	ws.touch(time.Now())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	r.items[id] = ws
	count := len(r.items)
	r.mu.Unlock()
	r.reportCount(count)

	ws.Manager.Start(wsCtx)
	go ws.Restorer.Run(wsCtx)
	logger.Debug("workspace booted")
	return ws, nil
}

// Evict tears down the workspace for id. Durable state is left in Redis so
// a later Acquire restores it again.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	ws, ok := r.items[id]
	if ok {
		delete(r.items, id)
	}
	count := len(r.items)
	r.mu.Unlock()
	if !ok {
		return
	}
	ws.shutdown()
	r.reportCount(count)
}

// Sweep evicts workspaces unused for longer than the idle TTL and returns
// how many were removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var stale []*Workspace
	for id, ws := range r.items {
		if ws.idleSince(now) > r.cfg.IdleTTL {
			stale = append(stale, ws)
			delete(r.items, id)
		}
	}
	count := len(r.items)
	r.mu.Unlock()

	for _, ws := range stale {
		ws.shutdown()
	}
	if len(stale) > 0 {
		r.logger.Debug("workspaces evicted", slog.Int("count", len(stale)))
		r.reportCount(count)
	}
	return len(stale)
}

// Run sweeps idle workspaces until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	interval := r.cfg.IdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Len reports the number of live workspaces.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Close stops every workspace. It is safe to call more than once.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	items := r.items
	r.items = make(map[string]*Workspace)
	r.mu.Unlock()

	for _, ws := range items {
		ws.shutdown()
	}
	r.cancel()
	r.reportCount(0)
}

func (r *Registry) reportCount(n int) {
	if r.cfg.OnCount != nil {
		r.cfg.OnCount(n)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
