package session_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/bugbridge/dashboard/internal/session"
	_ "github.com/bugbridge/dashboard/testing"
)

var errRejected = errors.New("rejected")

func newRedisStorage(t *testing.T, workspaceID string) (*session.RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return session.NewRedisStorage(newClient(t, mr), workspaceID, 0), mr
}

func newClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func getKey(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	value, err := mr.Get(key)
	require.NoError(t, err)
	return value
}

func signToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "u-1"}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func viewer() session.Identity {
	return session.Identity{ID: "u-1", Username: "ada", Role: session.RoleViewer, CreatedAt: "2024-01-01T00:00:00Z"}
}

func admin() session.Identity {
	u := viewer()
	u.Role = session.RoleAdmin
	return u
}

type fakeFetcher struct {
	mu     sync.Mutex
	user   session.Identity
	err    error
	calls  int
	tokens []string
	block  chan struct{}
}

func (f *fakeFetcher) Me(ctx context.Context, token string) (session.Identity, error) {
	f.mu.Lock()
	f.calls++
	f.tokens = append(f.tokens, token)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return session.Identity{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user, f.err
}

func (f *fakeFetcher) set(user session.Identity, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user, f.err = user, err
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingNavigator struct {
	mu      sync.Mutex
	reasons []session.LogoutReason
}

func (n *recordingNavigator) ToLogin(_ context.Context, reason session.LogoutReason) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reasons = append(n.reasons, reason)
}

func (n *recordingNavigator) Reasons() []session.LogoutReason {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]session.LogoutReason(nil), n.reasons...)
}

type recordingObserver struct {
	mu       sync.Mutex
	restored []session.RestoreOutcome
	revalid  []error
	forced   []session.LogoutReason
}

func (o *recordingObserver) Restored(outcome session.RestoreOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.restored = append(o.restored, outcome)
}

func (o *recordingObserver) Revalidated(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.revalid = append(o.revalid, err)
}

func (o *recordingObserver) ForcedLogout(reason session.LogoutReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forced = append(o.forced, reason)
}

// fakeClock fires timers only when Advance moves past their deadline.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) session.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs due timers synchronously in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

// Pending counts timers that are neither stopped nor fired.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}
