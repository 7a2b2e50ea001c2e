package teleport

import (
	"sync"
	"testing"
	"time"
)

const (
	alice ActorID = "alice"
	bob   ActorID = "bob"
	carol ActorID = "carol"
)

var (
	spawn  = Location{World: "world", X: 0, Y: 64, Z: 0}
	market = Location{World: "world", X: 120, Y: 70, Z: -40, Yaw: 90}
	nether = Location{World: "nether", X: 10, Y: 30, Z: 10}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	mocks  *MockDeps
	clock  *fakeClock
	engine *Engine
	table  *Table
	svc    *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	m := NewMockDeps()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	e := NewEngine(m.Deps(), opts...)
	tb := NewTable(e)
	t.Cleanup(tb.Stop)

	m.Directory.Join(alice, spawn)
	m.Directory.Join(bob, market)
	return &fixture{
		mocks:  m,
		clock:  clock,
		engine: e,
		table:  tb,
		svc:    NewService(e, tb),
	}
}

func boolPtr(b bool) *bool { return &b }
