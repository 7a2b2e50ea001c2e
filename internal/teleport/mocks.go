package teleport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ManualScheduler is a Scheduler driven by Advance instead of wall time.
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Duration
	seq     int
	entries []*manualEntry
	Delays  []time.Duration
}

type manualEntry struct {
	seq     int
	due     time.Duration
	r       Runnable
	stopped bool
	fired   bool
	s       *ManualScheduler
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

func (m *ManualScheduler) Schedule(ctx context.Context, delay time.Duration, r Runnable) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e := &manualEntry{seq: m.seq, due: m.now + delay, r: r, s: m}
	m.entries = append(m.entries, e)
	m.Delays = append(m.Delays, delay)
	return e, nil
}

func (e *manualEntry) Stop() bool {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if e.stopped || e.fired {
		return false
	}
	e.stopped = true
	return true
}

// Advance moves the clock and fires due runnables in due order.
func (m *ManualScheduler) Advance(ctx context.Context, d time.Duration) int {
	m.mu.Lock()
	m.now += d
	var due []*manualEntry
	for _, e := range m.entries {
		if !e.stopped && !e.fired && e.due <= m.now {
			e.fired = true
			due = append(due, e)
		}
	}
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].due != due[j].due {
			return due[i].due < due[j].due
		}
		return due[i].seq < due[j].seq
	})
	for _, e := range due {
		e.r.Run(ctx)
	}
	return len(due)
}

// Calls returns how many times Schedule was invoked.
func (m *ManualScheduler) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Live returns how many scheduled runnables have neither fired nor stopped.
func (m *ManualScheduler) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if !e.stopped && !e.fired {
			n++
		}
	}
	return n
}

// Movement is one recorded economy call.
type Movement struct {
	Actor  ActorID
	Amount float64
}

// MockEconomy records deposits and withdrawals.
type MockEconomy struct {
	mu          sync.Mutex
	balances    map[ActorID]float64
	Deposits    []Movement
	Withdrawals []Movement
	DepositErr  error
}

func NewMockEconomy() *MockEconomy {
	return &MockEconomy{balances: make(map[ActorID]float64)}
}

func (m *MockEconomy) Fund(actor ActorID, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[actor] += amount
}

func (m *MockEconomy) Deposit(ctx context.Context, actor ActorID, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deposits = append(m.Deposits, Movement{Actor: actor, Amount: amount})
	if m.DepositErr != nil {
		return m.DepositErr
	}
	m.balances[actor] += amount
	return nil
}

func (m *MockEconomy) Withdraw(ctx context.Context, actor ActorID, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[actor] < amount {
		return errors.New("insufficient balance")
	}
	m.Withdrawals = append(m.Withdrawals, Movement{Actor: actor, Amount: amount})
	m.balances[actor] -= amount
	return nil
}

func (m *MockEconomy) Balance(ctx context.Context, actor ActorID) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[actor], nil
}

// DepositCount returns the number of Deposit calls for actor.
func (m *MockEconomy) DepositCount(actor ActorID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.Deposits {
		if d.Actor == actor {
			n++
		}
	}
	return n
}

// DepositedTo sums the deposits made to actor.
func (m *MockEconomy) DepositedTo(actor ActorID) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for _, d := range m.Deposits {
		if d.Actor == actor {
			sum += d.Amount
		}
	}
	return sum
}

// MockDirectory is an in-memory presence, world, toggle, permission and
// safety collaborator.
type MockDirectory struct {
	mu        sync.Mutex
	online    map[ActorID]bool
	locations map[ActorID]Location
	refusing  map[ActorID]bool
	overrides map[ActorID]bool
	unsafe    map[string]bool
	MoveCalls int
}

func NewMockDirectory() *MockDirectory {
	return &MockDirectory{
		online:    make(map[ActorID]bool),
		locations: make(map[ActorID]Location),
		refusing:  make(map[ActorID]bool),
		overrides: make(map[ActorID]bool),
		unsafe:    make(map[string]bool),
	}
}

func (m *MockDirectory) Join(actor ActorID, at Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[actor] = true
	m.locations[actor] = at
}

func (m *MockDirectory) Leave(actor ActorID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.online, actor)
}

func (m *MockDirectory) Refuse(actor ActorID) {
	_ = m.SetAccepting(context.Background(), actor, false)
}

func (m *MockDirectory) GrantOverride(actor ActorID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[actor] = true
}

func (m *MockDirectory) MarkUnsafe(world string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsafe[world] = true
}

// Position returns the actor's current location.
func (m *MockDirectory) Position(actor ActorID) Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locations[actor]
}

func (m *MockDirectory) IsReachable(ctx context.Context, actor ActorID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online[actor]
}

func (m *MockDirectory) Resolve(ctx context.Context, id string) (ActorID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locations[ActorID(id)]
	return ActorID(id), ok
}

func (m *MockDirectory) Locate(ctx context.Context, actor ActorID) (Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locations[actor]
	if !ok {
		return Location{}, fmt.Errorf("no location for %s", actor)
	}
	return loc, nil
}

func (m *MockDirectory) Move(ctx context.Context, actor ActorID, to Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MoveCalls++
	m.locations[actor] = to
	return nil
}

func (m *MockDirectory) AcceptsRequests(ctx context.Context, actor ActorID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.refusing[actor]
}

func (m *MockDirectory) SetAccepting(ctx context.Context, actor ActorID, accepting bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refusing[actor] = !accepting
	return nil
}

func (m *MockDirectory) HasOverride(ctx context.Context, actor ActorID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overrides[actor]
}

func (m *MockDirectory) IsSafeDestination(ctx context.Context, loc Location) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.unsafe[loc.World]
}

// Notice is one recorded notification.
type Notice struct {
	Actor  ActorID
	Key    string
	Params []any
}

// RecordingNotifier keeps every notification for assertions.
type RecordingNotifier struct {
	mu      sync.Mutex
	Notices []Notice
}

func (r *RecordingNotifier) Notify(ctx context.Context, actor ActorID, key string, params ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Notices = append(r.Notices, Notice{Actor: actor, Key: key, Params: params})
}

// Keys returns the keys sent to actor in order.
func (r *RecordingNotifier) Keys(actor ActorID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for _, n := range r.Notices {
		if n.Actor == actor {
			keys = append(keys, n.Key)
		}
	}
	return keys
}

// MockDeps bundles fakes for every collaborator.
type MockDeps struct {
	Scheduler *ManualScheduler
	Economy   *MockEconomy
	Directory *MockDirectory
	Notifier  *RecordingNotifier
}

func NewMockDeps() *MockDeps {
	return &MockDeps{
		Scheduler: NewManualScheduler(),
		Economy:   NewMockEconomy(),
		Directory: NewMockDirectory(),
		Notifier:  &RecordingNotifier{},
	}
}

// Deps returns the fakes as engine collaborators.
func (m *MockDeps) Deps() Deps {
	return Deps{
		Scheduler:   m.Scheduler,
		Economy:     m.Economy,
		Presence:    m.Directory,
		World:       m.Directory,
		Toggles:     m.Directory,
		Permissions: m.Directory,
		Safety:      m.Directory,
		Notifier:    m.Notifier,
	}
}
