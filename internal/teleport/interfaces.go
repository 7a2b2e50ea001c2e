package teleport

import (
	"context"
	"time"
)

// Runnable is what a Scheduler holds. Exactly one of Run or Cancel takes
// effect per instance; both report the terminal Outcome.
type Runnable interface {
	Run(ctx context.Context) Outcome
	Cancel(ctx context.Context) Outcome
}

// Handle controls a scheduled Runnable.
type Handle interface {
	// Stop prevents the runnable from firing. It returns false when the
	// callback already fired or was stopped before. Stop never calls Cancel.
	Stop() bool
}

// Scheduler runs a Runnable once after at least delay, unless its handle is
// stopped first, in which case Run never fires.
type Scheduler interface {
	Schedule(ctx context.Context, delay time.Duration, r Runnable) (Handle, error)
}

// Economy moves money. Deposit is not assumed idempotent.
type Economy interface {
	Deposit(ctx context.Context, actor ActorID, amount float64) error
	Withdraw(ctx context.Context, actor ActorID, amount float64) error
	Balance(ctx context.Context, actor ActorID) (float64, error)
}

// Presence answers who is online.
type Presence interface {
	IsReachable(ctx context.Context, actor ActorID) bool
	Resolve(ctx context.Context, id string) (ActorID, bool)
}

// World reads and writes actor positions.
type World interface {
	Locate(ctx context.Context, actor ActorID) (Location, error)
	Move(ctx context.Context, actor ActorID, to Location) error
}

// Toggles stores whether an actor accepts teleport requests.
type Toggles interface {
	AcceptsRequests(ctx context.Context, actor ActorID) bool
	SetAccepting(ctx context.Context, actor ActorID, accepting bool) error
}

// Permissions decides toggle overrides.
type Permissions interface {
	HasOverride(ctx context.Context, actor ActorID) bool
}

// Safety vets destinations when safe mode is on.
type Safety interface {
	IsSafeDestination(ctx context.Context, loc Location) bool
}

// Notifier delivers player-facing messages. Fire and forget.
type Notifier interface {
	Notify(ctx context.Context, actor ActorID, key string, params ...any)
}

// Deps bundles the collaborators an Engine talks to.
type Deps struct {
	Scheduler   Scheduler
	Economy     Economy
	Presence    Presence
	World       World
	Toggles     Toggles
	Permissions Permissions
	Safety      Safety
	Notifier    Notifier
}
