package teleport

import (
	"fmt"
	"time"
)

// Policy holds the engine-wide rules applied when a Request is validated.
type Policy struct {
	// AllowSelf permits a subject to be teleported to itself.
	AllowSelf bool
	// PendingTTL is how long an unanswered request stays in the Table.
	PendingTTL time.Duration
}

// DefaultPendingTTL is the grace window for unanswered requests.
const DefaultPendingTTL = 20 * time.Second

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{PendingTTL: DefaultPendingTTL}
}

// Request is the caller-facing description of a teleport. Optional fields
// use their zero value as "not set".
type Request struct {
	Requester     ActorID // defaults to Subject
	Subject       ActorID // actor that moves
	Target        ActorID // actor whose location is the destination
	ChargedParty  ActorID
	Cost          float64
	WarmupSeconds int
	Safe          *bool // nil means true
	SilentSource  bool
	BypassToggle  bool
}

// Descriptor is a validated, immutable Request.
type Descriptor struct {
	Requester    ActorID
	Subject      ActorID
	Target       ActorID
	ChargedParty ActorID
	Cost         float64
	Warmup       time.Duration
	SafeMode     bool
	SilentSource bool
	BypassToggle bool
}

// NewDescriptor checks the required references and fills defaults. It only
// fails with ErrPrecondition; policy checks happen when the engine prepares
// the task because they need collaborators.
func NewDescriptor(r Request) (Descriptor, error) {
	if r.Subject == "" {
		return Descriptor{}, fmt.Errorf("%w: subject", ErrPrecondition)
	}
	if r.Target == "" {
		return Descriptor{}, fmt.Errorf("%w: target", ErrPrecondition)
	}
	if r.Cost < 0 {
		return Descriptor{}, fmt.Errorf("%w: negative cost %.2f", ErrPrecondition, r.Cost)
	}
	if r.WarmupSeconds < 0 {
		return Descriptor{}, fmt.Errorf("%w: negative warmup %d", ErrPrecondition, r.WarmupSeconds)
	}

	d := Descriptor{
		Requester:    r.Requester,
		Subject:      r.Subject,
		Target:       r.Target,
		Warmup:       time.Duration(r.WarmupSeconds) * time.Second,
		SafeMode:     r.Safe == nil || *r.Safe,
		SilentSource: r.SilentSource,
		BypassToggle: r.BypassToggle,
	}
	if d.Requester == "" {
		d.Requester = d.Subject
	}
	if r.ChargedParty != "" && r.Cost > 0 {
		d.ChargedParty = r.ChargedParty
		d.Cost = r.Cost
	}
	return d, nil
}

// Escrowed reports whether the descriptor carries money that must be
// returned on any non-completion path.
func (d Descriptor) Escrowed() bool {
	return d.ChargedParty != "" && d.Cost > 0
}
