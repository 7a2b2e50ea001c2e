package teleport

import (
	"context"
	"strconv"
	"time"
)

// AskRequest is a request from one actor that another actor must answer.
type AskRequest struct {
	From ActorID
	To   ActorID
	// Here reverses the direction: To is brought to From.
	Here          bool
	Cost          float64
	WarmupSeconds int
	Safe          *bool
}

// Service runs the ask / accept / deny flow on top of an Engine and Table.
type Service struct {
	engine *Engine
	table  *Table
}

func NewService(e *Engine, tb *Table) *Service {
	return &Service{engine: e, table: tb}
}

func (s *Service) Engine() *Engine { return s.engine }
func (s *Service) Table() *Table   { return s.table }

// Ask validates the request, escrows the cost from the asking actor and
// leaves it pending for To to answer. Any earlier request pending for To is
// superseded and refunded.
func (s *Service) Ask(ctx context.Context, a AskRequest) (bool, error) {
	r := Request{
		Requester:     a.From,
		Subject:       a.From,
		Target:        a.To,
		ChargedParty:  a.From,
		Cost:          a.Cost,
		WarmupSeconds: a.WarmupSeconds,
		Safe:          a.Safe,
	}
	if a.Here {
		r.Subject, r.Target = a.To, a.From
	}

	t, ok, err := s.engine.Prepare(ctx, r)
	if err != nil || !ok {
		return false, err
	}

	notifier := s.engine.deps.Notifier
	if !s.engine.deps.Presence.IsReachable(ctx, a.To) {
		notifier.Notify(ctx, a.From, "teleport.fail.offline", a.To)
		return false, nil
	}

	if !s.engine.hold(ctx, t, a.From) {
		return false, nil
	}

	s.table.Put(ctx, a.To, s.table.NewRequest(a.To, t))

	ttl := strconv.Itoa(int(s.engine.policy.PendingTTL / time.Second))
	if a.Here {
		notifier.Notify(ctx, a.To, "command.tpahere.question", a.From, ttl)
	} else {
		notifier.Notify(ctx, a.To, "command.tpa.question", a.From, ttl)
	}
	notifier.Notify(ctx, a.From, "command.tpask.sent", a.To)
	return true, nil
}

// Accept confirms the request pending for actor.
func (s *Service) Accept(ctx context.Context, actor ActorID) bool {
	if !s.table.TakeAndExecute(ctx, actor) {
		s.engine.deps.Notifier.Notify(ctx, actor, "command.tpaccept.nothing")
		return false
	}
	s.engine.deps.Notifier.Notify(ctx, actor, "command.tpaccept.success")
	return true
}

// Deny declines the request pending for actor and refunds its escrow.
func (s *Service) Deny(ctx context.Context, actor ActorID) bool {
	req, ok := s.table.Take(ctx, actor)
	if !ok {
		s.engine.deps.Notifier.Notify(ctx, actor, "command.tpdeny.fail")
		return false
	}
	if req.Task != nil {
		req.Task.cancelWith(ctx, ErrDeclined)
		s.engine.deps.Notifier.Notify(ctx, req.Task.Descriptor().Requester, "command.tpdeny.denyrequester", actor)
	}
	s.engine.deps.Notifier.Notify(ctx, actor, "command.tpdeny.deny")
	return true
}

// Interrupt cancels the actor's running warmup, e.g. after it moved.
func (s *Service) Interrupt(ctx context.Context, actor ActorID) bool {
	return s.engine.warmups.CancelFor(ctx, actor)
}

// SetAccepting flips whether actor accepts requests.
func (s *Service) SetAccepting(ctx context.Context, actor ActorID, accepting bool) error {
	if err := s.engine.deps.Toggles.SetAccepting(ctx, actor, accepting); err != nil {
		return err
	}
	key := "command.tptoggle.off"
	if accepting {
		key = "command.tptoggle.on"
	}
	s.engine.deps.Notifier.Notify(ctx, actor, key)
	return nil
}

// Pending returns the request waiting for actor, without consuming it.
func (s *Service) Pending(ctx context.Context, actor ActorID) (PendingRequest, bool) {
	return s.table.Peek(ctx, actor)
}
