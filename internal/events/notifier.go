package events

import (
	"context"
	"fmt"

	"github.com/waypoint/backend/internal/messages"
	"github.com/waypoint/backend/internal/teleport"
)

// NameFunc returns the display name of an actor, or "" when unknown.
type NameFunc func(ctx context.Context, id teleport.ActorID) string

// Notifier renders teleport notices and emits them as NoticeType events
// whose subject is the receiving actor.
type Notifier struct {
	emitter EventEmitter
	catalog *messages.Catalog
	names   NameFunc
	source  string
}

func NewNotifier(emitter EventEmitter, catalog *messages.Catalog, names NameFunc) *Notifier {
	if catalog == nil {
		catalog = messages.Default()
	}
	return &Notifier{
		emitter: emitter,
		catalog: catalog,
		names:   names,
		source:  "/waypoint/teleport",
	}
}

// Notify is fire-and-forget.
func (n *Notifier) Notify(ctx context.Context, actor teleport.ActorID, key string, params ...any) {
	args := make([]string, len(params))
	rendered := make([]any, len(params))
	for i, p := range params {
		s := n.display(ctx, p)
		args[i] = s
		rendered[i] = s
	}
	n.emitter.Emit(NoticeType, n.source, string(actor), map[string]interface{}{
		"key":    key,
		"text":   n.catalog.Render(key, rendered...),
		"params": args,
	})
}

func (n *Notifier) display(ctx context.Context, p any) string {
	if id, ok := p.(teleport.ActorID); ok && n.names != nil {
		if name := n.names(ctx, id); name != "" {
			return name
		}
	}
	return fmt.Sprint(p)
}

var _ teleport.Notifier = (*Notifier)(nil)
