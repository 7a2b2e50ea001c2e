package presence

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/waypoint/backend/internal/teleport"
)

// Actor is the tracked state of one actor.
type Actor struct {
	ID        teleport.ActorID  `json:"id"`
	Name      string            `json:"name,omitempty"`
	Online    bool              `json:"online"`
	Location  teleport.Location `json:"location"`
	Accepting bool              `json:"accepting"`
}

// Directory is the in-memory presence, world and toggle store.
type Directory struct {
	SafetyRules

	mu     sync.RWMutex
	actors map[teleport.ActorID]*Actor
	names  map[string]teleport.ActorID
}

func NewDirectory(rules SafetyRules) *Directory {
	return &Directory{
		SafetyRules: rules,
		actors:      make(map[teleport.ActorID]*Actor),
		names:       make(map[string]teleport.ActorID),
	}
}

func (d *Directory) get(id teleport.ActorID) *Actor {
	a, ok := d.actors[id]
	if !ok {
		a = &Actor{ID: id, Accepting: true}
		d.actors[id] = a
	}
	return a
}

// SetOnline marks id online or offline and records its display name.
func (d *Directory) SetOnline(ctx context.Context, id teleport.ActorID, name string, online bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := d.get(id)
	a.Online = online
	if name != "" {
		if a.Name != "" {
			delete(d.names, strings.ToLower(a.Name))
		}
		a.Name = name
		d.names[strings.ToLower(name)] = id
	}
	return nil
}

// SetLocation records where id stands.
func (d *Directory) SetLocation(ctx context.Context, id teleport.ActorID, loc teleport.Location) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.get(id).Location = loc
	return nil
}

// Lookup returns a copy of the tracked state.
func (d *Directory) Lookup(ctx context.Context, id teleport.ActorID) (Actor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.actors[id]
	if !ok {
		return Actor{}, false
	}
	return *a, true
}

func (d *Directory) IsReachable(ctx context.Context, id teleport.ActorID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.actors[id]
	return ok && a.Online
}

// Resolve accepts an actor ID or a display name (case-insensitive).
func (d *Directory) Resolve(ctx context.Context, ref string) (teleport.ActorID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.actors[teleport.ActorID(ref)]; ok {
		return teleport.ActorID(ref), true
	}
	id, ok := d.names[strings.ToLower(ref)]
	return id, ok
}

func (d *Directory) Locate(ctx context.Context, id teleport.ActorID) (teleport.Location, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.actors[id]
	if !ok || !a.Online {
		return teleport.Location{}, fmt.Errorf("actor %s is not online", id)
	}
	return a.Location, nil
}

func (d *Directory) Move(ctx context.Context, id teleport.ActorID, to teleport.Location) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.actors[id]
	if !ok || !a.Online {
		return fmt.Errorf("actor %s is not online", id)
	}
	a.Location = to
	return nil
}

func (d *Directory) AcceptsRequests(ctx context.Context, id teleport.ActorID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.actors[id]
	return !ok || a.Accepting
}

func (d *Directory) SetAccepting(ctx context.Context, id teleport.ActorID, accepting bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.get(id).Accepting = accepting
	return nil
}
