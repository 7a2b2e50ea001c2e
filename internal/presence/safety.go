// Package presence tracks which actors are online, where they stand and
// whether they accept teleport requests.
package presence

import (
	"context"
	"strings"

	"github.com/waypoint/backend/internal/teleport"
)

// SafetyRules decides whether a destination may be used in safe mode.
type SafetyRules struct {
	BlockedWorlds []string
	MinY          float64
	MaxY          float64
}

// DefaultSafetyRules keeps teleports inside the normal build height.
func DefaultSafetyRules() SafetyRules {
	return SafetyRules{MinY: -64, MaxY: 320}
}

func (r SafetyRules) IsSafeDestination(ctx context.Context, loc teleport.Location) bool {
	for _, w := range r.BlockedWorlds {
		if strings.EqualFold(w, loc.World) {
			return false
		}
	}
	if r.MaxY > r.MinY && (loc.Y < r.MinY || loc.Y > r.MaxY) {
		return false
	}
	return true
}

// Overrides grants toggle override to a fixed set of actors.
type Overrides struct {
	actors map[teleport.ActorID]bool
}

func NewOverrides(actors []string) *Overrides {
	o := &Overrides{actors: make(map[teleport.ActorID]bool, len(actors))}
	for _, a := range actors {
		o.actors[teleport.ActorID(a)] = true
	}
	return o
}

func (o *Overrides) HasOverride(ctx context.Context, actor teleport.ActorID) bool {
	return o.actors[actor]
}
