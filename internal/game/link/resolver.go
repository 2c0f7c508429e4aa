package link

import (
	"github.com/cory-johannsen/worlds/internal/game/world"
)

// PortalType is the kind of portal the host reports for a transition.
type PortalType string

// Portal types the host can report.
const (
	PortalNether PortalType = "nether"
	PortalEnd    PortalType = "end"
)

// Default anchor kinds used when the host routes a plain portal event.
const (
	AnchorNether    world.AnchorKind = "nether"
	AnchorTheEnd    world.AnchorKind = "the_end"
	AnchorOverworld world.AnchorKind = "overworld"
)

// AnchorForPortal returns the anchor kind a portal of type pt in a world of
// environment env routes through: nether portals lead to the nether and back,
// end portals lead to the end and back.
//
// Postcondition: Returns ("", false) for unknown combinations.
func AnchorForPortal(env world.Environment, pt PortalType) (world.AnchorKind, bool) {
	switch pt {
	case PortalNether:
		switch env {
		case world.EnvironmentNormal, world.EnvironmentTheEnd:
			return AnchorNether, true
		case world.EnvironmentNether:
			return AnchorOverworld, true
		}
	case PortalEnd:
		switch env {
		case world.EnvironmentNormal, world.EnvironmentNether:
			return AnchorTheEnd, true
		case world.EnvironmentTheEnd:
			return AnchorOverworld, true
		}
	}
	return "", false
}

// Transition is a host-originated crossing of an anchor.
type Transition struct {
	World    string
	Anchor   world.AnchorKind
	Location world.Location
}

// NoLink is returned when a transition has no usable link; the host falls
// back to its default single-world behaviour.
var NoLink = Destination{}

// Resolver is the hot-path transition lookup. It performs no I/O and reads only
// lock-free snapshots of the index and registry.
type Resolver struct {
	index    *Index
	registry *world.Registry
	metrics  ResolveRecorder
}

// ResolveRecorder counts resolution outcomes. Nil-safe in Resolver.
type ResolveRecorder interface {
	Resolved(hit bool)
}

// NewResolver creates a Resolver over index and registry.
//
// Precondition: index and registry must be non-nil.
func NewResolver(index *Index, registry *world.Registry, metrics ResolveRecorder) *Resolver {
	return &Resolver{index: index, registry: registry, metrics: metrics}
}

// Resolve returns the destination for t, or NoLink when there is no matching
// link or the target world is not active. Orientation passes through.
//
// Postcondition: ok is false exactly when the result is NoLink.
func (r *Resolver) Resolve(t Transition) (dest Destination, ok bool) {
	defer func() {
		if r.metrics != nil {
			r.metrics.Resolved(ok)
		}
	}()
	d, err := r.index.Resolve(t.World, t.Anchor, t.Location.Position)
	if err != nil {
		return NoLink, false
	}
	target, found := r.registry.Get(d.World)
	if !found || target.Status != world.StatusActive {
		return NoLink, false
	}
	d.Location.Yaw = t.Location.Yaw
	d.Location.Pitch = t.Location.Pitch
	return d, true
}

// ResolvePortal routes a portal event by portal type, using the source world's
// environment to pick the anchor kind.
func (r *Resolver) ResolvePortal(worldID string, pt PortalType, loc world.Location) (Destination, bool) {
	src, found := r.registry.Get(worldID)
	if !found {
		return NoLink, false
	}
	kind, known := AnchorForPortal(src.Generation.Environment, pt)
	if !known {
		return NoLink, false
	}
	return r.Resolve(Transition{World: worldID, Anchor: kind, Location: loc})
}
