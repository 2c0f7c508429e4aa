// Package world provides the world model: worlds, generation specs, anchors,
// links, the copy-on-write registry and the per-world exclusive section.
package world

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// idPattern constrains world ids and anchor kinds to namespaced-key style names.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// ValidateID reports whether id is a legal world id or anchor kind.
//
// Postcondition: Returns nil if valid, or an error wrapping ErrInvalidArgument.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidArgument, id, idPattern.String())
	}
	return nil
}

// Status is the lifecycle state of a world.
type Status string

// Lifecycle states.
const (
	StatusLoading   Status = "loading"
	StatusActive    Status = "active"
	StatusUnloading Status = "unloading"
	StatusUnloaded  Status = "unloaded"
	StatusDeleting  Status = "deleting"
	StatusDeleted   Status = "deleted"
)

// Transitional reports whether s is a state an in-flight operation owns.
func (s Status) Transitional() bool {
	return s == StatusLoading || s == StatusUnloading || s == StatusDeleting
}

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusLoading, StatusActive, StatusUnloading, StatusUnloaded, StatusDeleting, StatusDeleted:
		return true
	}
	return false
}

// Environment is the dimension flavour a world is generated as.
type Environment string

// Supported environments.
const (
	EnvironmentNormal Environment = "normal"
	EnvironmentNether Environment = "nether"
	EnvironmentTheEnd Environment = "the_end"
)

// Valid reports whether e is a supported environment.
func (e Environment) Valid() bool {
	return e == EnvironmentNormal || e == EnvironmentNether || e == EnvironmentTheEnd
}

// Type is the terrain preset a world is generated with.
type Type string

// Supported world types.
const (
	TypeNormal      Type = "normal"
	TypeFlat        Type = "flat"
	TypeAmplified   Type = "amplified"
	TypeLargeBiomes Type = "large_biomes"
)

// Valid reports whether t is a supported world type.
func (t Type) Valid() bool {
	switch t {
	case TypeNormal, TypeFlat, TypeAmplified, TypeLargeBiomes:
		return true
	}
	return false
}

// GeneratorRef names a generator plugin and an optional generator id within it.
type GeneratorRef struct {
	Plugin string `yaml:"plugin" json:"plugin"`
	ID     string `yaml:"id,omitempty" json:"id,omitempty"`
}

// ParseGeneratorRef parses "plugin" or "plugin:id".
//
// Postcondition: Returns a ref with a non-empty Plugin, or an error wrapping ErrInvalidArgument.
func ParseGeneratorRef(s string) (GeneratorRef, error) {
	plugin, id, _ := strings.Cut(s, ":")
	if plugin == "" {
		return GeneratorRef{}, fmt.Errorf("%w: generator %q has no plugin", ErrInvalidArgument, s)
	}
	return GeneratorRef{Plugin: plugin, ID: id}, nil
}

// String returns the "plugin:id" form.
func (g GeneratorRef) String() string {
	if g.ID == "" {
		return g.Plugin
	}
	return g.Plugin + ":" + g.ID
}

// Border is a square world border. Size 0 means unbounded.
type Border struct {
	CenterX float64 `yaml:"center_x" json:"center_x"`
	CenterZ float64 `yaml:"center_z" json:"center_z"`
	Size    float64 `yaml:"size" json:"size"`
}

// Layer is one band of a flat world, listed bottom up.
type Layer struct {
	Block  string `yaml:"block" json:"block"`
	Height int    `yaml:"height" json:"height"`
}

// Preset customises the terrain of a flat world. GenerationSpec rejects it for
// any other world type.
type Preset struct {
	Biome      string   `yaml:"biome,omitempty" json:"biome,omitempty"`
	Features   bool     `yaml:"features" json:"features"`
	Lakes      bool     `yaml:"lakes" json:"lakes"`
	Layers     []Layer  `yaml:"layers" json:"layers"`
	Structures []string `yaml:"structures,omitempty" json:"structures,omitempty"`
}

// Validate checks that every layer names a block and has a positive height.
func (p Preset) Validate() error {
	for i, l := range p.Layers {
		if l.Block == "" {
			return fmt.Errorf("%w: preset layer %d has no block", ErrInvalidArgument, i)
		}
		if l.Height <= 0 {
			return fmt.Errorf("%w: preset layer %d (%s) must have a positive height", ErrInvalidArgument, i, l.Block)
		}
	}
	return nil
}

// GenerationSpec describes how a world's terrain is generated. Immutable after creation.
type GenerationSpec struct {
	Seed        int64         `yaml:"seed" json:"seed"`
	Type        Type          `yaml:"type" json:"type"`
	Environment Environment   `yaml:"environment" json:"environment"`
	Generator   *GeneratorRef `yaml:"generator,omitempty" json:"generator,omitempty"`
	Preset      *Preset       `yaml:"preset,omitempty" json:"preset,omitempty"`
	Border      Border        `yaml:"border" json:"border"`
	Structures  bool          `yaml:"structures" json:"structures"`
	Hardcore    bool          `yaml:"hardcore" json:"hardcore"`
}

// WithDefaults fills unset enum fields with their normal variants.
func (g GenerationSpec) WithDefaults() GenerationSpec {
	if g.Type == "" {
		g.Type = TypeNormal
	}
	if g.Environment == "" {
		g.Environment = EnvironmentNormal
	}
	return g
}

// Validate checks generation spec invariants.
//
// Postcondition: Returns nil if valid, or an error wrapping ErrInvalidArgument.
func (g GenerationSpec) Validate() error {
	if !g.Type.Valid() {
		return fmt.Errorf("%w: unknown world type %q", ErrInvalidArgument, g.Type)
	}
	if !g.Environment.Valid() {
		return fmt.Errorf("%w: unknown environment %q", ErrInvalidArgument, g.Environment)
	}
	if g.Generator != nil && g.Generator.Plugin == "" {
		return fmt.Errorf("%w: generator has no plugin", ErrInvalidArgument)
	}
	if g.Preset != nil {
		if g.Type != TypeFlat {
			return fmt.Errorf("%w: preset given for %s world", ErrInvalidArgument, g.Type)
		}
		if err := g.Preset.Validate(); err != nil {
			return err
		}
	}
	if g.Border.Size < 0 {
		return fmt.Errorf("%w: border size must not be negative", ErrInvalidArgument)
	}
	return nil
}

// Vec3 is a block-space coordinate.
type Vec3 struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
	Z float64 `yaml:"z" json:"z"`
}

// Finite reports whether no component is NaN or infinite.
func (v Vec3) Finite() bool {
	for _, c := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// Location is a coordinate plus orientation.
type Location struct {
	Position Vec3    `yaml:"position" json:"position"`
	Yaw      float32 `yaml:"yaw" json:"yaw"`
	Pitch    float32 `yaml:"pitch" json:"pitch"`
}

// World is the registry's view of one managed world.
type World struct {
	// ID is the unique stable name of the world.
	ID string `yaml:"id" json:"id"`
	// Status is the lifecycle state at the time of the snapshot.
	Status Status `yaml:"status" json:"status"`
	// Generation describes terrain generation; never changes after creation.
	Generation GenerationSpec `yaml:"generation" json:"generation"`
	// Spawn is the default arrival point, changed only by SetSpawn.
	Spawn Location `yaml:"spawn" json:"spawn"`
	// StoragePath is the directory holding region and entity data.
	StoragePath string `yaml:"storage_path" json:"storage_path"`
	// CreatedAt orders worlds for listing.
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
}

// WithStatus returns a copy of w in status s.
func (w World) WithStatus(s Status) World {
	w.Status = s
	return w
}

// AnchorKind names an anchor within a world, e.g. "north-portal".
type AnchorKind string

// Anchor is an axis-aligned region in a world used as a transition endpoint.
// An axis where Min equals Max is a point on that axis.
type Anchor struct {
	Kind AnchorKind `yaml:"kind" json:"kind"`
	Min  Vec3       `yaml:"min" json:"min"`
	Max  Vec3       `yaml:"max" json:"max"`
}

// Validate checks that the kind is well formed and Min <= Max on every axis.
//
// Postcondition: Returns nil if valid, or an error wrapping ErrInvalidArgument.
func (a Anchor) Validate() error {
	if err := ValidateID(string(a.Kind)); err != nil {
		return fmt.Errorf("anchor kind: %w", err)
	}
	if !a.Min.Finite() || !a.Max.Finite() {
		return fmt.Errorf("%w: anchor %q bounds must be finite", ErrInvalidArgument, a.Kind)
	}
	if a.Min.X > a.Max.X || a.Min.Y > a.Max.Y || a.Min.Z > a.Max.Z {
		return fmt.Errorf("%w: anchor %q has min greater than max", ErrInvalidArgument, a.Kind)
	}
	return nil
}

// Contains reports whether p lies inside the anchor, bounds inclusive.
func (a Anchor) Contains(p Vec3) bool {
	return p.X >= a.Min.X && p.X <= a.Max.X &&
		p.Y >= a.Min.Y && p.Y <= a.Max.Y &&
		p.Z >= a.Min.Z && p.Z <= a.Max.Z
}

// Center returns the midpoint of the anchor.
func (a Anchor) Center() Vec3 {
	return Vec3{
		X: (a.Min.X + a.Max.X) / 2,
		Y: (a.Min.Y + a.Max.Y) / 2,
		Z: (a.Min.Z + a.Max.Z) / 2,
	}
}

// LinkID identifies a link; it is derived from the source world and anchor kind.
type LinkID string

// NewLinkID returns the id of the outbound link for (worldID, kind).
func NewLinkID(worldID string, kind AnchorKind) LinkID {
	return LinkID(worldID + "/" + string(kind))
}

// Link is a directional mapping from an anchor in one world to an anchor in another.
type Link struct {
	ID           LinkID    `yaml:"id" json:"id"`
	SourceWorld  string    `yaml:"source_world" json:"source_world"`
	SourceAnchor Anchor    `yaml:"source_anchor" json:"source_anchor"`
	TargetWorld  string    `yaml:"target_world" json:"target_world"`
	TargetAnchor Anchor    `yaml:"target_anchor" json:"target_anchor"`
	CreatedAt    time.Time `yaml:"created_at" json:"created_at"`
}

// References reports whether the link has worldID as its source or target.
func (l Link) References(worldID string) bool {
	return l.SourceWorld == worldID || l.TargetWorld == worldID
}
