package scene

import (
	"github.com/yohamta/donburi"
	"github.com/yohamta/donburi/features/math"
)

// Kind is the entity type of a scene entity.
type Kind int

const (
	KindNode Kind = iota + 1
	KindMaterial
	KindSphereGeometry
)

func (k Kind) String() string {
	switch k {
	case KindNode:
		return "Node"
	case KindMaterial:
		return "Material"
	case KindSphereGeometry:
		return "SphereGeometry"
	}
	return "Unknown"
}

type IdentityData struct {
	Name       string
	Kind       Kind
	OwnerID    string
	Replicated bool
}

var Identity = donburi.NewComponentType[IdentityData]()

// SphereParameters is the shape of a sphere geometry.
type SphereParameters struct {
	Radius float64
	Tile   math.Vec2
}

type SphereData struct {
	Parameters     SphereParameters
	ParentNode     NodeRef
	ParentNodeName string
	Material       MaterialRef
	MaterialName   string
}

var Sphere = donburi.NewComponentType[SphereData]()

// Ref is a weak handle to a scene entity. It stops being valid once the
// entity is deleted and never keeps it alive.
type Ref struct {
	world  donburi.World
	entity donburi.Entity
}

func (r Ref) Valid() bool {
	return r.world != nil && r.world.Valid(r.entity)
}

// Name returns the entity's name, or "" if the handle is no longer valid.
func (r Ref) Name() string {
	if !r.Valid() {
		return ""
	}
	return Identity.Get(r.world.Entry(r.entity)).Name
}

// Kind returns the entity's kind, or 0 if the handle is no longer valid.
func (r Ref) Kind() Kind {
	if !r.Valid() {
		return 0
	}
	return Identity.Get(r.world.Entry(r.entity)).Kind
}

// Node narrows r to a node handle.
func (r Ref) Node() (NodeRef, bool) {
	if r.Kind() != KindNode {
		return NodeRef{}, false
	}
	return NodeRef{r}, true
}

// Material narrows r to a material handle.
func (r Ref) Material() (MaterialRef, bool) {
	if r.Kind() != KindMaterial {
		return MaterialRef{}, false
	}
	return MaterialRef{r}, true
}

type NodeRef struct{ Ref }

type MaterialRef struct{ Ref }
