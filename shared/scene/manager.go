// Package scene holds the named entities of a replicated scene: nodes,
// materials and sphere geometries.
//
// Entities live in a donburi world and are looked up by name. References
// between them are weak handles plus the target's name, so a reference can be
// replicated by name and resolved once the target arrives.
//
// A Manager is not safe for concurrent use.
package scene

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/yohamta/donburi"

	"github.com/won21kr/ApertusVR/shared/replication"
)

var (
	ErrNameInUse = errors.New("scene: entity name already in use")
	ErrNotFound  = errors.New("scene: entity not found")
	ErrNotOwner  = errors.New("scene: only the owner or the host may delete a replicated entity")
	ErrNoName    = errors.New("scene: entity name is empty")
)

type Manager struct {
	world     donburi.World
	events    *EventManager
	log       *slog.Logger
	ownerID   string
	host      bool
	entities  map[string]donburi.Entity
	nodes     map[string]*Node
	materials map[string]*Material
	spheres   map[string]*SphereGeometry
	resolver  *resolver
	replicas  *replication.Manager
}

// NewManager creates an empty scene for the session member ownerID.
func NewManager(ownerID string, isHost bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	world := donburi.NewWorld()
	return &Manager{
		world:     world,
		events:    &EventManager{world: world},
		log:       logger.With("component", "scene"),
		ownerID:   ownerID,
		host:      isHost,
		entities:  make(map[string]donburi.Entity),
		nodes:     make(map[string]*Node),
		materials: make(map[string]*Material),
		spheres:   make(map[string]*SphereGeometry),
		resolver:  newResolver(),
	}
}

func (m *Manager) World() donburi.World {
	return m.world
}

func (m *Manager) Events() *EventManager {
	return m.events
}

func (m *Manager) OwnerID() string {
	return m.ownerID
}

func (m *Manager) IsHost() bool {
	return m.host
}

// AttachReplication registers the scene's object types with rm and starts
// replicating every replicated entity, including those created later.
func (m *Manager) AttachReplication(rm *replication.Manager) error {
	m.replicas = rm
	rm.RegisterFactory(NodeType, replication.Factory{
		Construct: func(name, ownerID string) (replication.Replica, error) {
			return m.createNode(name, true, ownerID, false)
		},
		Destroy: m.destroyReplica,
	})
	rm.RegisterFactory(MaterialType, replication.Factory{
		Construct: func(name, ownerID string) (replication.Replica, error) {
			return m.createMaterial(name, true, ownerID, false)
		},
		Destroy: m.destroyReplica,
	})
	rm.RegisterFactory(SphereGeometryType, replication.Factory{
		Construct: func(name, ownerID string) (replication.Replica, error) {
			return m.createSphereGeometry(name, true, ownerID, false)
		},
		Destroy: m.destroyReplica,
	})

	for _, name := range m.sortedNames() {
		r, ok := m.replica(name)
		if !ok || !m.replicated(name) {
			continue
		}
		if err := rm.Reference(r); err != nil && !errors.Is(err, replication.ErrDuplicateName) {
			return err
		}
	}
	return nil
}

// CreateNode creates a scene node.
func (m *Manager) CreateNode(name string, replicate bool, ownerID string) (*Node, error) {
	return m.createNode(name, replicate, ownerID, true)
}

// CreateMaterial creates a material.
func (m *Manager) CreateMaterial(name string, replicate bool, ownerID string) (*Material, error) {
	return m.createMaterial(name, replicate, ownerID, true)
}

// CreateSphereGeometry creates a sphere geometry with zero parameters and no
// parent node or material.
func (m *Manager) CreateSphereGeometry(name string, replicate bool, ownerID string) (*SphereGeometry, error) {
	return m.createSphereGeometry(name, replicate, ownerID, true)
}

func (m *Manager) createNode(name string, replicate bool, ownerID string, reference bool) (*Node, error) {
	entity, err := m.create(name, KindNode, replicate, ownerID)
	if err != nil {
		return nil, err
	}
	n := &Node{Base: replication.NewBase(NodeType, name, ownerID, m.host), scene: m, entity: entity}
	m.nodes[name] = n
	m.events.Fire(Event{Subject: name, Type: NodeCreate})
	m.resolve(name)
	if replicate && reference {
		m.reference(n)
	}
	return n, nil
}

func (m *Manager) createMaterial(name string, replicate bool, ownerID string, reference bool) (*Material, error) {
	entity, err := m.create(name, KindMaterial, replicate, ownerID)
	if err != nil {
		return nil, err
	}
	mat := &Material{Base: replication.NewBase(MaterialType, name, ownerID, m.host), scene: m, entity: entity}
	m.materials[name] = mat
	m.events.Fire(Event{Subject: name, Type: MaterialCreate})
	m.resolve(name)
	if replicate && reference {
		m.reference(mat)
	}
	return mat, nil
}

func (m *Manager) createSphereGeometry(name string, replicate bool, ownerID string, reference bool) (*SphereGeometry, error) {
	entity, err := m.create(name, KindSphereGeometry, replicate, ownerID, Sphere)
	if err != nil {
		return nil, err
	}
	g := &SphereGeometry{
		Base:   replication.NewBase(SphereGeometryType, name, ownerID, m.host),
		scene:  m,
		entity: entity,
	}
	m.spheres[name] = g
	m.events.Fire(Event{Subject: name, Type: GeometrySphereCreate})
	if replicate && reference {
		m.reference(g)
	}
	return g, nil
}

func (m *Manager) create(name string, kind Kind, replicate bool, ownerID string, extra ...donburi.IComponentType) (donburi.Entity, error) {
	var none donburi.Entity
	if name == "" {
		return none, ErrNoName
	}
	if _, ok := m.entities[name]; ok {
		return none, fmt.Errorf("create %s %q: %w", kind, name, ErrNameInUse)
	}
	entity := m.world.Create(append([]donburi.IComponentType{Identity}, extra...)...)
	Identity.SetValue(m.world.Entry(entity), IdentityData{
		Name:       name,
		Kind:       kind,
		OwnerID:    ownerID,
		Replicated: replicate,
	})
	m.entities[name] = entity
	m.log.Debug("entity created", "name", name, "kind", kind, "owner", ownerID, "replicated", replicate)
	return entity, nil
}

func (m *Manager) reference(r replication.Replica) {
	if m.replicas == nil {
		return
	}
	if err := m.replicas.Reference(r); err != nil {
		m.log.Error("reference replica", "name", r.Name(), "error", err)
	}
}

// resolve hands the entity called name to the geometries waiting for it.
func (m *Manager) resolve(name string) {
	ref := m.GetEntity(name)
	for _, p := range m.resolver.take(name) {
		g, ok := m.spheres[p.geometry]
		if !ok {
			continue
		}
		switch p.kind {
		case refParentNode:
			if node, ok := ref.Node(); ok {
				g.attachParentNode(node)
				continue
			}
		case refMaterial:
			if mat, ok := ref.Material(); ok {
				g.attachMaterial(mat)
				continue
			}
		}
		// Same name, wrong kind: keep waiting for the right entity.
		m.resolver.wait(name, p)
	}
}

// GetEntity returns a handle to the named entity. The handle is invalid if
// there is no such entity.
func (m *Manager) GetEntity(name string) Ref {
	entity, ok := m.entities[name]
	if !ok {
		return Ref{}
	}
	return Ref{world: m.world, entity: entity}
}

// GetNode returns a handle to the named node, invalid if there is none.
func (m *Manager) GetNode(name string) NodeRef {
	node, _ := m.GetEntity(name).Node()
	return node
}

// GetMaterial returns a handle to the named material, invalid if there is none.
func (m *Manager) GetMaterial(name string) MaterialRef {
	mat, _ := m.GetEntity(name).Material()
	return mat
}

func (m *Manager) Node(name string) (*Node, bool) {
	n, ok := m.nodes[name]
	return n, ok
}

func (m *Manager) Material(name string) (*Material, bool) {
	mat, ok := m.materials[name]
	return mat, ok
}

func (m *Manager) SphereGeometry(name string) (*SphereGeometry, bool) {
	g, ok := m.spheres[name]
	return g, ok
}

// SphereGeometries returns every sphere geometry sorted by name.
func (m *Manager) SphereGeometries() []*SphereGeometry {
	out := make([]*SphereGeometry, 0, len(m.spheres))
	for _, g := range m.spheres {
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b *SphereGeometry) int { return cmp.Compare(a.Name(), b.Name()) })
	return out
}

// Nodes returns every node sorted by name.
func (m *Manager) Nodes() []*Node {
	out := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b *Node) int { return cmp.Compare(a.Name(), b.Name()) })
	return out
}

// Materials returns every material sorted by name.
func (m *Manager) Materials() []*Material {
	out := make([]*Material, 0, len(m.materials))
	for _, mat := range m.materials {
		out = append(out, mat)
	}
	slices.SortFunc(out, func(a, b *Material) int { return cmp.Compare(a.Name(), b.Name()) })
	return out
}

// DeleteEntity removes the named entity. Handles to it become invalid;
// geometries that referenced it keep the name and wait for it to come back.
// A replicated entity can only be deleted by its owner or by the host, and
// its deletion is replicated.
func (m *Manager) DeleteEntity(name string) error {
	entity, ok := m.entities[name]
	if !ok {
		return fmt.Errorf("delete %q: %w", name, ErrNotFound)
	}
	id := Identity.Get(m.world.Entry(entity))
	if id.Replicated && m.replicas != nil && !m.host && id.OwnerID != m.ownerID {
		return fmt.Errorf("delete %q: %w", name, ErrNotOwner)
	}
	if id.Replicated && m.replicas != nil {
		if err := m.replicas.Dereference(name); err != nil && !errors.Is(err, replication.ErrNotFound) {
			return err
		}
	}
	m.delete(name)
	return nil
}

func (m *Manager) destroyReplica(r replication.Replica) {
	if _, ok := m.entities[r.Name()]; ok {
		m.delete(r.Name())
	}
}

func (m *Manager) delete(name string) {
	entity := m.entities[name]
	kind := Identity.Get(m.world.Entry(entity)).Kind
	delete(m.entities, name)
	m.world.Remove(entity)

	switch kind {
	case KindNode:
		delete(m.nodes, name)
		for _, g := range m.spheres {
			if g.ParentNodeName() == name {
				m.resolver.wait(name, pendingRef{geometry: g.Name(), kind: refParentNode})
			}
		}
		m.events.Fire(Event{Subject: name, Type: NodeDelete})
	case KindMaterial:
		delete(m.materials, name)
		for _, g := range m.spheres {
			if g.MaterialName() == name {
				m.resolver.wait(name, pendingRef{geometry: g.Name(), kind: refMaterial})
			}
		}
		m.events.Fire(Event{Subject: name, Type: MaterialDelete})
	case KindSphereGeometry:
		delete(m.spheres, name)
		m.resolver.forget(name)
		m.events.Fire(Event{Subject: name, Type: GeometrySphereDelete})
	}
	m.log.Debug("entity deleted", "name", name, "kind", kind)
}

func (m *Manager) replica(name string) (replication.Replica, bool) {
	if n, ok := m.nodes[name]; ok {
		return n, true
	}
	if mat, ok := m.materials[name]; ok {
		return mat, true
	}
	if g, ok := m.spheres[name]; ok {
		return g, true
	}
	return nil, false
}

func (m *Manager) replicated(name string) bool {
	entity, ok := m.entities[name]
	if !ok {
		return false
	}
	return Identity.Get(m.world.Entry(entity)).Replicated
}

// sortedNames puts nodes and materials before geometries so peers can
// resolve references as soon as a geometry arrives.
func (m *Manager) sortedNames() []string {
	var out []string
	for _, n := range m.Nodes() {
		out = append(out, n.Name())
	}
	for _, mat := range m.Materials() {
		out = append(out, mat.Name())
	}
	for _, g := range m.SphereGeometries() {
		out = append(out, g.Name())
	}
	return out
}

// WaitingOn returns the name of the entity the geometry's parent node or
// material reference is waiting for.
func (m *Manager) WaitingOn(geometry string) (parentNode, material string) {
	parentNode, _ = m.resolver.target(pendingRef{geometry: geometry, kind: refParentNode})
	material, _ = m.resolver.target(pendingRef{geometry: geometry, kind: refMaterial})
	return parentNode, material
}
