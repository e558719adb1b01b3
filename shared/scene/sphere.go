package scene

import (
	"fmt"

	"github.com/yohamta/donburi"
	"github.com/yohamta/donburi/features/math"

	"github.com/won21kr/ApertusVR/shared/delta"
	"github.com/won21kr/ApertusVR/shared/replication"
)

const SphereGeometryType = "SphereGeometry"

// SphereGeometry is a replicated sphere. Its parameters, parent node name and
// material name are sent as deltas; the handles are resolved by name on the
// receiving side.
type SphereGeometry struct {
	replication.Base
	scene  *Manager
	entity donburi.Entity
}

// Valid reports whether the geometry still exists in its scene.
func (g *SphereGeometry) Valid() bool {
	return g.scene.world.Valid(g.entity)
}

func (g *SphereGeometry) data() *SphereData {
	if !g.Valid() {
		return &SphereData{}
	}
	return Sphere.Get(g.scene.world.Entry(g.entity))
}

func (g *SphereGeometry) fire(t EventType) {
	g.scene.events.Fire(Event{Subject: g.Name(), Type: t})
}

// SetParameters replaces the radius and texture tiling. The change is
// announced even when the values are the same.
func (g *SphereGeometry) SetParameters(radius float64, tile math.Vec2) {
	if !g.Valid() {
		return
	}
	g.data().Parameters = SphereParameters{Radius: radius, Tile: tile}
	g.fire(GeometrySphereParameters)
}

func (g *SphereGeometry) Parameters() SphereParameters {
	return g.data().Parameters
}

// SetParentNode attaches the geometry to node. An invalid handle only drops
// the handle: the parent node name is kept and nothing is announced.
func (g *SphereGeometry) SetParentNode(node NodeRef) {
	if !g.Valid() {
		return
	}
	if !node.Valid() {
		g.data().ParentNode = NodeRef{}
		return
	}
	g.scene.resolver.cancel(pendingRef{geometry: g.Name(), kind: refParentNode})
	g.attachParentNode(node)
}

// SetParentNodeName attaches the geometry to the node called name. When
// there is no such node yet the name is kept and the node is attached once
// it is created. An empty name detaches the geometry.
func (g *SphereGeometry) SetParentNodeName(name string) {
	if !g.Valid() {
		return
	}
	ref := pendingRef{geometry: g.Name(), kind: refParentNode}
	g.scene.resolver.cancel(ref)
	d := g.data()
	d.ParentNodeName = name
	d.ParentNode = g.scene.GetNode(name)
	if name != "" && !d.ParentNode.Valid() {
		g.scene.resolver.wait(name, ref)
	}
	g.fire(GeometrySphereParentNode)
}

func (g *SphereGeometry) ParentNode() NodeRef {
	return g.data().ParentNode
}

func (g *SphereGeometry) ParentNodeName() string {
	return g.data().ParentNodeName
}

// SetMaterial sets the geometry's material. An invalid handle only drops the
// handle: the material name is kept and nothing is announced.
func (g *SphereGeometry) SetMaterial(material MaterialRef) {
	if !g.Valid() {
		return
	}
	if !material.Valid() {
		g.data().Material = MaterialRef{}
		return
	}
	g.scene.resolver.cancel(pendingRef{geometry: g.Name(), kind: refMaterial})
	g.attachMaterial(material)
}

// SetMaterialName sets the material called name. When there is no such
// material yet the name is kept and the material is attached once it is
// created. An empty name clears the material.
func (g *SphereGeometry) SetMaterialName(name string) {
	if !g.Valid() {
		return
	}
	ref := pendingRef{geometry: g.Name(), kind: refMaterial}
	g.scene.resolver.cancel(ref)
	d := g.data()
	d.MaterialName = name
	d.Material = g.scene.GetMaterial(name)
	if name != "" && !d.Material.Valid() {
		g.scene.resolver.wait(name, ref)
	}
	g.fire(GeometrySphereMaterial)
}

func (g *SphereGeometry) Material() MaterialRef {
	return g.data().Material
}

func (g *SphereGeometry) MaterialName() string {
	return g.data().MaterialName
}

// Serialize writes, in order, the parameters, the parent node name and the
// material name.
func (g *SphereGeometry) Serialize(p replication.SerializeParameters) (delta.Frame, bool, error) {
	if !g.Valid() {
		return nil, false, fmt.Errorf("serialize %q: %w", g.Name(), ErrNotFound)
	}
	d := g.data()
	ctx := g.BeginSerialize(p)
	ctx.SerializeVariable(d.Parameters)
	ctx.SerializeVariable(d.ParentNodeName)
	ctx.SerializeVariable(d.MaterialName)
	return ctx.EndSerialize()
}

// Deserialize applies a frame written by Serialize. Nothing is applied if the
// frame is malformed. A parent node that does not exist yet is attached, and
// announced again, once it is created; a missing material is applied only
// when it arrives.
func (g *SphereGeometry) Deserialize(frame delta.Frame) error {
	if !g.Valid() {
		return fmt.Errorf("deserialize %q: %w", g.Name(), ErrNotFound)
	}
	ctx, err := delta.BeginDeserialize(frame)
	if err != nil {
		return fmt.Errorf("deserialize %q: %w", g.Name(), err)
	}
	var (
		params       SphereParameters
		parentName   string
		materialName string
	)
	paramsChanged, err := ctx.DeserializeVariable(&params)
	if err != nil {
		return fmt.Errorf("deserialize %q parameters: %w", g.Name(), err)
	}
	parentChanged, err := ctx.DeserializeVariable(&parentName)
	if err != nil {
		return fmt.Errorf("deserialize %q parent node: %w", g.Name(), err)
	}
	materialChanged, err := ctx.DeserializeVariable(&materialName)
	if err != nil {
		return fmt.Errorf("deserialize %q material: %w", g.Name(), err)
	}
	if err := ctx.EndDeserialize(); err != nil {
		return fmt.Errorf("deserialize %q: %w", g.Name(), err)
	}

	d := g.data()
	if paramsChanged {
		d.Parameters = params
		g.fire(GeometrySphereParameters)
	}
	if parentChanged {
		g.SetParentNodeName(parentName)
	}
	if materialChanged {
		ref := pendingRef{geometry: g.Name(), kind: refMaterial}
		g.scene.resolver.cancel(ref)
		switch material := g.scene.GetMaterial(materialName); {
		case material.Valid():
			g.attachMaterial(material)
		case materialName == "":
			if d.MaterialName != "" || d.Material.Valid() {
				d.Material = MaterialRef{}
				d.MaterialName = ""
				g.fire(GeometrySphereMaterial)
			}
		default:
			g.scene.resolver.wait(materialName, ref)
		}
	}
	return nil
}

func (g *SphereGeometry) attachParentNode(node NodeRef) {
	d := g.data()
	d.ParentNode = node
	d.ParentNodeName = node.Name()
	g.fire(GeometrySphereParentNode)
}

func (g *SphereGeometry) attachMaterial(material MaterialRef) {
	d := g.data()
	d.Material = material
	d.MaterialName = material.Name()
	g.fire(GeometrySphereMaterial)
}
