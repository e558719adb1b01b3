package scene

import (
	"github.com/yohamta/donburi"

	"github.com/won21kr/ApertusVR/shared/delta"
	"github.com/won21kr/ApertusVR/shared/replication"
)

const (
	NodeType     = "Node"
	MaterialType = "Material"
)

// Node is a scene node. Only its existence and name are replicated; sphere
// geometries refer to it as their parent.
type Node struct {
	replication.Base
	scene  *Manager
	entity donburi.Entity
}

func (n *Node) Ref() NodeRef {
	return NodeRef{Ref{world: n.scene.world, entity: n.entity}}
}

func (n *Node) Serialize(p replication.SerializeParameters) (delta.Frame, bool, error) {
	return n.BeginSerialize(p).EndSerialize()
}

func (n *Node) Deserialize(frame delta.Frame) error {
	return deserializeEmpty(frame)
}

// Material is a material entity. Like Node it carries no replicated fields.
type Material struct {
	replication.Base
	scene  *Manager
	entity donburi.Entity
}

func (m *Material) Ref() MaterialRef {
	return MaterialRef{Ref{world: m.scene.world, entity: m.entity}}
}

func (m *Material) Serialize(p replication.SerializeParameters) (delta.Frame, bool, error) {
	return m.BeginSerialize(p).EndSerialize()
}

func (m *Material) Deserialize(frame delta.Frame) error {
	return deserializeEmpty(frame)
}

func deserializeEmpty(frame delta.Frame) error {
	if len(frame) == 0 {
		return nil
	}
	ctx, err := delta.BeginDeserialize(frame)
	if err != nil {
		return err
	}
	return ctx.EndDeserialize()
}
