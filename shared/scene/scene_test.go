package scene_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yohamta/donburi/features/math"

	"github.com/won21kr/ApertusVR/shared/replication"
	"github.com/won21kr/ApertusVR/shared/scene"
)

type recorder struct {
	events []scene.Event
}

func record(s *scene.Manager) *recorder {
	r := &recorder{}
	s.Events().Subscribe(func(e scene.Event) {
		r.events = append(r.events, e)
	})
	return r
}

// drain delivers queued events and returns them.
func (r *recorder) drain(s *scene.Manager) []scene.Event {
	s.Events().Process()
	out := r.events
	r.events = nil
	return out
}

func sphereEvent(name string, t scene.EventType) scene.Event {
	return scene.Event{Subject: name, Type: t}
}

func fullFrame(t *testing.T, g *scene.SphereGeometry) []byte {
	t.Helper()
	frame, changed, err := g.Serialize(replication.SerializeParameters{Mode: replication.Full})
	require.NoError(t, err)
	require.True(t, changed)
	return frame
}

func TestSphereGeometryLocalState(t *testing.T) {
	t.Run("set parameters always fires", func(t *testing.T) {
		s := scene.NewManager("host", true, nil)
		rec := record(s)
		g, err := s.CreateSphereGeometry("sphere", true, "host")
		require.NoError(t, err)
		assert.Equal(t, []scene.Event{sphereEvent("sphere", scene.GeometrySphereCreate)}, rec.drain(s))

		g.SetParameters(2, math.NewVec2(1, 1))
		g.SetParameters(2, math.NewVec2(1, 1))
		assert.Equal(t, []scene.Event{
			sphereEvent("sphere", scene.GeometrySphereParameters),
			sphereEvent("sphere", scene.GeometrySphereParameters),
		}, rec.drain(s))
		assert.Equal(t, scene.SphereParameters{Radius: 2, Tile: math.NewVec2(1, 1)}, g.Parameters())
	})
	t.Run("parent node and material", func(t *testing.T) {
		s := scene.NewManager("host", true, nil)
		g, err := s.CreateSphereGeometry("sphere", true, "host")
		require.NoError(t, err)
		node, err := s.CreateNode("node", true, "host")
		require.NoError(t, err)
		mat, err := s.CreateMaterial("mat", true, "host")
		require.NoError(t, err)
		rec := record(s)
		rec.drain(s)

		g.SetParentNode(node.Ref())
		g.SetMaterial(mat.Ref())
		assert.True(t, g.ParentNode().Valid())
		assert.Equal(t, "node", g.ParentNodeName())
		assert.Equal(t, "mat", g.Material().Name())
		assert.Equal(t, []scene.Event{
			sphereEvent("sphere", scene.GeometrySphereParentNode),
			sphereEvent("sphere", scene.GeometrySphereMaterial),
		}, rec.drain(s))

		g.SetParentNode(scene.NodeRef{})
		g.SetMaterial(scene.MaterialRef{})
		assert.False(t, g.ParentNode().Valid())
		assert.Equal(t, "node", g.ParentNodeName())
		assert.False(t, g.Material().Valid())
		assert.Equal(t, "mat", g.MaterialName())
		assert.Empty(t, rec.drain(s), "dropping a handle is not announced")
		_, changed, err := g.Serialize(replication.SerializeParameters{Mode: replication.Identical})
		require.NoError(t, err)
		assert.False(t, changed)
	})
	t.Run("references by name", func(t *testing.T) {
		s := scene.NewManager("host", true, nil)
		g, err := s.CreateSphereGeometry("sphere", true, "host")
		require.NoError(t, err)
		rec := record(s)
		rec.drain(s)

		g.SetParentNodeName("node")
		g.SetMaterialName("mat")
		assert.Equal(t, "node", g.ParentNodeName())
		assert.Equal(t, "mat", g.MaterialName())
		assert.False(t, g.ParentNode().Valid())
		parent, material := s.WaitingOn("sphere")
		assert.Equal(t, "node", parent)
		assert.Equal(t, "mat", material)
		assert.Equal(t, []scene.Event{
			sphereEvent("sphere", scene.GeometrySphereParentNode),
			sphereEvent("sphere", scene.GeometrySphereMaterial),
		}, rec.drain(s))

		_, err = s.CreateNode("node", true, "host")
		require.NoError(t, err)
		_, err = s.CreateMaterial("mat", true, "host")
		require.NoError(t, err)
		assert.True(t, g.ParentNode().Valid())
		assert.Equal(t, "mat", g.Material().Name())

		g.SetMaterialName("")
		assert.False(t, g.Material().Valid())
		assert.Empty(t, g.MaterialName())
	})
	t.Run("handles are weak", func(t *testing.T) {
		s := scene.NewManager("host", true, nil)
		g, _ := s.CreateSphereGeometry("sphere", false, "host")
		node, _ := s.CreateNode("node", false, "host")
		g.SetParentNode(node.Ref())

		require.NoError(t, s.DeleteEntity("node"))
		assert.False(t, g.ParentNode().Valid())
		assert.Equal(t, "node", g.ParentNodeName())
		parent, _ := s.WaitingOn("sphere")
		assert.Equal(t, "node", parent)

		_, err := s.CreateNode("node", false, "host")
		require.NoError(t, err)
		assert.True(t, g.ParentNode().Valid())
	})
}

func TestSceneManager(t *testing.T) {
	s := scene.NewManager("host", true, nil)
	_, err := s.CreateNode("a", false, "host")
	require.NoError(t, err)

	_, err = s.CreateMaterial("a", false, "host")
	assert.ErrorIs(t, err, scene.ErrNameInUse)
	_, err = s.CreateSphereGeometry("", false, "host")
	assert.ErrorIs(t, err, scene.ErrNoName)
	assert.ErrorIs(t, s.DeleteEntity("missing"), scene.ErrNotFound)

	assert.True(t, s.GetNode("a").Valid())
	assert.False(t, s.GetMaterial("a").Valid())
	assert.Equal(t, scene.KindNode, s.GetEntity("a").Kind())
	assert.False(t, s.GetEntity("missing").Valid())
}

func TestSphereGeometryReplication(t *testing.T) {
	setup := func(t *testing.T) (*scene.Manager, *scene.SphereGeometry, *scene.Manager, *scene.SphereGeometry) {
		t.Helper()
		host := scene.NewManager("host", true, nil)
		src, err := host.CreateSphereGeometry("sphere", true, "host")
		require.NoError(t, err)
		peer := scene.NewManager("peer", false, nil)
		dst, err := peer.CreateSphereGeometry("sphere", true, "host")
		require.NoError(t, err)
		return host, src, peer, dst
	}

	t.Run("only changed fields are applied and announced", func(t *testing.T) {
		host, src, peer, dst := setup(t)
		node, _ := host.CreateNode("node", true, "host")
		_, _ = peer.CreateNode("node", true, "host")
		src.SetParameters(3, math.NewVec2(2, 2))
		src.SetParentNode(node.Ref())

		frame, changed, err := src.Serialize(replication.SerializeParameters{Mode: replication.Identical})
		require.NoError(t, err)
		require.True(t, changed)

		rec := record(peer)
		rec.drain(peer)
		require.NoError(t, dst.Deserialize(frame))
		assert.Equal(t, src.Parameters(), dst.Parameters())
		assert.True(t, dst.ParentNode().Valid())
		assert.Equal(t, []scene.Event{
			sphereEvent("sphere", scene.GeometrySphereParameters),
			sphereEvent("sphere", scene.GeometrySphereParentNode),
		}, rec.drain(peer), "first frame carries every field, the empty material name changes nothing")

		src.SetParameters(5, math.NewVec2(2, 2))
		frame, changed, err = src.Serialize(replication.SerializeParameters{Mode: replication.Identical})
		require.NoError(t, err)
		require.True(t, changed)
		require.NoError(t, dst.Deserialize(frame))
		assert.Equal(t, 5.0, dst.Parameters().Radius)
		assert.Equal(t, []scene.Event{sphereEvent("sphere", scene.GeometrySphereParameters)}, rec.drain(peer))

		_, changed, err = src.Serialize(replication.SerializeParameters{Mode: replication.Identical})
		require.NoError(t, err)
		assert.False(t, changed)
	})
	t.Run("missing material is applied on arrival", func(t *testing.T) {
		host, src, peer, dst := setup(t)
		mat, _ := host.CreateMaterial("mat", true, "host")
		src.SetMaterial(mat.Ref())

		rec := record(peer)
		rec.drain(peer)
		require.NoError(t, dst.Deserialize(fullFrame(t, src)))
		assert.False(t, dst.Material().Valid())
		assert.Empty(t, dst.MaterialName())
		_, waiting := peer.WaitingOn("sphere")
		assert.Equal(t, "mat", waiting)
		assert.NotContains(t, rec.drain(peer), sphereEvent("sphere", scene.GeometrySphereMaterial))

		_, err := peer.CreateMaterial("mat", true, "host")
		require.NoError(t, err)
		assert.True(t, dst.Material().Valid())
		assert.Equal(t, "mat", dst.MaterialName())
		assert.Equal(t, []scene.Event{
			{Subject: "mat", Type: scene.MaterialCreate},
			sphereEvent("sphere", scene.GeometrySphereMaterial),
		}, rec.drain(peer))
	})
	t.Run("missing parent node is resolved on arrival", func(t *testing.T) {
		host, src, peer, dst := setup(t)
		node, _ := host.CreateNode("node", true, "host")
		src.SetParentNode(node.Ref())

		rec := record(peer)
		rec.drain(peer)
		require.NoError(t, dst.Deserialize(fullFrame(t, src)))
		assert.Equal(t, "node", dst.ParentNodeName())
		assert.False(t, dst.ParentNode().Valid())
		assert.Contains(t, rec.drain(peer), sphereEvent("sphere", scene.GeometrySphereParentNode))

		_, err := peer.CreateNode("node", true, "host")
		require.NoError(t, err)
		assert.True(t, dst.ParentNode().Valid())
		assert.Contains(t, rec.drain(peer), sphereEvent("sphere", scene.GeometrySphereParentNode))
	})
	t.Run("repointing cancels a pending reference", func(t *testing.T) {
		host, src, peer, dst := setup(t)
		a, _ := host.CreateMaterial("a", true, "host")
		src.SetMaterial(a.Ref())
		require.NoError(t, dst.Deserialize(fullFrame(t, src)))

		src.SetMaterialName("")
		require.NoError(t, dst.Deserialize(fullFrame(t, src)))
		_, waiting := peer.WaitingOn("sphere")
		assert.Empty(t, waiting)

		_, err := peer.CreateMaterial("a", true, "host")
		require.NoError(t, err)
		assert.False(t, dst.Material().Valid())
	})
	t.Run("malformed frame changes nothing", func(t *testing.T) {
		_, src, peer, dst := setup(t)
		src.SetParameters(7, math.NewVec2(1, 1))
		frame := fullFrame(t, src)

		rec := record(peer)
		rec.drain(peer)
		assert.Error(t, dst.Deserialize(frame[:len(frame)-1]))
		assert.Equal(t, scene.SphereParameters{}, dst.Parameters())
		assert.Empty(t, rec.drain(peer))
	})
	t.Run("allocation id", func(t *testing.T) {
		_, src, _, _ := setup(t)
		b, err := src.WriteAllocationID()
		require.NoError(t, err)
		id, err := replication.ReadAllocationID(b)
		require.NoError(t, err)
		assert.Equal(t, replication.AllocationID{ObjectType: scene.SphereGeometryType, Name: "sphere"}, id)
	})
	t.Run("deleted geometry refuses frames", func(t *testing.T) {
		_, src, peer, dst := setup(t)
		frame := fullFrame(t, src)
		require.NoError(t, peer.DeleteEntity("sphere"))
		assert.False(t, dst.Valid())
		assert.ErrorIs(t, dst.Deserialize(frame), scene.ErrNotFound)
	})
}
