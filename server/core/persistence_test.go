package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yohamta/donburi/features/math"

	"github.com/won21kr/ApertusVR/config"
	"github.com/won21kr/ApertusVR/shared/scene"
)

type memStore map[string][]byte

func (m memStore) LoadItem(key string) ([]byte, error) {
	return m[key], nil
}

func (m memStore) SaveItem(key string, data []byte) error {
	m[key] = data
	return nil
}

func TestScenePersistence(t *testing.T) {
	store := memStore{}
	s := newTestServer(t, func(o *Options) { o.Store = store })

	g, _ := s.Scene().SphereGeometry("ball")
	g.SetParameters(3, math.NewVec2(4, 5))
	_, err := s.Scene().CreateSphereGeometry("guest", true, "p1")
	require.NoError(t, err)
	s.Stop()
	require.Contains(t, store, sceneKey)

	restored := newTestServer(t, func(o *Options) {
		o.Store = store
		o.Settings.Scene = config.SceneConfig{}
	})
	ball, ok := restored.Scene().SphereGeometry("ball")
	require.True(t, ok)
	assert.Equal(t, scene.SphereParameters{Radius: 3, Tile: math.NewVec2(4, 5)}, ball.Parameters())
	assert.True(t, ball.ParentNode().Valid())
	assert.Equal(t, "red", ball.MaterialName())
	_, ok = restored.Scene().SphereGeometry("guest")
	assert.False(t, ok, "peer entities are not saved")
}

func TestLoadScene(t *testing.T) {
	_, ok, err := LoadScene(memStore{})
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = LoadScene(memStore{sceneKey: []byte("{")})
	assert.Error(t, err)
}

func TestScenePersistenceDanglingReferences(t *testing.T) {
	store := memStore{}
	s := newTestServer(t, func(o *Options) { o.Store = store })
	require.NoError(t, s.Scene().DeleteEntity("root"))
	_, err := s.Scene().CreateMaterial("blue", true, "p1")
	require.NoError(t, err)
	g, _ := s.Scene().SphereGeometry("ball")
	g.SetMaterial(s.Scene().GetMaterial("blue"))
	s.Stop()

	restored, err := NewServer(Options{Settings: testSettings(), Store: store})
	require.NoError(t, err)
	ball, ok := restored.Scene().SphereGeometry("ball")
	require.True(t, ok)
	assert.Equal(t, "root", ball.ParentNodeName())
	assert.Equal(t, "blue", ball.MaterialName())
	parent, material := restored.Scene().WaitingOn("ball")
	assert.Equal(t, "root", parent)
	assert.Equal(t, "blue", material)

	_, err = restored.Scene().CreateNode("root", true, "host")
	require.NoError(t, err)
	assert.True(t, ball.ParentNode().Valid())
}

func TestBuildScenePendingReference(t *testing.T) {
	s := scene.NewManager("host", true, nil)
	require.NoError(t, BuildScene(s, "host", config.SceneConfig{
		Spheres: []config.SphereConfig{{Name: "ball", ParentNode: "missing"}},
	}))
	g, ok := s.SphereGeometry("ball")
	require.True(t, ok)
	assert.False(t, g.ParentNode().Valid())
	parent, _ := s.WaitingOn("ball")
	assert.Equal(t, "missing", parent)
}
