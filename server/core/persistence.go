package core

import (
	"encoding/json"
	"fmt"

	"github.com/quasilyte/gdata"
	"github.com/yohamta/donburi/features/math"

	"github.com/won21kr/ApertusVR/config"
	"github.com/won21kr/ApertusVR/shared/scene"
)

const sceneKey = "scene"

// Store is where the host keeps its scene between runs.
type Store interface {
	LoadItem(key string) ([]byte, error)
	SaveItem(key string, data []byte) error
}

// OpenStore opens the per-user data directory of appName.
func OpenStore(appName string) (Store, error) {
	m, err := gdata.Open(gdata.Config{
		AppName: appName,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return m, nil
}

// LoadScene reads the saved scene. ok is false when nothing was saved yet.
func LoadScene(store Store) (sc config.SceneConfig, ok bool, err error) {
	data, err := store.LoadItem(sceneKey)
	if err != nil {
		return config.SceneConfig{}, false, fmt.Errorf("load scene: %w", err)
	}
	if data == nil {
		return config.SceneConfig{}, false, nil
	}
	if err := json.Unmarshal(data, &sc); err != nil {
		return config.SceneConfig{}, false, fmt.Errorf("parse saved scene: %w", err)
	}
	return sc, true, nil
}

// SaveScene stores the entities owned by ownerID. Entities of peers leave
// with them and are not saved.
func SaveScene(store Store, s *scene.Manager, ownerID string) error {
	data, err := json.Marshal(Snapshot(s, ownerID))
	if err != nil {
		return fmt.Errorf("serialize scene: %w", err)
	}
	if err := store.SaveItem(sceneKey, data); err != nil {
		return fmt.Errorf("save scene: %w", err)
	}
	return nil
}

// Snapshot describes the entities of s owned by ownerID.
func Snapshot(s *scene.Manager, ownerID string) config.SceneConfig {
	var sc config.SceneConfig
	for _, n := range s.Nodes() {
		if n.OwnerID() == ownerID {
			sc.Nodes = append(sc.Nodes, n.Name())
		}
	}
	for _, m := range s.Materials() {
		if m.OwnerID() == ownerID {
			sc.Materials = append(sc.Materials, m.Name())
		}
	}
	for _, g := range s.SphereGeometries() {
		if g.OwnerID() != ownerID {
			continue
		}
		p := g.Parameters()
		sc.Spheres = append(sc.Spheres, config.SphereConfig{
			Name:       g.Name(),
			Radius:     p.Radius,
			TileX:      p.Tile.X,
			TileY:      p.Tile.Y,
			ParentNode: g.ParentNodeName(),
			Material:   g.MaterialName(),
		})
	}
	return sc
}

// BuildScene creates the described entities as replicated entities owned by
// ownerID. A parent node or material that is not described, such as one owned
// by a peer, stays pending until an entity of that name is created.
func BuildScene(s *scene.Manager, ownerID string, sc config.SceneConfig) error {
	for _, name := range sc.Nodes {
		if _, err := s.CreateNode(name, true, ownerID); err != nil {
			return err
		}
	}
	for _, name := range sc.Materials {
		if _, err := s.CreateMaterial(name, true, ownerID); err != nil {
			return err
		}
	}
	for _, sp := range sc.Spheres {
		g, err := s.CreateSphereGeometry(sp.Name, true, ownerID)
		if err != nil {
			return err
		}
		g.SetParameters(sp.Radius, math.NewVec2(sp.TileX, sp.TileY))
		if sp.ParentNode != "" {
			g.SetParentNodeName(sp.ParentNode)
		}
		if sp.Material != "" {
			g.SetMaterialName(sp.Material)
		}
	}
	return nil
}
