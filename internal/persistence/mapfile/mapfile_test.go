package mapfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"wallsim.ai/internal/geom"
	"wallsim.ai/internal/sim/damage"
	"wallsim.ai/internal/sim/penetration"
)

func sampleMap() MapV1 {
	return MapV1{
		Header: Header{Name: "sample"},
		Brushes: []BrushV1{
			{ID: 1, Bounds: geom.AABB{Min: geom.Vec3{0, -8, 0}, Max: geom.Vec3{4, 8, 96}}, Material: "WOOD"},
			{ID: 2, Bounds: geom.AABB{Min: geom.Vec3{40, -8, 0}, Max: geom.Vec3{42, 8, 96}}, Material: "GRATE", Contents: []string{"GRATE"}},
		},
		Players: []PlayerV1{{
			ID:    2,
			Name:  "enemy",
			Team:  3,
			Eye:   geom.Vec3{100, 0, 64},
			Armor: damage.Armor{Value: 100, Helmet: true},
			Pose:  "left",
			Path:  []geom.Vec3{{0, 0, 0}, {0, 16, 0}},
			Poses: []PoseV1{{Direction: "left", Hitboxes: []penetration.Hitbox{
				{ID: 0, Group: damage.Head, Shape: geom.Capsule{A: geom.Vec3{100, -8, 64}, B: geom.Vec3{100, -8, 66}, Radius: 5}},
			}}},
		}},
	}
}

func TestWriteRead_Compressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maps", "sample.map.zst")
	if err := Write(path, sampleMap()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	m, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if m.Header.Version != Version || m.Header.Name != "sample" {
		t.Fatalf("header: %+v", m.Header)
	}
	if len(m.Brushes) != 2 || m.Brushes[1].Contents[0] != "GRATE" {
		t.Fatalf("brushes: %+v", m.Brushes)
	}
	p := m.Players[0]
	if !p.Armor.Helmet || len(p.Path) != 2 || p.Poses[0].Hitboxes[0].Shape.Radius != 5 {
		t.Fatalf("player: %+v", p)
	}
}

func TestRead_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.json")
	raw := `{"header":{"name":"tiny"},"brushes":[{"id":1,"bounds":{"min":[0,0,0],"max":[1,1,1]},"material":"WOOD"}],"players":[]}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if m.Header.Version != Version || m.Brushes[0].Bounds.Max != (geom.Vec3{1, 1, 1}) {
		t.Fatalf("unexpected map: %+v", m)
	}
}

func TestRead_RejectsFutureVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.json")
	if err := os.WriteFile(path, []byte(`{"header":{"version":9}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Read(path)
	if err == nil || !strings.Contains(err.Error(), "version 9") {
		t.Fatalf("expected version error, got %v", err)
	}
}
