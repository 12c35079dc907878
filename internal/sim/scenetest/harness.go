// Package scenetest builds small shooting ranges for tests. It only uses
// exported APIs so tests can live outside the packages they exercise.
package scenetest

import (
	"fmt"
	"path/filepath"
	"runtime"
	"testing"

	"wallsim.ai/internal/geom"
	"wallsim.ai/internal/persistence/mapfile"
	"wallsim.ai/internal/sim/catalogs"
	"wallsim.ai/internal/sim/damage"
	"wallsim.ai/internal/sim/penetration"
	"wallsim.ai/internal/sim/scene"
	"wallsim.ai/internal/sim/tuning"
)

// Eye height above the feet of a standing player.
const EyeHeight = 64

// ConfigDir is the repository configs/ directory.
func ConfigDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "configs")
}

func Catalogs(t testing.TB) *catalogs.Catalogs {
	t.Helper()
	cats, err := catalogs.Load(ConfigDir())
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	return cats
}

// Standing returns a player whose feet are at feet. The centre pose is upright;
// left and right lean the head 8 units along -y / +y.
func Standing(id int32, team int, feet geom.Vec3) mapfile.PlayerV1 {
	at := func(x, y, z float64) geom.Vec3 { return feet.Add(geom.Vec3{x, y, z}) }
	body := []penetration.Hitbox{
		{ID: 1, Group: damage.Chest, Shape: geom.Capsule{A: at(0, 0, 44), B: at(0, 0, 56), Radius: 8}},
		{ID: 2, Group: damage.Stomach, Shape: geom.Capsule{A: at(0, 0, 34), B: at(0, 0, 42), Radius: 7}},
		{ID: 3, Group: damage.LeftLeg, Shape: geom.Capsule{A: at(0, -5, 2), B: at(0, -5, 30), Radius: 4}},
		{ID: 4, Group: damage.RightLeg, Shape: geom.Capsule{A: at(0, 5, 2), B: at(0, 5, 30), Radius: 4}},
	}
	head := func(y float64) []penetration.Hitbox {
		hbs := []penetration.Hitbox{{ID: 0, Group: damage.Head, Shape: geom.Capsule{A: at(0, y, 64), B: at(0, y, 66), Radius: 5}}}
		return append(hbs, body...)
	}
	return mapfile.PlayerV1{
		ID:     id,
		Name:   fmt.Sprintf("p%d", id),
		Team:   team,
		Eye:    at(0, 0, EyeHeight),
		Bounds: geom.AABB{Min: at(-16, -16, 0), Max: at(16, 16, 72)},
		Weapon: "rifle",
		Pose:   "center",
		Poses: []mapfile.PoseV1{
			{Direction: "center", Hitboxes: head(0)},
			{Direction: "left", Hitboxes: head(-8)},
			{Direction: "right", Hitboxes: head(8)},
		},
	}
}

// Wall is a slab across the x axis between minX and maxX.
func Wall(id int, material string, minX, maxX float64) mapfile.BrushV1 {
	return mapfile.BrushV1{
		ID:       id,
		Bounds:   geom.AABB{Min: geom.Vec3{minX, -64, 0}, Max: geom.Vec3{maxX, 64, 128}},
		Material: material,
	}
}

// Range is a shooter (id 1, local) at the origin and an enemy (id 2) at
// targetX, separated by the given brushes.
func Range(t testing.TB, cats *catalogs.Catalogs, targetX float64, brushes ...mapfile.BrushV1) *scene.Scene {
	t.Helper()
	shooter := Standing(1, 2, geom.Vec3{})
	shooter.Local = true
	m := mapfile.MapV1{
		Header:  mapfile.Header{Version: mapfile.Version, Name: "range"},
		Brushes: brushes,
		Players: []mapfile.PlayerV1{shooter, Standing(2, 3, geom.Vec3{targetX, 0, 0})},
	}
	sc, err := scene.New(m, &cats.Materials)
	if err != nil {
		t.Fatalf("scene.New: %v", err)
	}
	return sc
}

func Engine(sc *scene.Scene, cats *catalogs.Catalogs, cfg *tuning.Penetration) *penetration.Engine {
	c := tuning.Defaults().Penetration
	if cfg != nil {
		c = *cfg
	}
	return penetration.New(sc, &cats.Weapons, sc, c, nil)
}
