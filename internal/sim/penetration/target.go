package penetration

import (
	"math"
	"sort"

	"wallsim.ai/internal/geom"
	"wallsim.ai/internal/sim/damage"
)

// Direction is one resolver hypothesis for how a target is oriented. Each
// direction carries its own hitbox pose.
type Direction uint8

const (
	DirCenter Direction = iota
	DirLeft
	DirRight
)

func (d Direction) String() string {
	switch d {
	case DirCenter:
		return "center"
	case DirLeft:
		return "left"
	case DirRight:
		return "right"
	default:
		return "unknown"
	}
}

type Hitbox struct {
	ID    int             `json:"id" msgpack:"id"`
	Group damage.Hitgroup `json:"group" msgpack:"group"`
	Shape geom.Capsule    `json:"shape" msgpack:"shape"`
}

// Target is the player a query wants to reach.
type Target struct {
	Entity  EntityID
	Armor   damage.Armor
	Current Direction
	Poses   map[Direction][]Hitbox
}

func (t *Target) Hitboxes(d Direction) []Hitbox {
	if t == nil {
		return nil
	}
	return t.Poses[d]
}

// Directions lists the poses the target carries in a stable order.
func (t *Target) Directions() []Direction {
	out := make([]Direction, 0, len(t.Poses))
	for d := range t.Poses {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HitboxCenter returns the centre of the first hitbox of the given group in
// the current pose.
func (t *Target) HitboxCenter(g damage.Hitgroup) (geom.Vec3, bool) {
	for _, hb := range t.Hitboxes(t.Current) {
		if hb.Group == g {
			return hb.Shape.Center(), true
		}
	}
	return geom.Vec3{}, false
}

type TargetHit struct {
	Hitbox   Hitbox
	Distance float64
}

// ClipToTarget finds the hitbox a ray segment enters first. Ties within a
// small distance go to the higher priority hitgroup (head first).
func ClipToTarget(hitboxes []Hitbox, start, dir geom.Vec3, maxDist float64, noOpt bool) (TargetHit, bool) {
	if len(hitboxes) == 0 {
		return TargetHit{}, false
	}
	if !noOpt && !segmentNearHitboxes(hitboxes, start, dir, maxDist) {
		return TargetHit{}, false
	}

	var best TargetHit
	found := false
	for _, hb := range hitboxes {
		d, ok := hb.Shape.IntersectRay(start, dir, maxDist)
		if !ok {
			continue
		}
		switch {
		case !found, d < best.Distance-1e-6:
			best = TargetHit{Hitbox: hb, Distance: d}
			found = true
		case math.Abs(d-best.Distance) <= 1e-6 && hb.Group.Priority() < best.Hitbox.Group.Priority():
			best = TargetHit{Hitbox: hb, Distance: d}
		}
	}
	return best, found
}

// segmentNearHitboxes is a bounding-sphere reject for segments that pass far
// from every hitbox.
func segmentNearHitboxes(hitboxes []Hitbox, start, dir geom.Vec3, maxDist float64) bool {
	end := start.Add(dir.Mul(maxDist))
	for _, hb := range hitboxes {
		c := hb.Shape.Center()
		if geom.ClosestOnSegment(start, end, c).Sub(c).Len() <= hb.Shape.BoundingRadius() {
			return true
		}
	}
	return false
}
