// Package geom holds the small amount of 3D math the shot simulation needs on
// top of mgl64: boxes, capsules and ray intersection.
package geom

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

type Vec3 = mgl64.Vec3

const Epsilon = 1e-7

// Direction returns the unit vector from a to b and the distance between them.
// A zero-length span returns a zero vector.
func Direction(a, b Vec3) (Vec3, float64) {
	d := b.Sub(a)
	l := d.Len()
	if l < Epsilon {
		return Vec3{}, 0
	}
	return d.Mul(1 / l), l
}

func Normalize(v Vec3) Vec3 {
	l := v.Len()
	if l < Epsilon {
		return Vec3{}
	}
	return v.Mul(1 / l)
}

func Length2D(v Vec3) float64 { return math.Hypot(v[0], v[1]) }

// ClosestOnSegment returns the point of segment ab nearest to p.
func ClosestOnSegment(a, b, p Vec3) Vec3 {
	ab := b.Sub(a)
	den := ab.Dot(ab)
	if den < Epsilon {
		return a
	}
	t := p.Sub(a).Dot(ab) / den
	t = math.Max(0, math.Min(1, t))
	return a.Add(ab.Mul(t))
}

type AABB struct {
	Min Vec3 `json:"min" msgpack:"min"`
	Max Vec3 `json:"max" msgpack:"max"`
}

// Contains reports whether p is strictly inside the box. Points on a face are
// outside, so a ray that has just left a brush is not considered inside it.
func (b AABB) Contains(p Vec3) bool {
	for i := 0; i < 3; i++ {
		if p[i] <= b.Min[i] || p[i] >= b.Max[i] {
			return false
		}
	}
	return true
}

func (b AABB) Center() Vec3 { return b.Min.Add(b.Max).Mul(0.5) }

// IntersectRay clips a unit-direction ray against the box. It reports the
// entry distance and the outward normal of the entry face. Boxes the origin is
// already inside (entry behind the origin) are not reported.
func (b AABB) IntersectRay(origin, dir Vec3, maxDist float64) (float64, Vec3, bool) {
	tEnter := math.Inf(-1)
	tExit := math.Inf(1)
	var normal Vec3
	for i := 0; i < 3; i++ {
		if math.Abs(dir[i]) < Epsilon {
			if origin[i] < b.Min[i] || origin[i] > b.Max[i] {
				return 0, Vec3{}, false
			}
			continue
		}
		inv := 1 / dir[i]
		t1 := (b.Min[i] - origin[i]) * inv
		t2 := (b.Max[i] - origin[i]) * inv
		var n Vec3
		n[i] = -1
		if t1 > t2 {
			t1, t2 = t2, t1
			n[i] = 1
		}
		if t1 > tEnter {
			tEnter = t1
			normal = n
		}
		if t2 < tExit {
			tExit = t2
		}
	}
	if tEnter > tExit || tEnter < 0 || tEnter > maxDist {
		return 0, Vec3{}, false
	}
	return tEnter, normal, true
}

// Capsule is a swept sphere between A and B, the shape used for hitboxes.
type Capsule struct {
	A      Vec3    `json:"a" msgpack:"a"`
	B      Vec3    `json:"b" msgpack:"b"`
	Radius float64 `json:"radius" msgpack:"radius"`
}

func (c Capsule) Center() Vec3 { return c.A.Add(c.B).Mul(0.5) }

func (c Capsule) Contains(p Vec3) bool {
	return ClosestOnSegment(c.A, c.B, p).Sub(p).Len() <= c.Radius
}

// BoundingRadius is the radius of a sphere around Center enclosing the capsule.
func (c Capsule) BoundingRadius() float64 {
	return c.B.Sub(c.A).Len()*0.5 + c.Radius
}

// IntersectRay returns the distance along the unit direction at which the ray
// enters the capsule. An origin inside the capsule hits at distance zero.
func (c Capsule) IntersectRay(origin, dir Vec3, maxDist float64) (float64, bool) {
	if c.Contains(origin) {
		return 0, true
	}
	best := math.Inf(1)

	ba := c.B.Sub(c.A)
	oa := origin.Sub(c.A)
	baba := ba.Dot(ba)
	bard := ba.Dot(dir)
	baoa := ba.Dot(oa)
	rdoa := dir.Dot(oa)
	oaoa := oa.Dot(oa)
	qa := baba - bard*bard
	if qa > Epsilon {
		qb := baba*rdoa - baoa*bard
		qc := baba*oaoa - baoa*baoa - c.Radius*c.Radius*baba
		h := qb*qb - qa*qc
		if h >= 0 {
			t := (-qb - math.Sqrt(h)) / qa
			y := baoa + t*bard
			if t >= 0 && y > 0 && y < baba {
				best = t
			}
		}
	}
	for _, center := range [2]Vec3{c.A, c.B} {
		if t, ok := sphereEntry(origin, dir, center, c.Radius); ok && t < best {
			best = t
		}
	}
	if math.IsInf(best, 1) || best > maxDist {
		return 0, false
	}
	return best, true
}

func sphereEntry(origin, dir, center Vec3, r float64) (float64, bool) {
	oc := origin.Sub(center)
	b := dir.Dot(oc)
	c := oc.Dot(oc) - r*r
	h := b*b - c
	if h < 0 {
		return 0, false
	}
	t := -b - math.Sqrt(h)
	if t < 0 {
		return 0, false
	}
	return t, true
}
