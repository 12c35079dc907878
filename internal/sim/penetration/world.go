package penetration

import (
	"wallsim.ai/internal/geom"
	"wallsim.ai/internal/sim/catalogs"
	"wallsim.ai/internal/sim/damage"
)

type EntityID int32

// WorldEntity is the id reported for static geometry.
const WorldEntity EntityID = 0

type Contents uint32

const (
	ContentsSolid Contents = 1 << iota
	ContentsGrate
	ContentsWindow
	ContentsHitbox
)

// ContentsShot is what a bullet collides with.
const ContentsShot = ContentsSolid | ContentsGrate | ContentsWindow | ContentsHitbox

type TraceFilter struct {
	Skip []EntityID
}

func (f TraceFilter) Skips(id EntityID) bool {
	if id == WorldEntity {
		return false
	}
	for _, s := range f.Skip {
		if s == id {
			return true
		}
	}
	return false
}

// TraceResult is one ray cast against the world. Fraction is relative to the
// requested max distance; 1 means nothing was hit.
type TraceResult struct {
	Start      geom.Vec3       `json:"start"`
	End        geom.Vec3       `json:"end"`
	Fraction   float64         `json:"fraction"`
	Material   uint16          `json:"material"`
	Contents   Contents        `json:"contents"`
	Normal     geom.Vec3       `json:"normal"`
	Entity     EntityID        `json:"entity"`
	Hitbox     int             `json:"hitbox"`
	Hitgroup   damage.Hitgroup `json:"hitgroup"`
	StartSolid bool            `json:"start_solid,omitempty"`
}

func (tr TraceResult) Hit() bool { return tr.Fraction < 1 }

// Surface is the penetration-relevant view of a material.
type Surface struct {
	Material      uint16
	Kind          string
	Penetrable    bool
	Modifier      float64
	ThicknessHint float64
}

// World is the query interface the engine runs against. Implementations must
// be safe for concurrent readers.
type World interface {
	RayCast(origin, dir geom.Vec3, maxDist float64, filter TraceFilter) TraceResult
	MaterialAt(tr TraceResult) Surface
	PointContents(p geom.Vec3, filter TraceFilter) Contents
}

type WeaponProvider interface {
	Weapon(id string) (catalogs.Weapon, bool)
}

// Shooter is whoever fires: the local player unless a query overrides it.
type Shooter struct {
	Entity EntityID  `json:"entity"`
	Eye    geom.Vec3 `json:"eye"`
	Weapon string    `json:"weapon"`
}

type ShooterSource interface {
	LocalShooter() (Shooter, bool)
}
