// Package penetration simulates a bullet walking through world geometry:
// surface penetration, damage decay, hitbox resolution and the "secure point"
// classification used to judge shots through cover.
package penetration

import (
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"wallsim.ai/internal/geom"
	"wallsim.ai/internal/sim/catalogs"
	"wallsim.ai/internal/sim/damage"
	"wallsim.ai/internal/sim/tuning"
)

const MaxImpacts = 6

// Outcome aggregates a full multi-segment trace.
type Outcome struct {
	Damage          int                   `json:"damage"`
	PotentialDamage int                   `json:"potential_damage"`
	MinDamage       int                   `json:"min_damage"`
	Hitbox          int                   `json:"hitbox"`
	Hitgroup        damage.Hitgroup       `json:"hitgroup"`
	Impacts         [MaxImpacts]geom.Vec3 `json:"impacts"`
	ImpactCount     uint8                 `json:"impact_count"`
	Direction       geom.Vec3             `json:"direction"`
	End             geom.Vec3             `json:"end"`
	DidHit          bool                  `json:"did_hit"`
	SecurePoint     bool                  `json:"secure_point"`
	VerySecure      bool                  `json:"very_secure"`
}

func (o *Outcome) addImpact(p geom.Vec3) {
	if o.ImpactCount < MaxImpacts {
		o.Impacts[o.ImpactCount] = p
		o.ImpactCount++
	}
}

// Query describes one wall penetration question. Only Src and End are
// required; the overrides answer "what if" variants.
type Query struct {
	Src, End          geom.Vec3
	Target            *Target
	ScanSecure        bool
	OverrideDirection *Direction
	OverrideShooter   *Shooter
	NoOpt             bool
	OverrideWeapon    *catalogs.Weapon
}

type Engine struct {
	world    World
	weapons  WeaponProvider
	shooters ShooterSource
	cfg      tuning.Penetration
	log      *zap.Logger

	wallbang atomic.Bool
}

func New(world World, weapons WeaponProvider, shooters ShooterSource, cfg tuning.Penetration, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		world:    world,
		weapons:  weapons,
		shooters: shooters,
		cfg:      cfg,
		log:      log,
	}
}

// WallPenetration traces a shot from q.Src toward q.End and reports whether
// and how hard it reaches q.Target. Degenerate input yields a zero Outcome.
func (e *Engine) WallPenetration(q Query) Outcome {
	dir, dist := geom.Direction(q.Src, q.End)
	if dist == 0 {
		return Outcome{}
	}
	shooter, ok := e.resolveShooter(q)
	if !ok {
		return Outcome{}
	}
	weapon, ok := e.resolveWeapon(q, shooter)
	if !ok {
		e.log.Debug("no weapon profile", zap.String("weapon", shooter.Weapon))
		return Outcome{}
	}

	filter := TraceFilter{Skip: []EntityID{shooter.Entity}}
	pose := DirCenter
	if q.Target != nil {
		filter.Skip = append(filter.Skip, q.Target.Entity)
		pose = q.Target.Current
	}
	if q.OverrideDirection != nil {
		pose = *q.OverrideDirection
	}

	out := e.fireBullet(weapon, q.Src, dir, filter, q.Target, pose, q.NoOpt)
	out.Direction = dir
	out.MinDamage = out.Damage

	if q.ScanSecure && q.Target != nil {
		e.scanSecure(&out, weapon, q.Src, dir, filter, q.Target, pose, q.NoOpt)
	}

	if !out.DidHit {
		out.Damage, out.PotentialDamage, out.MinDamage = 0, 0, 0
	}
	if out.MinDamage > out.PotentialDamage {
		out.MinDamage = out.PotentialDamage
	}
	return out
}

// scanSecure re-fires the same shot against every other pose of the target.
// The point is secure when the primary pose connects and very secure when
// every pose connects for at least SecureMinDamage.
func (e *Engine) scanSecure(out *Outcome, w catalogs.Weapon, src, dir geom.Vec3, filter TraceFilter, tgt *Target, primary Direction, noOpt bool) {
	out.SecurePoint = out.DidHit
	very := out.DidHit && float64(out.Damage) >= e.cfg.SecureMinDamage
	minDamage := out.Damage
	for _, d := range tgt.Directions() {
		if d == primary {
			continue
		}
		v := e.fireBullet(w, src, dir, filter, tgt, d, noOpt)
		got := 0
		if v.DidHit {
			got = v.Damage
		}
		if !v.DidHit || float64(got) < e.cfg.SecureMinDamage {
			very = false
		}
		if got < minDamage {
			minDamage = got
		}
	}
	out.VerySecure = very
	out.MinDamage = minDamage
}

func (e *Engine) resolveShooter(q Query) (Shooter, bool) {
	if q.OverrideShooter != nil {
		return *q.OverrideShooter, true
	}
	if e.shooters == nil {
		return Shooter{}, false
	}
	return e.shooters.LocalShooter()
}

func (e *Engine) resolveWeapon(q Query, s Shooter) (catalogs.Weapon, bool) {
	if q.OverrideWeapon != nil {
		return *q.OverrideWeapon, true
	}
	if e.weapons == nil {
		return catalogs.Weapon{}, false
	}
	return e.weapons.Weapon(s.Weapon)
}

// CheckWallbang probes along a view direction: the flag is set when the first
// surface hit can be penetrated with damage left over.
func (e *Engine) CheckWallbang(src, dir geom.Vec3) bool {
	ok := e.probeWallbang(src, geom.Normalize(dir))
	e.wallbang.Store(ok)
	return ok
}

func (e *Engine) CanWallbang() bool { return e.wallbang.Load() }

func (e *Engine) probeWallbang(src, dir geom.Vec3) bool {
	if dir == (geom.Vec3{}) {
		return false
	}
	shooter, ok := e.resolveShooter(Query{})
	if !ok {
		return false
	}
	w, ok := e.resolveWeapon(Query{}, shooter)
	if !ok || w.Taser || w.Penetration <= 0 {
		return false
	}
	filter := TraceFilter{Skip: []EntityID{shooter.Entity}}
	tr := e.world.RayCast(src, dir, w.Range, filter)
	if !tr.Hit() || tr.Entity != WorldEntity {
		return false
	}
	surf := e.world.MaterialAt(tr)
	if !surf.Penetrable || surf.Modifier < e.cfg.MinPenetrationModifier {
		return false
	}
	dmg := w.Damage * math.Pow(w.RangeModifier, tr.Fraction*w.Range/e.cfg.RangeFalloffUnits)
	power := w.Penetration
	_, ok = e.handleBulletPenetration(tr, surf, dir, filter, &dmg, &power)
	return ok
}
