package penetration

import (
	"math"

	"wallsim.ai/internal/geom"
	"wallsim.ai/internal/sim/catalogs"
	"wallsim.ai/internal/sim/damage"
)

// fireBullet walks one shot against one target pose.
func (e *Engine) fireBullet(w catalogs.Weapon, src, dir geom.Vec3, filter TraceFilter, tgt *Target, pose Direction, noOpt bool) Outcome {
	var out Outcome
	out.End = src

	dmg := w.Damage
	power := w.Penetration
	pensLeft := e.cfg.MaxPenetrations
	if w.Taser {
		pensLeft = 0
	}
	hitboxes := tgt.Hitboxes(pose)

	start := src
	travelled := 0.0
	for seg := 0; seg < e.cfg.MaxSegments && dmg >= 1; seg++ {
		remaining := w.Range - travelled
		if remaining <= 0 {
			break
		}
		tr := e.world.RayCast(start, dir, remaining, filter)
		segLen := tr.Fraction * remaining

		if hit, ok := ClipToTarget(hitboxes, start, dir, segLen, noOpt); ok {
			dmg *= e.falloff(w, hit.Distance)
			out.PotentialDamage = int(dmg)
			out.Damage = int(damage.Scale(tgt.Armor, dmg, w.ArmorRatio, hit.Hitbox.Group))
			out.Hitbox = hit.Hitbox.ID
			out.Hitgroup = hit.Hitbox.Group
			out.End = start.Add(dir.Mul(hit.Distance))
			out.DidHit = true
			return out
		}

		out.End = tr.End
		if !tr.Hit() {
			break
		}
		travelled += segLen
		dmg *= e.falloff(w, segLen)
		out.addImpact(tr.End)

		surf := e.world.MaterialAt(tr)
		if !surf.Penetrable || surf.Modifier < e.cfg.MinPenetrationModifier {
			break
		}
		if pensLeft <= 0 || travelled > e.cfg.MaxPenetrationDistance {
			break
		}
		if power <= 0 && !noOpt {
			break
		}
		exit, ok := e.handleBulletPenetration(tr, surf, dir, filter, &dmg, &power)
		if !ok {
			break
		}
		pensLeft--
		travelled += exit.Sub(tr.End).Len()
		start = exit
	}
	return out
}

func (e *Engine) falloff(w catalogs.Weapon, dist float64) float64 {
	if w.RangeModifier <= 0 || dist <= 0 {
		return 1
	}
	return math.Pow(w.RangeModifier, dist/e.cfg.RangeFalloffUnits)
}

// handleBulletPenetration finds the far side of the surface and charges the
// shot for crossing it. Power drops with every surface, so the fixed part of
// the cost grows for each later wall. It returns the exit point.
func (e *Engine) handleBulletPenetration(enter TraceResult, enterSurf Surface, dir geom.Vec3, filter TraceFilter, dmg, power *float64) (geom.Vec3, bool) {
	isGrate := enter.Contents&ContentsGrate != 0

	exit, ok := e.traceToExit(enter, enterSurf, dir, filter)
	if !ok {
		if !isGrate {
			return geom.Vec3{}, false
		}
		exit = TraceResult{
			End:      enter.End.Add(dir.Mul(e.cfg.ExitStep)),
			Material: enter.Material,
			Contents: enter.Contents,
		}
	}
	if *power <= 0 {
		return geom.Vec3{}, false
	}
	exitSurf := e.world.MaterialAt(exit)

	finalMod := e.cfg.FinalDamageModifier
	var combined float64
	switch {
	case isGrate || enterSurf.Kind == catalogs.KindGlass:
		combined = 3
		finalMod = e.cfg.GrateDamageModifier
	default:
		combined = (enterSurf.Modifier + exitSurf.Modifier) / 2
	}
	if enter.Material == exit.Material {
		switch enterSurf.Kind {
		case catalogs.KindWood, catalogs.KindGrate:
			combined = 3
		case catalogs.KindPlastic:
			combined = 2
		}
	}
	if combined <= 0 {
		return geom.Vec3{}, false
	}

	thickness := exit.End.Sub(enter.End).Len()
	mod := 1 / combined
	cur, pow := *dmg, *power
	lost := mod*thickness*thickness/e.cfg.ThicknessDivisor + cur*finalMod + e.cfg.PowerScale/pow*mod
	lost = math.Max(lost, 0)
	if lost > cur {
		return geom.Vec3{}, false
	}
	*dmg = cur - lost
	*power = math.Max(pow-thickness*mod*e.cfg.PowerLossPerUnit, 0)
	if *dmg < 1 {
		return geom.Vec3{}, false
	}
	return exit.End, true
}

// traceToExit steps through the solid until it is outside, bounded by the
// material's thickness hint, then casts back to find the exit face.
func (e *Engine) traceToExit(enter TraceResult, surf Surface, dir geom.Vec3, filter TraceFilter) (TraceResult, bool) {
	maxDist := e.cfg.MaxExitDistance
	if surf.ThicknessHint > 0 && surf.ThicknessHint < maxDist {
		maxDist = surf.ThicknessHint
	}
	back := dir.Mul(-1)
	for d := e.cfg.ExitStep; d <= maxDist+geom.Epsilon; d += e.cfg.ExitStep {
		p := enter.End.Add(dir.Mul(d))
		if e.world.PointContents(p, filter)&ContentsShot != 0 {
			continue
		}
		tr := e.world.RayCast(p, back, d, filter)
		if tr.Hit() && !tr.StartSolid {
			return tr, true
		}
		return TraceResult{Start: p, End: p, Material: enter.Material, Contents: enter.Contents}, true
	}
	return TraceResult{}, false
}
