package main

import (
	"fmt"

	persistlog "wallsim.ai/internal/persistence/log"
	"wallsim.ai/internal/sim/penetration"
	"wallsim.ai/internal/sim/scene"
	"wallsim.ai/internal/sim/tuning"
)

type replayer struct {
	base      *scene.Scene
	weapons   penetration.WeaponProvider
	cfg       tuning.Penetration
	tolerance int
	fromTick  uint64
	toTick    uint64
}

type drift struct {
	Tick    uint64
	Target  int32
	Aim     string
	Want    int
	Got     int
	WantHit bool
	GotHit  bool
}

type summary struct {
	Checked  int
	Drifts   []drift
	MaxDrift int
	absTotal int
}

func (s *summary) MeanAbs() float64 {
	if s.Checked == 0 {
		return 0
	}
	return float64(s.absTotal) / float64(s.Checked)
}

// run recomputes every record. A record carrying a reference damage is
// compared against it; otherwise the recorded outcome is the expectation.
func (r replayer) run(recs []persistlog.ShotRecord, sum *summary) error {
	for _, rec := range recs {
		if rec.Tick < r.fromTick || (r.toTick != 0 && rec.Tick > r.toTick) {
			continue
		}
		if rec.Map != "" && rec.Map != r.base.Name() {
			return fmt.Errorf("tick %d: shot recorded on map %q, replaying %q", rec.Tick, rec.Map, r.base.Name())
		}
		sc := r.base.Step(rec.Tick)
		shooter, ok := sc.Player(penetration.EntityID(rec.Shooter))
		if !ok {
			return fmt.Errorf("tick %d: unknown shooter %d", rec.Tick, rec.Shooter)
		}
		target, ok := sc.Player(penetration.EntityID(rec.Target))
		if !ok {
			return fmt.Errorf("tick %d: unknown target %d", rec.Tick, rec.Target)
		}

		sh := shooter.Shooter()
		if rec.Weapon != "" {
			sh.Weapon = rec.Weapon
		}
		eng := penetration.New(sc, r.weapons, nil, r.cfg, nil)
		got := eng.WallPenetration(penetration.Query{
			Src:             rec.Src,
			End:             rec.End,
			Target:          target.Target(),
			ScanSecure:      true,
			OverrideShooter: &sh,
		})

		want := rec.Outcome.Damage
		wantHit := rec.Outcome.DidHit
		if rec.Reference != nil {
			want = *rec.Reference
			wantHit = want > 0
		}
		d := got.Damage - want
		if d < 0 {
			d = -d
		}
		sum.Checked++
		sum.absTotal += d
		if d > sum.MaxDrift {
			sum.MaxDrift = d
		}
		if d > r.tolerance || got.DidHit != wantHit {
			sum.Drifts = append(sum.Drifts, drift{
				Tick: rec.Tick, Target: rec.Target, Aim: rec.Aim,
				Want: want, Got: got.Damage, WantHit: wantHit, GotHit: got.DidHit,
			})
		}
	}
	return nil
}
