// Package scan runs the per-frame penetration sweep: every enemy of the local
// shooter is probed at a few aim points and the best outcome per enemy is
// reported.
package scan

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"wallsim.ai/internal/dispatch"
	"wallsim.ai/internal/geom"
	"wallsim.ai/internal/scripting"
	"wallsim.ai/internal/sim/damage"
	"wallsim.ai/internal/sim/penetration"
	"wallsim.ai/internal/sim/scene"
	"wallsim.ai/internal/sim/tuning"
)

// AimGroups are probed in this order; on equal damage the earlier one wins.
var AimGroups = []damage.Hitgroup{damage.Head, damage.Chest, damage.Stomach}

type TargetResult struct {
	Target   penetration.EntityID `json:"target"`
	Name     string               `json:"name"`
	Aim      damage.Hitgroup      `json:"aim"`
	AimPoint geom.Vec3            `json:"aim_point"`
	Outcome  penetration.Outcome  `json:"outcome"`
}

type Report struct {
	Tick     uint64               `json:"tick"`
	Shooter  penetration.EntityID `json:"shooter"`
	Src      geom.Vec3            `json:"src"`
	Weapon   string               `json:"weapon"`
	Wallbang bool                 `json:"wallbang"`
	Targets  []TargetResult       `json:"targets"`
}

// Hits counts targets the shot reaches.
func (r Report) Hits() int {
	n := 0
	for _, t := range r.Targets {
		if t.Outcome.DidHit {
			n++
		}
	}
	return n
}

type Scanner struct {
	queue   *dispatch.Queue
	weapons penetration.WeaponProvider
	cfg     tuning.Penetration
	log     *zap.Logger
}

func New(queue *dispatch.Queue, weapons penetration.WeaponProvider, cfg tuning.Penetration, log *zap.Logger) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{queue: queue, weapons: weapons, cfg: cfg, log: log.Named("scan")}
}

type probe struct {
	target *scene.Player
	aim    damage.Hitgroup
	point  geom.Vec3
	out    penetration.Outcome
}

// Scan probes every enemy of the local player in sc. Without a local player
// the report is empty.
func (s *Scanner) Scan(sc *scene.Scene) Report {
	rep := Report{Tick: sc.Tick()}
	local, ok := sc.Local()
	if !ok {
		return rep
	}
	rep.Shooter = local.ID
	rep.Src = local.Eye
	rep.Weapon = local.Weapon

	eng := penetration.New(sc, s.weapons, sc, s.cfg, s.log)
	enemies := sc.Enemies(local)

	var probes []*probe
	for _, en := range enemies {
		tgt := en.Target()
		for _, g := range AimGroups {
			if p, ok := tgt.HitboxCenter(g); ok {
				probes = append(probes, &probe{target: en, aim: g, point: p})
			}
		}
	}
	jobs := make([]dispatch.Job, len(probes))
	for i, p := range probes {
		p := p
		jobs[i] = func() {
			p.out = eng.WallPenetration(penetration.Query{
				Src:        local.Eye,
				End:        p.point,
				Target:     p.target.Target(),
				ScanSecure: true,
			})
		}
	}
	s.queue.Evaluate(jobs)

	for _, en := range enemies {
		var best *probe
		for _, p := range probes {
			if p.target != en {
				continue
			}
			if best == nil || better(p.out, best.out) {
				best = p
			}
		}
		if best == nil {
			continue
		}
		rep.Targets = append(rep.Targets, TargetResult{
			Target:   en.ID,
			Name:     en.Name,
			Aim:      best.aim,
			AimPoint: best.point,
			Outcome:  best.out,
		})
	}

	if len(enemies) > 0 {
		dir, _ := geom.Direction(local.Eye, enemies[0].Eye)
		rep.Wallbang = eng.CheckWallbang(local.Eye, dir)
	}
	s.log.Debug("scanned", zap.Uint64("tick", rep.Tick), zap.Int("targets", len(rep.Targets)), zap.Int("hits", rep.Hits()))
	return rep
}

func better(a, b penetration.Outcome) bool {
	if a.DidHit != b.DidHit {
		return a.DidHit
	}
	return a.Damage > b.Damage
}

// NotifyScripts delivers one on_scan_target call per target.
func NotifyScripts(eng *scripting.Engine, rep Report) {
	for _, t := range rep.Targets {
		eng.CallbackNamed(scripting.EventScanTarget, TargetArgs(rep.Tick, t))
	}
}

// TargetArgs builds the result table passed to on_scan_target.
func TargetArgs(tick uint64, t TargetResult) scripting.ArgBuilder {
	return func(L *lua.LState) []lua.LValue {
		o := t.Outcome
		tb := L.NewTable()
		tb.RawSetString("tick", lua.LNumber(tick))
		tb.RawSetString("target", lua.LNumber(t.Target))
		tb.RawSetString("name", lua.LString(t.Name))
		tb.RawSetString("aim", lua.LString(t.Aim.String()))
		tb.RawSetString("damage", lua.LNumber(o.Damage))
		tb.RawSetString("potential_damage", lua.LNumber(o.PotentialDamage))
		tb.RawSetString("min_damage", lua.LNumber(o.MinDamage))
		tb.RawSetString("hitgroup", lua.LString(o.Hitgroup.String()))
		tb.RawSetString("did_hit", lua.LBool(o.DidHit))
		tb.RawSetString("secure", lua.LBool(o.SecurePoint))
		tb.RawSetString("very_secure", lua.LBool(o.VerySecure))
		tb.RawSetString("impacts", lua.LNumber(o.ImpactCount))
		tb.RawSetString("end_pos", scripting.NewVec3(L, o.End))
		return []lua.LValue{tb}
	}
}
