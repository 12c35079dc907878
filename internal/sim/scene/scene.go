// Package scene is an in-memory world built from a map file. A Scene is
// immutable once built, so any number of goroutines may query it; movement
// produces a new Scene through Step.
package scene

import (
	"fmt"
	"math"
	"sort"

	"wallsim.ai/internal/geom"
	"wallsim.ai/internal/persistence/mapfile"
	"wallsim.ai/internal/sim/catalogs"
	"wallsim.ai/internal/sim/damage"
	"wallsim.ai/internal/sim/penetration"
)

const fleshMaterial = "FLESH"

type Brush struct {
	ID       int
	Bounds   geom.AABB
	Material uint16
	Contents penetration.Contents
}

type Player struct {
	ID     penetration.EntityID
	Name   string
	Team   int
	Local  bool
	Eye    geom.Vec3
	Bounds geom.AABB
	Weapon string
	Armor  damage.Armor
	Pose   penetration.Direction
	Poses  map[penetration.Direction][]penetration.Hitbox

	path      []geom.Vec3
	holdTicks int
}

type Scene struct {
	name      string
	materials *catalogs.MaterialCatalog
	brushes   []Brush
	players   []*Player
	byID      map[penetration.EntityID]*Player
	flesh     uint16
	tick      uint64

	base []*Player
}

func New(m mapfile.MapV1, mats *catalogs.MaterialCatalog) (*Scene, error) {
	s := &Scene{
		name:      m.Header.Name,
		materials: mats,
		byID:      map[penetration.EntityID]*Player{},
	}
	if idx, ok := mats.Index[fleshMaterial]; ok {
		s.flesh = idx
	}
	for _, b := range m.Brushes {
		idx, ok := mats.Index[b.Material]
		if !ok {
			return nil, fmt.Errorf("brush %d: unknown material %q", b.ID, b.Material)
		}
		c, err := parseContents(b.Contents)
		if err != nil {
			return nil, fmt.Errorf("brush %d: %w", b.ID, err)
		}
		s.brushes = append(s.brushes, Brush{ID: b.ID, Bounds: b.Bounds, Material: idx, Contents: c})
	}
	for _, p := range m.Players {
		if p.ID <= 0 {
			return nil, fmt.Errorf("player %q: id must be > 0", p.Name)
		}
		if _, dup := s.byID[penetration.EntityID(p.ID)]; dup {
			return nil, fmt.Errorf("player %d: duplicate id", p.ID)
		}
		pl, err := buildPlayer(p)
		if err != nil {
			return nil, err
		}
		s.players = append(s.players, pl)
		s.byID[pl.ID] = pl
	}
	sort.Slice(s.players, func(i, j int) bool { return s.players[i].ID < s.players[j].ID })
	s.base = s.players
	return s, nil
}

func buildPlayer(p mapfile.PlayerV1) (*Player, error) {
	pose, err := ParseDirection(p.Pose)
	if err != nil {
		return nil, fmt.Errorf("player %d: %w", p.ID, err)
	}
	pl := &Player{
		ID:        penetration.EntityID(p.ID),
		Name:      p.Name,
		Team:      p.Team,
		Local:     p.Local,
		Eye:       p.Eye,
		Bounds:    p.Bounds,
		Weapon:    p.Weapon,
		Armor:     p.Armor,
		Pose:      pose,
		Poses:     map[penetration.Direction][]penetration.Hitbox{},
		path:      p.Path,
		holdTicks: p.HoldTicks,
	}
	for _, ps := range p.Poses {
		d, err := ParseDirection(ps.Direction)
		if err != nil {
			return nil, fmt.Errorf("player %d: %w", p.ID, err)
		}
		pl.Poses[d] = ps.Hitboxes
	}
	if len(pl.Poses) > 0 {
		if _, ok := pl.Poses[pl.Pose]; !ok {
			return nil, fmt.Errorf("player %d: pose %s has no hitboxes", p.ID, pl.Pose)
		}
	}
	return pl, nil
}

func ParseDirection(s string) (penetration.Direction, error) {
	switch s {
	case "", "center":
		return penetration.DirCenter, nil
	case "left":
		return penetration.DirLeft, nil
	case "right":
		return penetration.DirRight, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

func parseContents(in []string) (penetration.Contents, error) {
	if len(in) == 0 {
		return penetration.ContentsSolid, nil
	}
	var c penetration.Contents
	for _, s := range in {
		switch s {
		case "SOLID":
			c |= penetration.ContentsSolid
		case "GRATE":
			c |= penetration.ContentsGrate
		case "WINDOW":
			c |= penetration.ContentsWindow
		default:
			return 0, fmt.Errorf("unknown contents %q", s)
		}
	}
	return c, nil
}

func (s *Scene) Name() string { return s.name }

func (s *Scene) Tick() uint64 { return s.tick }

func (s *Scene) Brushes() []Brush { return s.brushes }

// Players returns every player ordered by id.
func (s *Scene) Players() []*Player { return s.players }

func (s *Scene) Player(id penetration.EntityID) (*Player, bool) {
	p, ok := s.byID[id]
	return p, ok
}

func (s *Scene) Local() (*Player, bool) {
	for _, p := range s.players {
		if p.Local {
			return p, true
		}
	}
	return nil, false
}

// Enemies lists players on a different team than p.
func (s *Scene) Enemies(p *Player) []*Player {
	var out []*Player
	for _, o := range s.players {
		if o.ID != p.ID && o.Team != p.Team {
			out = append(out, o)
		}
	}
	return out
}

// LocalShooter implements penetration.ShooterSource.
func (s *Scene) LocalShooter() (penetration.Shooter, bool) {
	p, ok := s.Local()
	if !ok {
		return penetration.Shooter{}, false
	}
	return p.Shooter(), true
}

func (p *Player) Shooter() penetration.Shooter {
	return penetration.Shooter{Entity: p.ID, Eye: p.Eye, Weapon: p.Weapon}
}

// Target builds the penetration view of a player.
func (p *Player) Target() *penetration.Target {
	return &penetration.Target{
		Entity:  p.ID,
		Armor:   p.Armor,
		Current: p.Pose,
		Poses:   p.Poses,
	}
}

// Hitboxes implements the entity/hitbox provider lookup.
func (s *Scene) Hitboxes(id penetration.EntityID, d penetration.Direction) []penetration.Hitbox {
	p, ok := s.byID[id]
	if !ok {
		return nil
	}
	return p.Poses[d]
}

// RayCast implements penetration.World.
func (s *Scene) RayCast(origin, dir geom.Vec3, maxDist float64, filter penetration.TraceFilter) penetration.TraceResult {
	tr := penetration.TraceResult{
		Start:    origin,
		End:      origin.Add(dir.Mul(math.Max(maxDist, 0))),
		Fraction: 1,
		Hitbox:   -1,
	}
	if maxDist <= 0 {
		tr.End = origin
		return tr
	}
	best := math.Inf(1)
	for i := range s.brushes {
		b := &s.brushes[i]
		if b.Bounds.Contains(origin) {
			tr.StartSolid = true
			continue
		}
		d, n, ok := b.Bounds.IntersectRay(origin, dir, maxDist)
		if !ok || d >= best {
			continue
		}
		best = d
		tr.Material = b.Material
		tr.Contents = b.Contents
		tr.Normal = n
		tr.Entity = penetration.WorldEntity
		tr.Hitgroup = damage.Generic
	}
	for _, p := range s.players {
		if filter.Skips(p.ID) {
			continue
		}
		if p.Bounds.Contains(origin) {
			tr.StartSolid = true
			continue
		}
		d, n, ok := p.Bounds.IntersectRay(origin, dir, maxDist)
		if !ok || d >= best {
			continue
		}
		best = d
		tr.Material = s.flesh
		tr.Contents = penetration.ContentsHitbox
		tr.Normal = n
		tr.Entity = p.ID
		tr.Hitgroup = damage.Generic
		if hit, ok := penetration.ClipToTarget(p.Poses[p.Pose], origin, dir, maxDist, false); ok {
			tr.Hitbox = hit.Hitbox.ID
			tr.Hitgroup = hit.Hitbox.Group
		}
	}
	if !math.IsInf(best, 1) {
		tr.Fraction = best / maxDist
		tr.End = origin.Add(dir.Mul(best))
	}
	return tr
}

// MaterialAt implements penetration.World.
func (s *Scene) MaterialAt(tr penetration.TraceResult) penetration.Surface {
	m := s.materials.Material(tr.Material)
	return penetration.Surface{
		Material:      tr.Material,
		Kind:          m.Kind,
		Penetrable:    m.Penetrable,
		Modifier:      m.PenetrationModifier,
		ThicknessHint: m.ThicknessHint,
	}
}

// PointContents implements penetration.World.
func (s *Scene) PointContents(p geom.Vec3, filter penetration.TraceFilter) penetration.Contents {
	var c penetration.Contents
	for i := range s.brushes {
		if s.brushes[i].Bounds.Contains(p) {
			c |= s.brushes[i].Contents
		}
	}
	for _, pl := range s.players {
		if !filter.Skips(pl.ID) && pl.Bounds.Contains(p) {
			c |= penetration.ContentsHitbox
		}
	}
	return c
}

// Step returns the scene as it looks at tick: every player with a path is
// moved to the offset for that tick. The receiver is not modified.
func (s *Scene) Step(tick uint64) *Scene {
	next := &Scene{
		name:      s.name,
		materials: s.materials,
		brushes:   s.brushes,
		flesh:     s.flesh,
		tick:      tick,
		byID:      make(map[penetration.EntityID]*Player, len(s.base)),
		base:      s.base,
	}
	for _, p := range s.base {
		moved := p
		if len(p.path) > 0 {
			hold := uint64(p.holdTicks)
			if hold == 0 {
				hold = 1
			}
			off := p.path[(tick/hold)%uint64(len(p.path))]
			moved = p.translated(off)
		}
		next.players = append(next.players, moved)
		next.byID[moved.ID] = moved
	}
	return next
}

func (p *Player) translated(off geom.Vec3) *Player {
	cp := *p
	cp.Eye = p.Eye.Add(off)
	cp.Bounds = geom.AABB{Min: p.Bounds.Min.Add(off), Max: p.Bounds.Max.Add(off)}
	cp.Poses = make(map[penetration.Direction][]penetration.Hitbox, len(p.Poses))
	for d, hbs := range p.Poses {
		moved := make([]penetration.Hitbox, len(hbs))
		for i, hb := range hbs {
			hb.Shape.A = hb.Shape.A.Add(off)
			hb.Shape.B = hb.Shape.B.Add(off)
			moved[i] = hb
		}
		cp.Poses[d] = moved
	}
	return &cp
}
