// Package damage implements hitgroup and armour scaling of bullet damage.
package damage

import "math"

type Hitgroup int

const (
	Generic  Hitgroup = 0
	Head     Hitgroup = 1
	Chest    Hitgroup = 2
	Stomach  Hitgroup = 3
	LeftArm  Hitgroup = 4
	RightArm Hitgroup = 5
	LeftLeg  Hitgroup = 6
	RightLeg Hitgroup = 7
	Neck     Hitgroup = 8
	Gear     Hitgroup = 10
)

var Hitgroups = []Hitgroup{Generic, Head, Chest, Stomach, LeftArm, RightArm, LeftLeg, RightLeg, Neck, Gear}

func (g Hitgroup) String() string {
	switch g {
	case Generic:
		return "generic"
	case Head:
		return "head"
	case Chest:
		return "chest"
	case Stomach:
		return "stomach"
	case LeftArm:
		return "left_arm"
	case RightArm:
		return "right_arm"
	case LeftLeg:
		return "left_leg"
	case RightLeg:
		return "right_leg"
	case Neck:
		return "neck"
	case Gear:
		return "gear"
	default:
		return "unknown"
	}
}

// Priority orders hitgroups when a ray enters several hitboxes at the same
// distance; lower wins.
func (g Hitgroup) Priority() int {
	switch g {
	case Head:
		return 0
	case Neck:
		return 1
	case Chest:
		return 2
	case Stomach:
		return 3
	case LeftArm, RightArm:
		return 4
	case LeftLeg, RightLeg:
		return 5
	default:
		return 6
	}
}

// Armor is the protective state of the player being hit.
type Armor struct {
	Value  int  `json:"value" msgpack:"value"`
	Helmet bool `json:"helmet,omitempty" msgpack:"helmet"`
	Heavy  bool `json:"heavy,omitempty" msgpack:"heavy"`
}

func (a Armor) protects(g Hitgroup) bool {
	if a.Value <= 0 {
		return false
	}
	switch g {
	case Head:
		return a.Helmet || a.Heavy
	case Generic, Chest, Stomach, LeftArm, RightArm:
		return true
	default:
		return false
	}
}

// Scale applies the hitgroup multiplier and then armour absorption. It is a
// pure function of its inputs and never returns a negative value.
func Scale(target Armor, dmg, weaponArmorRatio float64, group Hitgroup) float64 {
	switch group {
	case Head:
		if target.Heavy {
			dmg *= 2
		} else {
			dmg *= 4
		}
	case Stomach:
		dmg *= 1.25
	case LeftLeg, RightLeg:
		dmg *= 0.75
	}

	if target.protects(group) {
		bonusRatio := 0.5
		ratio := weaponArmorRatio * 0.5
		if target.Heavy {
			bonusRatio = 0.33
			ratio *= 0.5
		}
		reduced := dmg * ratio
		if target.Heavy {
			reduced *= 0.85
		}
		if (dmg-reduced)*bonusRatio > float64(target.Value) {
			reduced = dmg - float64(target.Value)/bonusRatio
		}
		dmg = reduced
	}
	return math.Max(dmg, 0)
}
