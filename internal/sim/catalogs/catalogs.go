package catalogs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultMaterial is palette id 0; surfaces without a known material use it.
const DefaultMaterial = "DEFAULT"

// Material kinds with special penetration rules.
const (
	KindGrate   = "GRATE"
	KindGlass   = "GLASS"
	KindWood    = "WOOD"
	KindPlastic = "PLASTIC"
	KindFlesh   = "FLESH"
)

type Catalogs struct {
	Materials MaterialCatalog
	Weapons   WeaponCatalog
}

type MaterialCatalog struct {
	Palette []string
	Index   map[string]uint16
	Defs    map[string]MaterialDef
	Digest  string
}

type MaterialDef struct {
	ID                  string  `json:"id"`
	Kind                string  `json:"kind"`
	Penetrable          bool    `json:"penetrable"`
	PenetrationModifier float64 `json:"penetration_modifier"`
	ThicknessHint       float64 `json:"thickness_hint,omitempty"`
}

type WeaponCatalog struct {
	ByID   map[string]Weapon
	Digest string
}

type Weapon struct {
	ID            string  `json:"id"`
	Damage        float64 `json:"damage"`
	ArmorRatio    float64 `json:"armor_ratio"`
	Penetration   float64 `json:"penetration"`
	Range         float64 `json:"range"`
	RangeModifier float64 `json:"range_modifier"`
	Taser         bool    `json:"taser,omitempty"`
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs
	if err := loadMaterials(filepath.Join(configDir, "materials.json"), &c.Materials); err != nil {
		return nil, err
	}
	if err := loadWeapons(filepath.Join(configDir, "weapons.json"), &c.Weapons); err != nil {
		return nil, err
	}
	return &c, nil
}

// Material resolves a palette index. Unknown indices map to the default material.
func (c *MaterialCatalog) Material(idx uint16) MaterialDef {
	if int(idx) < len(c.Palette) {
		return c.Defs[c.Palette[idx]]
	}
	return c.Defs[DefaultMaterial]
}

// Weapon implements the weapon profile lookup used by the penetration engine.
func (c *WeaponCatalog) Weapon(id string) (Weapon, bool) {
	w, ok := c.ByID[id]
	return w, ok
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func validate(name, schema string, raw []byte) error {
	s, err := jsonschema.CompileString(name+".schema.json", schema)
	if err != nil {
		return fmt.Errorf("%s schema: %w", name, err)
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func loadMaterials(path string, out *MaterialCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := validate("materials.json", materialsSchema, raw); err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []MaterialDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("materials.json: %w", err)
	}
	out.Defs = map[string]MaterialDef{}
	for _, d := range defs {
		if _, dup := out.Defs[d.ID]; dup {
			return fmt.Errorf("materials.json: duplicate id %s", d.ID)
		}
		out.Defs[d.ID] = d
	}
	if _, ok := out.Defs[DefaultMaterial]; !ok {
		return fmt.Errorf("materials.json: missing %s", DefaultMaterial)
	}

	ids := make([]string, 0, len(out.Defs))
	for id := range out.Defs {
		if id != DefaultMaterial {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	ids = append([]string{DefaultMaterial}, ids...)

	out.Palette = ids
	out.Index = make(map[string]uint16, len(ids))
	for i, id := range ids {
		out.Index[id] = uint16(i)
	}
	return nil
}

func loadWeapons(path string, out *WeaponCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := validate("weapons.json", weaponsSchema, raw); err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []Weapon
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("weapons.json: %w", err)
	}
	out.ByID = map[string]Weapon{}
	for _, w := range defs {
		out.ByID[w.ID] = w
	}
	return nil
}

const materialsSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["id", "kind", "penetrable", "penetration_modifier"],
    "properties": {
      "id": {"type": "string", "minLength": 1},
      "kind": {"type": "string", "minLength": 1},
      "penetrable": {"type": "boolean"},
      "penetration_modifier": {"type": "number", "minimum": 0},
      "thickness_hint": {"type": "number", "minimum": 0}
    },
    "additionalProperties": false
  }
}`

const weaponsSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["id", "damage", "armor_ratio", "penetration", "range", "range_modifier"],
    "properties": {
      "id": {"type": "string", "minLength": 1},
      "damage": {"type": "number", "minimum": 0},
      "armor_ratio": {"type": "number", "minimum": 0},
      "penetration": {"type": "number", "minimum": 0},
      "range": {"type": "number", "exclusiveMinimum": 0},
      "range_modifier": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
      "taser": {"type": "boolean"}
    },
    "additionalProperties": false
  }
}`
