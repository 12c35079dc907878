package catalogs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfigs(t *testing.T, materials, weapons string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "materials.json"), []byte(materials), 0o644); err != nil {
		t.Fatalf("write materials: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "weapons.json"), []byte(weapons), 0o644); err != nil {
		t.Fatalf("write weapons: %v", err)
	}
	return dir
}

const testMaterials = `[
  {"id":"CONCRETE","kind":"CONCRETE","penetrable":true,"penetration_modifier":0.5,"thickness_hint":64},
  {"id":"DEFAULT","kind":"DEFAULT","penetrable":true,"penetration_modifier":1},
  {"id":"BEDROCK","kind":"BEDROCK","penetrable":false,"penetration_modifier":0}
]`

const testWeapons = `[
  {"id":"rifle","damage":36,"armor_ratio":1.55,"penetration":2.5,"range":8192,"range_modifier":0.98}
]`

func TestLoad_PaletteStartsWithDefault(t *testing.T) {
	c, err := Load(writeConfigs(t, testMaterials, testWeapons))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Materials.Palette[0] != DefaultMaterial {
		t.Fatalf("palette[0]: got %s", c.Materials.Palette[0])
	}
	if got := c.Materials.Palette; len(got) != 3 || got[1] != "BEDROCK" || got[2] != "CONCRETE" {
		t.Fatalf("palette order: %v", got)
	}
	if m := c.Materials.Material(c.Materials.Index["BEDROCK"]); m.Penetrable {
		t.Fatalf("BEDROCK should not be penetrable")
	}
	if m := c.Materials.Material(999); m.ID != DefaultMaterial {
		t.Fatalf("unknown index should resolve to default, got %s", m.ID)
	}
	if c.Materials.Digest == "" || c.Weapons.Digest == "" {
		t.Fatalf("expected digests")
	}
	w, ok := c.Weapons.Weapon("rifle")
	if !ok || w.Penetration != 2.5 {
		t.Fatalf("weapon lookup: %+v %v", w, ok)
	}
}

func TestLoad_SchemaRejectsUnknownField(t *testing.T) {
	bad := `[{"id":"DEFAULT","kind":"DEFAULT","penetrable":true,"penetration_modifier":1,"density":3}]`
	_, err := Load(writeConfigs(t, bad, testWeapons))
	if err == nil || !strings.Contains(err.Error(), "materials.json") {
		t.Fatalf("expected materials.json schema error, got %v", err)
	}
}

func TestLoad_MissingDefaultMaterial(t *testing.T) {
	m := `[{"id":"CONCRETE","kind":"CONCRETE","penetrable":true,"penetration_modifier":0.5}]`
	if _, err := Load(writeConfigs(t, m, testWeapons)); err == nil {
		t.Fatalf("expected error for missing DEFAULT")
	}
}

func TestLoad_WeaponRangeModifierBounds(t *testing.T) {
	w := `[{"id":"x","damage":1,"armor_ratio":1,"penetration":1,"range":10,"range_modifier":1.5}]`
	if _, err := Load(writeConfigs(t, testMaterials, w)); err == nil {
		t.Fatalf("expected schema error for range_modifier > 1")
	}
}
