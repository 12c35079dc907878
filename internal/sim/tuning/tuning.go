package tuning

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz int `yaml:"tick_rate_hz" env:"WALLSIM_TICK_RATE_HZ"`

	Penetration Penetration `yaml:"penetration"`
	Dispatch    Dispatch    `yaml:"dispatch"`
	Scripts     Scripts     `yaml:"scripts"`
}

// Penetration holds the constants of the damage falloff curve. The shape is
// fixed (multiplicative per surface, power decaying per surface); the numbers
// are meant to be fitted against recorded shots with cmd/replay.
type Penetration struct {
	MaxPenetrations        int     `yaml:"max_penetrations" env:"WALLSIM_PEN_MAX_PENETRATIONS"`
	MaxSegments            int     `yaml:"max_segments" env:"WALLSIM_PEN_MAX_SEGMENTS"`
	MaxPenetrationDistance float64 `yaml:"max_penetration_distance" env:"WALLSIM_PEN_MAX_DISTANCE"`
	MinPenetrationModifier float64 `yaml:"min_penetration_modifier"`
	MaxExitDistance        float64 `yaml:"max_exit_distance" env:"WALLSIM_PEN_MAX_EXIT_DISTANCE"`
	ExitStep               float64 `yaml:"exit_step"`
	ThicknessDivisor       float64 `yaml:"thickness_divisor"`
	FinalDamageModifier    float64 `yaml:"final_damage_modifier"`
	GrateDamageModifier    float64 `yaml:"grate_damage_modifier"`
	PowerScale             float64 `yaml:"power_scale"`
	PowerLossPerUnit       float64 `yaml:"power_loss_per_unit"`
	RangeFalloffUnits      float64 `yaml:"range_falloff_units"`
	SecureMinDamage        float64 `yaml:"secure_min_damage" env:"WALLSIM_PEN_SECURE_MIN_DAMAGE"`
}

type Dispatch struct {
	// Workers <= 0 sizes the pool from the CPU count.
	Workers int `yaml:"workers" env:"WALLSIM_DISPATCH_WORKERS"`
}

type Scripts struct {
	Enabled     bool `yaml:"enabled" env:"WALLSIM_SCRIPTS_ENABLED"`
	TimeoutMs   int  `yaml:"timeout_ms" env:"WALLSIM_SCRIPTS_TIMEOUT_MS"`
	EmitSounds  bool `yaml:"emit_sounds"`
	RunAutoload bool `yaml:"run_autoload" env:"WALLSIM_SCRIPTS_AUTOLOAD"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		TickRateHz:      64,
		Penetration: Penetration{
			MaxPenetrations:        4,
			MaxSegments:            16,
			MaxPenetrationDistance: 3000,
			MinPenetrationModifier: 0.1,
			MaxExitDistance:        90,
			ExitStep:               4,
			ThicknessDivisor:       24,
			FinalDamageModifier:    0.16,
			GrateDamageModifier:    0.05,
			PowerScale:             11.25,
			PowerLossPerUnit:       0.05,
			RangeFalloffUnits:      500,
			SecureMinDamage:        1,
		},
		Scripts: Scripts{
			Enabled:     true,
			TimeoutMs:   250,
			EmitSounds:  true,
			RunAutoload: true,
		},
	}
}

// Load reads tuning.yaml over the defaults and then applies WALLSIM_*
// environment overrides.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := ApplyEnv(&t); err != nil {
		return t, err
	}
	return t, t.Validate()
}

func ApplyEnv(t *Tuning) error {
	if err := env.Parse(t); err != nil {
		return fmt.Errorf("tuning env: %w", err)
	}
	return nil
}

func (t Tuning) Validate() error {
	p := t.Penetration
	if t.TickRateHz <= 0 {
		return fmt.Errorf("tuning: tick_rate_hz must be > 0")
	}
	if p.MaxPenetrations < 0 || p.MaxSegments <= 0 {
		return fmt.Errorf("tuning: penetration limits must be positive")
	}
	if p.ExitStep <= 0 || p.MaxExitDistance < p.ExitStep {
		return fmt.Errorf("tuning: exit_step must be > 0 and <= max_exit_distance")
	}
	if p.ThicknessDivisor <= 0 || p.RangeFalloffUnits <= 0 {
		return fmt.Errorf("tuning: thickness_divisor and range_falloff_units must be > 0")
	}
	return nil
}
