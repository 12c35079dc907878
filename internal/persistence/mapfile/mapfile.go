package mapfile

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"wallsim.ai/internal/geom"
	"wallsim.ai/internal/sim/damage"
	"wallsim.ai/internal/sim/penetration"
)

const Version = 1

type Header struct {
	Version int    `json:"version" msgpack:"version"`
	Name    string `json:"name" msgpack:"name"`
}

type MapV1 struct {
	Header Header `json:"header" msgpack:"header"`

	Brushes []BrushV1  `json:"brushes" msgpack:"brushes"`
	Players []PlayerV1 `json:"players" msgpack:"players"`
}

type BrushV1 struct {
	ID       int       `json:"id" msgpack:"id"`
	Bounds   geom.AABB `json:"bounds" msgpack:"bounds"`
	Material string    `json:"material" msgpack:"material"`
	// Contents lists SOLID, GRATE or WINDOW; empty means SOLID.
	Contents []string `json:"contents,omitempty" msgpack:"contents"`
}

type PlayerV1 struct {
	ID     int32        `json:"id" msgpack:"id"`
	Name   string       `json:"name" msgpack:"name"`
	Team   int          `json:"team" msgpack:"team"`
	Local  bool         `json:"local,omitempty" msgpack:"local"`
	Eye    geom.Vec3    `json:"eye" msgpack:"eye"`
	Bounds geom.AABB    `json:"bounds" msgpack:"bounds"`
	Weapon string       `json:"weapon,omitempty" msgpack:"weapon"`
	Armor  damage.Armor `json:"armor" msgpack:"armor"`
	// Pose is the resolver direction currently believed; Poses holds every
	// candidate hitbox set.
	Pose  string   `json:"pose,omitempty" msgpack:"pose"`
	Poses []PoseV1 `json:"poses" msgpack:"poses"`

	// Path is a cyclic list of offsets applied every HoldTicks ticks.
	Path      []geom.Vec3 `json:"path,omitempty" msgpack:"path"`
	HoldTicks int         `json:"hold_ticks,omitempty" msgpack:"hold_ticks"`
}

type PoseV1 struct {
	Direction string               `json:"direction" msgpack:"direction"`
	Hitboxes  []penetration.Hitbox `json:"hitboxes" msgpack:"hitboxes"`
}

// Write stores a map as a JSON header line followed by a msgpack body, all
// zstd compressed.
func Write(path string, m MapV1) error {
	if m.Header.Version == 0 {
		m.Header.Version = Version
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(m.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := msgpack.NewEncoder(bw).Encode(&m); err != nil {
		return fmt.Errorf("msgpack encode: %w", err)
	}
	return nil
}

// Read loads a compressed map, or a plain JSON map when the path ends in .json.
func Read(path string) (MapV1, error) {
	if strings.HasSuffix(path, ".json") {
		return readJSON(path)
	}
	var m MapV1
	f, err := os.Open(path)
	if err != nil {
		return m, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return m, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	var h Header
	line, err := br.ReadBytes('\n')
	if err != nil {
		return m, fmt.Errorf("map header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return m, fmt.Errorf("map header: %w", err)
	}
	if h.Version != Version {
		return m, fmt.Errorf("map version %d not supported", h.Version)
	}
	if err := msgpack.NewDecoder(br).Decode(&m); err != nil {
		return m, fmt.Errorf("msgpack decode: %w", err)
	}
	return m, nil
}

func readJSON(path string) (MapV1, error) {
	var m MapV1
	raw, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if m.Header.Version == 0 {
		m.Header.Version = Version
	}
	if m.Header.Version != Version {
		return m, fmt.Errorf("map version %d not supported", m.Header.Version)
	}
	return m, nil
}
