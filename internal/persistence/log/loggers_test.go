package log

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"wallsim.ai/internal/geom"
	"wallsim.ai/internal/sim/damage"
	"wallsim.ai/internal/sim/penetration"
)

func TestShotLogger_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewShotLogger(dir)
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return now }

	ref := 42
	recs := []ShotRecord{
		{Tick: 1, Map: "range", Shooter: 1, Target: 2, Weapon: "rifle", Aim: "HEAD",
			Src: geom.Vec3{0, 0, 64}, End: geom.Vec3{200, 0, 65},
			Outcome: penetration.Outcome{Damage: 140, PotentialDamage: 35, Hitgroup: damage.Head, DidHit: true}},
		{Tick: 2, Map: "range", Shooter: 1, Target: 3, Weapon: "rifle", Aim: "CHEST", Reference: &ref},
	}
	if err := l.WriteShot(recs[0]); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Crossing the hour boundary rotates to a new file.
	now = now.Add(2 * time.Minute)
	if err := l.WriteShot(recs[1]); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := ShotLogFiles(filepath.Join(dir, "shots"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files: got %v", files)
	}
	if filepath.Base(files[0]) != "shots-2026-03-01-10.jsonl.zst" {
		t.Fatalf("first file: %s", files[0])
	}

	var got []ShotRecord
	for _, f := range files {
		rs, err := ReadShotLog(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		got = append(got, rs...)
	}
	if len(got) != 2 {
		t.Fatalf("records: got %d", len(got))
	}
	if got[0].Outcome.Damage != 140 || got[0].Outcome.Hitgroup != damage.Head || !got[0].Outcome.DidHit {
		t.Fatalf("outcome: %+v", got[0].Outcome)
	}
	if got[1].Reference == nil || *got[1].Reference != 42 {
		t.Fatalf("reference: %+v", got[1].Reference)
	}
}

func TestShotLogger_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		l := NewShotLogger(dir)
		l.w.now = func() time.Time { return now }
		if err := l.WriteShot(ShotRecord{Tick: uint64(i)}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := l.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	got, err := ReadShotLog(filepath.Join(dir, "shots", "shots-2026-03-01-10.jsonl.zst"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[1].Tick != 1 {
		t.Fatalf("records: %+v", got)
	}
}

func TestReadShotLog_PlainAndBroken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shots-manual.jsonl")
	body := "{\"tick\":7,\"weapon\":\"pistol\"}\n\n{broken\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadShotLog(path)
	if err == nil {
		t.Fatalf("expected a decode error")
	}
	if len(got) != 1 || got[0].Weapon != "pistol" {
		t.Fatalf("records before the error: %+v", got)
	}
}
