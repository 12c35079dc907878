package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	persistlog "wallsim.ai/internal/persistence/log"
	"wallsim.ai/internal/persistence/mapfile"
	"wallsim.ai/internal/sim/catalogs"
	"wallsim.ai/internal/sim/scene"
	"wallsim.ai/internal/sim/tuning"
)

func main() {
	var (
		mapPath    = flag.String("map", "", "map file the shots were recorded on (.json or .map.zst)")
		shotsDir   = flag.String("shots", "", "dir containing shots-*.jsonl.zst")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		tolerance  = flag.Int("tolerance", 0, "allowed absolute damage drift per shot")
		fromTick   = flag.Uint64("from_tick", 0, "start verifying from tick (inclusive, optional)")
		toTick     = flag.Uint64("to_tick", 0, "stop at tick (inclusive, optional)")
		verbose    = flag.Bool("v", false, "print every drifting shot")
	)
	flag.Parse()

	if *mapPath == "" || *shotsDir == "" {
		fmt.Fprintln(os.Stderr, "missing -map or -shots")
		os.Exit(2)
	}

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load catalogs:", err)
		os.Exit(1)
	}
	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load tuning:", err)
		os.Exit(1)
	}
	m, err := mapfile.Read(*mapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read map:", err)
		os.Exit(1)
	}
	base, err := scene.New(m, &cats.Materials)
	if err != nil {
		fmt.Fprintln(os.Stderr, "scene:", err)
		os.Exit(1)
	}

	files, err := persistlog.ShotLogFiles(*shotsDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list shots:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no shot logs found in", *shotsDir)
		os.Exit(1)
	}

	r := replayer{
		base:      base,
		weapons:   &cats.Weapons,
		cfg:       tune.Penetration,
		tolerance: *tolerance,
		fromTick:  *fromTick,
		toTick:    *toTick,
	}
	var sum summary
	for _, path := range files {
		recs, err := persistlog.ReadShotLog(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
		if err := r.run(recs, &sum); err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
	}

	if *verbose {
		for _, d := range sum.Drifts {
			fmt.Printf("tick=%d target=%d aim=%s want=%d got=%d hit=%v/%v\n", d.Tick, d.Target, d.Aim, d.Want, d.Got, d.WantHit, d.GotHit)
		}
	}
	fmt.Printf("replay: checked=%d drifted=%d max_drift=%d mean_abs_drift=%.3f\n", sum.Checked, len(sum.Drifts), sum.MaxDrift, sum.MeanAbs())
	if len(sum.Drifts) > 0 {
		os.Exit(1)
	}
}
