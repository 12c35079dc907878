package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"wallsim.ai/internal/persistence/mapfile"
	"wallsim.ai/internal/sim/catalogs"
	"wallsim.ai/internal/sim/scene"
)

func main() {
	var (
		in        = flag.String("in", "", "input map (.json or .map.zst)")
		out       = flag.String("out", "", "output path (.map.zst, or .json to decompile)")
		configDir = flag.String("configs", "./configs", "config directory used to validate materials")
		noCheck   = flag.Bool("no_validate", false, "skip building the scene before writing")
	)
	flag.Parse()

	if *in == "" || *out == "" {
		fmt.Fprintln(os.Stderr, "missing -in or -out")
		os.Exit(2)
	}
	if err := run(*in, *out, *configDir, !*noCheck); err != nil {
		fmt.Fprintln(os.Stderr, "mapc:", err)
		os.Exit(1)
	}
}

func run(in, out, configDir string, validate bool) error {
	m, err := mapfile.Read(in)
	if err != nil {
		return fmt.Errorf("read %s: %w", in, err)
	}
	if validate {
		cats, err := catalogs.Load(configDir)
		if err != nil {
			return fmt.Errorf("load catalogs: %w", err)
		}
		sc, err := scene.New(m, &cats.Materials)
		if err != nil {
			return fmt.Errorf("validate: %w", err)
		}
		if _, ok := sc.Local(); !ok {
			fmt.Fprintln(os.Stderr, "warning: map has no local player; scans will be empty")
		}
	}
	if strings.HasSuffix(out, ".json") {
		b, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(out, append(b, '\n'), 0o644)
	}
	if err := mapfile.Write(out, m); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Printf("wrote %s: map=%s brushes=%d players=%d\n", out, m.Header.Name, len(m.Brushes), len(m.Players))
	return nil
}
