package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"

	"wallsim.ai/internal/persistence/indexdb"
	"wallsim.ai/internal/sim/catalogs"
	"wallsim.ai/internal/sim/scan"
	"wallsim.ai/internal/sim/tuning"
)

// serverEnv holds process switches that are not simulation tuning.
type serverEnv struct {
	IndexBackend    string `env:"WALLSIM_INDEX_BACKEND" envDefault:"sqlite"`
	EnableAdminHTTP bool   `env:"WALLSIM_ENABLE_ADMIN_HTTP" envDefault:"true"`
	EnablePprofHTTP bool   `env:"WALLSIM_ENABLE_PPROF_HTTP" envDefault:"false"`
	LogLevel        string `env:"WALLSIM_LOG_LEVEL" envDefault:"info"`
}

func loadServerEnv() (serverEnv, error) {
	var e serverEnv
	if err := env.Parse(&e); err != nil {
		return e, fmt.Errorf("server env: %w", err)
	}
	return e, nil
}

type runtimeIndex interface {
	Close() error
	UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error
	RecordFrame(rep scan.Report)
	RecordScriptEvent(ev indexdb.ScriptEvent)
	Stats() indexdb.Stats
}

func openRuntimeIndex(dataDir, backend string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "none", "off", "disabled":
		return nil, nil
	case "", "sqlite":
		return indexdb.OpenSQLite(filepath.Join(dataDir, "index", "wallsim.sqlite"))
	default:
		return nil, fmt.Errorf("unsupported WALLSIM_INDEX_BACKEND: %s", backend)
	}
}
