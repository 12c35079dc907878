// Package frameloop drives the simulation clock: every tick the map is
// stepped, scripts get their timers and on_frame, the local shooter's view is
// scanned, and the report is handed to the sinks.
package frameloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"wallsim.ai/internal/scripting"
	"wallsim.ai/internal/sim/scan"
	"wallsim.ai/internal/sim/scene"
)

// Sink receives every frame. Sinks run on the loop goroutine and must not block.
type Sink func(sc *scene.Scene, rep scan.Report)

type Config struct {
	TickRateHz int
	Scripts    *scripting.Engine
	Sinks      []Sink
	Logger     *zap.Logger
}

type Metrics struct {
	Tick     uint64  `json:"tick"`
	Frames   uint64  `json:"frames"`
	Targets  int     `json:"targets"`
	Hits     int     `json:"hits"`
	Wallbang bool    `json:"wallbang"`
	StepMS   float64 `json:"step_ms"`
}

type Loop struct {
	base    *scene.Scene
	scanner *scan.Scanner
	cfg     Config
	log     *zap.Logger

	next uint64
	cur  atomic.Pointer[scene.Scene]

	mu      sync.Mutex
	metrics Metrics
}

func New(base *scene.Scene, scanner *scan.Scanner, cfg Config) *Loop {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 64
	}
	l := &Loop{base: base, scanner: scanner, cfg: cfg, log: cfg.Logger.Named("frameloop")}
	l.cur.Store(base)
	return l
}

// Scene is the most recently stepped scene.
func (l *Loop) Scene() *scene.Scene { return l.cur.Load() }

func (l *Loop) Metrics() Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.metrics
}

func (l *Loop) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(l.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.log.Info("running", zap.String("map", l.base.Name()), zap.Int("tick_rate_hz", l.cfg.TickRateHz))
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			l.Step()
		}
	}
}

// Step advances one tick. It is not safe to call concurrently with itself or Run.
func (l *Loop) Step() scan.Report {
	start := time.Now()
	tick := l.next
	l.next++

	sc := l.base.Step(tick)
	l.cur.Store(sc)

	if eng := l.cfg.Scripts; eng != nil {
		eng.RunTimers()
		eng.CallbackNamed(scripting.EventFrame, func(L *lua.LState) []lua.LValue {
			return []lua.LValue{lua.LNumber(tick)}
		})
	}

	rep := l.scanner.Scan(sc)
	if l.cfg.Scripts != nil {
		scan.NotifyScripts(l.cfg.Scripts, rep)
	}
	for _, sink := range l.cfg.Sinks {
		sink(sc, rep)
	}

	l.mu.Lock()
	l.metrics = Metrics{
		Tick:     tick,
		Frames:   l.metrics.Frames + 1,
		Targets:  len(rep.Targets),
		Hits:     rep.Hits(),
		Wallbang: rep.Wallbang,
		StepMS:   float64(time.Since(start).Microseconds()) / 1000,
	}
	l.mu.Unlock()
	return rep
}
