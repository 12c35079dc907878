package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"wallsim.ai/internal/dispatch"
	"wallsim.ai/internal/observerproto"
	persistlog "wallsim.ai/internal/persistence/log"
	"wallsim.ai/internal/persistence/mapfile"
	"wallsim.ai/internal/scripting"
	"wallsim.ai/internal/sim/catalogs"
	"wallsim.ai/internal/sim/frameloop"
	"wallsim.ai/internal/sim/scan"
	"wallsim.ai/internal/sim/scene"
	"wallsim.ai/internal/sim/tuning"
	"wallsim.ai/internal/transport/observer"
)

func main() {
	var (
		addr        = flag.String("addr", "127.0.0.1:8080", "http listen address")
		configDir   = flag.String("configs", "./configs", "config directory")
		dataDir     = flag.String("data", "./data", "runtime data directory")
		tuningPath  = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		mapPath     = flag.String("map", "", "map file, .json or .map.zst (default: <configs>/maps/range.json)")
		scriptsRoot = flag.String("scripts_root", "", "directory holding scripts/ and the autoload file (default: <configs>)")
		disableDB   = flag.Bool("disable_db", false, "disable the sqlite index")
		disableLog  = flag.Bool("disable_shot_log", false, "disable the compressed shot log")
	)
	flag.Parse()

	senv, err := loadServerEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := newLogger(senv.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("server")

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		log.Fatal("load catalogs", zap.Error(err))
	}
	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatal("load tuning", zap.Error(err))
		}
		log.Warn("tuning not found; using defaults", zap.String("path", tp))
		tune = tuning.Defaults()
		if err := tuning.ApplyEnv(&tune); err != nil {
			log.Fatal("load tuning", zap.Error(err))
		}
	}

	mp := strings.TrimSpace(*mapPath)
	if mp == "" {
		mp = filepath.Join(*configDir, "maps", "range.json")
	}
	m, err := mapfile.Read(mp)
	if err != nil {
		log.Fatal("read map", zap.String("path", mp), zap.Error(err))
	}
	base, err := scene.New(m, &cats.Materials)
	if err != nil {
		log.Fatal("build scene", zap.Error(err))
	}
	log.Info("map loaded", zap.String("map", base.Name()), zap.Int("brushes", len(base.Brushes())), zap.Int("players", len(base.Players())))

	idx, err := openRuntimeIndex(*dataDir, senv.IndexBackend, *disableDB)
	if err != nil {
		log.Fatal("open index backend", zap.Error(err))
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertCatalogs(*configDir, cats, tune); err != nil {
			log.Warn("index backend: upsert catalogs", zap.Error(err))
		}
	}

	queue := dispatch.New(dispatch.Options{
		Workers: tune.Dispatch.Workers,
		Logger:  logger,
		Hooks: dispatch.ThreadHooks{
			OnStart: func(w int) error {
				log.Debug("dispatch worker up", zap.Int("worker", w))
				return nil
			},
			OnStop: func(w int) { log.Debug("dispatch worker down", zap.Int("worker", w)) },
		},
	})
	if err := queue.Spawn(); err != nil {
		log.Fatal("spawn dispatch workers", zap.Error(err))
	}
	defer queue.Decommission()

	sr := strings.TrimSpace(*scriptsRoot)
	if sr == "" {
		sr = *configDir
	}
	scripts := scripting.New(scripting.Options{
		Root:     sr,
		Logger:   logger,
		Notifier: indexNotifier{log: logger.Named("scripts"), idx: idx},
		Timeout:  time.Duration(tune.Scripts.TimeoutMs) * time.Millisecond,
		Disabled: !tune.Scripts.Enabled,
	})
	defer scripts.StopAll()
	if err := scripts.RefreshScripts(); err != nil {
		log.Warn("refresh scripts", zap.Error(err))
	}
	if tune.Scripts.Enabled && tune.Scripts.RunAutoload {
		n := scripts.RunAutoload()
		log.Info("autoload", zap.Int("started", n))
	}

	boot := &bootstrapSource{cats: cats, tune: tune}
	obsSrv := observer.NewServer(boot, logger)

	sinks := []frameloop.Sink{
		func(_ *scene.Scene, rep scan.Report) { obsSrv.Publish(rep) },
	}
	if idx != nil {
		sinks = append(sinks, func(_ *scene.Scene, rep scan.Report) { idx.RecordFrame(rep) })
	}
	if !*disableLog {
		shots := persistlog.NewShotLogger(*dataDir)
		defer shots.Close()
		sinks = append(sinks, shotSink(shots, log))
	}

	loop := frameloop.New(base, scan.New(queue, &cats.Weapons, tune.Penetration, logger), frameloop.Config{
		TickRateHz: tune.TickRateHz,
		Scripts:    scripts,
		Sinks:      sinks,
		Logger:     logger,
	})
	boot.loop = loop

	ctx, cancel := signalContext()
	defer cancel()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := loop.Run(ctx); err != nil {
			log.Warn("frame loop stopped", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(base.Name(), loop, queue, obsSrv, idx))

	if senv.EnableAdminHTTP {
		scriptAdmin{eng: scripts, idx: idx, log: log, sounds: tune.Scripts.EmitSounds}.register(mux)
		mux.HandleFunc("/v1/observer/bootstrap", obsSrv.BootstrapHandler())
		mux.HandleFunc("/v1/observer/ws", obsSrv.WSHandler())
	} else {
		log.Info("admin endpoints disabled (WALLSIM_ENABLE_ADMIN_HTTP=false)")
	}
	if senv.EnablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	log.Info("listening", zap.String("addr", *addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("ListenAndServe", zap.Error(err))
		cancel()
	}
	<-loopDone
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("WALLSIM_LOG_LEVEL: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// shotSink writes one record per scanned target.
func shotSink(shots *persistlog.ShotLogger, log *zap.Logger) frameloop.Sink {
	return func(sc *scene.Scene, rep scan.Report) {
		for _, t := range rep.Targets {
			err := shots.WriteShot(persistlog.ShotRecord{
				Tick:    rep.Tick,
				Map:     sc.Name(),
				Shooter: int32(rep.Shooter),
				Target:  int32(t.Target),
				Weapon:  rep.Weapon,
				Aim:     t.Aim.String(),
				Src:     rep.Src,
				End:     t.AimPoint,
				Outcome: t.Outcome,
			})
			if err != nil {
				log.Warn("shot log write", zap.Error(err))
				return
			}
		}
	}
}

type bootstrapSource struct {
	cats *catalogs.Catalogs
	tune tuning.Tuning
	loop *frameloop.Loop
}

func (b *bootstrapSource) Bootstrap() observerproto.BootstrapResponse {
	resp := observerproto.BootstrapResponse{
		TickRateHz: b.tune.TickRateHz,
		Materials:  b.cats.Materials.Palette,
		Players:    []observerproto.PlayerInfo{},
	}
	if b.loop == nil {
		return resp
	}
	sc := b.loop.Scene()
	resp.Map = sc.Name()
	resp.Tick = b.loop.Metrics().Tick
	for _, p := range sc.Players() {
		resp.Players = append(resp.Players, observerproto.PlayerInfo{
			ID:     int32(p.ID),
			Name:   p.Name,
			Team:   p.Team,
			Local:  p.Local,
			Weapon: p.Weapon,
		})
	}
	return resp
}
