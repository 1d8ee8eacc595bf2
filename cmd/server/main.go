package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"marscolony.ai/internal/config"
	"marscolony.ai/internal/external/advisor"
	"marscolony.ai/internal/external/environment"
	"marscolony.ai/internal/external/judge"
	"marscolony.ai/internal/external/meshy"
	"marscolony.ai/internal/external/openai"
	"marscolony.ai/internal/governance/accounts"
	"marscolony.ai/internal/governance/assets"
	"marscolony.ai/internal/governance/defence"
	"marscolony.ai/internal/governance/hall"
	"marscolony.ai/internal/governance/institutions"
	"marscolony.ai/internal/governance/proposals"
	"marscolony.ai/internal/governance/referendum"
	"marscolony.ai/internal/governance/resolution"
	"marscolony.ai/internal/logger"
	"marscolony.ai/internal/metrics"
	"marscolony.ai/internal/persistence/indexdb"
	"marscolony.ai/internal/persistence/kv"
	plog "marscolony.ai/internal/persistence/log"
	"marscolony.ai/internal/persistence/recordstore"
	"marscolony.ai/internal/persistence/snapshot"
	"marscolony.ai/internal/transport/httpapi"
	"marscolony.ai/internal/transport/observer"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/colony.yaml", "path to colony.yaml")
		addr       = flag.String("addr", "", "http listen address (overrides config)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	missing := err != nil
	cfg.ApplyEnv(os.Getenv)
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dataDir != "" {
		cfg.Server.DataDir = *dataDir
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	if missing {
		log.Info("config not found; using defaults", "path", *configPath)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server stopped", "error", err)
	}
}

type closer struct {
	name string
	fn   func(context.Context) error
}

func run(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	data := cfg.Server.DataDir
	if err := os.MkdirAll(data, 0o755); err != nil {
		return err
	}

	// Closed in reverse order once the HTTP server has drained.
	var closers []closer
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer scancel()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(sctx); err != nil {
				log.Error("close", "component", closers[i].name, "error", err)
			}
		}
	}()
	closeIO := func(name string, c io.Closer) {
		closers = append(closers, closer{name, func(context.Context) error { return c.Close() }})
	}

	backend, err := openBackend(cfg, closeIO)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Persistence.Backend, err)
	}
	opts := []recordstore.Option{
		recordstore.WithDelay(cfg.Persistence.FlushDelay),
		recordstore.WithLogger(log),
	}

	instStore, err := recordstore.Open(backend, institutions.RecordKey, institutions.DefaultState, opts...)
	if err != nil {
		return err
	}
	closers = append(closers, closer{"institutions", instStore.Close})
	armsStore, err := recordstore.Open(backend, defence.RecordKey, defence.DefaultState, opts...)
	if err != nil {
		return err
	}
	closers = append(closers, closer{"defence", armsStore.Close})
	refStore, err := recordstore.Open(backend, referendum.RecordKey, referendum.DefaultState, opts...)
	if err != nil {
		return err
	}
	closers = append(closers, closer{"referenda", refStore.Close})
	hallStore, err := recordstore.Open(backend, hall.RecordKey, hall.DefaultState, opts...)
	if err != nil {
		return err
	}
	closers = append(closers, closer{"hall", hallStore.Close})
	acctStore, err := recordstore.Open(backend, accounts.RecordKey, accounts.DefaultState, opts...)
	if err != nil {
		return err
	}
	closers = append(closers, closer{"accounts", acctStore.Close})

	auditLog := plog.NewAuditLogger(filepath.Join(data, "audit"))
	closeIO("audit", auditLog)
	audit := plog.Tee{auditLog}
	var index *indexdb.SQLiteIndex
	if cfg.Persistence.Index {
		index, err = indexdb.OpenSQLite(filepath.Join(data, "index", "governance.sqlite"))
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		closeIO("index", index)
		audit = append(audit, index)
	}

	m := metrics.New()
	hc := &http.Client{}

	judgeChat := openai.New(cfg.OpenAIKey, cfg.Judge.BaseURL, hc, log)
	advisorChat := openai.New(cfg.OpenAIKey, cfg.Advisor.BaseURL, hc, log)
	if !judgeChat.Enabled() {
		log.Warn("OPENAI_API_KEY not set; judging with declared gains and advisors voting at random")
	}
	gen := meshy.New(meshy.Config{
		APIKey:       cfg.MeshyKey,
		BaseURL:      cfg.Meshy.BaseURL,
		PollInterval: cfg.Meshy.PollInterval,
		Root:         data,
	}, hc, log)
	if cfg.MeshyKey == "" {
		log.Warn("MESHY_API_KEY not set; constructions stay as scaffolding")
	}

	var supervisor *assets.Supervisor
	supervisor = assets.NewSupervisor(gen,
		assets.WithLogger(log),
		assets.WithFinishHook(func(r assets.Result) {
			m.ObserveAsset(r.Err, r.Elapsed)
			m.AssetsRunning.Set(float64(supervisor.Running()))
		}),
	)
	closers = append(closers, closer{"assets", supervisor.Close})

	gridOpts := []environment.Option{
		environment.WithLogger(log),
		environment.WithBounds(environment.Bounds{
			MinX: cfg.Environment.MinX, MaxX: cfg.Environment.MaxX,
			MinZ: cfg.Environment.MinZ, MaxZ: cfg.Environment.MaxZ,
		}),
	}
	if cfg.Environment.SaveMaps {
		gridOpts = append(gridOpts, environment.WithSaveDir(filepath.Join(data, "maps")))
	}
	grid := environment.NewGrid(cfg.Environment.Seed, gridOpts...)

	hub := observer.NewServer(
		observer.WithLogger(log),
		observer.WithMetrics(m),
		observer.WithQueue(cfg.Observer.Queue),
	)

	registry := institutions.NewRegistry(instStore, log)
	props := proposals.NewStore(registry, log)
	arms := defence.NewStore(armsStore, registry, log)
	ledger := accounts.NewLedger(acctStore, log)
	board := hall.New(hallStore, log)
	refs := referendum.NewManager(refStore, log)
	refs.Abandon()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	orch := resolution.New(resolution.Config{
		ConstructionBand: cfg.Resolution.ConstructionBand,
		WeaponBand:       cfg.Resolution.WeaponBand,
		MinClearance:     cfg.Resolution.MinClearance,
		ScaffoldModel:    cfg.Resolution.ScaffoldModel,
		ScaffoldScale:    cfg.Resolution.ScaffoldScale,
		ModelsDir:        cfg.Resolution.ModelsDir,
		RebuildCost:      cfg.Resolution.RebuildCost,
	}, resolution.Deps{
		Registry:  registry,
		Proposals: props,
		Defence:   arms,
		Ledger:    ledger,
		Judge:     judge.New(judgeChat, cfg.Judge.Model, log),
		Env:       grid,
		Assets:    supervisor,
		Broadcast: hub,
		Audit:     audit,
		Metrics:   m,
		Log:       log,
		Rand:      rng,
	})
	engine := referendum.NewEngine(refs, registry,
		advisor.New(advisorChat, cfg.Advisor.Model, rand.New(rand.NewSource(rng.Int63())), log),
		board,
		referendum.WithBroadcaster(hub),
		referendum.WithAudit(audit),
		referendum.WithMetrics(m),
		referendum.WithLogger(log),
	)

	deps := httpapi.Deps{
		Registry:     registry,
		Proposals:    props,
		Defence:      arms,
		Orchestrator: orch,
		Referenda:    engine,
		Hall:         board,
		Ledger:       ledger,
		Observer:     hub.Handler(),
		Broadcast:    hub,
		Audit:        audit,
		Metrics:      m,
		Log:          log,
		Base:         ctx,
	}
	if index != nil {
		deps.Index = index
	}
	api := httpapi.New(deps)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", cfg.Server.Addr, "data", data, "backend", cfg.Persistence.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer scancel()
		return srv.Shutdown(sctx)
	})
	if cfg.Environment.DriftInterval > 0 {
		g.Go(func() error { return grid.Run(gctx, cfg.Environment.DriftInterval) })
	}
	err = g.Wait()
	log.Info("shutting down")
	return err
}

func openBackend(cfg config.Config, closeIO func(string, io.Closer)) (recordstore.Backend, error) {
	data := cfg.Server.DataDir
	switch cfg.Persistence.Backend {
	case "sqlite":
		db, err := kv.OpenSQLite(filepath.Join(data, "state", "colony.sqlite"))
		if err != nil {
			return nil, err
		}
		closeIO("state", db)
		return db, nil
	default:
		return snapshot.NewFileBackend(filepath.Join(data, "state"))
	}
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
