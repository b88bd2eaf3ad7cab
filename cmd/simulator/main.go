package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/cargodist/core"
	"github.com/signalsfoundry/cargodist/internal/config"
	"github.com/signalsfoundry/cargodist/internal/logging"
	"github.com/signalsfoundry/cargodist/internal/observability"
	"github.com/signalsfoundry/cargodist/kb"
	"github.com/signalsfoundry/cargodist/linkgraph"
	"github.com/signalsfoundry/cargodist/model"
	"github.com/signalsfoundry/cargodist/timectrl"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	scenarioPath := flag.String("scenario", "", "path to a YAML scenario (overrides the config)")
	ticks := flag.Int("ticks", -1, "number of ticks to run; 0 runs until interrupted (overrides the config)")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		// No usable config means no configured logger either.
		logging.NewFromEnv().Error(context.Background(), "configuration error", logging.Err(err))
		os.Exit(2)
	}
	if *scenarioPath != "" {
		cfg.Simulation.Scenario = *scenarioPath
	}
	if *ticks >= 0 {
		cfg.Simulation.Ticks = *ticks
	}

	log := logging.New(cfg.Log)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, log, os.Stdout); err != nil {
		log.Error(ctx, "simulation failed", logging.Err(err))
		os.Exit(1)
	}
}

// run loads the scenario, runs the engine for the configured number of
// ticks and writes a flow report to out.
func run(ctx context.Context, cfg config.Config, log logging.Logger, out io.Writer) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewLinkGraphCollector(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	if cfg.Metrics.Enabled {
		srv := serveMetrics(cfg.Metrics.Addr, collector, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	base := kb.NewKnowledgeBase(kb.WithMetricsRecorder(collector))
	f, err := os.Open(cfg.Simulation.Scenario)
	if err != nil {
		return fmt.Errorf("open scenario %q: %w", cfg.Simulation.Scenario, err)
	}
	sc, err := core.LoadScenario(base, f, timectrl.Date(cfg.Simulation.StartDate))
	f.Close()
	if err != nil {
		return err
	}
	log.Info(ctx, "loaded scenario",
		logging.String("path", cfg.Simulation.Scenario),
		logging.Int("stations", len(sc.Stations)),
		logging.Int("links", len(sc.Links)),
		logging.Int("producers", len(sc.Producers)),
		logging.Int("link_graphs", len(base.LinkGraphs())))

	settings := cfg.LinkGraph
	sched := linkgraph.NewScheduler(base,
		linkgraph.WithMaxJobs(cfg.Scheduler.MaxJobs),
		linkgraph.WithHandlers(jobHandlers(cfg.Scheduler)...),
		linkgraph.WithLogger(log),
		linkgraph.WithMetrics(collector),
		linkgraph.WithTracer(observability.Tracer()),
		linkgraph.WithSettings(func() model.LinkGraphSettings { return settings }),
		linkgraph.WithMapSize(sc.MapSize))

	mode := timectrl.RealTime
	if cfg.Simulation.Accelerated {
		mode = timectrl.Accelerated
	}
	clock := timectrl.NewTimeController(timectrl.Date(cfg.Simulation.StartDate), cfg.Simulation.TickInterval, mode)
	engine := core.NewEngine(base, sched, clock, sc, core.WithEngineLogger(log))
	defer engine.Close()

	log.Info(ctx, "starting simulation",
		logging.Int("ticks", cfg.Simulation.Ticks),
		logging.Any("accelerated", cfg.Simulation.Accelerated))
	engine.Run(ctx, cfg.Simulation.Ticks)

	stats := engine.Stats()
	log.Info(ctx, "simulation complete",
		logging.Int("days", stats.Days),
		logging.Uint("produced", stats.Produced),
		logging.Uint("lost", stats.Lost))

	return writeReport(out, engine, sc, rand.New(rand.NewPCG(cfg.Simulation.Seed, 0)))
}

// jobHandlers builds the job pipeline with the configured MCF budget.
func jobHandlers(cfg config.SchedulerConfig) []linkgraph.Handler {
	return linkgraph.DefaultHandlers(linkgraph.WithMaxIterations(cfg.MaxIterations))
}

// writeReport prints the published flows of every station and one sample
// route per station and cargo.
func writeReport(out io.Writer, engine *core.Engine, sc *core.Scenario, rng *rand.Rand) error {
	var errs []error
	printf := func(format string, args ...any) {
		if _, err := fmt.Fprintf(out, format, args...); err != nil {
			errs = append(errs, err)
		}
	}

	for _, st := range engine.KB.ListStations() {
		for _, cargo := range sc.Cargos {
			flows := engine.KB.Flows(st.ID, cargo)
			if len(flows) == 0 {
				continue
			}
			printf("station %d %q cargo %d\n", st.ID, st.Name, cargo)
			for _, origin := range flows.Origins() {
				fs := flows[origin]
				printf("  from %d: total %d", origin, fs.Total())
				for _, sh := range fs.Shares() {
					printf(" via %d<=%d", sh.Via, sh.Limit)
				}
				printf("\n")
			}
			path, delivered, err := engine.Route(st.ID, cargo, rng)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			printf("  sample route %v delivered=%v\n", path, delivered)
		}
	}
	return errors.Join(errs...)
}

func serveMetrics(addr string, collector *observability.LinkGraphCollector, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
