package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/cargodist/model"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
log:
  level: debug
  format: json
linkgraph:
  recalc_interval: 8
  accuracy: 32
  distribution_pax: symmetric
  distribution_default: asymmetric
scheduler:
  max_jobs: 4
  max_iterations: 64
simulation:
  ticks: 740
  tick_interval: 5ms
  scenario: testdata/line.yaml
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Fatalf("Log = %+v", cfg.Log)
	}
	if cfg.LinkGraph.RecalcInterval != 8 || cfg.LinkGraph.Accuracy != 32 {
		t.Fatalf("LinkGraph = %+v", cfg.LinkGraph)
	}
	if cfg.LinkGraph.DistributionPax != model.DistributionSymmetric ||
		cfg.LinkGraph.DistributionDefault != model.DistributionAsymmetric {
		t.Fatalf("distributions = %v/%v", cfg.LinkGraph.DistributionPax, cfg.LinkGraph.DistributionDefault)
	}
	// Untouched keys keep their defaults.
	if cfg.LinkGraph.RecalcTime != 16 || cfg.LinkGraph.ShortPathSaturation != 80 {
		t.Fatalf("defaults lost: %+v", cfg.LinkGraph)
	}
	if cfg.Scheduler.MaxJobs != 4 || cfg.Scheduler.MaxIterations != 64 || cfg.Simulation.Ticks != 740 {
		t.Fatalf("Scheduler/Simulation = %+v/%+v", cfg.Scheduler, cfg.Simulation)
	}
	if cfg.Simulation.TickInterval != 5*time.Millisecond {
		t.Fatalf("TickInterval = %v, want 5ms", cfg.Simulation.TickInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate = %v", err)
	}
}

func TestLoadRejectsUnknownKeysAndBadValues(t *testing.T) {
	if _, err := Load(writeFile(t, "sheduler:\n  max_jobs: 2\n")); err == nil {
		t.Fatalf("unknown key accepted")
	}
	if _, err := Load(writeFile(t, "linkgraph:\n  distribution_mail: teleport\n")); err == nil {
		t.Fatalf("unknown distribution accepted")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing file accepted")
	}
	cfg, err := Load("")
	if err != nil || cfg.Scheduler.MaxJobs != Default().Scheduler.MaxJobs {
		t.Fatalf("Load(\"\") = %+v, %v", cfg.Scheduler, err)
	}
}

func TestValidateReportsFields(t *testing.T) {
	cfg := Default()
	cfg.LinkGraph.RecalcInterval = 2
	cfg.LinkGraph.ShortPathSaturation = 20
	cfg.Scheduler.MaxJobs = 0
	cfg.Scheduler.MaxIterations = -1
	cfg.Log.Format = "xml"
	cfg.Metrics = MetricsConfig{Enabled: true}

	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Validate error = %v, want ErrInvalidConfig", err)
	}
	for _, field := range []string{"RecalcInterval", "ShortPathSaturation", "MaxJobs", "MaxIterations", "Format", "Addr"} {
		if !strings.Contains(err.Error(), field) {
			t.Fatalf("error %q does not mention %s", err, field)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CARGODIST_LOG_LEVEL", "warn")
	t.Setenv("CARGODIST_MAX_JOBS", "3")
	t.Setenv("CARGODIST_MAX_ITERATIONS", "12")
	t.Setenv("CARGODIST_METRICS_ENABLED", "true")
	t.Setenv("CARGODIST_TICK_INTERVAL", "1s")
	t.Setenv("CARGODIST_RECALC_TIME", "9")
	t.Setenv("CARGODIST_DISTRIBUTION_DEFAULT", "symmetric")
	t.Setenv("CARGODIST_TRACING_ENABLED", "true")
	t.Setenv("CARGODIST_SEED", "42")

	cfg, err := ApplyEnv(Default())
	if err != nil {
		t.Fatalf("ApplyEnv returned error: %v", err)
	}
	if cfg.Log.Level != "warn" || cfg.Scheduler.MaxJobs != 3 || cfg.Scheduler.MaxIterations != 12 || !cfg.Metrics.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Simulation.TickInterval != time.Second || cfg.Simulation.Seed != 42 {
		t.Fatalf("Simulation = %+v", cfg.Simulation)
	}
	if cfg.LinkGraph.RecalcTime != 9 || cfg.LinkGraph.DistributionDefault != model.DistributionSymmetric {
		t.Fatalf("LinkGraph = %+v", cfg.LinkGraph)
	}
	if !cfg.Tracing.Enabled {
		t.Fatalf("tracing env not applied")
	}
}

func TestApplyEnvReportsMalformedValues(t *testing.T) {
	t.Setenv("CARGODIST_MAX_JOBS", "many")
	t.Setenv("CARGODIST_ACCELERATED", "sometimes")
	t.Setenv("CARGODIST_MAX_ITERATIONS", "lots")

	_, err := ApplyEnv(Default())
	if err == nil {
		t.Fatalf("malformed env accepted")
	}
	for _, key := range []string{"CARGODIST_MAX_JOBS", "CARGODIST_ACCELERATED", "CARGODIST_MAX_ITERATIONS"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error %q does not mention %s", err, key)
		}
	}
}

func TestLoadFileValidates(t *testing.T) {
	path := writeFile(t, "scheduler:\n  max_jobs: 0\n")
	if _, err := LoadFile(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("LoadFile error = %v, want ErrInvalidConfig", err)
	}
}
