// Package config loads simulator configuration from YAML files and
// CARGODIST_* environment variables and validates it with struct tags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/cargodist/internal/logging"
	"github.com/signalsfoundry/cargodist/internal/observability"
	"github.com/signalsfoundry/cargodist/model"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// validate is a singleton validator instance
var validate = validator.New()

// SchedulerConfig sizes the link graph scheduler.
type SchedulerConfig struct {
	MaxJobs int `yaml:"max_jobs" validate:"min=1,max=1024"`
	// MaxIterations bounds the rounds of each MCF pass; zero is unbounded.
	MaxIterations int `yaml:"max_iterations" validate:"gte=0"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
}

// SimulationConfig describes the run itself.
type SimulationConfig struct {
	// Ticks is the number of ticks to run; zero runs until interrupted.
	Ticks        int           `yaml:"ticks" validate:"gte=0"`
	TickInterval time.Duration `yaml:"tick_interval" validate:"gte=0"`
	Accelerated  bool          `yaml:"accelerated"`
	Seed         uint64        `yaml:"seed"`
	Scenario     string        `yaml:"scenario" validate:"required"`
	StartDate    int32         `yaml:"start_date" validate:"gte=0"`
}

// Config is the complete simulator configuration.
type Config struct {
	Log        logging.Config              `yaml:"log"`
	LinkGraph  model.LinkGraphSettings     `yaml:"linkgraph"`
	Scheduler  SchedulerConfig             `yaml:"scheduler"`
	Metrics    MetricsConfig               `yaml:"metrics"`
	Tracing    observability.TracingConfig `yaml:"tracing"`
	Simulation SimulationConfig            `yaml:"simulation"`
}

// Default returns the configuration used when nothing else is given.
func Default() Config {
	return Config{
		Log:       logging.Config{Level: "info", Format: "text"},
		LinkGraph: model.DefaultLinkGraphSettings(),
		Scheduler: SchedulerConfig{MaxJobs: 32},
		Metrics:   MetricsConfig{Addr: ":9090"},
		Tracing:   observability.DefaultTracingConfig(),
		Simulation: SimulationConfig{
			Ticks:        74 * 90,
			TickInterval: 30 * time.Millisecond,
			Accelerated:  true,
			Seed:         1,
			Scenario:     "configs/scenario.yaml",
		},
	}
}

// Load decodes the YAML file at path over the defaults. Unknown keys are
// rejected. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %q: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with CARGODIST_* variables that are set.
// Malformed numbers and booleans are reported.
func ApplyEnv(cfg Config) (Config, error) {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	parse := func(key string, set func(string) error) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if err := set(v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}

	str("CARGODIST_LOG_LEVEL", &cfg.Log.Level)
	str("CARGODIST_LOG_FORMAT", &cfg.Log.Format)
	str("CARGODIST_METRICS_ADDR", &cfg.Metrics.Addr)
	str("CARGODIST_SCENARIO", &cfg.Simulation.Scenario)

	parse("CARGODIST_METRICS_ENABLED", func(v string) (err error) {
		cfg.Metrics.Enabled, err = strconv.ParseBool(v)
		return err
	})
	parse("CARGODIST_MAX_JOBS", func(v string) (err error) {
		cfg.Scheduler.MaxJobs, err = strconv.Atoi(v)
		return err
	})
	parse("CARGODIST_MAX_ITERATIONS", func(v string) (err error) {
		cfg.Scheduler.MaxIterations, err = strconv.Atoi(v)
		return err
	})
	parse("CARGODIST_TICKS", func(v string) (err error) {
		cfg.Simulation.Ticks, err = strconv.Atoi(v)
		return err
	})
	parse("CARGODIST_TICK_INTERVAL", func(v string) (err error) {
		cfg.Simulation.TickInterval, err = time.ParseDuration(v)
		return err
	})
	parse("CARGODIST_ACCELERATED", func(v string) (err error) {
		cfg.Simulation.Accelerated, err = strconv.ParseBool(v)
		return err
	})
	parse("CARGODIST_SEED", func(v string) (err error) {
		cfg.Simulation.Seed, err = strconv.ParseUint(v, 10, 64)
		return err
	})
	parse("CARGODIST_RECALC_INTERVAL", func(v string) error {
		n, err := strconv.ParseUint(v, 10, 16)
		cfg.LinkGraph.RecalcInterval = uint16(n)
		return err
	})
	parse("CARGODIST_RECALC_TIME", func(v string) error {
		n, err := strconv.ParseUint(v, 10, 16)
		cfg.LinkGraph.RecalcTime = uint16(n)
		return err
	})
	parse("CARGODIST_DISTRIBUTION_DEFAULT", func(v string) (err error) {
		cfg.LinkGraph.DistributionDefault, err = model.ParseDistributionType(v)
		return err
	})

	cfg.Tracing = observability.ApplyTracingEnv(cfg.Tracing)
	return cfg, errors.Join(errs...)
}

// Validate checks every struct tag and returns ErrInvalidConfig describing
// the first failures.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		if e.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", e.Namespace(), e.Tag(), e.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", e.Namespace(), e.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

// LoadFile is Load followed by ApplyEnv and Validate.
func LoadFile(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if cfg, err = ApplyEnv(cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}
