package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LinkGraphCollector bundles Prometheus metrics for the link graph scheduler
// and the jobs it runs. All methods are safe to call on a nil collector.
type LinkGraphCollector struct {
	gatherer prometheus.Gatherer

	JobsSpawned       prometheus.Counter
	JobsJoined        prometheus.Counter
	JobsAborted       prometheus.Counter
	ComponentsSkipped prometheus.Counter
	CyclesEliminated  prometheus.Counter

	JobsRunning      prometheus.Gauge
	ComponentsQueued prometheus.Gauge
	WorldStations    prometheus.Gauge
	WorldLinkGraphs  prometheus.Gauge

	HandlerDuration *prometheus.HistogramVec
	JobDuration     prometheus.Histogram
}

// NewLinkGraphCollector registers link graph metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewLinkGraphCollector(reg prometheus.Registerer) (*LinkGraphCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &LinkGraphCollector{gatherer: gatherer}
	var err error

	counters := []struct {
		dst  *prometheus.Counter
		name string
		help string
	}{
		{&c.JobsSpawned, "linkgraph_jobs_spawned_total", "Link graph jobs started by the scheduler."},
		{&c.JobsJoined, "linkgraph_jobs_joined_total", "Link graph jobs whose results were joined back."},
		{&c.JobsAborted, "linkgraph_jobs_aborted_total", "Link graph jobs aborted before completion."},
		{&c.ComponentsSkipped, "linkgraph_components_skipped_total", "Components rotated without a job because they had fewer than two nodes."},
		{&c.CyclesEliminated, "linkgraph_cycles_eliminated_total", "Flow cycles removed by the first MCF pass."},
	}
	for _, ctr := range counters {
		*ctr.dst, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: ctr.name,
			Help: ctr.help,
		}), ctr.name)
		if err != nil {
			return nil, err
		}
	}

	gauges := []struct {
		dst  *prometheus.Gauge
		name string
		help string
	}{
		{&c.JobsRunning, "linkgraph_jobs_running", "Link graph jobs currently running."},
		{&c.ComponentsQueued, "linkgraph_components_queued", "Link graph components waiting in the schedule."},
		{&c.WorldStations, "world_stations", "Current number of stations in the world."},
		{&c.WorldLinkGraphs, "world_link_graphs", "Current number of link graph components in the world."},
	}
	for _, g := range gauges {
		*g.dst, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: g.name,
			Help: g.help,
		}), g.name)
		if err != nil {
			return nil, err
		}
	}

	c.HandlerDuration, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "linkgraph_handler_duration_seconds",
		Help:    "Wall time spent in each link graph job stage.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
	}, []string{"handler"}), "linkgraph_handler_duration_seconds")
	if err != nil {
		return nil, err
	}

	c.JobDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "linkgraph_job_duration_seconds",
		Help:    "Wall time of a full link graph job run.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}), "linkgraph_job_duration_seconds")
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *LinkGraphCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Gatherer(), promhttp.HandlerOpts{})
}

// Gatherer returns the gatherer backing this collector.
func (c *LinkGraphCollector) Gatherer() prometheus.Gatherer {
	if c == nil || c.gatherer == nil {
		return prometheus.DefaultGatherer
	}
	return c.gatherer
}

// JobSpawned records a job start.
func (c *LinkGraphCollector) JobSpawned() {
	if c == nil {
		return
	}
	c.JobsSpawned.Inc()
	c.JobsRunning.Inc()
}

// JobJoined records a job whose result was collected. Aborted jobs are
// counted separately and still leave the running gauge.
func (c *LinkGraphCollector) JobJoined(aborted bool) {
	if c == nil {
		return
	}
	if aborted {
		c.JobsAborted.Inc()
	} else {
		c.JobsJoined.Inc()
	}
	c.JobsRunning.Dec()
}

// ComponentSkipped records a component rotated past without spawning.
func (c *LinkGraphCollector) ComponentSkipped() {
	if c == nil {
		return
	}
	c.ComponentsSkipped.Inc()
}

// AddCyclesEliminated adds n to the eliminated cycle counter.
func (c *LinkGraphCollector) AddCyclesEliminated(n uint64) {
	if c == nil || n == 0 {
		return
	}
	c.CyclesEliminated.Add(float64(n))
}

// SetQueued sets the number of components waiting in the schedule.
func (c *LinkGraphCollector) SetQueued(n int) {
	if c == nil {
		return
	}
	c.ComponentsQueued.Set(float64(n))
}

// SetWorldCounts lets the station store drive gauge values directly from its
// mutators.
func (c *LinkGraphCollector) SetWorldCounts(stations, linkGraphs int) {
	if c == nil {
		return
	}
	c.WorldStations.Set(float64(stations))
	c.WorldLinkGraphs.Set(float64(linkGraphs))
}

// ObserveHandler records the duration of one job stage.
func (c *LinkGraphCollector) ObserveHandler(handler string, d time.Duration) {
	if c == nil {
		return
	}
	c.HandlerDuration.WithLabelValues(handler).Observe(d.Seconds())
}

// ObserveJob records the duration of a full job run.
func (c *LinkGraphCollector) ObserveJob(d time.Duration) {
	if c == nil {
		return
	}
	c.JobDuration.Observe(d.Seconds())
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
