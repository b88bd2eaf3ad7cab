package core

import (
	"context"
	"sync"

	"github.com/signalsfoundry/cargodist/flowstat"
	"github.com/signalsfoundry/cargodist/internal/logging"
	"github.com/signalsfoundry/cargodist/kb"
	"github.com/signalsfoundry/cargodist/linkgraph"
	"github.com/signalsfoundry/cargodist/model"
	"github.com/signalsfoundry/cargodist/timectrl"
)

// MaxRouteHops bounds Route so that stale flow cycles cannot loop forever.
const MaxRouteHops = 64

// Stats are running totals kept by the engine.
type Stats struct {
	Days     int
	Produced uint64
	Lost     uint64
}

// Engine is the world harness around the link graph scheduler. On every
// new day it feeds producer output into station supply, refreshes links
// and compresses old components; on every tick it drives the scheduler.
// All of that runs on the goroutine stepping the clock.
type Engine struct {
	KB        *kb.KnowledgeBase
	Scheduler *linkgraph.Scheduler
	Clock     *timectrl.TimeController

	scenario  *Scenario
	catchment *Catchment
	log       logging.Logger

	mu            sync.Mutex
	stats         Stats
	tickListeners []func(timectrl.Date, timectrl.DateFract)
	unsubscribe   func()
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l logging.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEngine wires the knowledge base, scheduler and clock together. Every
// component already in the knowledge base is queued; components created
// later are queued through KB events.
func NewEngine(base *kb.KnowledgeBase, sched *linkgraph.Scheduler, clock *timectrl.TimeController, sc *Scenario, opts ...EngineOption) *Engine {
	if sc == nil {
		sc = &Scenario{}
	}
	e := &Engine{
		KB:        base,
		Scheduler: sched,
		Clock:     clock,
		scenario:  sc,
		catchment: NewCatchment(base.ListStations()),
		log:       logging.Noop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(logging.String("component", "engine"))

	for _, lg := range base.LinkGraphs() {
		sched.Queue(lg)
	}
	e.unsubscribe = base.Subscribe(e.onEvent)
	clock.AddListener(e.onTick)
	clock.AddJumpListener(sched.ShiftDates)
	return e
}

// RegisterTickListener adds fn to the listeners called after each tick.
func (e *Engine) RegisterTickListener(fn func(timectrl.Date, timectrl.DateFract)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tickListeners = append(e.tickListeners, fn)
}

func (e *Engine) onEvent(ev kb.Event) {
	switch ev.Type {
	case kb.EventLinkGraphAdded:
		e.Scheduler.Queue(ev.LinkGraph)
	case kb.EventLinkGraphRemoved:
		e.Scheduler.Unqueue(ev.LinkGraph)
	case kb.EventStationAdded:
		if st, ok := e.KB.Station(ev.Station); ok {
			e.catchment.Insert(st)
		}
	case kb.EventStationRemoved:
		e.catchment.Remove(ev.Station)
	}
}

func (e *Engine) onTick(now timectrl.Date, fract timectrl.DateFract) {
	if fract == 0 {
		e.daily(now)
	}
	e.Scheduler.OnTick(now, fract)

	e.mu.Lock()
	fns := append([]func(timectrl.Date, timectrl.DateFract){}, e.tickListeners...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(now, fract)
	}
}

func (e *Engine) daily(now timectrl.Date) {
	ctx := context.Background()
	var produced, lost uint64

	for _, p := range e.scenario.Producers {
		produced += uint64(p.Rate)
		stations := e.catchment.Within(p.XY, p.Radius)
		if len(stations) == 0 {
			lost += uint64(p.Rate)
			continue
		}
		// The nearest station takes the larger half, the runner-up the rest.
		stations = stations[:min(len(stations), 2)]
		shares := []uint32{p.Rate}
		if len(stations) == 2 {
			shares = []uint32{p.Rate - p.Rate/2, p.Rate / 2}
		}
		for i, st := range stations {
			if err := e.KB.UpdateSupply(st, p.Cargo, shares[i], now); err != nil {
				e.log.Warn(ctx, "supply update failed",
					logging.Uint("station", uint64(st)), logging.Err(err))
			}
		}
	}

	for _, l := range e.scenario.Links {
		if err := e.KB.ConnectStations(l.Cargo, l.From, l.To, l.Capacity, l.Usage, l.TravelTime, l.mode(true), now); err != nil {
			e.log.Warn(ctx, "link refresh failed",
				logging.Uint("from", uint64(l.From)), logging.Uint("to", uint64(l.To)), logging.Err(err))
		}
	}

	for _, lg := range e.KB.LinkGraphs() {
		if now-lg.LastCompression >= linkgraph.CompressionInterval {
			lg.Compress(now)
			e.log.Debug(ctx, "link graph compressed", logging.Uint("link_graph", uint64(lg.ID)))
		}
	}

	e.mu.Lock()
	e.stats.Days++
	e.stats.Produced += produced
	e.stats.Lost += lost
	e.mu.Unlock()
}

// Stats returns the running totals.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// RouteCargo draws the next hop for cargo from origin waiting at st. A
// result equal to st means the cargo is delivered there.
func (e *Engine) RouteCargo(st model.StationID, cargo model.CargoID, origin model.StationID, rng flowstat.Rand) (model.StationID, error) {
	return e.KB.NextHop(rng, st, cargo, origin)
}

// Route follows published flows for cargo entering the network at origin
// until it is delivered or no flow is known. The returned path starts at
// origin; delivered reports whether the last station consumes the cargo.
func (e *Engine) Route(origin model.StationID, cargo model.CargoID, rng flowstat.Rand) (path []model.StationID, delivered bool, err error) {
	path = []model.StationID{origin}
	at := origin
	for range MaxRouteHops {
		next, err := e.RouteCargo(at, cargo, origin, rng)
		if err != nil {
			return path, false, err
		}
		switch next {
		case model.InvalidStation:
			return path, false, nil
		case at:
			return path, true, nil
		}
		path = append(path, next)
		at = next
	}
	return path, false, nil
}

// Run steps the clock ticks times on the calling goroutine, or paces it on
// its own goroutine in real time mode until ctx ends. The scheduler is
// shut down afterwards.
func (e *Engine) Run(ctx context.Context, ticks int) {
	defer e.Scheduler.Shutdown()
	if e.Clock.Mode == timectrl.RealTime {
		<-e.Clock.StartTicks(ctx, ticks)
		return
	}
	for i := 0; ticks <= 0 || i < ticks; i++ {
		if ctx.Err() != nil {
			return
		}
		e.Clock.Step()
	}
}

// Close detaches the engine from knowledge base events.
func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}
