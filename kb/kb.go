// Package kb is the station knowledge base: stations, their per-cargo goods
// entries and the registry of live link graph components. It is the store
// the link graph scheduler reads components from and merges job results
// into.
package kb

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/signalsfoundry/cargodist/flowstat"
	"github.com/signalsfoundry/cargodist/linkgraph"
	"github.com/signalsfoundry/cargodist/model"
	"github.com/signalsfoundry/cargodist/timectrl"
)

var (
	// ErrStationExists is returned when adding a station ID twice.
	ErrStationExists = errors.New("kb: station already exists")
	// ErrStationNotFound is returned for unknown station IDs.
	ErrStationNotFound = errors.New("kb: station not found")
	// ErrLinkGraphNotFound is returned for unknown link graph IDs.
	ErrLinkGraphNotFound = errors.New("kb: link graph not found")
	// ErrCargoNotFound is returned for cargos that were never registered.
	ErrCargoNotFound = errors.New("kb: cargo not found")
)

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventStationAdded EventType = iota
	EventStationRemoved
	// EventLinkGraphAdded carries a new component that should be scheduled.
	EventLinkGraphAdded
	// EventLinkGraphRemoved carries a component that was merged away or
	// lost its last node.
	EventLinkGraphRemoved
	// EventFlowsUpdated is emitted per station after a job result merge.
	EventFlowsUpdated
)

func (t EventType) String() string {
	switch t {
	case EventStationAdded:
		return "station_added"
	case EventStationRemoved:
		return "station_removed"
	case EventLinkGraphAdded:
		return "link_graph_added"
	case EventLinkGraphRemoved:
		return "link_graph_removed"
	case EventFlowsUpdated:
		return "flows_updated"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type      EventType
	Station   model.StationID
	Cargo     model.CargoID
	LinkGraph *linkgraph.LinkGraph
}

// Station is a place where cargo is loaded and unloaded.
type Station struct {
	ID   model.StationID
	Name string
	XY   model.TileXY
}

// GoodsEntry is the per-cargo state of a station. LinkGraph is
// InvalidLinkGraph until the station gets its first link for the cargo.
type GoodsEntry struct {
	LinkGraph  model.LinkGraphID
	Node       model.NodeID
	Acceptance uint32
	Flows      flowstat.FlowStatMap
}

func newGoodsEntry() *GoodsEntry {
	return &GoodsEntry{
		LinkGraph: model.InvalidLinkGraph,
		Node:      model.InvalidNode,
		Flows:     flowstat.FlowStatMap{},
	}
}

type station struct {
	Station
	goods map[model.CargoID]*GoodsEntry
}

func (s *station) goodsFor(cargo model.CargoID) *GoodsEntry {
	ge, ok := s.goods[cargo]
	if !ok {
		ge = newGoodsEntry()
		s.goods[cargo] = ge
	}
	return ge
}

// WorldMetricsRecorder receives the size of the world after every change
// to the station or component sets.
type WorldMetricsRecorder interface {
	SetWorldCounts(stations, linkGraphs int)
}

// Option configures a KnowledgeBase.
type Option func(*KnowledgeBase)

// WithMetricsRecorder wires a recorder for world counts.
func WithMetricsRecorder(r WorldMetricsRecorder) Option {
	return func(kb *KnowledgeBase) { kb.metrics = r }
}

// KnowledgeBase is an in-memory, thread-safe store for stations and link
// graphs. Link graphs handed out by LinkGraph and LinkGraphs are live and
// must only be touched from the simulation goroutine.
type KnowledgeBase struct {
	mu sync.RWMutex

	cargos   map[model.CargoID]model.Cargo
	stations map[model.StationID]*station
	graphs   map[model.LinkGraphID]*linkgraph.LinkGraph

	subs    map[int]func(Event)
	nextSub int

	metrics WorldMetricsRecorder
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase(opts ...Option) *KnowledgeBase {
	kb := &KnowledgeBase{
		cargos:   make(map[model.CargoID]model.Cargo),
		stations: make(map[model.StationID]*station),
		graphs:   make(map[model.LinkGraphID]*linkgraph.LinkGraph),
		subs:     make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(kb)
	}
	kb.updateMetricsLocked()
	return kb
}

func (kb *KnowledgeBase) updateMetricsLocked() {
	if kb.metrics != nil {
		kb.metrics.SetWorldCounts(len(kb.stations), len(kb.graphs))
	}
}

// AddCargo registers a cargo type, replacing any earlier definition.
func (kb *KnowledgeBase) AddCargo(c model.Cargo) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.cargos[c.ID] = c
}

// Cargo returns the cargo with the given ID.
func (kb *KnowledgeBase) Cargo(id model.CargoID) (model.Cargo, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	c, ok := kb.cargos[id]
	return c, ok
}

// AddStation adds a new station. It returns an error if the ID already exists.
func (kb *KnowledgeBase) AddStation(st Station) error {
	if st.ID == model.InvalidStation {
		return fmt.Errorf("%w: %d is reserved", ErrStationNotFound, st.ID)
	}
	kb.mu.Lock()
	if _, exists := kb.stations[st.ID]; exists {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrStationExists, st.ID)
	}
	kb.stations[st.ID] = &station{Station: st, goods: make(map[model.CargoID]*GoodsEntry)}
	kb.updateMetricsLocked()
	kb.mu.Unlock()

	kb.notify(Event{Type: EventStationAdded, Station: st.ID})
	return nil
}

// Station returns the station with the given ID.
func (kb *KnowledgeBase) Station(id model.StationID) (Station, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	st, ok := kb.stations[id]
	if !ok {
		return Station{}, false
	}
	return st.Station, true
}

// ListStations returns all stations ordered by ID.
func (kb *KnowledgeBase) ListStations() []Station {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	out := make([]Station, 0, len(kb.stations))
	for _, st := range kb.stations {
		out = append(out, st.Station)
	}
	slices.SortFunc(out, func(a, b Station) int { return int(a.ID) - int(b.ID) })
	return out
}

// Goods returns a copy of the goods entry of station for cargo. The flow
// table is cloned.
func (kb *KnowledgeBase) Goods(st model.StationID, cargo model.CargoID) (GoodsEntry, bool) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	s, ok := kb.stations[st]
	if !ok {
		return GoodsEntry{}, false
	}
	ge, ok := s.goods[cargo]
	if !ok {
		return GoodsEntry{}, false
	}
	cp := *ge
	cp.Flows = ge.Flows.Clone()
	return cp, true
}

// Flows returns a copy of the flow table of station for cargo.
func (kb *KnowledgeBase) Flows(st model.StationID, cargo model.CargoID) flowstat.FlowStatMap {
	ge, ok := kb.Goods(st, cargo)
	if !ok {
		return flowstat.FlowStatMap{}
	}
	return ge.Flows
}

// NextHop draws the next station for cargo from origin waiting at st. It
// returns InvalidStation when no flow is known for that origin.
func (kb *KnowledgeBase) NextHop(rng flowstat.Rand, st model.StationID, cargo model.CargoID, origin model.StationID) (model.StationID, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	s, ok := kb.stations[st]
	if !ok {
		return model.InvalidStation, fmt.Errorf("%w: %d", ErrStationNotFound, st)
	}
	ge, ok := s.goods[cargo]
	if !ok {
		return model.InvalidStation, nil
	}
	return ge.Flows.Via(rng, origin), nil
}

// LinkGraph returns the live component with the given ID or nil.
func (kb *KnowledgeBase) LinkGraph(id model.LinkGraphID) *linkgraph.LinkGraph {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.graphs[id]
}

// LinkGraphs returns all live components ordered by ID.
func (kb *KnowledgeBase) LinkGraphs() []*linkgraph.LinkGraph {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	out := make([]*linkgraph.LinkGraph, 0, len(kb.graphs))
	for _, lg := range kb.graphs {
		out = append(out, lg)
	}
	slices.SortFunc(out, func(a, b *linkgraph.LinkGraph) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// newLinkGraphLocked registers an empty component under the lowest free ID.
func (kb *KnowledgeBase) newLinkGraphLocked(cargo model.Cargo, now timectrl.Date) *linkgraph.LinkGraph {
	var id model.LinkGraphID
	for {
		if _, used := kb.graphs[id]; !used {
			break
		}
		id++
	}
	lg := linkgraph.New(id, cargo, now)
	kb.graphs[id] = lg
	return lg
}

// addNodeLocked attaches st to lg and carries its acceptance over as demand.
func addNodeLocked(lg *linkgraph.LinkGraph, st *station, ge *GoodsEntry, now timectrl.Date) {
	ge.LinkGraph = lg.ID
	ge.Node = lg.AddNode(st.ID, st.XY, now)
	// The node was just added, so SetDemand cannot fail.
	_ = lg.SetDemand(ge.Node, ge.Acceptance)
}

// ConnectStations records capacity seen on the link from → to for cargo.
// Unconnected stations join the component of their partner or a new one;
// if both already belong to different components the smaller is merged
// into the larger and removed.
func (kb *KnowledgeBase) ConnectStations(cargo model.CargoID, from, to model.StationID,
	capacity, usage, travelTime uint32, mode linkgraph.EdgeUpdateMode, now timectrl.Date) error {

	var events []Event
	err := func() error {
		kb.mu.Lock()
		defer kb.mu.Unlock()

		c, ok := kb.cargos[cargo]
		if !ok {
			return fmt.Errorf("%w: %d", ErrCargoNotFound, cargo)
		}
		st1, ok := kb.stations[from]
		if !ok {
			return fmt.Errorf("%w: %d", ErrStationNotFound, from)
		}
		st2, ok := kb.stations[to]
		if !ok {
			return fmt.Errorf("%w: %d", ErrStationNotFound, to)
		}
		if from == to {
			return fmt.Errorf("%w: %d", linkgraph.ErrSameNode, from)
		}
		ge1, ge2 := st1.goodsFor(cargo), st2.goodsFor(cargo)

		var lg *linkgraph.LinkGraph
		switch {
		case ge1.LinkGraph == model.InvalidLinkGraph && ge2.LinkGraph == model.InvalidLinkGraph:
			lg = kb.newLinkGraphLocked(c, now)
			events = append(events, Event{Type: EventLinkGraphAdded, Cargo: cargo, LinkGraph: lg})
			addNodeLocked(lg, st2, ge2, now)
			addNodeLocked(lg, st1, ge1, now)
		case ge1.LinkGraph == model.InvalidLinkGraph:
			lg = kb.graphs[ge2.LinkGraph]
			addNodeLocked(lg, st1, ge1, now)
		case ge2.LinkGraph == model.InvalidLinkGraph:
			lg = kb.graphs[ge1.LinkGraph]
			addNodeLocked(lg, st2, ge2, now)
		default:
			lg = kb.graphs[ge1.LinkGraph]
			if ge1.LinkGraph != ge2.LinkGraph {
				lg2 := kb.graphs[ge2.LinkGraph]
				if lg.Size() < lg2.Size() {
					lg, lg2 = lg2, lg
				}
				kb.mergeLocked(lg, lg2, cargo, now)
				events = append(events, Event{Type: EventLinkGraphRemoved, Cargo: cargo, LinkGraph: lg2})
			}
		}
		kb.updateMetricsLocked()
		return lg.UpdateEdge(ge1.Node, ge2.Node, capacity, usage, travelTime, mode, now)
	}()

	for _, ev := range events {
		kb.notify(ev)
	}
	return err
}

// mergeLocked moves other into lg and re-points the goods entries of
// other's stations.
func (kb *KnowledgeBase) mergeLocked(lg, other *linkgraph.LinkGraph, cargo model.CargoID, now timectrl.Date) {
	nodes := other.Nodes()
	mapping := lg.Merge(other, now)
	for i, n := range nodes {
		if st, ok := kb.stations[n.Station]; ok {
			ge := st.goodsFor(cargo)
			ge.LinkGraph = lg.ID
			ge.Node = mapping[i]
		}
	}
	delete(kb.graphs, other.ID)
}

// RemoveLink deletes the edge from → to for cargo and every flow that
// leaves from via to. Components are never split.
func (kb *KnowledgeBase) RemoveLink(cargo model.CargoID, from, to model.StationID) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	st1, ok := kb.stations[from]
	if !ok {
		return fmt.Errorf("%w: %d", ErrStationNotFound, from)
	}
	st2, ok := kb.stations[to]
	if !ok {
		return fmt.Errorf("%w: %d", ErrStationNotFound, to)
	}
	ge1, ok1 := st1.goods[cargo]
	ge2, ok2 := st2.goods[cargo]
	if !ok1 || !ok2 || ge1.LinkGraph == model.InvalidLinkGraph || ge1.LinkGraph != ge2.LinkGraph {
		return nil
	}
	lg := kb.graphs[ge1.LinkGraph]
	lg.RemoveEdge(ge1.Node, ge2.Node)
	ge1.Flows.DeleteFlows(to)
	return nil
}

// UpdateSupply adds cargo collected at st to its component node. Supply at
// stations without links for the cargo is not tracked.
func (kb *KnowledgeBase) UpdateSupply(st model.StationID, cargo model.CargoID, amount uint32, now timectrl.Date) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	s, ok := kb.stations[st]
	if !ok {
		return fmt.Errorf("%w: %d", ErrStationNotFound, st)
	}
	ge, ok := s.goods[cargo]
	if !ok || ge.LinkGraph == model.InvalidLinkGraph {
		return nil
	}
	return kb.graphs[ge.LinkGraph].UpdateSupply(ge.Node, amount, now)
}

// SetAcceptance sets how much cargo st accepts. It becomes the node's
// demand now or when the station joins a component.
func (kb *KnowledgeBase) SetAcceptance(st model.StationID, cargo model.CargoID, amount uint32) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	s, ok := kb.stations[st]
	if !ok {
		return fmt.Errorf("%w: %d", ErrStationNotFound, st)
	}
	ge := s.goodsFor(cargo)
	ge.Acceptance = amount
	if ge.LinkGraph == model.InvalidLinkGraph {
		return nil
	}
	return kb.graphs[ge.LinkGraph].SetDemand(ge.Node, amount)
}

// RemoveStation deletes a station, its nodes and every flow through it.
func (kb *KnowledgeBase) RemoveStation(id model.StationID) error {
	var events []Event
	err := func() error {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		st, ok := kb.stations[id]
		if !ok {
			return fmt.Errorf("%w: %d", ErrStationNotFound, id)
		}
		for cargo, ge := range st.goods {
			if ge.LinkGraph == model.InvalidLinkGraph {
				continue
			}
			lg := kb.graphs[ge.LinkGraph]
			for _, n := range lg.Nodes() {
				other, ok := kb.stations[n.Station]
				if !ok || n.Station == id {
					continue
				}
				flows := other.goodsFor(cargo).Flows
				delete(flows, id)
				flows.DeleteFlows(id)
			}
			moved, err := lg.RemoveNode(ge.Node)
			if err != nil {
				return err
			}
			if moved != model.InvalidStation {
				if ms, ok := kb.stations[moved]; ok {
					ms.goodsFor(cargo).Node = ge.Node
				}
			}
			if lg.Size() == 0 {
				delete(kb.graphs, lg.ID)
				events = append(events, Event{Type: EventLinkGraphRemoved, Cargo: cargo, LinkGraph: lg})
			}
		}
		delete(kb.stations, id)
		kb.updateMetricsLocked()
		events = append(events, Event{Type: EventStationRemoved, Station: id})
		return nil
	}()
	for _, ev := range events {
		kb.notify(ev)
	}
	return err
}

// RemoveLinkGraph drops a component and detaches its stations, clearing
// their flows for its cargo.
func (kb *KnowledgeBase) RemoveLinkGraph(id model.LinkGraphID) error {
	kb.mu.Lock()
	lg, ok := kb.graphs[id]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrLinkGraphNotFound, id)
	}
	for _, n := range lg.Nodes() {
		if st, ok := kb.stations[n.Station]; ok {
			ge := st.goodsFor(lg.Cargo.ID)
			ge.LinkGraph = model.InvalidLinkGraph
			ge.Node = model.InvalidNode
			ge.Flows = flowstat.FlowStatMap{}
		}
	}
	delete(kb.graphs, id)
	kb.updateMetricsLocked()
	kb.mu.Unlock()

	kb.notify(Event{Type: EventLinkGraphRemoved, Cargo: lg.Cargo.ID, LinkGraph: lg})
	return nil
}

// ApplyJobResult merges the flows computed by a finished job into the
// stations of its component. Stations that were removed or re-indexed
// while the job ran are skipped and their origin flows dropped. Flows over
// links that vanished are deleted and flows over fully restricted links
// restricted. Existing origins take over the new shares; origins the job
// no longer routes are invalidated, or deleted under manual distribution.
func (kb *KnowledgeBase) ApplyJobResult(res *linkgraph.JobResult) error {
	var events []Event
	err := func() error {
		kb.mu.Lock()
		defer kb.mu.Unlock()

		lg, ok := kb.graphs[res.LinkGraph]
		if !ok {
			return fmt.Errorf("%w: %d", ErrLinkGraphNotFound, res.LinkGraph)
		}
		valid := func(st model.StationID, node model.NodeID) (*station, *GoodsEntry, bool) {
			s, ok := kb.stations[st]
			if !ok {
				return nil, nil, false
			}
			ge, ok := s.goods[res.Cargo]
			if !ok || ge.LinkGraph != res.LinkGraph || ge.Node != node {
				return nil, nil, false
			}
			return s, ge, true
		}

		for _, nr := range res.Nodes {
			if _, _, ok := valid(nr.Station, nr.Node); !ok {
				for i := range res.Nodes {
					delete(res.Nodes[i].Flows, nr.Station)
				}
			}
		}

		for _, nr := range res.Nodes {
			s, ge, ok := valid(nr.Station, nr.Node)
			if !ok {
				continue
			}
			flows := nr.Flows
			if flows == nil {
				flows = flowstat.FlowStatMap{}
			}
			for _, er := range nr.Edges {
				if er.Flow == 0 {
					continue
				}
				e := lg.Edge(nr.Node, er.To)
				_, _, destOK := valid(er.Station, er.To)
				switch {
				case !destOK || e == nil || e.LastUpdate() == timectrl.InvalidDate:
					// Drop old flows for origins the new table lost so old
					// and new shares cannot form a cycle.
					for _, origin := range flows.DeleteFlows(er.Station) {
						delete(ge.Flows, origin)
					}
				case e.Restricted():
					flows.RestrictFlows(er.Station)
				}
			}

			for _, origin := range ge.Flows.Origins() {
				old := ge.Flows[origin]
				fresh, ok := flows[origin]
				switch {
				case ok:
					old.SwapShares(fresh)
					delete(flows, origin)
				case res.Distribution == model.DistributionManual:
					delete(ge.Flows, origin)
				default:
					old.Invalidate()
				}
			}
			for origin, fs := range flows {
				ge.Flows[origin] = fs
			}
			events = append(events, Event{Type: EventFlowsUpdated, Station: s.ID, Cargo: res.Cargo, LinkGraph: lg})
		}
		return nil
	}()
	for _, ev := range events {
		kb.notify(ev)
	}
	return err
}

// Subscribe registers fn for future events and returns a function that
// removes it. Callbacks run outside the KB lock and may call back into it.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	id := kb.nextSub
	kb.nextSub++
	kb.subs[id] = fn
	kb.mu.Unlock()

	return func() {
		kb.mu.Lock()
		delete(kb.subs, id)
		kb.mu.Unlock()
	}
}

func (kb *KnowledgeBase) notify(ev Event) {
	kb.mu.RLock()
	ids := make([]int, 0, len(kb.subs))
	for id := range kb.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	subs := make([]func(Event), len(ids))
	for i, id := range ids {
		subs[i] = kb.subs[id]
	}
	kb.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}
