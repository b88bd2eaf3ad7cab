// Package linkgraph computes cargo distribution over link graph
// components. A LinkGraph is the live component maintained by the station
// layer; the Scheduler periodically snapshots it into a Job which runs the
// demand calculator, the two MCF passes and the flow mapper on its own
// goroutine.
package linkgraph

import (
	"errors"
	"fmt"
	"slices"

	"github.com/signalsfoundry/cargodist/model"
	"github.com/signalsfoundry/cargodist/timectrl"
)

var (
	// ErrNodeNotFound is returned when a node index is out of range.
	ErrNodeNotFound = errors.New("linkgraph: node not found")
	// ErrEdgeNotFound is returned when updating an edge that does not exist.
	ErrEdgeNotFound = errors.New("linkgraph: edge not found")
	// ErrSameNode is returned for edges from a node to itself.
	ErrSameNode = errors.New("linkgraph: edge endpoints are the same node")
	// ErrInvalidCapacity is returned for zero capacity or usage above capacity.
	ErrInvalidCapacity = errors.New("linkgraph: invalid capacity")
)

// CompressionInterval is the number of days after which a component's
// statistics are halved.
const CompressionInterval = 256

// EdgeUpdateMode selects how UpdateEdge merges new statistics.
type EdgeUpdateMode uint8

const (
	// EdgeIncrease adds capacity and usage to the edge.
	EdgeIncrease EdgeUpdateMode = 1 << iota
	// EdgeRefresh raises capacity and usage to at least the given values.
	EdgeRefresh
	// EdgeRestricted stamps the restricted update date.
	EdgeRestricted
	// EdgeUnrestricted stamps the unrestricted update date.
	EdgeUnrestricted
)

// BaseNode is a station in a component.
type BaseNode struct {
	Station    model.StationID
	XY         model.TileXY
	Supply     uint32
	Demand     uint32
	LastUpdate timectrl.Date
}

// BaseEdge is a directed link between two stations of a component.
type BaseEdge struct {
	Capacity               uint32
	Usage                  uint32
	TravelTimeSum          uint64
	LastUnrestrictedUpdate timectrl.Date
	LastRestrictedUpdate   timectrl.Date
}

// TravelTime returns the capacity weighted average travel time in ticks.
func (e *BaseEdge) TravelTime() uint32 {
	if e.Capacity == 0 {
		return 0
	}
	return uint32(e.TravelTimeSum / uint64(e.Capacity))
}

// LastUpdate returns the later of the two update dates.
func (e *BaseEdge) LastUpdate() timectrl.Date {
	return max(e.LastUnrestrictedUpdate, e.LastRestrictedUpdate)
}

// Restricted reports whether only restricted traffic refreshed the edge.
func (e *BaseEdge) Restricted() bool {
	return e.LastUnrestrictedUpdate == timectrl.InvalidDate
}

func (e *BaseEdge) stamp(mode EdgeUpdateMode, now timectrl.Date) {
	if mode&EdgeUnrestricted != 0 {
		e.LastUnrestrictedUpdate = now
	}
	if mode&EdgeRestricted != 0 {
		e.LastRestrictedUpdate = now
	}
}

func (e *BaseEdge) update(capacity, usage, travelTime uint32, mode EdgeUpdateMode, now timectrl.Date) {
	switch {
	case mode&EdgeIncrease != 0:
		switch {
		case e.TravelTimeSum == 0:
			e.TravelTimeSum = uint64(e.Capacity+capacity) * uint64(travelTime)
		case travelTime == 0:
			e.TravelTimeSum += e.TravelTimeSum / uint64(e.Capacity) * uint64(capacity)
		default:
			e.TravelTimeSum += uint64(travelTime) * uint64(capacity)
		}
		e.Capacity += capacity
		e.Usage += usage
	case mode&EdgeRefresh != 0:
		switch {
		case e.TravelTimeSum == 0:
			e.Capacity = max(e.Capacity, capacity)
			e.TravelTimeSum = uint64(travelTime) * uint64(e.Capacity)
		case capacity > e.Capacity:
			e.TravelTimeSum = e.TravelTimeSum / uint64(e.Capacity) * uint64(capacity)
			e.Capacity = capacity
		}
		e.Usage = max(e.Usage, usage)
	}
	e.stamp(mode, now)
}

// LinkGraph is one connected component of stations for one cargo.
type LinkGraph struct {
	ID              model.LinkGraphID
	Cargo           model.Cargo
	LastCompression timectrl.Date

	nodes []BaseNode
	edges []map[model.NodeID]*BaseEdge
}

// New creates an empty component.
func New(id model.LinkGraphID, cargo model.Cargo, now timectrl.Date) *LinkGraph {
	return &LinkGraph{ID: id, Cargo: cargo, LastCompression: now}
}

// Size returns the number of nodes.
func (lg *LinkGraph) Size() int { return len(lg.nodes) }

// Node returns a copy of node id.
func (lg *LinkGraph) Node(id model.NodeID) (BaseNode, error) {
	if int(id) >= len(lg.nodes) {
		return BaseNode{}, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	return lg.nodes[id], nil
}

// Nodes returns a copy of all nodes in index order.
func (lg *LinkGraph) Nodes() []BaseNode {
	return slices.Clone(lg.nodes)
}

// AddNode appends a node for station st and returns its index.
func (lg *LinkGraph) AddNode(st model.StationID, xy model.TileXY, now timectrl.Date) model.NodeID {
	lg.nodes = append(lg.nodes, BaseNode{Station: st, XY: xy, LastUpdate: now})
	lg.edges = append(lg.edges, map[model.NodeID]*BaseEdge{})
	return model.NodeID(len(lg.nodes) - 1)
}

// RemoveNode deletes node id and its edges. The last node moves into the
// freed index; its station is returned so the caller can re-index it, or
// InvalidStation when id was the last node.
func (lg *LinkGraph) RemoveNode(id model.NodeID) (model.StationID, error) {
	if int(id) >= len(lg.nodes) {
		return model.InvalidStation, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	last := model.NodeID(len(lg.nodes) - 1)

	for from := range lg.edges {
		delete(lg.edges[from], id)
	}
	lg.edges[id] = lg.edges[last]

	moved := model.InvalidStation
	if id != last {
		lg.nodes[id] = lg.nodes[last]
		moved = lg.nodes[id].Station
		for from := range lg.edges {
			if e, ok := lg.edges[from][last]; ok {
				delete(lg.edges[from], last)
				lg.edges[from][id] = e
			}
		}
	}
	lg.nodes = lg.nodes[:last]
	lg.edges = lg.edges[:last]
	return moved, nil
}

// UpdateSupply adds supply collected at node id.
func (lg *LinkGraph) UpdateSupply(id model.NodeID, amount uint32, now timectrl.Date) error {
	if int(id) >= len(lg.nodes) {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	lg.nodes[id].Supply += amount
	lg.nodes[id].LastUpdate = now
	return nil
}

// SetDemand sets the acceptance of node id.
func (lg *LinkGraph) SetDemand(id model.NodeID, demand uint32) error {
	if int(id) >= len(lg.nodes) {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	lg.nodes[id].Demand = demand
	return nil
}

func (lg *LinkGraph) checkEdge(from, to model.NodeID) error {
	if int(from) >= len(lg.nodes) {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, from)
	}
	if int(to) >= len(lg.nodes) {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, to)
	}
	if from == to {
		return fmt.Errorf("%w: %d", ErrSameNode, from)
	}
	return nil
}

// AddEdge creates the edge from → to, replacing any existing one.
func (lg *LinkGraph) AddEdge(from, to model.NodeID, capacity, usage, travelTime uint32, mode EdgeUpdateMode, now timectrl.Date) error {
	if err := lg.checkEdge(from, to); err != nil {
		return err
	}
	if capacity == 0 || usage > capacity {
		return fmt.Errorf("%w: capacity %d usage %d", ErrInvalidCapacity, capacity, usage)
	}
	e := &BaseEdge{
		Capacity:               capacity,
		Usage:                  usage,
		TravelTimeSum:          uint64(travelTime) * uint64(capacity),
		LastUnrestrictedUpdate: timectrl.InvalidDate,
		LastRestrictedUpdate:   timectrl.InvalidDate,
	}
	e.stamp(mode, now)
	lg.edges[from][to] = e
	return nil
}

// UpdateEdge merges new statistics into from → to, creating the edge if
// it does not exist yet.
func (lg *LinkGraph) UpdateEdge(from, to model.NodeID, capacity, usage, travelTime uint32, mode EdgeUpdateMode, now timectrl.Date) error {
	if err := lg.checkEdge(from, to); err != nil {
		return err
	}
	e, ok := lg.edges[from][to]
	if !ok {
		return lg.AddEdge(from, to, capacity, usage, travelTime, mode, now)
	}
	if usage > capacity {
		return fmt.Errorf("%w: capacity %d usage %d", ErrInvalidCapacity, capacity, usage)
	}
	e.update(capacity, usage, travelTime, mode, now)
	return nil
}

// RestrictEdge marks from → to as only used by restricted traffic.
func (lg *LinkGraph) RestrictEdge(from, to model.NodeID) error {
	e := lg.Edge(from, to)
	if e == nil {
		return fmt.Errorf("%w: %d -> %d", ErrEdgeNotFound, from, to)
	}
	e.LastUnrestrictedUpdate = timectrl.InvalidDate
	return nil
}

// RemoveEdge deletes from → to if present.
func (lg *LinkGraph) RemoveEdge(from, to model.NodeID) {
	if int(from) < len(lg.edges) {
		delete(lg.edges[from], to)
	}
}

// Edge returns the edge from → to or nil.
func (lg *LinkGraph) Edge(from, to model.NodeID) *BaseEdge {
	if int(from) >= len(lg.edges) {
		return nil
	}
	return lg.edges[from][to]
}

// Neighbours returns the targets of edges leaving from in ascending order.
func (lg *LinkGraph) Neighbours(from model.NodeID) []model.NodeID {
	if int(from) >= len(lg.edges) {
		return nil
	}
	out := make([]model.NodeID, 0, len(lg.edges[from]))
	for to := range lg.edges[from] {
		out = append(out, to)
	}
	slices.Sort(out)
	return out
}

func scaleByAge(val uint64, targetAge, origAge timectrl.Date) uint64 {
	if val == 0 {
		return 0
	}
	return max(1, val*uint64(targetAge)/uint64(origAge))
}

// Merge moves all nodes and edges of other into lg, rescaling other's
// statistics to lg's age. It returns the new index of each node of other.
func (lg *LinkGraph) Merge(other *LinkGraph, now timectrl.Date) []model.NodeID {
	age := now - lg.LastCompression + 1
	otherAge := now - other.LastCompression + 1

	mapping := make([]model.NodeID, len(other.nodes))
	for i, n := range other.nodes {
		id := lg.AddNode(n.Station, n.XY, n.LastUpdate)
		lg.nodes[id].Supply = uint32(scaleByAge(uint64(n.Supply), age, otherAge))
		lg.nodes[id].Demand = n.Demand
		mapping[i] = id
	}
	for from, targets := range other.edges {
		for to, e := range targets {
			c := *e
			c.Capacity = uint32(scaleByAge(uint64(c.Capacity), age, otherAge))
			c.Usage = uint32(scaleByAge(uint64(c.Usage), age, otherAge))
			c.TravelTimeSum = scaleByAge(c.TravelTimeSum, age, otherAge)
			lg.edges[mapping[from]][mapping[to]] = &c
		}
	}
	return mapping
}

// Compress halves supply and edge statistics so old traffic decays.
func (lg *LinkGraph) Compress(now timectrl.Date) {
	lg.LastCompression = (now + lg.LastCompression) / 2
	for i := range lg.nodes {
		lg.nodes[i].Supply /= 2
	}
	for _, targets := range lg.edges {
		for _, e := range targets {
			if e.Capacity == 0 {
				continue
			}
			capacity := max(1, e.Capacity/2)
			e.TravelTimeSum = e.TravelTimeSum * uint64(capacity) / uint64(e.Capacity)
			e.Capacity = capacity
			e.Usage /= 2
		}
	}
}

// ShiftDates moves every date of the component by interval days.
func (lg *LinkGraph) ShiftDates(interval int32) {
	shift := func(d *timectrl.Date) {
		if *d != timectrl.InvalidDate {
			*d += timectrl.Date(interval)
		}
	}
	lg.LastCompression += timectrl.Date(interval)
	for i := range lg.nodes {
		shift(&lg.nodes[i].LastUpdate)
	}
	for _, targets := range lg.edges {
		for _, e := range targets {
			shift(&e.LastUnrestrictedUpdate)
			shift(&e.LastRestrictedUpdate)
		}
	}
}

// Monthly scales a value collected since the last compression to 30 days.
func (lg *LinkGraph) Monthly(base uint32, now timectrl.Date) uint32 {
	return uint32(uint64(base) * 30 / uint64(now-lg.LastCompression+1))
}

// Clone returns a deep copy.
func (lg *LinkGraph) Clone() *LinkGraph {
	c := &LinkGraph{
		ID:              lg.ID,
		Cargo:           lg.Cargo,
		LastCompression: lg.LastCompression,
		nodes:           slices.Clone(lg.nodes),
		edges:           make([]map[model.NodeID]*BaseEdge, len(lg.edges)),
	}
	for from, targets := range lg.edges {
		m := make(map[model.NodeID]*BaseEdge, len(targets))
		for to, e := range targets {
			cp := *e
			m[to] = &cp
		}
		c.edges[from] = m
	}
	return c
}
