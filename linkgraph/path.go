package linkgraph

import (
	"math"
	"slices"

	"github.com/signalsfoundry/cargodist/model"
)

// PathID is a handle into a PathArena.
type PathID int32

const (
	// NoPath is the nil handle.
	NoPath PathID = -1
	// searchedPath marks a node whose outgoing legs were fully searched
	// during cycle elimination.
	searchedPath PathID = -2
)

const (
	unreachableDistance = math.MaxUint64
	sourceCapacity      = math.MaxUint32
	sourceFreeCapacity  = math.MaxInt64
	noFreeCapacity      = math.MinInt64

	// Capacity ratios are fixed point with this many steps per unit.
	capacityMultiplier = 16
	maxFreeCapacity    = (math.MaxInt64 - 1) / capacityMultiplier
	minFreeCapacity    = (math.MinInt64 + 1) / capacityMultiplier
)

// Path is one leg of a path tree: the best known way to reach Node from
// Origin, extending the leg Parent by one edge.
type Path struct {
	Node   model.NodeID
	Origin model.NodeID
	Parent PathID

	// Distance is the cumulative travel cost from the origin.
	Distance uint64
	// Capacity is the smallest edge capacity along the path.
	Capacity uint32
	// FreeCapacity is the smallest remaining capacity along the path. It
	// is negative on overloaded paths.
	FreeCapacity int64
	// Flow is the flow assigned to this leg.
	Flow        uint32
	NumChildren uint32
}

// CapacityRatio maps free and total capacity to a fixed point ratio so
// paths of different sizes can be compared.
func CapacityRatio(free int64, total uint32) int64 {
	free = min(max(free, minFreeCapacity), maxFreeCapacity)
	return free * capacityMultiplier / int64(max(total, 1))
}

// PathArena stores the path legs of one job. Handles stay valid until the
// leg is freed or the arena is reset.
type PathArena struct {
	paths []Path
	free  []PathID
}

// New allocates a leg for node. The leg of the source starts with
// unlimited capacity and zero distance; all others start unreachable.
func (a *PathArena) New(node model.NodeID, source bool) PathID {
	p := Path{
		Node:         node,
		Origin:       model.InvalidNode,
		Parent:       NoPath,
		Distance:     unreachableDistance,
		FreeCapacity: noFreeCapacity,
	}
	if source {
		p.Origin = node
		p.Distance = 0
		p.Capacity = sourceCapacity
		p.FreeCapacity = sourceFreeCapacity
	}
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		a.paths[id] = p
		return id
	}
	a.paths = append(a.paths, p)
	return PathID(len(a.paths) - 1)
}

// Get returns the leg for id. The pointer is invalidated by New.
func (a *PathArena) Get(id PathID) *Path {
	return &a.paths[id]
}

// Len returns the number of live legs.
func (a *PathArena) Len() int {
	return len(a.paths) - len(a.free)
}

// Free releases the slot of id for reuse.
func (a *PathArena) Free(id PathID) {
	a.paths[id] = Path{Parent: NoPath}
	a.free = append(a.free, id)
}

// Reset drops every leg.
func (a *PathArena) Reset() {
	a.paths = a.paths[:0]
	a.free = a.free[:0]
}

// Fork makes id the extension of base over an edge with the given
// capacity, free capacity and distance.
func (a *PathArena) Fork(id, base PathID, capacity uint32, freeCapacity int64, distance uint64) {
	p, b := &a.paths[id], &a.paths[base]
	p.Capacity = min(b.Capacity, capacity)
	p.FreeCapacity = min(b.FreeCapacity, freeCapacity)
	p.Distance = b.Distance + distance
	if p.Parent != base {
		a.Detach(id)
		p.Parent = base
		b.NumChildren++
	}
	p.Origin = b.Origin
}

// Detach cuts id from its parent.
func (a *PathArena) Detach(id PathID) {
	p := &a.paths[id]
	if p.Parent != NoPath {
		a.paths[p.Parent].NumChildren--
		p.Parent = NoPath
	}
}

// isAncestor reports whether id is on the parent chain of p, p included.
func (a *PathArena) isAncestor(id, p PathID) bool {
	for ; p != NoPath; p = a.paths[p].Parent {
		if p == id {
			return true
		}
	}
	return false
}

// AddFlow pushes up to flow along the path ending in id and returns the
// amount actually assigned. With a limited maxSaturation every edge only
// takes flow up to that percentage of its capacity. A leg that receives
// flow for the first time is registered in its parent node's path list.
func (a *PathArena) AddFlow(id PathID, flow uint32, j *Job, maxSaturation uint32) uint32 {
	p := &a.paths[id]
	if p.Parent != NoPath {
		parentNode := a.paths[p.Parent].Node
		edge := j.edge(parentNode, p.Node)
		if maxSaturation != UnlimitedSaturation {
			usable := uint32(uint64(edge.capacity) * uint64(maxSaturation) / 100)
			if usable <= edge.flow {
				return 0
			}
			flow = min(flow, usable-edge.flow)
		}
		flow = a.AddFlow(p.Parent, flow, j, maxSaturation)
		if p.Flow == 0 && flow > 0 {
			n := &j.nodes[parentNode]
			n.paths = slices.Insert(n.paths, 0, id)
		}
		edge.flow += flow
	}
	p.Flow += flow
	return flow
}
