package linkgraph

import (
	"container/heap"
	"context"
	"math"

	"golang.org/x/exp/constraints"

	"github.com/signalsfoundry/cargodist/internal/logging"
	"github.com/signalsfoundry/cargodist/model"
	"github.com/signalsfoundry/cargodist/timectrl"
)

// UnlimitedSaturation lets flow exceed edge capacity.
const UnlimitedSaturation = math.MaxUint32

func clamp[T constraints.Integer](v, lo, hi T) T {
	return min(max(v, lo), hi)
}

// annotation ranks paths for Dijkstra.
type annotation interface {
	// isBetter reports whether reaching dest by extending base over an
	// edge with the given properties improves on dest's current path.
	isBetter(dest, base *Path, capacity uint32, freeCapacity int64, distance uint64) bool
	// before orders the queue; it must be a strict total order.
	before(a, b *Path) bool
}

// distanceAnnotation prefers paths with free capacity, then short ones.
type distanceAnnotation struct{}

func (distanceAnnotation) isBetter(dest, base *Path, _ uint32, freeCapacity int64, distance uint64) bool {
	if base.Distance == unreachableDistance {
		return false
	}
	if dest.Distance == unreachableDistance {
		return true
	}
	if freeCapacity > 0 && base.FreeCapacity > 0 {
		// Only compare distances if both paths have free capacity.
		if dest.FreeCapacity > 0 {
			return base.Distance+distance < dest.Distance
		}
		return true
	}
	if dest.FreeCapacity > 0 {
		return false
	}
	return base.Distance+distance < dest.Distance
}

func (distanceAnnotation) before(a, b *Path) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.Node < b.Node
}

// capacityAnnotation prefers paths with the highest ratio of free to total
// capacity, then short ones.
type capacityAnnotation struct{}

func (capacityAnnotation) isBetter(dest, base *Path, capacity uint32, freeCapacity int64, distance uint64) bool {
	minCap := CapacityRatio(min(base.FreeCapacity, freeCapacity), min(base.Capacity, capacity))
	thisCap := CapacityRatio(dest.FreeCapacity, dest.Capacity)
	if minCap == thisCap {
		if base.Distance == unreachableDistance {
			return false
		}
		return base.Distance+distance < dest.Distance
	}
	return minCap > thisCap
}

func (capacityAnnotation) before(a, b *Path) bool {
	ra, rb := CapacityRatio(a.FreeCapacity, a.Capacity), CapacityRatio(b.FreeCapacity, b.Capacity)
	if ra != rb {
		return ra > rb
	}
	return a.Node > b.Node
}

// edgeIterator enumerates the edges Dijkstra may follow from a node.
type edgeIterator interface {
	setNode(source, node model.NodeID)
	next() (model.NodeID, bool)
}

// graphEdgeIterator follows every edge of the component.
type graphEdgeIterator struct {
	j       *Job
	targets []model.NodeID
}

func (it *graphEdgeIterator) setNode(_, node model.NodeID) {
	it.targets = it.j.neighbours[node]
}

func (it *graphEdgeIterator) next() (model.NodeID, bool) {
	if len(it.targets) == 0 {
		return model.InvalidNode, false
	}
	to := it.targets[0]
	it.targets = it.targets[1:]
	return to, true
}

// flowEdgeIterator only follows edges that already carry flow from the
// source, as recorded in the node's flow table.
type flowEdgeIterator struct {
	j      *Job
	shares []model.StationID
}

func (it *flowEdgeIterator) setNode(source, node model.NodeID) {
	it.shares = it.shares[:0]
	fs, ok := it.j.nodes[node].flows[it.j.graph.nodes[source].Station]
	if !ok {
		return
	}
	for _, s := range fs.Shares() {
		it.shares = append(it.shares, s.Via)
	}
}

func (it *flowEdgeIterator) next() (model.NodeID, bool) {
	for len(it.shares) > 0 {
		via := it.shares[0]
		it.shares = it.shares[1:]
		if to, ok := it.j.stationNodes[via]; ok {
			return to, true
		}
	}
	return model.InvalidNode, false
}

// pathQueue is an indexed heap of the legs still to be settled.
type pathQueue struct {
	arena *PathArena
	anno  annotation
	ids   []PathID
	pos   map[PathID]int
}

func (q *pathQueue) Len() int { return len(q.ids) }

func (q *pathQueue) Less(i, k int) bool {
	return q.anno.before(q.arena.Get(q.ids[i]), q.arena.Get(q.ids[k]))
}

func (q *pathQueue) Swap(i, k int) {
	q.ids[i], q.ids[k] = q.ids[k], q.ids[i]
	q.pos[q.ids[i]] = i
	q.pos[q.ids[k]] = k
}

func (q *pathQueue) Push(x any) {
	id := x.(PathID)
	q.pos[id] = len(q.ids)
	q.ids = append(q.ids, id)
}

func (q *pathQueue) Pop() any {
	n := len(q.ids) - 1
	id := q.ids[n]
	q.ids = q.ids[:n]
	delete(q.pos, id)
	return id
}

// update restores heap order after id changed, re-adding it if it was
// already settled.
func (q *pathQueue) update(id PathID) {
	if i, ok := q.pos[id]; ok {
		heap.Fix(q, i)
		return
	}
	heap.Push(q, id)
}

// edgeDistance is the cost of travelling an edge: its travel time when
// known, otherwise a distance based estimate, plus one day for the stop.
func edgeDistance(e *edgeAnnotation, from, to *BaseNode) uint64 {
	if e.travelTime > 0 {
		return uint64(e.travelTime) + timectrl.DayTicks
	}
	return (uint64(model.DistanceMaxPlusManhattan(from.XY, to.XY)) + 1) * timectrl.DayTicks
}

// dijkstra computes the best path from source to every node. The returned
// slice holds one leg per node; unreachable nodes keep an unreachable leg.
func dijkstra[A annotation, I edgeIterator](j *Job, source model.NodeID, anno A, iter I, maxSaturation uint32) []PathID {
	size := j.Size()
	paths := make([]PathID, size)
	for node := 0; node < size; node++ {
		paths[node] = j.paths.New(model.NodeID(node), model.NodeID(node) == source)
	}

	q := &pathQueue{arena: &j.paths, anno: anno, ids: make([]PathID, 0, size), pos: make(map[PathID]int, size)}
	for _, id := range paths {
		q.Push(id)
	}
	heap.Init(q)

	for q.Len() > 0 {
		base := heap.Pop(q).(PathID)
		from := j.paths.Get(base).Node
		iter.setNode(source, from)
		for to, ok := iter.next(); ok; to, ok = iter.next() {
			// A share via the node itself marks local consumption. The
			// source is the root of the tree and never gets a parent.
			if to == from || to == source {
				continue
			}
			e := j.edge(from, to)
			capacity := e.capacity
			if maxSaturation != UnlimitedSaturation {
				capacity = uint32(uint64(capacity) * uint64(maxSaturation) / 100)
				if capacity == 0 {
					capacity = 1
				}
			}
			free := int64(capacity) - int64(e.flow)
			distance := edgeDistance(e, &j.graph.nodes[from], &j.graph.nodes[to])
			dest := paths[to]
			if !anno.isBetter(j.paths.Get(dest), j.paths.Get(base), capacity, free, distance) {
				continue
			}
			if j.paths.isAncestor(dest, base) {
				continue
			}
			j.paths.Fork(dest, base, capacity, free, distance)
			q.update(dest)
		}
	}
	return paths
}

// cleanupPaths frees the legs of one Dijkstra run that did not receive
// flow. Legs with flow stay alive in their parent node's path list.
func cleanupPaths(j *Job, source model.NodeID, paths []PathID) {
	root := paths[source]
	paths[source] = NoPath
	for _, id := range paths {
		if id == NoPath {
			continue
		}
		if j.paths.Get(id).Parent == root {
			j.paths.Detach(id)
		}
		for id != root && id != NoPath && j.paths.Get(id).Flow == 0 {
			p := j.paths.Get(id)
			parent := p.Parent
			j.paths.Detach(id)
			if p.NumChildren == 0 {
				paths[p.Node] = NoPath
				j.paths.Free(id)
			}
			id = parent
		}
	}
	j.paths.Free(root)
}

// pushFlow assigns one accuracy step of the demand source → dest to the
// path ending in id and returns the flow actually assigned.
func pushFlow(j *Job, source, dest model.NodeID, id PathID, accuracy, maxSaturation uint32) uint32 {
	e := j.edge(source, dest)
	flow := clamp(e.demand/accuracy, 1, e.unsatisfied)
	flow = j.paths.AddFlow(id, flow, j, maxSaturation)
	j.SatisfyDemand(source, dest, flow)
	return flow
}

// MCFOption configures the MCF passes.
type MCFOption func(*MCFHandler)

// WithMaxIterations bounds the number of rounds of each pass. Zero means
// no bound. Stopping early is not an error; the job publishes the flows
// found so far.
func WithMaxIterations(n int) MCFOption {
	return func(h *MCFHandler) { h.maxIterations = n }
}

// MCFHandler runs one pass of the multi-commodity flow solver. Pass 1
// routes demand along short paths without exceeding the short path
// saturation. Pass 2 puts the remaining demand on the paths pass 1
// established, overloading them if necessary.
type MCFHandler struct {
	pass          int
	maxIterations int
}

// NewMCFHandler returns the handler for pass 1 or 2.
func NewMCFHandler(pass int, opts ...MCFOption) *MCFHandler {
	h := &MCFHandler{pass: pass}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *MCFHandler) Name() string {
	if h.pass == 1 {
		return "mcf1"
	}
	return "mcf2"
}

func (h *MCFHandler) Run(ctx context.Context, j *Job) {
	log := logging.LoggerFromContext(ctx).With(logging.String("handler", h.Name()))
	if h.pass == 1 {
		h.firstPass(ctx, log, j)
		if !j.IsAborted() {
			j.setState(StatePass1Converged)
		}
		return
	}
	h.secondPass(ctx, log, j)
	if !j.IsAborted() {
		j.setState(StatePass2Converged)
	}
}

func (h *MCFHandler) exhausted(round int) bool {
	return h.maxIterations > 0 && round >= h.maxIterations
}

func (h *MCFHandler) budgetReached(ctx context.Context, log logging.Logger, round int) {
	log.Info(ctx, "mcf iteration budget reached",
		logging.Int("rounds", round),
		logging.Int("max_iterations", h.maxIterations))
}

func (h *MCFHandler) firstPass(ctx context.Context, log logging.Logger, j *Job) {
	size := j.Size()
	accuracy := uint32(j.settings.Accuracy)
	maxSaturation := uint32(j.settings.ShortPathSaturation)
	finished := make([]bool, size)

	for round := 1; ; round++ {
		moreLoops := false
		for s := 0; s < size; s++ {
			if j.IsAborted() {
				return
			}
			if finished[s] {
				continue
			}
			source := model.NodeID(s)
			paths := dijkstra(j, source, distanceAnnotation{}, &graphEdgeIterator{j: j}, maxSaturation)

			demandLeft := false
			for d := 0; d < size; d++ {
				dest := model.NodeID(d)
				e := j.edge(source, dest)
				if e.unsatisfied == 0 {
					continue
				}
				p := j.paths.Get(paths[dest])
				if p.FreeCapacity > 0 && pushFlow(j, source, dest, paths[dest], accuracy, maxSaturation) > 0 {
					// Found a path, there may be more.
					moreLoops = moreLoops || e.unsatisfied > 0
				} else if e.unsatisfied == e.demand && p.FreeCapacity > noFreeCapacity {
					// Nothing routed yet: allow any valid path once.
					pushFlow(j, source, dest, paths[dest], accuracy, UnlimitedSaturation)
				}
				if e.unsatisfied > 0 {
					demandLeft = true
				}
			}
			finished[s] = !demandLeft
			cleanupPaths(j, source, paths)
		}

		if j.IsAborted() {
			return
		}
		before := j.cyclesEliminated
		if h.exhausted(round) {
			if cycles := eliminateCycles(j); moreLoops || cycles {
				h.budgetReached(ctx, log, round)
			}
			return
		}
		cycles := eliminateCycles(j)
		log.Debug(ctx, "mcf round finished",
			logging.Int("round", round),
			logging.Any("more_loops", moreLoops),
			logging.Uint("cycles_eliminated", j.cyclesEliminated-before))
		if !moreLoops && !cycles {
			return
		}
	}
}

func (h *MCFHandler) secondPass(ctx context.Context, log logging.Logger, j *Job) {
	size := j.Size()
	accuracy := uint32(j.settings.Accuracy)
	finished := make([]bool, size)

	demandLeft := true
	for round := 1; demandLeft && !j.IsAborted(); round++ {
		if h.exhausted(round - 1) {
			h.budgetReached(ctx, log, round-1)
			return
		}
		demandLeft = false
		for s := 0; s < size; s++ {
			if j.IsAborted() {
				return
			}
			if finished[s] {
				continue
			}
			source := model.NodeID(s)
			paths := dijkstra(j, source, capacityAnnotation{}, &flowEdgeIterator{j: j}, UnlimitedSaturation)

			sourceDemandLeft := false
			for d := 0; d < size; d++ {
				dest := model.NodeID(d)
				e := j.edge(source, dest)
				if e.unsatisfied == 0 || j.paths.Get(paths[dest]).FreeCapacity <= noFreeCapacity {
					continue
				}
				pushFlow(j, source, dest, paths[dest], accuracy, UnlimitedSaturation)
				if e.unsatisfied > 0 {
					demandLeft = true
					sourceDemandLeft = true
				}
			}
			finished[s] = !sourceDemandLeft
			cleanupPaths(j, source, paths)
		}
		log.Debug(ctx, "mcf round finished",
			logging.Int("round", round),
			logging.Any("demand_left", demandLeft))
	}
}
