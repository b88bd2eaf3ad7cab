package linkgraph

import (
	"slices"

	"github.com/signalsfoundry/cargodist/model"
)

// eliminateCycles removes flow that loops back to a node it already passed
// for the same origin. It also merges parallel legs with the same origin
// and next hop. It reports whether any cycle was removed.
func eliminateCycles(j *Job) bool {
	found := false
	walk := make([]PathID, j.Size())
	for node := 0; node < j.Size(); node++ {
		for i := range walk {
			walk[i] = NoPath
		}
		if eliminateCyclesFrom(j, walk, model.NodeID(node), model.NodeID(node)) {
			found = true
		}
	}
	return found
}

// eliminateCyclesFrom searches the legs of origin leaving next. walk holds
// the leg taken out of every node on the current search path, NoPath for
// unvisited nodes and searchedPath for nodes known to be cycle free.
func eliminateCyclesFrom(j *Job, walk []PathID, origin, next model.NodeID) bool {
	atNext := walk[next]
	if atNext == searchedPath {
		return false
	}
	if atNext != NoPath {
		// Visited before on this walk: the legs from next on form a cycle.
		flow := cycleFlow(j, walk, next)
		if flow == 0 {
			return false
		}
		eliminateCycle(j, walk, next, flow)
		j.cyclesEliminated++
		return true
	}

	nextHops := summarizePaths(j, origin, next)
	vias := make([]model.NodeID, 0, len(nextHops))
	for via := range nextHops {
		vias = append(vias, via)
	}
	slices.Sort(vias)

	found := false
	for _, via := range vias {
		child := nextHops[via]
		if j.paths.Get(child).Flow == 0 {
			continue
		}
		walk[next] = child
		if eliminateCyclesFrom(j, walk, origin, via) {
			found = true
		}
	}
	// A branch where cycles were removed may hold more; search it again
	// when it is reached next time.
	if found {
		walk[next] = NoPath
	} else {
		walk[next] = searchedPath
	}
	return found
}

// summarizePaths merges the legs of origin leaving node that go to the
// same next hop into one leg each and returns them keyed by next hop.
func summarizePaths(j *Job, origin, node model.NodeID) map[model.NodeID]PathID {
	n := &j.nodes[node]
	nextHops := make(map[model.NodeID]PathID)
	kept := n.paths[:0]
	for _, id := range n.paths {
		p := j.paths.Get(id)
		if p.Origin != origin {
			kept = append(kept, id)
			continue
		}
		if first, ok := nextHops[p.Node]; ok {
			j.paths.Get(first).Flow += p.Flow
			p.Flow = 0
			releasePath(j, id)
			continue
		}
		nextHops[p.Node] = id
		kept = append(kept, id)
	}
	n.paths = kept
	return nextHops
}

func cycleFlow(j *Job, walk []PathID, start model.NodeID) uint32 {
	flow := ^uint32(0)
	for owner := start; ; {
		p := j.paths.Get(walk[owner])
		flow = min(flow, p.Flow)
		owner = p.Node
		if owner == start {
			return flow
		}
	}
}

// eliminateCycle takes flow off every leg and edge of the cycle through
// start. Legs left without flow leave their node's path list.
func eliminateCycle(j *Job, walk []PathID, start model.NodeID, flow uint32) {
	for owner := start; ; {
		id := walk[owner]
		p := j.paths.Get(id)
		p.Flow -= flow
		next := p.Node
		j.RemoveFlow(owner, next, flow)
		if p.Flow == 0 {
			removePath(j, owner, id)
			releasePath(j, id)
		}
		owner = next
		if owner == start {
			return
		}
	}
}

func removePath(j *Job, node model.NodeID, id PathID) {
	n := &j.nodes[node]
	if i := slices.Index(n.paths, id); i >= 0 {
		n.paths = slices.Delete(n.paths, i, i+1)
	}
}

// releasePath returns a leg that left its node's path list to the arena
// once no other leg extends it, then does the same for its ancestors.
// Legs with children stay allocated since the children still point to
// them; the flow mapper reclaims those with the arena.
func releasePath(j *Job, id PathID) {
	for id != NoPath {
		p := j.paths.Get(id)
		if p.Flow != 0 || p.NumChildren != 0 {
			return
		}
		parent := p.Parent
		j.paths.Detach(id)
		j.paths.Free(id)
		id = parent
	}
}
