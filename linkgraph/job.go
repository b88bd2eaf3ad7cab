package linkgraph

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/signalsfoundry/cargodist/flowstat"
	"github.com/signalsfoundry/cargodist/model"
	"github.com/signalsfoundry/cargodist/timectrl"
)

// JobState is the pipeline stage a job has completed.
type JobState int32

const (
	StateInit JobState = iota
	StateDemandCalculated
	StatePass1Converged
	StateFlowMappedPartial
	StatePass2Converged
	StateFlowMappedFinal
	StateDone
)

func (s JobState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateDemandCalculated:
		return "demand_calculated"
	case StatePass1Converged:
		return "pass1_converged"
	case StateFlowMappedPartial:
		return "flow_mapped_partial"
	case StatePass2Converged:
		return "pass2_converged"
	case StateFlowMappedFinal:
		return "flow_mapped_final"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("JobState(%d)", int32(s))
	}
}

type nodeAnnotation struct {
	undeliveredSupply uint32
	paths             []PathID
	flows             flowstat.FlowStatMap
}

type edgeAnnotation struct {
	capacity    uint32
	travelTime  uint32
	demand      uint32
	unsatisfied uint32
	flow        uint32
}

// Job is a private snapshot of a component being recalculated. All
// annotations are owned by the job's worker until it is joined.
type Job struct {
	id           uuid.UUID
	graph        *LinkGraph
	settings     model.LinkGraphSettings
	distribution model.DistributionType
	mapSize      model.MapSize
	spawnDate    timectrl.Date
	joinDate     atomic.Int32

	nodes        []nodeAnnotation
	edges        []edgeAnnotation
	neighbours   [][]model.NodeID
	stationNodes map[model.StationID]model.NodeID
	paths        PathArena

	cyclesEliminated uint64
	fingerprint      uint64

	state     atomic.Int32
	aborted   atomic.Bool
	completed atomic.Bool
	done      chan struct{}
}

// NewJob snapshots lg. The job is due to be joined RecalcTime days after now.
func NewJob(lg *LinkGraph, settings model.LinkGraphSettings, mapSize model.MapSize, now timectrl.Date) *Job {
	j := &Job{
		id:           uuid.New(),
		graph:        lg.Clone(),
		settings:     settings,
		distribution: settings.DistributionFor(lg.Cargo.Class),
		mapSize:      mapSize,
		spawnDate:    now,
		done:         make(chan struct{}),
	}
	j.joinDate.Store(int32(now) + int32(settings.RecalcTime))
	j.init()
	return j
}

// init builds empty annotations for every node and edge.
func (j *Job) init() {
	size := j.graph.Size()
	j.nodes = make([]nodeAnnotation, size)
	j.edges = make([]edgeAnnotation, size*size)
	j.neighbours = make([][]model.NodeID, size)
	j.stationNodes = make(map[model.StationID]model.NodeID, size)
	j.paths.Reset()
	for i, n := range j.graph.nodes {
		from := model.NodeID(i)
		j.nodes[i] = nodeAnnotation{undeliveredSupply: n.Supply, flows: flowstat.FlowStatMap{}}
		j.stationNodes[n.Station] = from
		j.neighbours[i] = j.graph.Neighbours(from)
		for _, to := range j.neighbours[i] {
			e := j.graph.edges[from][to]
			j.edges[j.index(from, to)] = edgeAnnotation{capacity: e.Capacity, travelTime: e.TravelTime()}
		}
	}
}

func (j *Job) index(from, to model.NodeID) int {
	return int(from)*len(j.nodes) + int(to)
}

func (j *Job) edge(from, to model.NodeID) *edgeAnnotation {
	return &j.edges[j.index(from, to)]
}

// ID returns the run ID of the job.
func (j *Job) ID() uuid.UUID { return j.id }

// LinkGraphID returns the ID of the component the job was spawned for.
func (j *Job) LinkGraphID() model.LinkGraphID { return j.graph.ID }

// Graph returns the job's private copy of the component.
func (j *Job) Graph() *LinkGraph { return j.graph }

// Settings returns the settings snapshot the job runs with.
func (j *Job) Settings() model.LinkGraphSettings { return j.settings }

// Distribution returns the distribution type of the job's cargo.
func (j *Job) Distribution() model.DistributionType { return j.distribution }

// Size returns the number of nodes.
func (j *Job) Size() int { return len(j.nodes) }

// SpawnDate returns the date the job was created.
func (j *Job) SpawnDate() timectrl.Date { return j.spawnDate }

// JoinDate returns the date the job is due to be joined.
func (j *Job) JoinDate() timectrl.Date { return timectrl.Date(j.joinDate.Load()) }

// ShiftJoinDate moves the join date by interval days.
func (j *Job) ShiftJoinDate(interval int32) { j.joinDate.Add(interval) }

// State returns the last stage the job completed.
func (j *Job) State() JobState { return JobState(j.state.Load()) }

func (j *Job) setState(s JobState) { j.state.Store(int32(s)) }

// Abort asks the worker to stop at its next loop check.
func (j *Job) Abort() { j.aborted.Store(true) }

// IsAborted reports whether Abort was called.
func (j *Job) IsAborted() bool { return j.aborted.Load() }

// IsCompleted reports whether every handler ran without abort.
func (j *Job) IsCompleted() bool { return j.completed.Load() }

// IsFinished reports whether the worker has stopped and the join date has
// been reached.
func (j *Job) IsFinished(now timectrl.Date) bool {
	return j.State() == StateDone && j.JoinDate() <= now
}

// Done is closed when the worker running the job exits.
func (j *Job) Done() <-chan struct{} { return j.done }

// CyclesEliminated returns the number of flow cycles removed in pass 1.
func (j *Job) CyclesEliminated() uint64 { return j.cyclesEliminated }

// UndeliveredSupply returns the supply of node not yet assigned as demand.
func (j *Job) UndeliveredSupply(node model.NodeID) uint32 {
	return j.nodes[node].undeliveredSupply
}

// Demand returns the demand from → to.
func (j *Job) Demand(from, to model.NodeID) uint32 { return j.edge(from, to).demand }

// UnsatisfiedDemand returns the demand from → to that has no flow yet.
func (j *Job) UnsatisfiedDemand(from, to model.NodeID) uint32 {
	return j.edge(from, to).unsatisfied
}

// EdgeFlow returns the flow assigned to the edge from → to.
func (j *Job) EdgeFlow(from, to model.NodeID) uint32 { return j.edge(from, to).flow }

// Flows returns the flow table computed for node.
func (j *Job) Flows(node model.NodeID) flowstat.FlowStatMap { return j.nodes[node].flows }

// Paths returns the legs leaving node that carry flow.
func (j *Job) Paths(node model.NodeID) []PathID { return j.nodes[node].paths }

// Path returns a copy of a path leg.
func (j *Job) Path(id PathID) Path { return *j.paths.Get(id) }

// DeliverSupply turns amount of from's undelivered supply into demand
// from → to.
func (j *Job) DeliverSupply(from, to model.NodeID, amount uint32) {
	n := &j.nodes[from]
	if amount > n.undeliveredSupply {
		panic(fmt.Sprintf("linkgraph: delivering %d of %d undelivered supply at node %d", amount, n.undeliveredSupply, from))
	}
	n.undeliveredSupply -= amount
	j.AddDemand(from, to, amount)
}

// AddDemand adds unsatisfied demand from → to.
func (j *Job) AddDemand(from, to model.NodeID, amount uint32) {
	e := j.edge(from, to)
	e.demand += amount
	e.unsatisfied += amount
}

// SatisfyDemand marks amount of the demand from → to as routed.
func (j *Job) SatisfyDemand(from, to model.NodeID, amount uint32) {
	e := j.edge(from, to)
	if amount > e.unsatisfied {
		panic(fmt.Sprintf("linkgraph: satisfying %d of %d unsatisfied demand %d -> %d", amount, e.unsatisfied, from, to))
	}
	e.unsatisfied -= amount
}

// RemoveFlow takes flow off the edge from → to.
func (j *Job) RemoveFlow(from, to model.NodeID, amount uint32) {
	e := j.edge(from, to)
	if amount > e.flow {
		panic(fmt.Sprintf("linkgraph: removing %d of %d flow on %d -> %d", amount, e.flow, from, to))
	}
	e.flow -= amount
}

// ResultFingerprint is the Fingerprint taken when the pipeline completed,
// before the flow tables are handed over. It is zero for aborted jobs and
// only valid once Done is closed.
func (j *Job) ResultFingerprint() uint64 { return j.fingerprint }

// Fingerprint hashes the demand matrix, edge flows and flow tables. Two
// runs over the same snapshot produce the same fingerprint.
func (j *Job) Fingerprint() uint64 {
	h := xxhash.New()
	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = h.Write(buf[:])
	}
	for _, e := range j.edges {
		put(uint64(e.demand)<<32 | uint64(e.unsatisfied))
		put(uint64(e.flow))
	}
	for _, n := range j.nodes {
		put(uint64(n.undeliveredSupply))
		for _, origin := range n.flows.Origins() {
			fs := n.flows[origin]
			put(uint64(origin)<<32 | uint64(fs.Unrestricted()))
			for _, s := range fs.Shares() {
				put(uint64(s.Via)<<32 | uint64(s.Limit))
			}
		}
	}
	return h.Sum64()
}

// EdgeResult is the flow a job assigned to one edge.
type EdgeResult struct {
	To      model.NodeID
	Station model.StationID
	Flow    uint32
}

// NodeResult is the outcome of a job for one node.
type NodeResult struct {
	Node    model.NodeID
	Station model.StationID
	Flows   flowstat.FlowStatMap
	Edges   []EdgeResult
}

// JobResult is what a joined job hands back to the station layer.
type JobResult struct {
	JobID        uuid.UUID
	LinkGraph    model.LinkGraphID
	Cargo        model.CargoID
	Distribution model.DistributionType
	Nodes        []NodeResult
}

// Result collects the flow tables and edge flows of a finished job. The
// flow tables are handed over, not copied.
func (j *Job) Result() *JobResult {
	res := &JobResult{
		JobID:        j.id,
		LinkGraph:    j.graph.ID,
		Cargo:        j.graph.Cargo.ID,
		Distribution: j.distribution,
		Nodes:        make([]NodeResult, len(j.nodes)),
	}
	for i := range j.nodes {
		from := model.NodeID(i)
		nr := NodeResult{Node: from, Station: j.graph.nodes[i].Station, Flows: j.nodes[i].flows}
		for _, to := range j.neighbours[i] {
			if f := j.edge(from, to).flow; f > 0 {
				nr.Edges = append(nr.Edges, EdgeResult{To: to, Station: j.graph.nodes[to].Station, Flow: f})
			}
		}
		res.Nodes[i] = nr
	}
	return res
}
