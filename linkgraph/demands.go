package linkgraph

import (
	"context"

	"github.com/signalsfoundry/cargodist/internal/logging"
	"github.com/signalsfoundry/cargodist/model"
)

// DemandHandler turns the aggregate supply and acceptance of every node
// into pairwise demand, according to the cargo's distribution type.
type DemandHandler struct{}

func (DemandHandler) Name() string { return "demands" }

func (DemandHandler) Run(ctx context.Context, j *Job) {
	fallbacks := 0
	switch j.distribution {
	case model.DistributionSymmetric:
		fallbacks = calcDemand(j, &symmetricScaler{modSize: uint64(j.settings.DemandSize)})
	case model.DistributionAsymmetric:
		fallbacks = calcDemand(j, asymmetricScaler{})
	}
	if j.IsAborted() {
		return
	}
	logging.LoggerFromContext(ctx).Debug(ctx, "demand calculated",
		logging.String("distribution", j.distribution.String()),
		logging.Int("chance_fallbacks", fallbacks))
	j.setState(StateDemandCalculated)
}

// demandScaler is the distribution specific part of the demand calculation.
type demandScaler interface {
	addNode(n *BaseNode)
	setDemandPerNode(numDemands int)
	effectiveSupply(from, to *BaseNode) uint64
	hasDemandLeft(j *Job, to model.NodeID) bool
	setDemands(j *Job, from, to model.NodeID, demandForw uint32)
}

// symmetricScaler creates demand in both directions. The reverse demand is
// demand_size percent of the forward one.
type symmetricScaler struct {
	modSize       uint64
	supplySum     uint64
	demandPerNode uint64
}

func (s *symmetricScaler) addNode(n *BaseNode) { s.supplySum += uint64(n.Supply) }

func (s *symmetricScaler) setDemandPerNode(numDemands int) {
	s.demandPerNode = max(s.supplySum/uint64(numDemands), 1)
}

func (s *symmetricScaler) effectiveSupply(from, to *BaseNode) uint64 {
	return max(uint64(from.Supply)*max(1, uint64(to.Supply))*s.modSize/100/s.demandPerNode, 1)
}

func (s *symmetricScaler) hasDemandLeft(j *Job, to model.NodeID) bool {
	n := &j.graph.nodes[to]
	return (n.Supply == 0 || j.nodes[to].undeliveredSupply > 0) && n.Demand > 0
}

func (s *symmetricScaler) setDemands(j *Job, from, to model.NodeID, demandForw uint32) {
	if j.graph.nodes[from].Demand > 0 {
		demandBack := uint32(uint64(demandForw) * s.modSize / 100)
		if undelivered := j.nodes[to].undeliveredSupply; demandBack > undelivered {
			demandBack = undelivered
			demandForw = max(1, uint32(uint64(demandBack)*100/s.modSize))
		}
		j.DeliverSupply(to, from, demandBack)
	}
	j.DeliverSupply(from, to, demandForw)
}

// asymmetricScaler creates demand in one direction only.
type asymmetricScaler struct{}

func (asymmetricScaler) addNode(*BaseNode)   {}
func (asymmetricScaler) setDemandPerNode(int) {}

func (asymmetricScaler) effectiveSupply(from, _ *BaseNode) uint64 { return uint64(from.Supply) }

func (asymmetricScaler) hasDemandLeft(j *Job, to model.NodeID) bool {
	return j.graph.nodes[to].Demand > 0
}

func (asymmetricScaler) setDemands(j *Job, from, to model.NodeID, demandForw uint32) {
	j.DeliverSupply(from, to, demandForw)
}

// nodeQueue is a FIFO of node IDs.
type nodeQueue struct {
	items []model.NodeID
	head  int
}

func (q *nodeQueue) push(n model.NodeID) { q.items = append(q.items, n) }

func (q *nodeQueue) pop() model.NodeID {
	n := q.items[q.head]
	q.head++
	if q.head == len(q.items) {
		q.items, q.head = q.items[:0], 0
	}
	return n
}

func (q *nodeQueue) empty() bool { return q.head == len(q.items) }

// calcDemand hands out the supply of every node round-robin to all nodes
// with acceptance. Closer destinations get a larger cut. It returns how
// often the chance counter forced a single unit of demand.
func calcDemand(j *Job, scaler demandScaler) (fallbacks int) {
	var supplies, demands nodeQueue
	numSupplies, numDemands := 0, 0

	for i := range j.graph.nodes {
		n := &j.graph.nodes[i]
		scaler.addNode(n)
		if n.Supply > 0 {
			supplies.push(model.NodeID(i))
			numSupplies++
		}
		if n.Demand > 0 {
			demands.push(model.NodeID(i))
			numDemands++
		}
	}
	if numSupplies == 0 || numDemands == 0 {
		return 0
	}

	// Demand is spread evenly over the nodes when every node has the same
	// supply; the distance modifier then skews it towards short links.
	scaler.setDemandPerNode(numDemands)

	modDist := int64(j.settings.DemandDistance)
	if modDist > 100 {
		over := modDist - 100
		modDist = 100 + over*over
	}
	accuracy := int64(j.settings.Accuracy)
	maxDistance := int64(max(j.mapSize.MaxDistance(), 1))
	chance := int64(0)

	for !supplies.empty() && numDemands > 0 {
		from := supplies.pop()
		fromNode := &j.graph.nodes[from]

		for i := 0; i < numDemands; i++ {
			if j.IsAborted() {
				return fallbacks
			}
			to := demands.pop()
			if from == to {
				if demands.empty() && supplies.empty() {
					return fallbacks
				}
				demands.push(to)
				continue
			}
			toNode := &j.graph.nodes[to]

			supply := int64(scaler.effectiveSupply(fromNode, toNode))
			distance := maxDistance - (maxDistance-int64(model.DistanceMaxPlusManhattan(fromNode.XY, toNode.XY)))*modDist/100
			divisor := max(accuracy*(modDist-50)/100+accuracy*distance/maxDistance+1, 1)

			var demandForw int64
			if divisor <= supply {
				demandForw = supply / divisor
			} else {
				chance++
				if chance > accuracy*int64(numDemands)*int64(numSupplies) {
					demandForw = 1
					fallbacks++
				}
			}
			demandForw = min(demandForw, int64(j.nodes[from].undeliveredSupply))

			scaler.setDemands(j, from, to, uint32(demandForw))

			if scaler.hasDemandLeft(j, to) {
				demands.push(to)
			} else {
				numDemands--
			}
			if j.nodes[from].undeliveredSupply == 0 {
				break
			}
		}

		if j.nodes[from].undeliveredSupply != 0 {
			supplies.push(from)
		} else {
			numSupplies--
		}
	}
	return fallbacks
}
