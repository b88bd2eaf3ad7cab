package linkgraph

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/signalsfoundry/cargodist/model"
	"github.com/signalsfoundry/cargodist/timectrl"
)

// randomComponent builds a small random component. The same seed always
// yields the same component and settings.
func randomComponent(seed uint64) (*LinkGraph, model.LinkGraphSettings) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	size := 2 + rng.IntN(6)

	lg := New(1, model.Cargo{ID: 1, Class: model.ClassPieceGoods}, 0)
	for i := 0; i < size; i++ {
		id := lg.AddNode(model.StationID(i), model.TileXY{X: uint32(rng.IntN(64)), Y: uint32(rng.IntN(64))}, 0)
		_ = lg.UpdateSupply(id, uint32(rng.IntN(200)), 0)
		if rng.IntN(3) > 0 {
			_ = lg.SetDemand(id, uint32(1+rng.IntN(100)))
		}
	}
	for from := 0; from < size; from++ {
		for to := 0; to < size; to++ {
			if from == to || rng.IntN(2) == 0 {
				continue
			}
			travel := uint32(0)
			if rng.IntN(2) == 0 {
				travel = uint32(rng.IntN(500))
			}
			_ = lg.AddEdge(model.NodeID(from), model.NodeID(to), uint32(1+rng.IntN(100)), 0, travel, EdgeUnrestricted, 0)
		}
	}

	dist := model.DistributionAsymmetric
	if rng.IntN(2) == 0 {
		dist = model.DistributionSymmetric
	}
	settings := settingsWith(dist)
	settings.Accuracy = uint8(2 + rng.IntN(31))
	settings.ShortPathSaturation = uint8(50 + rng.IntN(151))
	settings.DemandDistance = uint8(rng.IntN(256))
	return lg, settings
}

func TestFlowProperties(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping property-based test in short mode")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("routed demand never exceeds supply", prop.ForAll(
		func(seed uint64) bool {
			lg, settings := randomComponent(seed)
			j := NewJob(lg, settings, testMap, 0)
			j.Run(context.Background(), DefaultHandlers(WithMaxIterations(64)), RunHooks{})

			for s := 0; s < j.Size(); s++ {
				from := model.NodeID(s)
				node, _ := lg.Node(from)
				var demand, routed uint64
				for d := 0; d < j.Size(); d++ {
					to := model.NodeID(d)
					demand += uint64(j.Demand(from, to))
					routed += uint64(j.Demand(from, to) - j.UnsatisfiedDemand(from, to))
				}
				if demand+uint64(j.UndeliveredSupply(from)) != uint64(node.Supply) {
					return false
				}
				if routed > uint64(node.Supply) {
					return false
				}
			}
			return true
		},
		gen.UInt64(),
	))

	properties.Property("first pass stays within saturation", prop.ForAll(
		func(seed uint64) bool {
			lg, settings := randomComponent(seed)
			j := NewJob(lg, settings, testMap, 0)
			runHandlers(j, DemandHandler{}, NewMCFHandler(1))

			// A pair with nothing routed may take one step over the cap.
			var slack uint64
			for s := 0; s < j.Size(); s++ {
				for d := 0; d < j.Size(); d++ {
					if dem := j.Demand(model.NodeID(s), model.NodeID(d)); dem > 0 {
						slack += uint64(max(dem/uint32(settings.Accuracy), 1))
					}
				}
			}
			for s := 0; s < j.Size(); s++ {
				from := model.NodeID(s)
				for _, to := range lg.Neighbours(from) {
					usable := uint64(lg.Edge(from, to).Capacity) * uint64(settings.ShortPathSaturation) / 100
					if uint64(j.EdgeFlow(from, to)) > usable+slack {
						return false
					}
				}
			}
			return true
		},
		gen.UInt64(),
	))

	properties.Property("path legs never revisit a node", prop.ForAll(
		func(seed uint64) bool {
			lg, settings := randomComponent(seed)
			j := NewJob(lg, settings, testMap, 0)
			runHandlers(j, DemandHandler{}, NewMCFHandler(1))

			for n := 0; n < j.Size(); n++ {
				for _, id := range j.Paths(model.NodeID(n)) {
					seen := map[model.NodeID]bool{}
					for p := id; p != NoPath; p = j.Path(p).Parent {
						node := j.Path(p).Node
						if seen[node] {
							return false
						}
						seen[node] = true
					}
				}
			}
			return true
		},
		gen.UInt64(),
	))

	properties.Property("re-running a job is deterministic", prop.ForAll(
		func(seed uint64) bool {
			lg, settings := randomComponent(seed)
			first := NewJob(lg, settings, testMap, timectrl.Date(0))
			second := NewJob(lg, settings, testMap, timectrl.Date(0))
			runHandlers(first, DefaultHandlers()...)
			runHandlers(second, DefaultHandlers()...)
			fp := first.Fingerprint()
			if fp != second.Fingerprint() {
				return false
			}

			// The init stage resets the job so a second run starts over.
			runHandlers(first, DefaultHandlers()...)
			return first.Fingerprint() == fp
		},
		gen.UInt64(),
	))

	properties.TestingRun(t)
}
