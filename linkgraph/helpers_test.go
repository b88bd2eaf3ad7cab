package linkgraph

import (
	"context"
	"testing"

	"github.com/signalsfoundry/cargodist/model"
	"github.com/signalsfoundry/cargodist/timectrl"
)

type testNode struct {
	x, y           uint32
	supply, demand uint32
}

type testEdge struct {
	from, to   model.NodeID
	capacity   uint32
	travelTime uint32
}

var testMap = model.MapSize{X: 256, Y: 256}

func buildGraph(t testing.TB, class model.CargoClass, nodes []testNode, edges []testEdge) *LinkGraph {
	t.Helper()
	lg := New(1, model.Cargo{ID: 3, Label: "TEST", Class: class}, 0)
	for i, n := range nodes {
		id := lg.AddNode(model.StationID(100+i), model.TileXY{X: n.x, Y: n.y}, 0)
		if err := lg.UpdateSupply(id, n.supply, 0); err != nil {
			t.Fatalf("UpdateSupply(%d): %v", id, err)
		}
		if err := lg.SetDemand(id, n.demand); err != nil {
			t.Fatalf("SetDemand(%d): %v", id, err)
		}
	}
	for _, e := range edges {
		if err := lg.AddEdge(e.from, e.to, e.capacity, 0, e.travelTime, EdgeUnrestricted, 0); err != nil {
			t.Fatalf("AddEdge(%d, %d): %v", e.from, e.to, err)
		}
	}
	return lg
}

// equal fails the test when got differs from want.
func equal[T comparable](t testing.TB, what string, got, want T) {
	t.Helper()
	if got != want {
		t.Fatalf("%s = %v, want %v", what, got, want)
	}
}

func settingsWith(dist model.DistributionType) model.LinkGraphSettings {
	s := model.DefaultLinkGraphSettings()
	s.DistributionPax = dist
	s.DistributionMail = dist
	s.DistributionArmoured = dist
	s.DistributionDefault = dist
	return s
}

func runHandlers(j *Job, handlers ...Handler) {
	for _, h := range handlers {
		h.Run(context.Background(), j)
	}
}

func newTestJob(t testing.TB, lg *LinkGraph, settings model.LinkGraphSettings) *Job {
	t.Helper()
	return NewJob(lg, settings, testMap, timectrl.Date(0))
}

// scenarioA is a single edge from a pure supplier to a pure acceptor.
func scenarioA(t testing.TB) *LinkGraph {
	return buildGraph(t, model.ClassBulk,
		[]testNode{{x: 0, y: 0, supply: 100}, {x: 10, y: 0, demand: 100}},
		[]testEdge{{from: 0, to: 1, capacity: 200}})
}

// scenarioB is a line A → B → C with a bottleneck of 50 on each edge.
func scenarioB(t testing.TB) *LinkGraph {
	return buildGraph(t, model.ClassBulk,
		[]testNode{{x: 0, y: 0, supply: 100}, {x: 10, y: 0}, {x: 20, y: 0, demand: 100}},
		[]testEdge{{from: 0, to: 1, capacity: 50}, {from: 1, to: 2, capacity: 50}})
}
