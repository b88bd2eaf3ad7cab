package kb

import (
	"context"
	"errors"
	"testing"

	"github.com/signalsfoundry/cargodist/flowstat"
	"github.com/signalsfoundry/cargodist/linkgraph"
	"github.com/signalsfoundry/cargodist/model"
	"github.com/signalsfoundry/cargodist/timectrl"
)

const coal model.CargoID = 1

type countsRecorder struct {
	stations, linkGraphs int
	calls                int
}

func (r *countsRecorder) SetWorldCounts(stations, linkGraphs int) {
	r.stations, r.linkGraphs = stations, linkGraphs
	r.calls++
}

func newTestKB(t *testing.T, ids ...model.StationID) *KnowledgeBase {
	t.Helper()
	kb := NewKnowledgeBase()
	kb.AddCargo(model.Cargo{ID: coal, Label: "COAL", Class: model.ClassBulk})
	for i, id := range ids {
		st := Station{ID: id, Name: "st", XY: model.TileXY{X: uint32(i) * 10}}
		if err := kb.AddStation(st); err != nil {
			t.Fatalf("AddStation(%d) error: %v", id, err)
		}
	}
	return kb
}

func connect(t *testing.T, kb *KnowledgeBase, from, to model.StationID, capacity uint32) {
	t.Helper()
	mode := linkgraph.EdgeIncrease | linkgraph.EdgeUnrestricted
	if err := kb.ConnectStations(coal, from, to, capacity, 0, 100, mode, 0); err != nil {
		t.Fatalf("ConnectStations(%d, %d) error: %v", from, to, err)
	}
}

func goods(t *testing.T, kb *KnowledgeBase, st model.StationID) GoodsEntry {
	t.Helper()
	ge, ok := kb.Goods(st, coal)
	if !ok {
		t.Fatalf("Goods(%d) missing", st)
	}
	return ge
}

func TestAddStationAndList(t *testing.T) {
	rec := &countsRecorder{}
	kb := NewKnowledgeBase(WithMetricsRecorder(rec))

	for _, id := range []model.StationID{5, 2, 9} {
		if err := kb.AddStation(Station{ID: id}); err != nil {
			t.Fatalf("AddStation(%d) error: %v", id, err)
		}
	}
	if err := kb.AddStation(Station{ID: 2}); !errors.Is(err, ErrStationExists) {
		t.Fatalf("duplicate AddStation error = %v, want ErrStationExists", err)
	}
	if err := kb.AddStation(Station{ID: model.InvalidStation}); err == nil {
		t.Fatalf("AddStation(InvalidStation) succeeded")
	}

	list := kb.ListStations()
	if len(list) != 3 || list[0].ID != 2 || list[1].ID != 5 || list[2].ID != 9 {
		t.Fatalf("ListStations = %+v, want IDs 2, 5, 9", list)
	}
	if _, ok := kb.Station(5); !ok {
		t.Fatalf("Station(5) missing")
	}
	if _, ok := kb.Station(6); ok {
		t.Fatalf("Station(6) found")
	}
	if rec.stations != 3 || rec.linkGraphs != 0 {
		t.Fatalf("world counts = %d/%d, want 3/0", rec.stations, rec.linkGraphs)
	}
}

func TestConnectStationsCreatesComponent(t *testing.T) {
	kb := newTestKB(t, 1, 2)
	var added []*linkgraph.LinkGraph
	kb.Subscribe(func(ev Event) {
		if ev.Type == EventLinkGraphAdded {
			added = append(added, ev.LinkGraph)
		}
	})

	connect(t, kb, 1, 2, 50)

	if len(added) != 1 {
		t.Fatalf("link graph added events = %d, want 1", len(added))
	}
	lg := added[0]
	if kb.LinkGraph(lg.ID) != lg {
		t.Fatalf("LinkGraph(%d) is not the announced component", lg.ID)
	}
	g1, g2 := goods(t, kb, 1), goods(t, kb, 2)
	if g1.LinkGraph != lg.ID || g2.LinkGraph != lg.ID {
		t.Fatalf("goods link graphs = %d/%d, want %d", g1.LinkGraph, g2.LinkGraph, lg.ID)
	}
	e := lg.Edge(g1.Node, g2.Node)
	if e == nil || e.Capacity != 50 || e.TravelTime() != 100 {
		t.Fatalf("edge 1 -> 2 = %+v, want capacity 50 travel time 100", e)
	}
	if lg.Edge(g2.Node, g1.Node) != nil {
		t.Fatalf("reverse edge created")
	}

	connect(t, kb, 1, 2, 30)
	if e.Capacity != 80 {
		t.Fatalf("capacity after increase = %d, want 80", e.Capacity)
	}
}

func TestConnectStationsErrors(t *testing.T) {
	kb := newTestKB(t, 1, 2)
	mode := linkgraph.EdgeIncrease | linkgraph.EdgeUnrestricted

	if err := kb.ConnectStations(9, 1, 2, 10, 0, 1, mode, 0); !errors.Is(err, ErrCargoNotFound) {
		t.Fatalf("unknown cargo error = %v, want ErrCargoNotFound", err)
	}
	if err := kb.ConnectStations(coal, 1, 7, 10, 0, 1, mode, 0); !errors.Is(err, ErrStationNotFound) {
		t.Fatalf("unknown station error = %v, want ErrStationNotFound", err)
	}
	if err := kb.ConnectStations(coal, 1, 1, 10, 0, 1, mode, 0); !errors.Is(err, linkgraph.ErrSameNode) {
		t.Fatalf("self link error = %v, want ErrSameNode", err)
	}
	if len(kb.LinkGraphs()) != 0 {
		t.Fatalf("failed connects created components")
	}
}

func TestConnectStationsMergesSmallerComponent(t *testing.T) {
	rec := &countsRecorder{}
	kb := NewKnowledgeBase(WithMetricsRecorder(rec))
	kb.AddCargo(model.Cargo{ID: coal, Class: model.ClassBulk})
	for id := model.StationID(1); id <= 5; id++ {
		if err := kb.AddStation(Station{ID: id}); err != nil {
			t.Fatalf("AddStation(%d) error: %v", id, err)
		}
	}
	connect(t, kb, 1, 2, 10)
	connect(t, kb, 3, 4, 10)
	connect(t, kb, 4, 5, 10)

	small := kb.LinkGraph(goods(t, kb, 1).LinkGraph)
	big := kb.LinkGraph(goods(t, kb, 3).LinkGraph)
	if small.ID != 0 || big.ID != 1 {
		t.Fatalf("component IDs = %d/%d, want 0/1", small.ID, big.ID)
	}

	var removed []*linkgraph.LinkGraph
	kb.Subscribe(func(ev Event) {
		if ev.Type == EventLinkGraphRemoved {
			removed = append(removed, ev.LinkGraph)
		}
	})
	connect(t, kb, 1, 3, 10)

	if len(removed) != 1 || removed[0] != small {
		t.Fatalf("removed components = %v, want the smaller one", removed)
	}
	if kb.LinkGraph(0) != nil {
		t.Fatalf("merged component still registered")
	}
	if big.Size() != 5 {
		t.Fatalf("merged size = %d, want 5", big.Size())
	}
	for id := model.StationID(1); id <= 5; id++ {
		ge := goods(t, kb, id)
		if ge.LinkGraph != big.ID {
			t.Fatalf("station %d link graph = %d, want %d", id, ge.LinkGraph, big.ID)
		}
		n, err := big.Node(ge.Node)
		if err != nil || n.Station != id {
			t.Fatalf("station %d node %d holds station %d (err %v)", id, ge.Node, n.Station, err)
		}
	}
	if big.Edge(goods(t, kb, 1).Node, goods(t, kb, 2).Node) == nil {
		t.Fatalf("edge 1 -> 2 lost in merge")
	}
	if rec.linkGraphs != 1 {
		t.Fatalf("world link graphs = %d, want 1", rec.linkGraphs)
	}

	// The freed ID is reused by the next component.
	if err := kb.AddStation(Station{ID: 6}); err != nil {
		t.Fatalf("AddStation error: %v", err)
	}
	if err := kb.AddStation(Station{ID: 7}); err != nil {
		t.Fatalf("AddStation error: %v", err)
	}
	connect(t, kb, 6, 7, 10)
	if got := goods(t, kb, 6).LinkGraph; got != 0 {
		t.Fatalf("new component ID = %d, want 0", got)
	}
}

func TestAcceptanceAndSupply(t *testing.T) {
	kb := newTestKB(t, 1, 2)
	if err := kb.SetAcceptance(2, coal, 40); err != nil {
		t.Fatalf("SetAcceptance error: %v", err)
	}
	// Not linked yet: supply is dropped.
	if err := kb.UpdateSupply(1, coal, 99, 0); err != nil {
		t.Fatalf("UpdateSupply error: %v", err)
	}
	connect(t, kb, 1, 2, 10)

	lg := kb.LinkGraph(goods(t, kb, 1).LinkGraph)
	n2, _ := lg.Node(goods(t, kb, 2).Node)
	if n2.Demand != 40 {
		t.Fatalf("demand carried into component = %d, want 40", n2.Demand)
	}
	if err := kb.UpdateSupply(1, coal, 25, 3); err != nil {
		t.Fatalf("UpdateSupply error: %v", err)
	}
	n1, _ := lg.Node(goods(t, kb, 1).Node)
	if n1.Supply != 25 || n1.LastUpdate != 3 {
		t.Fatalf("node 1 = %+v, want supply 25 updated on 3", n1)
	}
	if err := kb.SetAcceptance(1, coal, 7); err != nil {
		t.Fatalf("SetAcceptance error: %v", err)
	}
	n1, _ = lg.Node(goods(t, kb, 1).Node)
	if n1.Demand != 7 {
		t.Fatalf("node 1 demand = %d, want 7", n1.Demand)
	}
	if err := kb.UpdateSupply(8, coal, 1, 0); !errors.Is(err, ErrStationNotFound) {
		t.Fatalf("UpdateSupply unknown station error = %v", err)
	}
}

func TestRemoveStationReindexesAndDropsEmptyComponent(t *testing.T) {
	kb := newTestKB(t, 1, 2)
	connect(t, kb, 1, 2, 10)
	id := goods(t, kb, 1).LinkGraph
	lg := kb.LinkGraph(id)

	// Station 2 joined first and owns node 0; removing it moves station 1.
	if goods(t, kb, 2).Node != 0 || goods(t, kb, 1).Node != 1 {
		t.Fatalf("unexpected initial node layout")
	}
	var events []EventType
	kb.Subscribe(func(ev Event) { events = append(events, ev.Type) })

	if err := kb.RemoveStation(2); err != nil {
		t.Fatalf("RemoveStation error: %v", err)
	}
	if got := goods(t, kb, 1).Node; got != 0 {
		t.Fatalf("station 1 node = %d, want 0", got)
	}
	if lg.Size() != 1 {
		t.Fatalf("component size = %d, want 1", lg.Size())
	}
	if err := kb.RemoveStation(1); err != nil {
		t.Fatalf("RemoveStation error: %v", err)
	}
	if kb.LinkGraph(id) != nil {
		t.Fatalf("empty component still registered")
	}
	want := []EventType{EventStationRemoved, EventLinkGraphRemoved, EventStationRemoved}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
	if err := kb.RemoveStation(1); !errors.Is(err, ErrStationNotFound) {
		t.Fatalf("second RemoveStation error = %v", err)
	}
}

// lineKB links 1 -> 2 -> 3. Nodes: station 2 is 0, station 1 is 1,
// station 3 is 2.
func lineKB(t *testing.T) (*KnowledgeBase, *linkgraph.LinkGraph) {
	t.Helper()
	kb := newTestKB(t, 1, 2, 3)
	connect(t, kb, 1, 2, 10)
	connect(t, kb, 2, 3, 10)
	return kb, kb.LinkGraph(goods(t, kb, 1).LinkGraph)
}

func flowsOf(entries ...[3]uint32) flowstat.FlowStatMap {
	m := flowstat.FlowStatMap{}
	for _, e := range entries {
		m.AddFlow(model.StationID(e[0]), model.StationID(e[1]), e[2])
	}
	return m
}

// lineResult routes 10 units from station 1 to station 3.
func lineResult(lg *linkgraph.LinkGraph, dist model.DistributionType) *linkgraph.JobResult {
	return &linkgraph.JobResult{
		LinkGraph:    lg.ID,
		Cargo:        coal,
		Distribution: dist,
		Nodes: []linkgraph.NodeResult{
			{Node: 0, Station: 2, Flows: flowsOf([3]uint32{1, 3, 10}),
				Edges: []linkgraph.EdgeResult{{To: 2, Station: 3, Flow: 10}}},
			{Node: 1, Station: 1, Flows: flowsOf([3]uint32{1, 2, 10}),
				Edges: []linkgraph.EdgeResult{{To: 0, Station: 2, Flow: 10}}},
			{Node: 2, Station: 3, Flows: flowsOf([3]uint32{1, 3, 10})},
		},
	}
}

func TestApplyJobResultPublishesFlows(t *testing.T) {
	kb, lg := lineKB(t)
	var updated []model.StationID
	kb.Subscribe(func(ev Event) {
		if ev.Type == EventFlowsUpdated {
			updated = append(updated, ev.Station)
		}
	})

	if err := kb.ApplyJobResult(lineResult(lg, model.DistributionAsymmetric)); err != nil {
		t.Fatalf("ApplyJobResult error: %v", err)
	}
	if got := kb.Flows(1, coal).FlowFromVia(1, 2); got != 10 {
		t.Fatalf("station 1 flow via 2 = %d, want 10", got)
	}
	if got := kb.Flows(2, coal).FlowFromVia(1, 3); got != 10 {
		t.Fatalf("station 2 flow via 3 = %d, want 10", got)
	}
	if len(updated) != 3 {
		t.Fatalf("flows updated events = %v, want 3", updated)
	}

	// A copy is returned.
	kb.Flows(1, coal).DeleteFlows(2)
	if got := kb.Flows(1, coal).FlowFrom(1); got != 10 {
		t.Fatalf("Flows leaked internal table; flow now %d", got)
	}
}

func TestApplyJobResultInvalidatesMissingOrigins(t *testing.T) {
	kb, lg := lineKB(t)
	if err := kb.ApplyJobResult(lineResult(lg, model.DistributionAsymmetric)); err != nil {
		t.Fatalf("ApplyJobResult error: %v", err)
	}

	empty := &linkgraph.JobResult{LinkGraph: lg.ID, Cargo: coal, Distribution: model.DistributionAsymmetric,
		Nodes: []linkgraph.NodeResult{{Node: 1, Station: 1, Flows: flowstat.FlowStatMap{}}}}
	if err := kb.ApplyJobResult(empty); err != nil {
		t.Fatalf("ApplyJobResult error: %v", err)
	}
	fs, ok := kb.Flows(1, coal)[1]
	if !ok {
		t.Fatalf("invalidated origin was deleted")
	}
	if fs.Total() != 1 || fs.Share(2) != 1 {
		t.Fatalf("invalidated flow = %v, want one unit via 2", fs)
	}

	empty.Distribution = model.DistributionManual
	if err := kb.ApplyJobResult(empty); err != nil {
		t.Fatalf("ApplyJobResult error: %v", err)
	}
	if _, ok := kb.Flows(1, coal)[1]; ok {
		t.Fatalf("manual distribution kept a stale origin")
	}
}

func TestApplyJobResultDeletesFlowsOverVanishedLinks(t *testing.T) {
	kb, lg := lineKB(t)
	if err := kb.ApplyJobResult(lineResult(lg, model.DistributionAsymmetric)); err != nil {
		t.Fatalf("ApplyJobResult error: %v", err)
	}
	if err := kb.RemoveLink(coal, 2, 3); err != nil {
		t.Fatalf("RemoveLink error: %v", err)
	}
	if lg.Edge(0, 2) != nil {
		t.Fatalf("edge 2 -> 3 still present")
	}
	if kb.Flows(2, coal).FlowFrom(1) != 0 {
		t.Fatalf("RemoveLink kept flows via 3")
	}

	if err := kb.ApplyJobResult(lineResult(lg, model.DistributionAsymmetric)); err != nil {
		t.Fatalf("ApplyJobResult error: %v", err)
	}
	if got := kb.Flows(2, coal).FlowFrom(1); got != 0 {
		t.Fatalf("flow over vanished link = %d, want 0", got)
	}
	if got := kb.Flows(1, coal).FlowFromVia(1, 2); got != 10 {
		t.Fatalf("unaffected flow = %d, want 10", got)
	}
}

func TestApplyJobResultRestrictsFlowsOverRestrictedLinks(t *testing.T) {
	kb, lg := lineKB(t)
	mode := linkgraph.EdgeRefresh | linkgraph.EdgeRestricted
	if err := kb.ConnectStations(coal, 2, 3, 10, 0, 100, mode, 1); err != nil {
		t.Fatalf("ConnectStations error: %v", err)
	}
	if err := lg.RestrictEdge(0, 2); err != nil {
		t.Fatalf("RestrictEdge error: %v", err)
	}
	if err := kb.ApplyJobResult(lineResult(lg, model.DistributionAsymmetric)); err != nil {
		t.Fatalf("ApplyJobResult error: %v", err)
	}
	fs := kb.Flows(2, coal)[1]
	if fs == nil || fs.Total() != 10 || fs.Unrestricted() != 0 {
		t.Fatalf("flow over restricted link = %v, want 10 restricted", fs)
	}
}

func TestApplyJobResultSkipsReindexedStations(t *testing.T) {
	kb, lg := lineKB(t)
	res := lineResult(lg, model.DistributionAsymmetric)

	// Removing station 2 moves station 3 from node 2 to node 0.
	if err := kb.RemoveStation(2); err != nil {
		t.Fatalf("RemoveStation error: %v", err)
	}
	if err := kb.ApplyJobResult(res); err != nil {
		t.Fatalf("ApplyJobResult error: %v", err)
	}
	if got := kb.Flows(3, coal).Flow(); got != 0 {
		t.Fatalf("re-indexed station received %d flow", got)
	}
	if got := kb.Flows(1, coal).FlowFromVia(1, 2); got != 0 {
		t.Fatalf("flow via removed station = %d, want 0", got)
	}
}

func TestApplyJobResultUnknownComponent(t *testing.T) {
	kb := newTestKB(t)
	err := kb.ApplyJobResult(&linkgraph.JobResult{LinkGraph: 4, Cargo: coal})
	if !errors.Is(err, ErrLinkGraphNotFound) {
		t.Fatalf("error = %v, want ErrLinkGraphNotFound", err)
	}
}

func TestJobRoundTripThroughKB(t *testing.T) {
	kb := newTestKB(t, 1, 2)
	if err := kb.SetAcceptance(2, coal, 100); err != nil {
		t.Fatalf("SetAcceptance error: %v", err)
	}
	connect(t, kb, 1, 2, 200)
	if err := kb.UpdateSupply(1, coal, 100, 0); err != nil {
		t.Fatalf("UpdateSupply error: %v", err)
	}
	lg := kb.LinkGraph(goods(t, kb, 1).LinkGraph)

	settings := model.DefaultLinkGraphSettings()
	settings.DistributionDefault = model.DistributionAsymmetric
	job := linkgraph.NewJob(lg, settings, model.MapSize{X: 256, Y: 256}, timectrl.Date(0))
	job.Run(context.Background(), linkgraph.DefaultHandlers(), linkgraph.RunHooks{})
	if !job.IsCompleted() {
		t.Fatalf("job did not complete")
	}
	if err := kb.ApplyJobResult(job.Result()); err != nil {
		t.Fatalf("ApplyJobResult error: %v", err)
	}

	var seed uint64
	rng := fixedRand{&seed}
	hop, err := kb.NextHop(rng, 1, coal, 1)
	if err != nil || hop != 2 {
		t.Fatalf("NextHop at 1 = %d (err %v), want 2", hop, err)
	}
	hop, err = kb.NextHop(rng, 2, coal, 1)
	if err != nil || hop != 2 {
		t.Fatalf("NextHop at 2 = %d (err %v), want 2 (local delivery)", hop, err)
	}
	if hop, _ := kb.NextHop(rng, 2, coal, 9); hop != model.InvalidStation {
		t.Fatalf("NextHop for unknown origin = %d, want InvalidStation", hop)
	}
	if _, err := kb.NextHop(rng, 9, coal, 1); !errors.Is(err, ErrStationNotFound) {
		t.Fatalf("NextHop unknown station error = %v", err)
	}
}

type fixedRand struct{ n *uint64 }

func (r fixedRand) IntN(n int) int {
	*r.n++
	return int(*r.n % uint64(n))
}

func TestSubscribeUnsubscribe(t *testing.T) {
	kb := newTestKB(t)
	var got []Event
	unsub := kb.Subscribe(func(ev Event) { got = append(got, ev) })

	if err := kb.AddStation(Station{ID: 1}); err != nil {
		t.Fatalf("AddStation error: %v", err)
	}
	if len(got) != 1 || got[0].Type != EventStationAdded || got[0].Station != 1 {
		t.Fatalf("events = %+v, want one station_added for 1", got)
	}

	unsub()
	if err := kb.AddStation(Station{ID: 2}); err != nil {
		t.Fatalf("AddStation error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("events after unsubscribe = %d, want 1", len(got))
	}
}

func TestSubscriberMayCallBack(t *testing.T) {
	kb := newTestKB(t)
	seen := 0
	kb.Subscribe(func(ev Event) {
		if ev.Type == EventStationAdded {
			seen = len(kb.ListStations())
		}
	})
	if err := kb.AddStation(Station{ID: 3}); err != nil {
		t.Fatalf("AddStation error: %v", err)
	}
	if seen != 1 {
		t.Fatalf("ListStations inside callback = %d, want 1", seen)
	}
}

func TestRemoveLinkGraphDetachesStations(t *testing.T) {
	kb, lg := lineKB(t)
	if err := kb.ApplyJobResult(lineResult(lg, model.DistributionAsymmetric)); err != nil {
		t.Fatalf("ApplyJobResult error: %v", err)
	}
	if err := kb.RemoveLinkGraph(lg.ID); err != nil {
		t.Fatalf("RemoveLinkGraph error: %v", err)
	}
	ge := goods(t, kb, 1)
	if ge.LinkGraph != model.InvalidLinkGraph || ge.Node != model.InvalidNode || len(ge.Flows) != 0 {
		t.Fatalf("goods after removal = %+v, want detached", ge)
	}
	if err := kb.RemoveLinkGraph(lg.ID); !errors.Is(err, ErrLinkGraphNotFound) {
		t.Fatalf("second RemoveLinkGraph error = %v", err)
	}
}

func TestEventTypeString(t *testing.T) {
	if got := EventFlowsUpdated.String(); got != "flows_updated" {
		t.Fatalf("String() = %q", got)
	}
	if got := EventType(42).String(); got != "EventType(42)" {
		t.Fatalf("String() = %q", got)
	}
}
