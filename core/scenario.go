package core

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/cargodist/kb"
	"github.com/signalsfoundry/cargodist/linkgraph"
	"github.com/signalsfoundry/cargodist/model"
	"github.com/signalsfoundry/cargodist/timectrl"
)

// ErrInvalidScenario is wrapped by every structural scenario error.
var ErrInvalidScenario = errors.New("core: invalid scenario")

// Link is a transport service between two stations that keeps refreshing
// its link graph edge every day.
type Link struct {
	Cargo      model.CargoID
	From, To   model.StationID
	Capacity   uint32
	Usage      uint32
	TravelTime uint32
	Restricted bool
}

func (l Link) mode(refresh bool) linkgraph.EdgeUpdateMode {
	mode := linkgraph.EdgeIncrease
	if refresh {
		mode = linkgraph.EdgeRefresh
	}
	if l.Restricted {
		return mode | linkgraph.EdgeRestricted
	}
	return mode | linkgraph.EdgeUnrestricted
}

// Producer generates cargo every day and hands it to stations in reach.
type Producer struct {
	XY     model.TileXY
	Cargo  model.CargoID
	Rate   uint32
	Radius uint32
}

// Consumer accepts cargo at every station in reach.
type Consumer struct {
	XY         model.TileXY
	Cargo      model.CargoID
	Acceptance uint32
	Radius     uint32
}

// Scenario summarises what LoadScenario put into the knowledge base and
// holds the parts the engine drives every day.
type Scenario struct {
	MapSize   model.MapSize
	Cargos    []model.CargoID
	Stations  []model.StationID
	Links     []Link
	Producers []Producer
	Consumers []Consumer
}

// internal YAML shapes, unexported so the file format can evolve.
type scenarioYAML struct {
	Map       model.TileXY   `yaml:"map"`
	Cargos    []cargoYAML    `yaml:"cargos"`
	Stations  []stationYAML  `yaml:"stations"`
	Links     []linkYAML     `yaml:"links"`
	Producers []producerYAML `yaml:"producers"`
	Consumers []consumerYAML `yaml:"consumers"`
}

type cargoYAML struct {
	ID    uint8  `yaml:"id"`
	Label string `yaml:"label"`
	Class string `yaml:"class"`
}

type stationYAML struct {
	ID   uint16 `yaml:"id"`
	Name string `yaml:"name"`
	X    uint32 `yaml:"x"`
	Y    uint32 `yaml:"y"`
}

type linkYAML struct {
	From       uint16 `yaml:"from"`
	To         uint16 `yaml:"to"`
	Cargo      uint8  `yaml:"cargo"`
	Capacity   uint32 `yaml:"capacity"`
	Usage      uint32 `yaml:"usage"`
	TravelTime uint32 `yaml:"travel_time"`
	Restricted bool   `yaml:"restricted"`
	// Bidirectional adds the reverse link with the same statistics.
	Bidirectional bool `yaml:"bidirectional"`
}

type producerYAML struct {
	X      uint32 `yaml:"x"`
	Y      uint32 `yaml:"y"`
	Cargo  uint8  `yaml:"cargo"`
	Rate   uint32 `yaml:"rate"`
	Radius uint32 `yaml:"radius"`
}

type consumerYAML struct {
	X          uint32 `yaml:"x"`
	Y          uint32 `yaml:"y"`
	Cargo      uint8  `yaml:"cargo"`
	Acceptance uint32 `yaml:"acceptance"`
	Radius     uint32 `yaml:"radius"`
}

// DefaultRadius is the catchment radius used when a scenario omits one.
const DefaultRadius = 4

// LoadScenario reads a YAML scenario from r and populates the knowledge
// base with cargos, stations, links and consumer acceptance. Links are
// recorded once on date now; producers are returned for the engine.
func LoadScenario(base *kb.KnowledgeBase, r io.Reader, now timectrl.Date) (*Scenario, error) {
	if base == nil {
		return nil, fmt.Errorf("LoadScenario: kb is nil")
	}

	var payload scenarioYAML
	if err := yaml.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("LoadScenario: decode failed: %w", err)
	}

	sc := &Scenario{MapSize: model.MapSize{X: payload.Map.X, Y: payload.Map.Y}}
	if sc.MapSize.X == 0 || sc.MapSize.Y == 0 {
		return nil, fmt.Errorf("LoadScenario: %w: map size %dx%d", ErrInvalidScenario, sc.MapSize.X, sc.MapSize.Y)
	}

	for _, c := range payload.Cargos {
		class, err := model.ParseCargoClass(c.Class)
		if err != nil {
			return nil, fmt.Errorf("LoadScenario: cargo %d: %w", c.ID, err)
		}
		base.AddCargo(model.Cargo{ID: model.CargoID(c.ID), Label: c.Label, Class: class})
		sc.Cargos = append(sc.Cargos, model.CargoID(c.ID))
	}

	for _, s := range payload.Stations {
		xy := model.TileXY{X: s.X, Y: s.Y}
		if !sc.MapSize.Contains(xy) {
			return nil, fmt.Errorf("LoadScenario: %w: station %d at %v is off the map", ErrInvalidScenario, s.ID, xy)
		}
		if err := base.AddStation(kb.Station{ID: model.StationID(s.ID), Name: s.Name, XY: xy}); err != nil {
			return nil, fmt.Errorf("LoadScenario: %w", err)
		}
		sc.Stations = append(sc.Stations, model.StationID(s.ID))
	}

	catchment := NewCatchment(base.ListStations())
	for _, c := range payload.Consumers {
		cons := Consumer{
			XY:         model.TileXY{X: c.X, Y: c.Y},
			Cargo:      model.CargoID(c.Cargo),
			Acceptance: c.Acceptance,
			Radius:     radiusOrDefault(c.Radius),
		}
		for _, st := range catchment.Within(cons.XY, cons.Radius) {
			ge, _ := base.Goods(st, cons.Cargo)
			if err := base.SetAcceptance(st, cons.Cargo, ge.Acceptance+cons.Acceptance); err != nil {
				return nil, fmt.Errorf("LoadScenario: %w", err)
			}
		}
		sc.Consumers = append(sc.Consumers, cons)
	}

	for _, l := range payload.Links {
		link := Link{
			Cargo:      model.CargoID(l.Cargo),
			From:       model.StationID(l.From),
			To:         model.StationID(l.To),
			Capacity:   l.Capacity,
			Usage:      l.Usage,
			TravelTime: l.TravelTime,
			Restricted: l.Restricted,
		}
		if link.Capacity == 0 || link.Usage > link.Capacity {
			return nil, fmt.Errorf("LoadScenario: %w: link %d -> %d capacity %d usage %d",
				ErrInvalidScenario, link.From, link.To, link.Capacity, link.Usage)
		}
		links := []Link{link}
		if l.Bidirectional {
			rev := link
			rev.From, rev.To = link.To, link.From
			links = append(links, rev)
		}
		for _, ln := range links {
			if err := base.ConnectStations(ln.Cargo, ln.From, ln.To, ln.Capacity, ln.Usage, ln.TravelTime, ln.mode(false), now); err != nil {
				return nil, fmt.Errorf("LoadScenario: link %d -> %d: %w", ln.From, ln.To, err)
			}
			sc.Links = append(sc.Links, ln)
		}
	}

	for _, p := range payload.Producers {
		sc.Producers = append(sc.Producers, Producer{
			XY:     model.TileXY{X: p.X, Y: p.Y},
			Cargo:  model.CargoID(p.Cargo),
			Rate:   p.Rate,
			Radius: radiusOrDefault(p.Radius),
		})
	}
	return sc, nil
}

func radiusOrDefault(r uint32) uint32 {
	if r == 0 {
		return DefaultRadius
	}
	return r
}
