package linkgraph

import (
	"context"
)

// FlowMapper turns the path legs of the MCF passes into per station flow
// tables and releases the legs. The final mapper also scales the flows to
// monthly values.
type FlowMapper struct {
	Scale bool
}

func (m FlowMapper) Name() string {
	if m.Scale {
		return "flowmapper_final"
	}
	return "flowmapper_partial"
}

func (m FlowMapper) Run(_ context.Context, j *Job) {
	for prev := range j.nodes {
		prevStation := j.graph.nodes[prev].Station
		for _, id := range j.nodes[prev].paths {
			p := j.paths.Get(id)
			if p.Flow == 0 {
				continue
			}
			via := j.graph.nodes[p.Node].Station
			origin := j.graph.nodes[p.Origin].Station

			// All of the flow is consumed at via unless a later leg
			// passes it on.
			j.nodes[p.Node].flows.AddFlow(origin, via, p.Flow)
			if prevStation != origin {
				j.nodes[prev].flows.PassOnFlow(origin, via, p.Flow)
			} else {
				j.nodes[prev].flows.AddFlow(origin, via, p.Flow)
			}
		}
	}

	runtime := int64(j.JoinDate()) - int64(j.settings.RecalcTime) - int64(j.graph.LastCompression) + 1
	for i := range j.nodes {
		n := &j.nodes[i]
		n.flows.FinalizeLocalConsumption(j.graph.nodes[i].Station)
		if m.Scale {
			n.flows.ScaleToMonthly(uint32(max(runtime, 1)))
		}
		n.paths = nil
	}
	j.paths.Reset()

	if m.Scale {
		j.setState(StateFlowMappedFinal)
	} else {
		j.setState(StateFlowMappedPartial)
	}
}
