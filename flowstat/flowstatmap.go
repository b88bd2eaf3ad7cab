package flowstat

import (
	"slices"

	"github.com/signalsfoundry/cargodist/model"
)

// FlowStatMap holds the flow stats of one station and cargo, keyed by the
// origin station of the flow.
type FlowStatMap map[model.StationID]*FlowStat

// AddFlow adds flow from origin going via via.
func (m FlowStatMap) AddFlow(origin, via model.StationID, flow uint32) {
	if fs, ok := m[origin]; ok {
		fs.ChangeShare(via, int(flow))
		return
	}
	m[origin] = New(via, flow, false)
}

// PassOnFlow adds flow from origin going via via and remembers the same
// amount under InvalidStation, to be subtracted from local consumption by
// FinalizeLocalConsumption.
func (m FlowStatMap) PassOnFlow(origin, via model.StationID, flow uint32) {
	if fs, ok := m[origin]; ok {
		fs.ChangeShare(via, int(flow))
		fs.ChangeShare(model.InvalidStation, int(flow))
		return
	}
	fs := New(via, flow, false)
	fs.AppendShare(model.InvalidStation, flow, false)
	m[origin] = fs
}

// FinalizeLocalConsumption subtracts passed-on flow from the share that
// self consumes locally.
func (m FlowStatMap) FinalizeLocalConsumption(self model.StationID) {
	for _, origin := range m.Origins() {
		fs := m[origin]
		local := fs.Share(model.InvalidStation)
		if local == 0 {
			continue
		}
		fs.ChangeShare(self, -int(local))
		fs.ChangeShare(model.InvalidStation, -int(local))
		if fs.Empty() {
			delete(m, origin)
		}
	}
}

// DeleteFlows erases every share via via. It returns the origins whose
// flow stats became empty and were removed, in ascending order.
func (m FlowStatMap) DeleteFlows(via model.StationID) []model.StationID {
	var erased []model.StationID
	for _, origin := range m.Origins() {
		fs := m[origin]
		fs.ChangeShare(via, RemoveShare)
		if fs.Empty() {
			erased = append(erased, origin)
			delete(m, origin)
		}
	}
	return erased
}

// RestrictFlows restricts every share via via.
func (m FlowStatMap) RestrictFlows(via model.StationID) {
	for _, fs := range m {
		fs.RestrictShare(via)
	}
}

// ReleaseFlows releases every restricted share via via.
func (m FlowStatMap) ReleaseFlows(via model.StationID) {
	for _, fs := range m {
		fs.ReleaseShare(via)
	}
}

// Flow returns the sum of all flows.
func (m FlowStatMap) Flow() uint64 {
	var total uint64
	for _, fs := range m {
		total += uint64(fs.Total())
	}
	return total
}

// FlowVia returns the sum of flows via via.
func (m FlowStatMap) FlowVia(via model.StationID) uint64 {
	var total uint64
	for _, fs := range m {
		total += uint64(fs.Share(via))
	}
	return total
}

// FlowFrom returns the flow originating at origin.
func (m FlowStatMap) FlowFrom(origin model.StationID) uint32 {
	if fs, ok := m[origin]; ok {
		return fs.Total()
	}
	return 0
}

// FlowFromVia returns the flow originating at origin and going via via.
func (m FlowStatMap) FlowFromVia(origin, via model.StationID) uint32 {
	if fs, ok := m[origin]; ok {
		return fs.Share(via)
	}
	return 0
}

// Via draws the next hop for cargo from origin.
func (m FlowStatMap) Via(rng Rand, origin model.StationID) model.StationID {
	if fs, ok := m[origin]; ok {
		return fs.Via(rng)
	}
	return model.InvalidStation
}

// Origins returns the origin stations in ascending order.
func (m FlowStatMap) Origins() []model.StationID {
	out := make([]model.StationID, 0, len(m))
	for origin := range m {
		out = append(out, origin)
	}
	slices.Sort(out)
	return out
}

// Clone returns a deep copy.
func (m FlowStatMap) Clone() FlowStatMap {
	out := make(FlowStatMap, len(m))
	for origin, fs := range m {
		out[origin] = fs.Clone()
	}
	return out
}

// ScaleToMonthly scales every flow stat, see FlowStat.ScaleToMonthly.
func (m FlowStatMap) ScaleToMonthly(runtime uint32) {
	for _, fs := range m {
		fs.ScaleToMonthly(runtime)
	}
}
