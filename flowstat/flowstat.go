// Package flowstat holds the routing share tables that link graph jobs
// publish to stations. A FlowStat is a cumulative map from share limits to
// next hops: the share of a hop is the difference between its limit and the
// previous one, and a random draw below the total picks a hop with
// probability proportional to its share.
package flowstat

import (
	"fmt"
	"math"
	"sort"

	"github.com/signalsfoundry/cargodist/model"
)

// Rand draws uniform integers in [0, n). *math/rand/v2.Rand satisfies it.
type Rand interface {
	IntN(n int) int
}

// Share is one entry of a FlowStat: the cumulative limit up to and including
// the share of Via.
type Share struct {
	Limit uint32
	Via   model.StationID
}

// FlowStat is the set of next hops for cargo from one origin at one station.
// Shares with a limit above Unrestricted are restricted: cargo only takes
// them when it is already committed to that link.
type FlowStat struct {
	shares       []Share
	unrestricted uint32
}

// New creates a FlowStat with one share. flow must be positive.
func New(via model.StationID, flow uint32, restricted bool) *FlowStat {
	if flow == 0 {
		panic("flowstat: new share with zero flow")
	}
	f := &FlowStat{shares: []Share{{Limit: flow, Via: via}}}
	if !restricted {
		f.unrestricted = flow
	}
	return f
}

// AppendShare adds a share for a station that is not in the map yet.
func (f *FlowStat) AppendShare(via model.StationID, flow uint32, restricted bool) {
	if flow == 0 {
		panic("flowstat: append share with zero flow")
	}
	f.shares = append(f.shares, Share{Limit: f.Total() + flow, Via: via})
	if !restricted {
		f.unrestricted += flow
	}
}

// Shares returns a copy of the cumulative share entries.
func (f *FlowStat) Shares() []Share {
	return append([]Share(nil), f.shares...)
}

// Unrestricted returns the cumulative limit of the unrestricted shares.
func (f *FlowStat) Unrestricted() uint32 { return f.unrestricted }

// Total returns the sum of all shares.
func (f *FlowStat) Total() uint32 {
	if len(f.shares) == 0 {
		return 0
	}
	return f.shares[len(f.shares)-1].Limit
}

// Empty reports whether all shares have been removed.
func (f *FlowStat) Empty() bool { return len(f.shares) == 0 }

// Share returns the flow routed via st.
func (f *FlowStat) Share(st model.StationID) uint32 {
	var prev uint32
	for _, s := range f.shares {
		if s.Via == st {
			return s.Limit - prev
		}
		prev = s.Limit
	}
	return 0
}

// upperBound returns the index of the first share with a limit above x.
func (f *FlowStat) upperBound(x uint32) int {
	return sort.Search(len(f.shares), func(i int) bool { return f.shares[i].Limit > x })
}

func draw(rng Rand, n uint32) uint32 {
	return uint32(rng.IntN(int(n)))
}

// Via draws an unrestricted next hop. It returns InvalidStation when all
// flow is restricted.
func (f *FlowStat) Via(rng Rand) model.StationID {
	if f.unrestricted == 0 {
		return model.InvalidStation
	}
	return f.shares[f.upperBound(draw(rng, f.unrestricted))].Via
}

// ViaWithRestricted draws a next hop from all shares and reports whether
// the chosen share is restricted.
func (f *FlowStat) ViaWithRestricted(rng Rand) (model.StationID, bool) {
	if len(f.shares) == 0 {
		return model.InvalidStation, false
	}
	r := draw(rng, f.Total())
	return f.shares[f.upperBound(r)].Via, r >= f.unrestricted
}

// ViaExcluding draws an unrestricted next hop other than excluded and
// excluded2, redrawing from the remaining range so the result keeps the
// relative weights of the other shares.
func (f *FlowStat) ViaExcluding(rng Rand, excluded, excluded2 model.StationID) model.StationID {
	if f.unrestricted == 0 {
		return model.InvalidStation
	}
	i := f.upperBound(draw(rng, f.unrestricted))
	if v := f.shares[i].Via; v != excluded && v != excluded2 {
		return v
	}

	end := f.shares[i].Limit
	begin := f.limitBefore(i)
	interval := end - begin
	if interval >= f.unrestricted {
		return model.InvalidStation
	}
	newMax := f.unrestricted - interval
	r := draw(rng, newMax)
	if r >= begin {
		r += interval
	}
	i2 := f.upperBound(r)
	if v := f.shares[i2].Via; v != excluded && v != excluded2 {
		return v
	}

	end2 := f.shares[i2].Limit
	begin2 := f.limitBefore(i2)
	interval2 := end2 - begin2
	if interval2 >= newMax {
		return model.InvalidStation
	}
	newMax -= interval2
	if begin > begin2 {
		begin, begin2 = begin2, begin
		interval, interval2 = interval2, interval
	}
	r = draw(rng, newMax)
	switch {
	case r < begin:
	case r < begin2-interval:
		r += interval
	default:
		r += interval + interval2
	}
	return f.shares[f.upperBound(r)].Via
}

func (f *FlowStat) limitBefore(i int) uint32 {
	if i == 0 {
		return 0
	}
	return f.shares[i-1].Limit
}

// Invalidate reduces every share to 1 while keeping the hops and the
// restricted boundary, so stale flows still route cargo but no longer
// dominate link statistics.
func (f *FlowStat) Invalidate() {
	if len(f.shares) == 0 {
		panic("flowstat: invalidate empty flow stat")
	}
	for i := range f.shares {
		if f.shares[i].Limit == f.unrestricted {
			f.unrestricted = uint32(i + 1)
		}
		f.shares[i].Limit = uint32(i + 1)
	}
}

// RemoveShare is the ChangeShare delta that erases a share completely.
const RemoveShare = math.MinInt

// ChangeShare adds delta to the share of st. A negative delta at least as
// large as the share, or RemoveShare, erases the share. A new station gets
// an unrestricted share. The FlowStat may be empty afterwards.
func (f *FlowStat) ChangeShare(st model.StationID, delta int) {
	if len(f.shares) == 0 {
		panic("flowstat: change share of empty flow stat")
	}

	var removed, added, last uint32
	next := make([]Share, 0, len(f.shares)+1)
	for _, s := range f.shares {
		if s.Via == st && delta != 0 {
			if delta < 0 {
				share := s.Limit - last
				if delta == RemoveShare || -int64(delta) >= int64(share) {
					removed += share
					if s.Limit <= f.unrestricted {
						f.unrestricted -= share
					}
					if delta != RemoveShare {
						delta += int(share)
					}
					last = s.Limit
					continue
				}
				removed += uint32(-delta)
			} else {
				added += uint32(delta)
			}
			if s.Limit <= f.unrestricted {
				f.unrestricted = uint32(int64(f.unrestricted) + int64(delta))
			}
			delta = 0
		}
		next = append(next, Share{Limit: s.Limit + added - removed, Via: s.Via})
		last = s.Limit
	}

	f.shares = next
	if delta > 0 {
		restricted := f.unrestricted < last
		f.shares = append(f.shares, Share{Limit: last + uint32(delta), Via: st})
		if restricted {
			f.ReleaseShare(st)
		} else {
			f.unrestricted += uint32(delta)
		}
	}
}

// RestrictShare moves the share of st behind all others and out of the
// unrestricted range.
func (f *FlowStat) RestrictShare(st model.StationID) {
	if len(f.shares) == 0 {
		panic("flowstat: restrict share of empty flow stat")
	}
	var flow, last uint32
	next := make([]Share, 0, len(f.shares))
	for _, s := range f.shares {
		if flow == 0 {
			if s.Limit > f.unrestricted {
				return
			}
			if s.Via == st {
				flow = s.Limit - last
				f.unrestricted -= flow
			} else {
				next = append(next, s)
			}
		} else {
			next = append(next, Share{Limit: s.Limit - flow, Via: s.Via})
		}
		last = s.Limit
	}
	if flow == 0 {
		return
	}
	f.shares = append(next, Share{Limit: last, Via: st})
}

// ReleaseShare moves a restricted share of st to the front and into the
// unrestricted range.
func (f *FlowStat) ReleaseShare(st model.StationID) {
	if len(f.shares) == 0 {
		panic("flowstat: release share of empty flow stat")
	}
	var flow, nextLimit uint32
	found := false
	for i := len(f.shares) - 1; i >= 0; i-- {
		s := f.shares[i]
		if s.Limit < f.unrestricted {
			return
		}
		if found {
			flow = nextLimit - s.Limit
			break
		}
		if s.Limit == f.unrestricted {
			return
		}
		if s.Via == st {
			found = true
			if i == 0 {
				flow = s.Limit
			}
		}
		nextLimit = s.Limit
	}
	if flow == 0 {
		return
	}
	f.unrestricted += flow

	next := make([]Share, 0, len(f.shares))
	next = append(next, Share{Limit: flow, Via: st})
	var removed uint32
	var last uint32
	for _, s := range f.shares {
		if s.Via == st {
			removed = s.Limit - last
		} else {
			next = append(next, Share{Limit: flow + s.Limit - removed, Via: s.Via})
		}
		last = s.Limit
	}
	f.shares = next
}

// ScaleToMonthly rescales shares collected over runtime days to monthly
// values. Every share keeps at least 1.
func (f *FlowStat) ScaleToMonthly(runtime uint32) {
	if runtime == 0 {
		panic("flowstat: scale with zero runtime")
	}
	var share uint32
	for i := range f.shares {
		scaled := uint32(uint64(f.shares[i].Limit) * 30 / uint64(runtime))
		share = max(share+1, scaled)
		if f.unrestricted == f.shares[i].Limit {
			f.unrestricted = share
		}
		f.shares[i].Limit = share
	}
}

// SwapShares exchanges the contents of f and other.
func (f *FlowStat) SwapShares(other *FlowStat) {
	f.shares, other.shares = other.shares, f.shares
	f.unrestricted, other.unrestricted = other.unrestricted, f.unrestricted
}

// Clone returns a deep copy.
func (f *FlowStat) Clone() *FlowStat {
	return &FlowStat{shares: f.Shares(), unrestricted: f.unrestricted}
}

func (f *FlowStat) String() string {
	return fmt.Sprintf("FlowStat{shares: %v, unrestricted: %d}", f.shares, f.unrestricted)
}
