package core

import (
	"cmp"
	"slices"
	"sync"

	"github.com/tidwall/rtree"

	"github.com/signalsfoundry/cargodist/kb"
	"github.com/signalsfoundry/cargodist/model"
)

// Catchment finds the stations serving a tile. A station serves every
// tile within a square of the given radius around it.
type Catchment struct {
	mu   sync.RWMutex
	tr   rtree.RTreeG[kb.Station]
	byID map[model.StationID]kb.Station
}

// NewCatchment indexes stations by position.
func NewCatchment(stations []kb.Station) *Catchment {
	c := &Catchment{byID: make(map[model.StationID]kb.Station)}
	for _, st := range stations {
		c.Insert(st)
	}
	return c
}

func point(xy model.TileXY) [2]float64 {
	return [2]float64{float64(xy.X), float64(xy.Y)}
}

// Insert adds st to the index, replacing an entry with the same ID.
func (c *Catchment) Insert(st kb.Station) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(st.ID)
	p := point(st.XY)
	c.tr.Insert(p, p, st)
	c.byID[st.ID] = st
}

// Remove drops the station with the given ID from the index.
func (c *Catchment) Remove(id model.StationID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(id)
}

func (c *Catchment) removeLocked(id model.StationID) {
	st, ok := c.byID[id]
	if !ok {
		return
	}
	p := point(st.XY)
	c.tr.Delete(p, p, st)
	delete(c.byID, id)
}

// Len returns the number of indexed stations.
func (c *Catchment) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tr.Len()
}

// Within returns the stations serving xy, nearest first by Manhattan
// distance and then by ID.
func (c *Catchment) Within(xy model.TileXY, radius uint32) []model.StationID {
	r := float64(radius)
	lo := [2]float64{float64(xy.X) - r, float64(xy.Y) - r}
	hi := [2]float64{float64(xy.X) + r, float64(xy.Y) + r}

	var found []kb.Station
	c.mu.RLock()
	c.tr.Search(lo, hi, func(_, _ [2]float64, st kb.Station) bool {
		found = append(found, st)
		return true
	})
	c.mu.RUnlock()
	slices.SortFunc(found, func(a, b kb.Station) int {
		da, db := model.DistanceManhattan(xy, a.XY), model.DistanceManhattan(xy, b.XY)
		if da != db {
			return cmp.Compare(da, db)
		}
		return cmp.Compare(a.ID, b.ID)
	})

	out := make([]model.StationID, len(found))
	for i, st := range found {
		out[i] = st.ID
	}
	return out
}
