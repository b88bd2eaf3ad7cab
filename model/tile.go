package model

// TileXY is a tile position on the map.
type TileXY struct {
	X uint32 `yaml:"x"`
	Y uint32 `yaml:"y"`
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

// DistanceManhattan returns |dx| + |dy|.
func DistanceManhattan(a, b TileXY) uint32 {
	return absDiff(a.X, b.X) + absDiff(a.Y, b.Y)
}

// DistanceMaxPlusManhattan weights the longer axis twice, which favours
// diagonal connections over straight ones of the same Manhattan length.
func DistanceMaxPlusManhattan(a, b TileXY) uint32 {
	dx := absDiff(a.X, b.X)
	dy := absDiff(a.Y, b.Y)
	if dx > dy {
		return 2*dx + dy
	}
	return 2*dy + dx
}

// MapSize is the size of the map in tiles.
type MapSize struct {
	X uint32 `yaml:"x" validate:"min=1"`
	Y uint32 `yaml:"y" validate:"min=1"`
}

// MaxDistance is the largest max-plus-Manhattan distance possible on the map.
func (m MapSize) MaxDistance() uint32 {
	if m.X == 0 || m.Y == 0 {
		return 0
	}
	return DistanceMaxPlusManhattan(TileXY{}, TileXY{X: m.X - 1, Y: m.Y - 1})
}

// Contains reports whether t lies on the map.
func (m MapSize) Contains(t TileXY) bool {
	return t.X < m.X && t.Y < m.Y
}
