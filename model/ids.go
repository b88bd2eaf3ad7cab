package model

// StationID identifies a station. Stations are the nodes of link graphs.
type StationID uint16

// InvalidStation marks an unknown station. Flow tables also use it for
// flow that was passed on during mapping and not yet accounted for.
const InvalidStation StationID = 0xFFFF

// NodeID is the index of a station inside one link graph component.
type NodeID uint16

// InvalidNode marks a station that is not part of any component.
const InvalidNode NodeID = 0xFFFF

// CargoID identifies a cargo type.
type CargoID uint8

// LinkGraphID identifies a link graph component.
type LinkGraphID uint32

// InvalidLinkGraph marks goods that are not attached to a component.
const InvalidLinkGraph LinkGraphID = 0xFFFFFFFF
