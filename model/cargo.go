package model

import (
	"fmt"
	"strings"
)

// DistributionType selects how demand is generated for a cargo.
type DistributionType uint8

const (
	// DistributionManual leaves routing to vehicle orders; no demand is generated.
	DistributionManual DistributionType = iota
	// DistributionAsymmetric generates demand in one direction only.
	DistributionAsymmetric
	// DistributionSymmetric generates demand in both directions.
	DistributionSymmetric
)

func (d DistributionType) String() string {
	switch d {
	case DistributionManual:
		return "manual"
	case DistributionAsymmetric:
		return "asymmetric"
	case DistributionSymmetric:
		return "symmetric"
	default:
		return fmt.Sprintf("DistributionType(%d)", uint8(d))
	}
}

// ParseDistributionType parses the String form of a distribution type.
func ParseDistributionType(s string) (DistributionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "manual":
		return DistributionManual, nil
	case "asymmetric":
		return DistributionAsymmetric, nil
	case "symmetric":
		return DistributionSymmetric, nil
	default:
		return 0, fmt.Errorf("unknown distribution type %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d DistributionType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so config files can
// name distribution types.
func (d *DistributionType) UnmarshalText(b []byte) error {
	v, err := ParseDistributionType(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// CargoClass groups cargos with similar handling.
type CargoClass uint8

const (
	ClassPassengers CargoClass = iota
	ClassMail
	ClassExpress
	ClassArmoured
	ClassBulk
	ClassPieceGoods
	ClassLiquid
	ClassRefrigerated
	ClassHazardous
	ClassCovered
)

var cargoClassNames = [...]string{
	"passengers", "mail", "express", "armoured", "bulk",
	"piece_goods", "liquid", "refrigerated", "hazardous", "covered",
}

func (c CargoClass) String() string {
	if int(c) < len(cargoClassNames) {
		return cargoClassNames[c]
	}
	return fmt.Sprintf("CargoClass(%d)", uint8(c))
}

// ParseCargoClass parses the String form of a cargo class.
func ParseCargoClass(s string) (CargoClass, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range cargoClassNames {
		if name == s {
			return CargoClass(i), nil
		}
	}
	return 0, fmt.Errorf("unknown cargo class %q", s)
}

// Cargo describes a cargo type.
type Cargo struct {
	ID    CargoID
	Label string
	Class CargoClass
}
