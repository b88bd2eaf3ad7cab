package model

// LinkGraphSettings tunes link graph recalculation and cargo distribution.
type LinkGraphSettings struct {
	// RecalcInterval is the number of days between two job spawns.
	RecalcInterval uint16 `yaml:"recalc_interval" validate:"min=4,max=90"`
	// RecalcTime is the number of days a job may run before it is joined.
	RecalcTime uint16 `yaml:"recalc_time" validate:"min=1,max=9000"`
	// Accuracy controls how finely demand is split when pushing flow.
	Accuracy uint8 `yaml:"accuracy" validate:"min=2,max=64"`
	// DemandDistance is the effect of distance on demand, in percent.
	DemandDistance uint8 `yaml:"demand_distance" validate:"max=255"`
	// DemandSize is the size of reverse demand for symmetric cargo, in percent.
	DemandSize uint8 `yaml:"demand_size" validate:"max=100"`
	// ShortPathSaturation caps the first MCF pass, in percent of capacity.
	ShortPathSaturation uint8 `yaml:"short_path_saturation" validate:"min=50,max=250"`

	DistributionPax      DistributionType `yaml:"distribution_pax"`
	DistributionMail     DistributionType `yaml:"distribution_mail"`
	DistributionArmoured DistributionType `yaml:"distribution_armoured"`
	DistributionDefault  DistributionType `yaml:"distribution_default"`
}

// DefaultLinkGraphSettings returns the stock settings.
func DefaultLinkGraphSettings() LinkGraphSettings {
	return LinkGraphSettings{
		RecalcInterval:       4,
		RecalcTime:           16,
		Accuracy:             16,
		DemandDistance:       100,
		DemandSize:           100,
		ShortPathSaturation:  80,
		DistributionPax:      DistributionManual,
		DistributionMail:     DistributionManual,
		DistributionArmoured: DistributionManual,
		DistributionDefault:  DistributionManual,
	}
}

// DistributionFor returns the distribution type configured for a cargo class.
func (s LinkGraphSettings) DistributionFor(class CargoClass) DistributionType {
	switch class {
	case ClassPassengers:
		return s.DistributionPax
	case ClassMail:
		return s.DistributionMail
	case ClassArmoured:
		return s.DistributionArmoured
	default:
		return s.DistributionDefault
	}
}
