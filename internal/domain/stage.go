package domain

type Zone string

const (
	ZoneHouse      Zone = "House"
	ZoneCrossover  Zone = "Crossover"
	ZoneConference Zone = "Conference"
	ZoneGovernor   Zone = "Governor"
	ZoneLaw        Zone = "Law"
	ZoneClosed     Zone = "Closed"
)

// Zones lists every zone in pipeline order.
var Zones = []Zone{ZoneHouse, ZoneCrossover, ZoneConference, ZoneGovernor, ZoneLaw, ZoneClosed}

func (z Zone) Valid() bool {
	for _, known := range Zones {
		if z == known {
			return true
		}
	}
	return false
}

// Stage is one position in the legislative pipeline.
type Stage struct {
	ID        string `yaml:"id" json:"id"`
	Title     string `yaml:"title" json:"title"`
	Zone      Zone   `yaml:"zone" json:"zone"`
	Scheduled bool   `yaml:"scheduled,omitempty" json:"scheduled,omitempty"`
	// Completes names the stage reached once a scheduled action happens.
	Completes string `yaml:"completes,omitempty" json:"completes,omitempty"`
	// Exempt stages may be entered from, or left to, any other stage.
	Exempt bool `yaml:"exempt,omitempty" json:"exempt,omitempty"`
}
