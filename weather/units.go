package weather

import (
	"encoding/json"
	"fmt"
	"sort"
)

// DefaultUnitGroup is the unit group requested when none is configured
const DefaultUnitGroup = "metric"

// UnitGroup lists the unit symbols used by numeric fields of a payload
type UnitGroup struct {
	Temperature    string `json:"temperature"`
	Precipitation  string `json:"precipitation"`
	Snow           string `json:"snow"`
	Wind           string `json:"wind"`
	Visibility     string `json:"visibility"`
	Pressure       string `json:"pressure"`
	SolarRadiation string `json:"solar_radiation"`
	SolarEnergy    string `json:"solar_energy"`
}

// UnitGroups are the unit groups supported by Visual Crossing
var UnitGroups = map[string]UnitGroup{
	"metric": {"°C", "mm", "cm", "km/h", "km", "hPa", "W/m²", "MJ/m²"},
	"base":   {"K", "mm", "cm", "m/s", "km", "mbar", "W/m²", "MJ/m²"},
	"us":     {"°F", "in", "in", "mi/h", "mi", "mbar", "W/m²", "MJ/m²"},
	"uk":     {"°C", "mm", "cm", "mi/h", "mi", "mbar", "W/m²", "MJ/m²"},
}

// UnitGroupNames returns the supported unit group names, sorted
func UnitGroupNames() []string {
	names := make([]string, 0, len(UnitGroups))
	for name := range UnitGroups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shaper turns a raw provider payload into the response body
type Shaper interface {
	Shape(raw []byte) ([]byte, error)
}

// UnitShaper adds a "unit_group" object describing the payload's units
type UnitShaper struct {
	Group string
}

// NewUnitShaper returns a shaper for group, or an error for unknown groups
func NewUnitShaper(group string) (*UnitShaper, error) {
	if _, ok := UnitGroups[group]; !ok {
		return nil, fmt.Errorf("unknown unit group %q", group)
	}
	return &UnitShaper{Group: group}, nil
}

// Shape implements Shaper. raw is never modified; object keys in the output
// are sorted so equal inputs produce equal bytes.
func (s *UnitShaper) Shape(raw []byte) ([]byte, error) {
	units, ok := UnitGroups[s.Group]
	if !ok {
		return nil, fmt.Errorf("unknown unit group %q", s.Group)
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal(raw, &object); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if object == nil {
		return nil, fmt.Errorf("decode payload: not a JSON object")
	}

	encoded, err := json.Marshal(units)
	if err != nil {
		return nil, fmt.Errorf("encode unit group: %w", err)
	}
	object["unit_group"] = encoded

	out, err := json.Marshal(object)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}
