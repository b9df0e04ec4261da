// Package registry holds the static fleet configuration: which device
// belongs to which subsystem, what it measures, and the threshold profile it
// is classified against. The registry is loaded once at process start and is
// immutable afterwards, so concurrent readers need no locking.
package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Go-routine-4595/plant-monitor/model"
)

const defaultTimezone = "Asia/Jakarta"

// DeviceDef is one fleet configuration entry.
type DeviceDef struct {
	Device        string  `yaml:"device"`
	Subsystem     string  `yaml:"subsystem"`
	Unit          string  `yaml:"unit"`
	NormalMin     float64 `yaml:"normal_min"`
	NormalMax     float64 `yaml:"normal_max"`
	WarningMargin float64 `yaml:"warning_margin"`
}

// FleetDef is the on-disk schema of the fleet configuration file.
type FleetDef struct {
	Timezone string                   `yaml:"timezone"`
	Devices  []DeviceDef              `yaml:"devices"`
	Profiles []model.ThresholdProfile `yaml:"profiles"`
}

type deviceEntry struct {
	subsystem string
	unit      model.Unit
	profile   model.ThresholdProfile
}

// Registry is the immutable device/subsystem/threshold mapping.
type Registry struct {
	devices    map[string]deviceEntry
	subsystems []string
	members    map[string][]string
	prefixes   []model.ThresholdProfile
	location   *time.Location
}

// Load reads and validates a fleet configuration file.
func Load(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(err, errors.New("open fleet configuration file"))
	}
	return Parse(b)
}

// Parse builds a registry from raw YAML.
func Parse(b []byte) (*Registry, error) {
	var def FleetDef
	if err := yaml.Unmarshal(b, &def); err != nil {
		return nil, errors.Join(err, errors.New("decode fleet configuration"))
	}
	return New(def)
}

// New validates a fleet definition and builds the registry.
func New(def FleetDef) (*Registry, error) {
	if len(def.Devices) == 0 {
		return nil, errors.New("fleet configuration declares no devices")
	}

	tz := def.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("load timezone %q", tz))
	}

	r := &Registry{
		devices:  make(map[string]deviceEntry, len(def.Devices)),
		members:  make(map[string][]string),
		location: loc,
	}

	for _, d := range def.Devices {
		if d.Device == "" || d.Subsystem == "" {
			return nil, fmt.Errorf("device entry %+v: device and subsystem are required", d)
		}
		if _, dup := r.devices[d.Device]; dup {
			return nil, fmt.Errorf("device %q declared twice", d.Device)
		}
		p := model.ThresholdProfile{
			Match:         d.Device,
			NormalMin:     d.NormalMin,
			NormalMax:     d.NormalMax,
			WarningMargin: d.WarningMargin,
		}
		if err := validateProfile(p); err != nil {
			return nil, err
		}
		unit := model.Unit(d.Unit)
		if unit == "" {
			unit = model.Celsius
		}
		r.devices[d.Device] = deviceEntry{subsystem: d.Subsystem, unit: unit, profile: p}
		if _, seen := r.members[d.Subsystem]; !seen {
			r.subsystems = append(r.subsystems, d.Subsystem)
		}
		r.members[d.Subsystem] = append(r.members[d.Subsystem], d.Device)
	}

	for _, p := range def.Profiles {
		if p.Match == "" {
			return nil, errors.New("prefix profile with empty match")
		}
		if err := validateProfile(p); err != nil {
			return nil, err
		}
		r.prefixes = append(r.prefixes, p)
	}

	return r, nil
}

func validateProfile(p model.ThresholdProfile) error {
	if p.NormalMin >= p.NormalMax {
		return fmt.Errorf("profile %q: normal_min %.2f must be below normal_max %.2f",
			p.Match, p.NormalMin, p.NormalMax)
	}
	if p.WarningMargin < 0 {
		return fmt.Errorf("profile %q: warning_margin %.2f must not be negative",
			p.Match, p.WarningMargin)
	}
	return nil
}

// ResolveProfile returns the threshold profile for a device: the exact
// device entry when one exists, otherwise the longest matching prefix
// profile. A device with no match cannot be classified.
func (r *Registry) ResolveProfile(deviceID string) (model.ThresholdProfile, error) {
	if e, ok := r.devices[deviceID]; ok {
		return e.profile, nil
	}
	best := -1
	for i, p := range r.prefixes {
		if strings.HasPrefix(deviceID, p.Match) {
			if best < 0 || len(p.Match) > len(r.prefixes[best].Match) {
				best = i
			}
		}
	}
	if best >= 0 {
		return r.prefixes[best], nil
	}
	return model.ThresholdProfile{}, fmt.Errorf("resolve profile for %q: %w", deviceID, model.ErrUnknownDevice)
}

// SubsystemOf returns the subsystem a device belongs to.
func (r *Registry) SubsystemOf(deviceID string) (string, error) {
	e, ok := r.devices[deviceID]
	if !ok {
		return "", fmt.Errorf("subsystem of %q: %w", deviceID, model.ErrUnknownDevice)
	}
	return e.subsystem, nil
}

// UnitOf returns the declared unit of a device, Celsius when unknown.
func (r *Registry) UnitOf(deviceID string) model.Unit {
	if e, ok := r.devices[deviceID]; ok {
		return e.unit
	}
	return model.Celsius
}

// Subsystems returns all subsystem ids in declaration order.
func (r *Registry) Subsystems() []string {
	out := make([]string, len(r.subsystems))
	copy(out, r.subsystems)
	return out
}

// Devices returns the member devices of a subsystem in declaration order.
func (r *Registry) Devices(subsystemID string) []string {
	m := r.members[subsystemID]
	out := make([]string, len(m))
	copy(out, m)
	return out
}

// Location is the fixed local timezone all day-bounding uses.
func (r *Registry) Location() *time.Location {
	return r.location
}
