package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Unit is the physical unit a device reports in.
type Unit string

const (
	Celsius Unit = "C"
	Percent Unit = "%"
)

// MeasurementKind tags a chart series with what it measures. It is decided
// from the device unit at data-assembly time, never inferred from labels.
type MeasurementKind string

const (
	Temperature MeasurementKind = "temperature"
	Humidity    MeasurementKind = "humidity"
)

// Kind returns the measurement kind implied by the unit.
func (u Unit) Kind() MeasurementKind {
	if u == Percent {
		return Humidity
	}
	return Temperature
}

// Severity is the ordered health classification of a reading or an
// aggregate. Offline is the lowest element: it never masks a worse sibling
// during aggregation.
type Severity int

const (
	Offline Severity = iota
	Normal
	Warning
	Danger
)

func (s Severity) String() string {
	switch s {
	case Offline:
		return "OFFLINE"
	case Normal:
		return "NORMAL"
	case Warning:
		return "WARNING"
	case Danger:
		return "DANGER"
	}
	return "UNKNOWN"
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b > a {
		return b
	}
	return a
}

// Reading is one already-parsed value from a physical device. A nil Value
// means the device is currently unreachable.
type Reading struct {
	DeviceID  string    `json:"device_id"`
	Value     *float64  `json:"value"`
	Unit      Unit      `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadingBatch is one delivered update from the live feed, carrying the
// latest value for some or all devices.
type ReadingBatch struct {
	Received time.Time `json:"received"`
	Readings []Reading `json:"readings"`
}

// ThresholdProfile defines the normal band and the warning margin for a
// device id or a device-id prefix. Invariants, checked at load time:
// NormalMin < NormalMax, WarningMargin >= 0.
type ThresholdProfile struct {
	Match         string  `json:"match" yaml:"match"`
	NormalMin     float64 `json:"normal_min" yaml:"normal_min"`
	NormalMax     float64 `json:"normal_max" yaml:"normal_max"`
	WarningMargin float64 `json:"warning_margin" yaml:"warning_margin"`
}

// DeviceStatus is the classified state of one device in a snapshot.
type DeviceStatus struct {
	DeviceID string   `json:"device_id"`
	Severity Severity `json:"severity"`
	Value    *float64 `json:"value"`
}

// SubsystemStatus rolls the member devices of one subsystem up to a single
// severity. Devices are in registry declaration order.
type SubsystemStatus struct {
	SubsystemID string         `json:"subsystem_id"`
	Severity    Severity       `json:"severity"`
	Devices     []DeviceStatus `json:"devices"`
}

// FleetSnapshot is the single externally observable artifact of the live
// path. It is rebuilt in full on every reading batch so that no reader ever
// observes a subsystem severity that disagrees with its members.
type FleetSnapshot struct {
	ID         uuid.UUID         `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Subsystems []SubsystemStatus `json:"subsystems"`
	Severity   Severity          `json:"severity"`
}

// Device looks a device status up by id across all subsystems.
func (s FleetSnapshot) Device(deviceID string) (DeviceStatus, bool) {
	for _, sub := range s.Subsystems {
		for _, d := range sub.Devices {
			if d.DeviceID == deviceID {
				return d, true
			}
		}
	}
	return DeviceStatus{}, false
}

// Subsystem looks a subsystem status up by id.
func (s FleetSnapshot) Subsystem(subsystemID string) (SubsystemStatus, bool) {
	for _, sub := range s.Subsystems {
		if sub.SubsystemID == subsystemID {
			return sub, true
		}
	}
	return SubsystemStatus{}, false
}

// Alert is an edge-triggered severity transition for one device.
type Alert struct {
	ID        uuid.UUID `json:"id"`
	DeviceID  string    `json:"device_id"`
	Severity  Severity  `json:"severity"`
	Previous  Severity  `json:"previous"`
	Value     *float64  `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// SeriesPoint is one chart point. Value stays nil for unreachable readings
// so gaps are visible instead of silently interpolated.
type SeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     *float64  `json:"value"`
}

// ChartSeries is the ordered per-device series of a historical window.
type ChartSeries struct {
	DeviceID string          `json:"device_id"`
	Kind     MeasurementKind `json:"kind"`
	Points   []SeriesPoint   `json:"points"`
}

// ReadingRow groups the classified readings that share one timestamp.
type ReadingRow struct {
	Timestamp time.Time      `json:"timestamp"`
	Statuses  []DeviceStatus `json:"statuses"`
}

// HistoricalWindow is a day-bounded, immutable view over stored readings.
type HistoricalWindow struct {
	Day    time.Time     `json:"day"`
	Rows   []ReadingRow  `json:"rows"`
	Series []ChartSeries `json:"series"`
}

// ISnapshotSink is the outbound port every gateway implements.
type ISnapshotSink interface {
	SendSnapshot(snapshot FleetSnapshot) error
	SendAlert(alert Alert) error
}

// IReadingStore is the historical storage collaborator. Both bounds are
// inclusive and the result is expected ascending by timestamp.
type IReadingStore interface {
	QueryReadings(ctx context.Context, start, end time.Time) ([]Reading, error)
}
