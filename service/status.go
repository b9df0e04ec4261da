// Package service implements the live status engine: threshold
// classification, subsystem/fleet aggregation, atomic snapshot publication,
// and the day-bounded historical window query.
package service

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Go-routine-4595/plant-monitor/model"
	"github.com/Go-routine-4595/plant-monitor/registry"
)

// Classify maps one reading to a severity. It is pure and total; the four
// bands are evaluated in this exact order, and the warning band is defined
// by distance outside the normal band on both sides.
func Classify(r model.Reading, p model.ThresholdProfile) model.Severity {
	if r.Value == nil {
		return model.Offline
	}
	v := *r.Value
	if v >= p.NormalMin && v <= p.NormalMax {
		return model.Normal
	}
	if v >= p.NormalMin-p.WarningMargin && v < p.NormalMin {
		return model.Warning
	}
	if v > p.NormalMax && v <= p.NormalMax+p.WarningMargin {
		return model.Warning
	}
	return model.Danger
}

// Aggregate rolls per-device severities up to subsystem and fleet level.
// For each subsystem the severity is the maximum among members present in
// statuses, with Offline as the lowest element; a subsystem with no known
// member is Offline. The fleet severity applies the same rule over
// subsystems. Aggregate is a pure fold: calling it twice on the same input
// yields identical snapshots (the caller assigns the snapshot id).
func Aggregate(reg *registry.Registry, now time.Time, statuses map[string]model.DeviceStatus) model.FleetSnapshot {
	snap := model.FleetSnapshot{
		Timestamp: now,
		Severity:  model.Offline,
	}

	anyKnown := false
	for _, subID := range reg.Subsystems() {
		sub := model.SubsystemStatus{
			SubsystemID: subID,
			Severity:    model.Offline,
		}
		known := false
		for _, devID := range reg.Devices(subID) {
			st, ok := statuses[devID]
			if !ok {
				st = model.DeviceStatus{DeviceID: devID, Severity: model.Offline}
			} else {
				known = true
				sub.Severity = model.MaxSeverity(sub.Severity, st.Severity)
			}
			sub.Devices = append(sub.Devices, st)
		}
		if known {
			anyKnown = true
			snap.Severity = model.MaxSeverity(snap.Severity, sub.Severity)
		}
		snap.Subsystems = append(snap.Subsystems, sub)
	}
	if !anyKnown {
		snap.Severity = model.Offline
	}
	return snap
}

type subscriber struct {
	ch chan model.FleetSnapshot
}

// Engine owns the live path. It is the single writer of the fleet snapshot:
// batches are applied one at a time, the snapshot is rebuilt in full and
// published with one atomic pointer swap, and subscribers plus gateway
// sinks are notified afterwards.
type Engine struct {
	registry *registry.Registry
	sinks    []model.ISnapshotSink
	logger   zerolog.Logger
	now      func() time.Time

	mu         sync.Mutex
	latest     map[string]model.DeviceStatus
	alertState map[string]model.Severity
	subs       map[int]*subscriber
	nextSub    int

	snapshot atomic.Pointer[model.FleetSnapshot]
}

// NewEngine builds the engine. Sinks receive every snapshot and every alert;
// a failing sink is logged and never interrupts the live path.
func NewEngine(reg *registry.Registry, logl int, sinks ...model.ISnapshotSink) *Engine {
	return &Engine{
		registry:   reg,
		sinks:      sinks,
		logger:     createLogger(logl).With().Str("component", "engine").Logger(),
		now:        time.Now,
		latest:     make(map[string]model.DeviceStatus),
		alertState: make(map[string]model.Severity),
		subs:       make(map[int]*subscriber),
	}
}

// createLogger initializes a zerolog.Logger with standard settings.
func createLogger(logLevel int) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel+zerolog.Level(logLevel)).
		With().Timestamp().Int("pid", os.Getpid()).Logger()
}

// Apply classifies one reading batch, merges it into the latest per-device
// statuses, recomputes the snapshot from scratch and publishes it. Readings
// for devices absent from the registry are excluded from the cycle and
// reported; they never interrupt the live path.
func (e *Engine) Apply(batch model.ReadingBatch) {
	e.mu.Lock()

	var alerts []model.Alert
	for _, r := range batch.Readings {
		profile, err := e.registry.ResolveProfile(r.DeviceID)
		if err != nil {
			e.logger.Warn().Err(err).Str("device", r.DeviceID).Msg("reading for unregistered device dropped")
			continue
		}
		if _, err := e.registry.SubsystemOf(r.DeviceID); err != nil {
			e.logger.Warn().Err(err).Str("device", r.DeviceID).Msg("reading for unregistered device dropped")
			continue
		}

		sev := Classify(r, profile)
		e.latest[r.DeviceID] = model.DeviceStatus{
			DeviceID: r.DeviceID,
			Severity: sev,
			Value:    r.Value,
		}

		if a, ok := e.transition(r, sev); ok {
			alerts = append(alerts, a)
		}
	}

	ts := batch.Received
	if ts.IsZero() {
		ts = e.now()
	}
	snap := Aggregate(e.registry, ts, e.latest)
	snap.ID = uuid.New()

	e.snapshot.Store(&snap)
	for _, s := range e.subs {
		publish(s.ch, snap)
	}
	e.mu.Unlock()

	for _, a := range alerts {
		e.logger.Warn().
			Str("device", a.DeviceID).
			Str("severity", a.Severity.String()).
			Str("previous", a.Previous.String()).
			Msg("severity transition")
		for _, sink := range e.sinks {
			if err := sink.SendAlert(a); err != nil {
				e.logger.Error().Err(err).Str("device", a.DeviceID).Msg("failed to forward alert")
			}
		}
	}
	for _, sink := range e.sinks {
		if err := sink.SendSnapshot(snap); err != nil {
			e.logger.Error().Err(err).Msg("failed to forward snapshot")
		}
	}
}

// transition records the per-device alert state and emits an alert only on
// the edge into Warning or Danger, the way the source system notified once
// per excursion rather than on every reading.
func (e *Engine) transition(r model.Reading, sev model.Severity) (model.Alert, bool) {
	prev, seen := e.alertState[r.DeviceID]
	if !seen {
		prev = model.Normal
	}
	e.alertState[r.DeviceID] = sev
	if sev == prev || sev < model.Warning {
		return model.Alert{}, false
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	return model.Alert{
		ID:        uuid.New(),
		DeviceID:  r.DeviceID,
		Severity:  sev,
		Previous:  prev,
		Value:     r.Value,
		Timestamp: ts,
	}, true
}

// publish delivers a snapshot without ever blocking the writer. A slow
// subscriber is conflated: its pending snapshot is replaced by the newer
// one.
func publish(ch chan model.FleetSnapshot, snap model.FleetSnapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

// Snapshot returns the most recently published snapshot, or nil before the
// first batch.
func (e *Engine) Snapshot() *model.FleetSnapshot {
	return e.snapshot.Load()
}

// SubsystemView returns the current status of one subsystem as a filtered
// projection of the shared snapshot.
func (e *Engine) SubsystemView(subsystemID string) (model.SubsystemStatus, bool) {
	snap := e.snapshot.Load()
	if snap == nil {
		return model.SubsystemStatus{}, false
	}
	return snap.Subsystem(subsystemID)
}

// Subscribe registers an observer that receives every published snapshot.
// The returned cancel function must be called when done.
func (e *Engine) Subscribe() (<-chan model.FleetSnapshot, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSub
	e.nextSub++
	sub := &subscriber{ch: make(chan model.FleetSnapshot, 1)}
	e.subs[id] = sub

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}
