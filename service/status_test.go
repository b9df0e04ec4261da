package service

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/Go-routine-4595/plant-monitor/model"
	"github.com/Go-routine-4595/plant-monitor/registry"
)

func f(v float64) *float64 { return &v }

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.New(registry.FleetDef{
		Timezone: "UTC",
		Devices: []registry.DeviceDef{
			{Device: "dryer1", Subsystem: "dryer", Unit: "C", NormalMin: 120, NormalMax: 155, WarningMargin: 10},
			{Device: "dryer2", Subsystem: "dryer", Unit: "C", NormalMin: 120, NormalMax: 155, WarningMargin: 10},
			{Device: "boiler1", Subsystem: "boiler", Unit: "C", NormalMin: 80, NormalMax: 110, WarningMargin: 5},
			{Device: "humidity4", Subsystem: "kedi", Unit: "%", NormalMin: 40, NormalMax: 70, WarningMargin: 5},
		},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return r
}

func TestClassifyBands(t *testing.T) {
	p := model.ThresholdProfile{NormalMin: 120, NormalMax: 155, WarningMargin: 10}

	cases := []struct {
		name  string
		value *float64
		want  model.Severity
	}{
		{"unavailable", nil, model.Offline},
		{"normal mid", f(140), model.Normal},
		{"normal at min", f(120), model.Normal},
		{"normal at max", f(155), model.Normal},
		{"warning just below min", f(119.9), model.Warning},
		{"warning at min minus margin", f(110), model.Warning},
		{"warning just above max", f(155.1), model.Warning},
		{"warning at max plus margin", f(165), model.Warning},
		{"danger below warning band", f(109.9), model.Danger},
		{"danger above warning band", f(165.1), model.Danger},
		{"danger far out", f(170), model.Danger},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := model.Reading{DeviceID: "dryer1", Value: tc.value}
			if got := Classify(r, p); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", tc.value, got, tc.want)
			}
			// Pure: same input, same output.
			if got := Classify(r, p); got != tc.want {
				t.Errorf("Classify not deterministic for %v", tc.value)
			}
		})
	}
}

func TestClassifyZeroMargin(t *testing.T) {
	p := model.ThresholdProfile{NormalMin: 10, NormalMax: 20}
	if got := Classify(model.Reading{Value: f(9.9)}, p); got != model.Danger {
		t.Errorf("below min with zero margin: got %v, want Danger", got)
	}
	if got := Classify(model.Reading{Value: f(20.1)}, p); got != model.Danger {
		t.Errorf("above max with zero margin: got %v, want Danger", got)
	}
}

func TestAggregateScenarioNormalWithOfflineSibling(t *testing.T) {
	reg := testRegistry(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	statuses := map[string]model.DeviceStatus{
		"dryer1": {DeviceID: "dryer1", Severity: model.Normal, Value: f(150)},
		"dryer2": {DeviceID: "dryer2", Severity: model.Offline},
	}

	snap := Aggregate(reg, now, statuses)

	sub, ok := snap.Subsystem("dryer")
	if !ok {
		t.Fatal("dryer subsystem missing from snapshot")
	}
	if sub.Severity != model.Normal {
		t.Errorf("dryer severity: got %v, want Normal", sub.Severity)
	}
	d1, _ := snap.Device("dryer1")
	if d1.Severity != model.Normal {
		t.Errorf("dryer1: got %v, want Normal", d1.Severity)
	}
	d2, _ := snap.Device("dryer2")
	if d2.Severity != model.Offline {
		t.Errorf("dryer2: got %v, want Offline", d2.Severity)
	}
}

func TestAggregateDangerPropagates(t *testing.T) {
	reg := testRegistry(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	statuses := map[string]model.DeviceStatus{
		"dryer1":  {DeviceID: "dryer1", Severity: model.Danger, Value: f(170)},
		"dryer2":  {DeviceID: "dryer2", Severity: model.Normal, Value: f(140)},
		"boiler1": {DeviceID: "boiler1", Severity: model.Normal, Value: f(90)},
	}

	snap := Aggregate(reg, now, statuses)

	sub, _ := snap.Subsystem("dryer")
	if sub.Severity != model.Danger {
		t.Errorf("dryer severity: got %v, want Danger", sub.Severity)
	}
	if snap.Severity != model.Danger {
		t.Errorf("fleet severity: got %v, want Danger", snap.Severity)
	}
}

func TestAggregateOfflineSuppression(t *testing.T) {
	reg := testRegistry(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// No dryer device known at all.
	snap := Aggregate(reg, now, map[string]model.DeviceStatus{
		"boiler1": {DeviceID: "boiler1", Severity: model.Warning, Value: f(112)},
	})
	sub, _ := snap.Subsystem("dryer")
	if sub.Severity != model.Offline {
		t.Errorf("empty subsystem: got %v, want Offline", sub.Severity)
	}
	if snap.Severity != model.Warning {
		t.Errorf("fleet: got %v, want Warning (offline subsystem must not mask)", snap.Severity)
	}

	// Everything offline: fleet is offline.
	snap = Aggregate(reg, now, map[string]model.DeviceStatus{})
	if snap.Severity != model.Offline {
		t.Errorf("fleet with no known device: got %v, want Offline", snap.Severity)
	}
}

func TestAggregateMonotonicity(t *testing.T) {
	reg := testRegistry(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	base := map[string]model.DeviceStatus{
		"dryer1":  {DeviceID: "dryer1", Severity: model.Normal},
		"dryer2":  {DeviceID: "dryer2", Severity: model.Warning},
		"boiler1": {DeviceID: "boiler1", Severity: model.Normal},
	}
	before := Aggregate(reg, now, base)

	for dev := range base {
		for _, higher := range []model.Severity{model.Warning, model.Danger} {
			if higher <= base[dev].Severity {
				continue
			}
			raised := make(map[string]model.DeviceStatus, len(base))
			for k, v := range base {
				raised[k] = v
			}
			raised[dev] = model.DeviceStatus{DeviceID: dev, Severity: higher}
			after := Aggregate(reg, now, raised)

			if after.Severity < before.Severity {
				t.Errorf("raising %s to %v lowered fleet severity %v -> %v",
					dev, higher, before.Severity, after.Severity)
			}
			subID, _ := reg.SubsystemOf(dev)
			sb, _ := before.Subsystem(subID)
			sa, _ := after.Subsystem(subID)
			if sa.Severity < sb.Severity {
				t.Errorf("raising %s to %v lowered %s severity %v -> %v",
					dev, higher, subID, sb.Severity, sa.Severity)
			}
		}
	}
}

func TestAggregateIdempotent(t *testing.T) {
	reg := testRegistry(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	statuses := map[string]model.DeviceStatus{
		"dryer1":    {DeviceID: "dryer1", Severity: model.Warning, Value: f(118)},
		"humidity4": {DeviceID: "humidity4", Severity: model.Normal, Value: f(55)},
	}

	a := Aggregate(reg, now, statuses)
	b := Aggregate(reg, now, statuses)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("aggregate not idempotent:\n%+v\n%+v", a, b)
	}
}

type captureSink struct {
	mu        sync.Mutex
	snapshots []model.FleetSnapshot
	alerts    []model.Alert
}

func (c *captureSink) SendSnapshot(s model.FleetSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots = append(c.snapshots, s)
	return nil
}

func (c *captureSink) SendAlert(a model.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func batchOf(ts time.Time, values map[string]*float64) model.ReadingBatch {
	b := model.ReadingBatch{Received: ts}
	for id, v := range values {
		b.Readings = append(b.Readings, model.Reading{DeviceID: id, Value: v, Timestamp: ts})
	}
	return b
}

func TestEngineMergesLatestStatuses(t *testing.T) {
	reg := testRegistry(t)
	e := NewEngine(reg, 0)
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	e.Apply(batchOf(ts, map[string]*float64{"dryer1": f(150), "dryer2": nil}))
	e.Apply(batchOf(ts.Add(time.Minute), map[string]*float64{"dryer2": f(140)}))

	snap := e.Snapshot()
	if snap == nil {
		t.Fatal("no snapshot published")
	}
	// dryer1 keeps its previous status even though the second batch did not
	// carry it.
	d1, _ := snap.Device("dryer1")
	if d1.Severity != model.Normal {
		t.Errorf("dryer1: got %v, want Normal", d1.Severity)
	}
	d2, _ := snap.Device("dryer2")
	if d2.Severity != model.Normal {
		t.Errorf("dryer2: got %v, want Normal", d2.Severity)
	}
}

func TestEngineExcludesUnknownDevices(t *testing.T) {
	reg := testRegistry(t)
	e := NewEngine(reg, 0)
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	e.Apply(batchOf(ts, map[string]*float64{"dryer1": f(150), "furnace9": f(999)}))

	snap := e.Snapshot()
	if snap == nil {
		t.Fatal("no snapshot published")
	}
	if _, ok := snap.Device("furnace9"); ok {
		t.Error("unregistered device must not appear in the snapshot")
	}
	if snap.Severity != model.Normal {
		t.Errorf("fleet severity: got %v, want Normal", snap.Severity)
	}
}

func TestEngineSnapshotConsistency(t *testing.T) {
	reg := testRegistry(t)
	e := NewEngine(reg, 0)
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	e.Apply(batchOf(ts, map[string]*float64{
		"dryer1": f(170), "dryer2": f(140), "boiler1": f(90), "humidity4": f(55),
	}))

	snap := e.Snapshot()
	for _, sub := range snap.Subsystems {
		max := model.Offline
		for _, d := range sub.Devices {
			max = model.MaxSeverity(max, d.Severity)
		}
		if sub.Severity != max {
			t.Errorf("subsystem %s severity %v disagrees with members (max %v)",
				sub.SubsystemID, sub.Severity, max)
		}
	}
}

func TestEngineSubscribeAndConflation(t *testing.T) {
	reg := testRegistry(t)
	e := NewEngine(reg, 0)
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	ch, cancel := e.Subscribe()
	defer cancel()

	// Publish twice without the subscriber reading: the pending snapshot is
	// conflated, and the subscriber sees the latest state.
	e.Apply(batchOf(ts, map[string]*float64{"dryer1": f(140)}))
	e.Apply(batchOf(ts.Add(time.Minute), map[string]*float64{"dryer1": f(170)}))

	snap := <-ch
	d1, _ := snap.Device("dryer1")
	if d1.Severity != model.Danger {
		t.Errorf("subscriber got stale snapshot: %v, want Danger", d1.Severity)
	}

	select {
	case extra := <-ch:
		t.Errorf("unexpected second snapshot: %+v", extra)
	default:
	}
}

func TestEngineAlertEdgeTriggering(t *testing.T) {
	reg := testRegistry(t)
	sink := &captureSink{}
	e := NewEngine(reg, 0, sink)
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// Normal -> Danger fires once; repeated Danger stays silent;
	// recovery to Normal is silent; the next excursion fires again.
	e.Apply(batchOf(ts, map[string]*float64{"dryer1": f(140)}))
	e.Apply(batchOf(ts, map[string]*float64{"dryer1": f(170)}))
	e.Apply(batchOf(ts, map[string]*float64{"dryer1": f(171)}))
	e.Apply(batchOf(ts, map[string]*float64{"dryer1": f(140)}))
	e.Apply(batchOf(ts, map[string]*float64{"dryer1": f(118)}))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.alerts) != 2 {
		t.Fatalf("got %d alerts, want 2: %+v", len(sink.alerts), sink.alerts)
	}
	if sink.alerts[0].Severity != model.Danger || sink.alerts[0].Previous != model.Normal {
		t.Errorf("first alert: %+v", sink.alerts[0])
	}
	if sink.alerts[1].Severity != model.Warning || sink.alerts[1].Previous != model.Normal {
		t.Errorf("second alert: %+v", sink.alerts[1])
	}
	if len(sink.snapshots) != 5 {
		t.Errorf("got %d snapshots, want one per batch", len(sink.snapshots))
	}
}

func TestEngineSubsystemView(t *testing.T) {
	reg := testRegistry(t)
	e := NewEngine(reg, 0)
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if _, ok := e.SubsystemView("dryer"); ok {
		t.Error("view before first batch must report not ok")
	}

	e.Apply(batchOf(ts, map[string]*float64{"boiler1": f(112)}))

	view, ok := e.SubsystemView("boiler")
	if !ok {
		t.Fatal("boiler view missing")
	}
	if view.Severity != model.Warning {
		t.Errorf("boiler view severity: got %v, want Warning", view.Severity)
	}
}
