package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/Go-routine-4595/plant-monitor/model"
	"github.com/Go-routine-4595/plant-monitor/registry"
)

// History serves day-bounded views over the external reading store. It
// shares the registry and the classifier with the live path so historical
// rows carry the same severity semantics.
type History struct {
	registry *registry.Registry
	store    model.IReadingStore
	logger   zerolog.Logger
}

// NewHistory builds the historical window query component.
func NewHistory(reg *registry.Registry, store model.IReadingStore) *History {
	return &History{
		registry: reg,
		store:    store,
		logger:   createLogger(0).With().Str("component", "history").Logger(),
	}
}

// DayBounds returns the inclusive bounds of a calendar day in the fleet's
// fixed local timezone.
func (h *History) DayBounds(day time.Time) (time.Time, time.Time) {
	loc := h.registry.Location()
	local := day.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := start.Add(24*time.Hour - time.Nanosecond)
	return start, end
}

// FetchDay issues exactly one store query for the day, sorts the rows
// ascending, groups them by timestamp and derives one chart series per
// device. An empty day yields an error wrapping model.ErrNoData, which is a
// normal outcome; store failures are wrapped in model.StorageError and
// propagated without retry.
func (h *History) FetchDay(ctx context.Context, day time.Time) (model.HistoricalWindow, error) {
	start, end := h.DayBounds(day)

	readings, err := h.store.QueryReadings(ctx, start, end)
	if err != nil {
		return model.HistoricalWindow{}, &model.StorageError{Err: err}
	}

	// The store is trusted to bound the query, but rows outside the day
	// must never leak into the window.
	bounded := readings[:0:len(readings)]
	for _, r := range readings {
		if r.Timestamp.Before(start) || r.Timestamp.After(end) {
			continue
		}
		bounded = append(bounded, r)
	}

	if len(bounded) == 0 {
		return model.HistoricalWindow{}, fmt.Errorf("fetch day %s: %w", start.Format("2006-01-02"), model.ErrNoData)
	}

	sort.SliceStable(bounded, func(i, j int) bool {
		return bounded[i].Timestamp.Before(bounded[j].Timestamp)
	})

	window := model.HistoricalWindow{Day: start}
	seriesIdx := make(map[string]int)

	for _, r := range bounded {
		sev := model.Offline
		if profile, err := h.registry.ResolveProfile(r.DeviceID); err == nil {
			sev = Classify(r, profile)
		} else {
			h.logger.Warn().Str("device", r.DeviceID).Msg("no threshold profile, row kept as offline")
		}
		st := model.DeviceStatus{DeviceID: r.DeviceID, Severity: sev, Value: r.Value}

		n := len(window.Rows)
		if n == 0 || !window.Rows[n-1].Timestamp.Equal(r.Timestamp) {
			window.Rows = append(window.Rows, model.ReadingRow{Timestamp: r.Timestamp})
			n++
		}
		window.Rows[n-1].Statuses = append(window.Rows[n-1].Statuses, st)

		idx, ok := seriesIdx[r.DeviceID]
		if !ok {
			idx = len(window.Series)
			seriesIdx[r.DeviceID] = idx
			window.Series = append(window.Series, model.ChartSeries{
				DeviceID: r.DeviceID,
				Kind:     h.seriesKind(r),
			})
		}
		window.Series[idx].Points = append(window.Series[idx].Points, model.SeriesPoint{
			Timestamp: r.Timestamp,
			Value:     r.Value,
		})
	}

	return window, nil
}

// seriesKind tags the series from the reading's unit, falling back to the
// registry's declared unit for the device.
func (h *History) seriesKind(r model.Reading) model.MeasurementKind {
	if r.Unit != "" {
		return r.Unit.Kind()
	}
	return h.registry.UnitOf(r.DeviceID).Kind()
}
