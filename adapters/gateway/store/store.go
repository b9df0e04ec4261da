// Package store is a file-backed implementation of the historical reading
// collaborator. Readings are appended to one CSV file per calendar day
// (YYYY-MM-DD.csv, in the fleet's local timezone) with the format:
//
//	time,device,unit,value
//
// An unreachable reading is stored as the value N/A so gaps survive the
// round trip.
package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/Go-routine-4595/plant-monitor/model"
)

const (
	timeLayout = "2006-01-02T15:04:05"
	fileLayout = "2006-01-02"
	naValue    = "N/A"
)

type StoreConfig struct {
	Directory string `yaml:"Directory"`
}

// DayFileStore reads and appends day-scoped CSV reading logs. It implements
// model.IReadingStore.
type DayFileStore struct {
	dir string
	loc *time.Location

	mu      sync.Mutex
	current *os.File
	writer  *csv.Writer
	curDate string
}

// New creates the store, creating the data directory if needed.
func New(conf StoreConfig, loc *time.Location) (*DayFileStore, error) {
	if conf.Directory == "" {
		return nil, errors.New("store directory is required")
	}
	if err := os.MkdirAll(conf.Directory, 0755); err != nil {
		return nil, fmt.Errorf("cannot create data dir: %w", err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &DayFileStore{dir: conf.Directory, loc: loc}, nil
}

// Append writes a batch of readings to the day file of their timestamps.
func (d *DayFileStore) Append(readings []model.Reading) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, r := range readings {
		local := r.Timestamp.In(d.loc)
		if err := d.rotate(local.Format(fileLayout)); err != nil {
			return err
		}
		value := naValue
		if r.Value != nil {
			value = strconv.FormatFloat(*r.Value, 'f', 2, 64)
		}
		d.writer.Write([]string{
			local.Format(timeLayout),
			r.DeviceID,
			string(r.Unit),
			value,
		})
	}
	if d.writer != nil {
		d.writer.Flush()
		return d.writer.Error()
	}
	return nil
}

// rotate switches the append target when the date changes.
func (d *DayFileStore) rotate(dateStr string) error {
	if d.curDate == dateStr && d.current != nil {
		return nil
	}
	d.closeCurrent()

	path := filepath.Join(d.dir, dateStr+".csv")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	d.current = f
	d.writer = csv.NewWriter(f)
	d.curDate = dateStr

	info, _ := f.Stat()
	if info.Size() == 0 {
		d.writer.Write([]string{"time", "device", "unit", "value"})
	}
	return nil
}

// Close flushes and closes the current file.
func (d *DayFileStore) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeCurrent()
}

func (d *DayFileStore) closeCurrent() {
	if d.writer != nil {
		d.writer.Flush()
		d.writer = nil
	}
	if d.current != nil {
		d.current.Close()
		d.current = nil
	}
}

// QueryReadings returns all readings with a timestamp in [start, end],
// ascending. Days with no log file contribute nothing; a missing file is
// not an error.
func (d *DayFileStore) QueryReadings(ctx context.Context, start, end time.Time) ([]model.Reading, error) {
	d.mu.Lock()
	// Flush pending rows so a same-day query sees them.
	if d.writer != nil {
		d.writer.Flush()
	}
	d.mu.Unlock()

	var out []model.Reading
	day := start.In(d.loc)
	last := end.In(d.loc)
	for !day.After(last) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(d.dir, day.Format(fileLayout)+".csv")
		readings, err := d.loadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				day = day.AddDate(0, 0, 1)
				continue
			}
			return nil, err
		}
		for _, r := range readings {
			if r.Timestamp.Before(start) || r.Timestamp.After(end) {
				continue
			}
			out = append(out, r)
		}
		day = day.AddDate(0, 0, 1)
	}
	return out, nil
}

// loadFile reads all readings from one CSV day file.
func (d *DayFileStore) loadFile(path string) ([]model.Reading, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}

	var readings []model.Reading
	for i, row := range records {
		if i == 0 && len(row) > 0 && row[0] == "time" {
			continue
		}
		if len(row) < 4 {
			continue
		}

		t, err := time.ParseInLocation(timeLayout, row[0], d.loc)
		if err != nil {
			continue
		}

		var value *float64
		if row[3] != naValue {
			v, err := strconv.ParseFloat(row[3], 64)
			if err != nil {
				continue
			}
			value = &v
		}

		readings = append(readings, model.Reading{
			DeviceID:  row[1],
			Unit:      model.Unit(row[2]),
			Value:     value,
			Timestamp: t,
		})
	}

	return readings, nil
}
