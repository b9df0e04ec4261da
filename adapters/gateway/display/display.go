package display

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Go-routine-4595/plant-monitor/model"
)

// Display prints snapshots and alerts to stdout. It is the fallback sink
// when no broker gateway is configured.
type Display struct{}

func NewDisplay() Display {
	return Display{}
}

func (d Display) SendSnapshot(snapshot model.FleetSnapshot) error {
	var (
		buf []byte
		err error
	)

	buf, err = json.Marshal(snapshot)
	if err != nil {
		return errors.Join(err, errors.New("failed to marshal snapshot display.SendSnapshot"))
	}
	show(string(buf))

	return nil
}

func (d Display) SendAlert(alert model.Alert) error {
	var (
		buf []byte
		err error
	)

	buf, err = json.Marshal(alert)
	if err != nil {
		return errors.Join(err, errors.New("failed to marshal alert display.SendAlert"))
	}
	show(string(buf))

	return nil
}

func show(text string) {
	fmt.Println(text)
}
