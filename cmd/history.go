package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Go-routine-4595/plant-monitor/adapters/gateway/store"
	"github.com/Go-routine-4595/plant-monitor/model"
	"github.com/Go-routine-4595/plant-monitor/service"
)

var historyDate string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the day-bounded historical window for a calendar day",
	Run: func(cmd *cobra.Command, args []string) {
		runHistory()
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyDate, "date", "", "day to fetch (YYYY-MM-DD, default today)")
}

func runHistory() {
	conf := openConfigFile(cfgFile)
	reg := openFleetFile(conf)

	dayStore, err := store.New(conf.StoreConfig, reg.Location())
	if err != nil {
		processError(err)
	}
	defer dayStore.Close()

	day := time.Now().In(reg.Location())
	if historyDate != "" {
		day, err = time.ParseInLocation("2006-01-02", historyDate, reg.Location())
		if err != nil {
			processError(errors.Join(err, errors.New("parse --date")))
		}
	}

	history := service.NewHistory(reg, dayStore)
	window, err := history.FetchDay(context.Background(), day)
	if err != nil {
		if errors.Is(err, model.ErrNoData) {
			fmt.Printf("no data for %s\n", day.Format("2006-01-02"))
			return
		}
		processError(err)
	}

	for _, row := range window.Rows {
		fmt.Printf("%s", row.Timestamp.Format("15:04:05"))
		for _, st := range row.Statuses {
			if st.Value == nil {
				fmt.Printf("  %s=N/A (%s)", st.DeviceID, st.Severity)
			} else {
				fmt.Printf("  %s=%.1f (%s)", st.DeviceID, *st.Value, st.Severity)
			}
		}
		fmt.Println()
	}
	for _, s := range window.Series {
		fmt.Printf("series %s kind=%s points=%d\n", s.DeviceID, s.Kind, len(s.Points))
	}
}
