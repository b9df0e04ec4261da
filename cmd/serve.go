package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Go-routine-4595/plant-monitor/adapters/controller"
	"github.com/Go-routine-4595/plant-monitor/adapters/controller/mqtt"
	"github.com/Go-routine-4595/plant-monitor/adapters/gateway/display"
	"github.com/Go-routine-4595/plant-monitor/adapters/gateway/event-hub"
	"github.com/Go-routine-4595/plant-monitor/adapters/gateway/rabbitmq"
	"github.com/Go-routine-4595/plant-monitor/adapters/gateway/store"
	"github.com/Go-routine-4595/plant-monitor/model"
	"github.com/Go-routine-4595/plant-monitor/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume the live reading feed and publish fleet snapshots",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func runServe() {
	var (
		conf   Config
		ctx    context.Context
		cancel context.CancelFunc
		sig    chan os.Signal
		wg     *sync.WaitGroup
		sinks  []model.ISnapshotSink
	)

	wg = &sync.WaitGroup{}
	ctx, cancel = context.WithCancel(context.Background())

	conf = openConfigFile(cfgFile)
	reg := openFleetFile(conf)

	if conf.RabbitMQConfig.ConnectionString != "" {
		rabbit := rabbitmq.NewRabbitMQ(conf.RabbitMQConfig)
		rabbit.Start(ctx, wg)
		sinks = append(sinks, rabbit)
	}
	if conf.EventHubConfig.Connection != "" {
		eh, err := event_hub.NewEventHub(ctx, wg, conf.EventHubConfig)
		if err != nil {
			processError(err)
		}
		sinks = append(sinks, eh)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, display.NewDisplay())
	}

	engine := service.NewEngine(reg, conf.ControllerConfig.LogLevel, sinks...)

	var dayStore *store.DayFileStore
	if conf.StoreConfig.Directory != "" {
		var err error
		dayStore, err = store.New(conf.StoreConfig, reg.Location())
		if err != nil {
			processError(err)
		}
		defer dayStore.Close()
	}

	handler := func(batch model.ReadingBatch) {
		engine.Apply(batch)
		if dayStore != nil {
			// Stamp the registry unit before the batch hits the day log.
			readings := make([]model.Reading, len(batch.Readings))
			copy(readings, batch.Readings)
			for i := range readings {
				if readings[i].Unit == "" {
					readings[i].Unit = reg.UnitOf(readings[i].DeviceID)
				}
			}
			if err := dayStore.Append(readings); err != nil {
				processWarning(err)
			}
		}
	}

	source := mqtt.NewMqtt(conf.MqttConf)
	consumer := controller.NewConsumer(conf.ControllerConfig, source, handler)
	consumer.Start(ctx, wg)

	sig = make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	wg.Wait()
}
