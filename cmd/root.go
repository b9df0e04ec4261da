// Package cmd wires the service together: configuration, fleet registry,
// the live engine with its gateways, and the historical query command.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Go-routine-4595/plant-monitor/adapters/controller"
	"github.com/Go-routine-4595/plant-monitor/adapters/controller/mqtt"
	"github.com/Go-routine-4595/plant-monitor/adapters/gateway/event-hub"
	"github.com/Go-routine-4595/plant-monitor/adapters/gateway/rabbitmq"
	"github.com/Go-routine-4595/plant-monitor/adapters/gateway/store"
	"github.com/Go-routine-4595/plant-monitor/registry"
)

type Config struct {
	mqtt.MqttConf               `yaml:"MqttConfig"`
	controller.ControllerConfig `yaml:"ControllerConfig"`
	rabbitmq.RabbitMQConfig     `yaml:"RabbitConfig"`
	event_hub.EventHubConfig    `yaml:"EventHubConfig"`
	store.StoreConfig           `yaml:"StoreConfig"`
	FleetFile                   string `yaml:"FleetFile"`
}

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "plant-monitor",
	Short: "Live and historical health monitoring for plant temperature/humidity sensors",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "service configuration file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		processError(err)
	}
}

func openConfigFile(s string) Config {
	if s == "" {
		s = "config.yaml"
	}

	f, err := os.Open(s)
	if err != nil {
		processError(errors.Join(err, errors.New("open config.yaml file")))
	}
	defer f.Close()

	var config Config
	decoder := yaml.NewDecoder(f)
	err = decoder.Decode(&config)
	if err != nil {
		processError(err)
	}
	return config
}

func openFleetFile(conf Config) *registry.Registry {
	path := conf.FleetFile
	if path == "" {
		path = "fleet.yaml"
	}
	reg, err := registry.Load(path)
	if err != nil {
		processError(err)
	}
	return reg
}

func processError(err error) {
	fmt.Println(err)
	os.Exit(2)
}

func processWarning(err error) {
	fmt.Println(err)
}
