package event_hub

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azeventhubs"

	"github.com/Go-routine-4595/plant-monitor/model"
)

// connection string can have the event hub name like this
// Endpoint=sb://<Namespace>.servicebus.windows.net/;SharedAccessKeyName=<KeyName>;SharedAccessKey=<KeyValue>;EntityPath=plant-fleet-status
// see https://learn.microsoft.com/en-us/azure/event-hubs/event-hubs-get-connection-string

type EventHubConfig struct {
	Connection   string `yaml:"connection"`
	EventHubName string `yaml:"EventHubName"`
}

// EventHub forwards fleet snapshots and alerts to an Azure Event Hub for
// downstream consumers outside the plant network.
type EventHub struct {
	producerClient *azeventhubs.ProducerClient
}

func NewEventHub(ctx context.Context, wg *sync.WaitGroup, conf EventHubConfig) (*EventHub, error) {
	var (
		err            error
		producerClient *azeventhubs.ProducerClient
	)
	producerClient, err = azeventhubs.NewProducerClientFromConnectionString(conf.Connection, conf.EventHubName, nil)

	if err != nil {
		return nil, errors.Join(err, errors.New("failed to create producer client"))
	}

	wg.Add(1)
	go func() {
		<-ctx.Done()
		err = producerClient.Close(context.Background())
		if err != nil {
			log.Printf("failed to close producer client: %s", err)
		}
		wg.Done()
	}()

	return &EventHub{
		producerClient: producerClient,
	}, nil
}

func (e EventHub) SendSnapshot(snapshot model.FleetSnapshot) error {
	buf, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Join(err, errors.New("failed to marshal snapshot event_hub.SendSnapshot"))
	}
	return e.send(buf)
}

func (e EventHub) SendAlert(alert model.Alert) error {
	buf, err := json.Marshal(alert)
	if err != nil {
		return errors.Join(err, errors.New("failed to marshal alert event_hub.SendAlert"))
	}
	return e.send(buf)
}

func (e EventHub) send(buf []byte) error {
	var (
		err             error
		msg             *azeventhubs.EventData
		newBatchOptions *azeventhubs.EventDataBatchOptions
	)

	newBatchOptions = &azeventhubs.EventDataBatchOptions{
		// Leaving both PartitionID and PartitionKey nil lets the service
		// choose a partition.
	}

	// Creates an EventDataBatch, which you can use to pack multiple events together, allowing for efficient transfer.
	batch, err := e.producerClient.NewEventDataBatch(context.TODO(), newBatchOptions)
	if err != nil {
		return errors.Join(err, errors.New("failed to create event data batch"))
	}

	msg = &azeventhubs.EventData{
		Body: buf,
	}

retry:
	err = batch.AddEventData(msg, nil)

	if errors.Is(err, azeventhubs.ErrEventDataTooLarge) {
		if batch.NumEvents() == 0 {
			// This one event is too large for this batch, even on its own. No matter what we do it
			// will not be sendable at its current size.
			return errors.Join(err, errors.New("failed to send event is too large"))
		}

		// This batch is full - we can send it and create a new one and continue
		// packaging and sending events.
		if err = e.producerClient.SendEventDataBatch(context.TODO(), batch, nil); err != nil {
			return errors.Join(err, errors.New("failed to send couldn't send the event"))
		}

		// create the next batch we'll use for events, ensuring that we use the same options
		// each time so all the messages go the same target.
		tmpBatch, err := e.producerClient.NewEventDataBatch(context.TODO(), newBatchOptions)

		if err != nil {
			return errors.Join(err, errors.New("failed to send couldn't create a new batch"))
		}

		batch = tmpBatch

		// rewind so we can retry adding this event to a batch
		goto retry
	} else if err != nil {
		return errors.Join(err, errors.New("failed to send event"))
	}

	// if we have any events in the last batch, send it
	if batch.NumEvents() > 0 {
		if err := e.producerClient.SendEventDataBatch(context.TODO(), batch, nil); err != nil {
			return errors.Join(err, errors.New("failed to send couldn't send the event"))
		}
	}

	return nil
}
