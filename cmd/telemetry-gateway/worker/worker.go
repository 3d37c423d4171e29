package worker

import (
	"sync"

	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/decoder"
	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/mqtt"
	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/postgresql"
	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/shared"
	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	messagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetrygateway_messages_received_total",
			Help: "The total number of incoming bus messages",
		},
	)
	messagesRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetrygateway_messages_rejected_total",
			Help: "The total number of malformed bus messages dropped",
		},
	)
	readingsPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetrygateway_readings_persisted_total",
			Help: "The total number of readings written to the database",
		},
	)
	persistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetrygateway_persist_failures_total",
			Help: "The total number of failed database writes",
		},
	)
)

type Worker struct {
	bus      mqtt.IConnection
	state    *state.Store
	postgres *postgresql.Connection
}

var worker *Worker
var once sync.Once

func GetOrInit() *Worker {
	once.Do(func() {
		worker = NewWorker(mqtt.GetOrInit(), state.GetOrInit(), postgresql.GetOrInit())
		go worker.startWorkLoop()
	})
	return worker
}

func NewWorker(bus mqtt.IConnection, stateStore *state.Store, postgres *postgresql.Connection) *Worker {
	return &Worker{
		bus:      bus,
		state:    stateStore,
		postgres: postgres,
	}
}

// startWorkLoop consumes the bus channel forever. A message once dequeued is
// processed to completion or dropped with a log line; no failure below may
// stop the loop.
func (w *Worker) startWorkLoop() {
	zap.S().Debugf("Started work loop")
	messageChannel := w.bus.GetMessages()
	for msg := range messageChannel {
		w.processMessage(msg)
	}
}

// processMessage runs decode → state upsert → persist for one message. The
// in-memory update and the durable write are deliberately independent: a
// persistence failure leaves current state and history updated.
func (w *Worker) processMessage(msg *shared.BusMessage) {
	messagesReceived.Inc()

	reading, err := decoder.Parse(msg.Topic, msg.Payload)
	if err != nil {
		messagesRejected.Inc()
		zap.S().Warnf("Dropping malformed message on %s: %s", msg.Topic, err)
		return
	}

	w.state.Upsert(reading)

	err = w.postgres.InsertReading(reading)
	if err != nil {
		persistFailures.Inc()
		zap.S().Warnf("Failed to persist reading from %s: %s", reading.DeviceId, err)
		return
	}
	readingsPersisted.Inc()
}
