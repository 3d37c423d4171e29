package worker

import (
	"testing"
	"time"

	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/helper"
	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/mqtt"
	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/postgresql"
	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/shared"
	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/state"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
)

func TestProcessMessage(t *testing.T) {
	helper.InitTestLogging()

	t.Run("environmental-end-to-end", func(t *testing.T) {
		bus := mqtt.GetMockConnection(t)
		store := state.NewStore(10)
		pg := postgresql.CreateMockConnection(t)
		defer pg.Db.Close()
		mock := pg.Db.(pgxmock.PgxPoolIface)
		w := NewWorker(bus, store, pg)

		mock.ExpectExec(`INSERT INTO devices`).
			WithArgs("esp32-1", "esp32-1").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec(`INSERT INTO telemetry`).
			WithArgs("esp32-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		w.processMessage(&shared.BusMessage{
			Topic:   "devices/esp32-1/environmental",
			Payload: []byte(`{"temperature": 21.5, "humidity": 40}`),
		})

		reading, ok := store.GetCurrent("esp32-1")
		assert.True(t, ok)
		assert.Equal(t, "environmental", reading.TopicType)
		assert.Equal(t, 21.5, reading.Payload["temperature"])
		assert.Equal(t, 40.0, reading.Payload["humidity"])

		devices := store.ListDevices()
		assert.Len(t, devices, 1)
		assert.Equal(t, "esp32-1", devices[0].Id)
		assert.Equal(t, "online", devices[0].Status)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("malformed-topic-is-dropped", func(t *testing.T) {
		bus := mqtt.GetMockConnection(t)
		store := state.NewStore(10)
		pg := postgresql.CreateMockConnection(t)
		defer pg.Db.Close()
		mock := pg.Db.(pgxmock.PgxPoolIface)
		w := NewWorker(bus, store, pg)

		w.processMessage(&shared.BusMessage{
			Topic:   "bad",
			Payload: []byte(`{"temperature": 21.5}`),
		})

		assert.Equal(t, 0, store.ActiveDeviceCount())
		assert.Empty(t, store.GetRecent(10))
		// No database calls may have happened
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("malformed-payload-is-dropped", func(t *testing.T) {
		bus := mqtt.GetMockConnection(t)
		store := state.NewStore(10)
		pg := postgresql.CreateMockConnection(t)
		defer pg.Db.Close()
		mock := pg.Db.(pgxmock.PgxPoolIface)
		w := NewWorker(bus, store, pg)

		w.processMessage(&shared.BusMessage{
			Topic:   "devices/esp32-1/environmental",
			Payload: []byte(`{not json`),
		})

		assert.Equal(t, 0, store.ActiveDeviceCount())
		assert.Empty(t, store.GetRecent(10))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("persist-failure-keeps-memory-update", func(t *testing.T) {
		bus := mqtt.GetMockConnection(t)
		store := state.NewStore(10)
		pg := postgresql.CreateMockConnection(t)
		defer pg.Db.Close()
		mock := pg.Db.(pgxmock.PgxPoolIface)
		w := NewWorker(bus, store, pg)

		mock.ExpectExec(`INSERT INTO devices`).
			WithArgs("esp32-1", "esp32-1").
			WillReturnError(assert.AnError)

		w.processMessage(&shared.BusMessage{
			Topic:   "devices/esp32-1/status",
			Payload: []byte(`{"battery": 93}`),
		})

		reading, ok := store.GetCurrent("esp32-1")
		assert.True(t, ok, "a failed durable write must not roll back the in-memory update")
		assert.Equal(t, "status", reading.TopicType)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("bad-message-does-not-stop-the-loop", func(t *testing.T) {
		bus := mqtt.GetMockConnection(t)
		store := state.NewStore(10)
		pg := postgresql.CreateMockConnection(t)
		defer pg.Db.Close()
		mock := pg.Db.(pgxmock.PgxPoolIface)
		w := NewWorker(bus, store, pg)
		go w.startWorkLoop()

		mock.ExpectExec(`INSERT INTO devices`).
			WithArgs("esp32-2", "esp32-2").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec(`INSERT INTO telemetry`).
			WithArgs("esp32-2", pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		bus.MessagesToSend <- &shared.BusMessage{Topic: "bad", Payload: []byte(`x`)}
		bus.MessagesToSend <- &shared.BusMessage{
			Topic:   "devices/esp32-2/power",
			Payload: []byte(`{"watts": 4.2}`),
		}

		assert.Eventually(t, func() bool {
			_, ok := store.GetCurrent("esp32-2")
			return ok
		}, time.Second, 10*time.Millisecond, "the message after a malformed one must still be processed")
	})
}
