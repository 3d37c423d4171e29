package postgresql

import (
	"testing"
	"time"

	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/helper"
	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/shared"
	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
)

func TestCreateMockConnection(t *testing.T) {
	c := CreateMockConnection(t)
	assert.NotNil(t, c)
	assert.NotNil(t, c.Db)
	assert.NotNil(t, c.deviceCache)
}

func TestInsertDevice(t *testing.T) {
	helper.InitTestLogging()
	c := CreateMockConnection(t)
	defer c.Db.Close()

	mock, ok := c.Db.(pgxmock.PgxPoolIface)
	assert.True(t, ok)

	t.Run("insert", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO devices \(id, name\) VALUES \(\$1, \$2\) ON CONFLICT \(id\) DO NOTHING`).
			WithArgs("esp32-1", "Living Room").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := c.InsertDevice("esp32-1", "Living Room")
		assert.NoError(t, err)
	})

	t.Run("reinsert-is-a-noop", func(t *testing.T) {
		// Second registration hits ON CONFLICT DO NOTHING: zero rows
		// affected, no error
		mock.ExpectExec(`INSERT INTO devices \(id, name\) VALUES \(\$1, \$2\) ON CONFLICT \(id\) DO NOTHING`).
			WithArgs("esp32-1", "Living Room").
			WillReturnResult(pgxmock.NewResult("INSERT", 0))

		err := c.InsertDevice("esp32-1", "Living Room")
		assert.NoError(t, err)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReading(t *testing.T) {
	helper.InitTestLogging()

	reading := &shared.Reading{
		Timestamp: time.Now(),
		DeviceId:  "esp32-1",
		Topic:     "devices/esp32-1/environmental",
		TopicType: "environmental",
		Payload: map[string]interface{}{
			"temperature": 21.5,
			"topic_type":  "environmental",
			"topic":       "devices/esp32-1/environmental",
		},
	}
	payload, err := json.Marshal(reading.Payload)
	assert.NoError(t, err)

	t.Run("unknown-device-is-upserted-first", func(t *testing.T) {
		c := CreateMockConnection(t)
		defer c.Db.Close()
		mock := c.Db.(pgxmock.PgxPoolIface)

		mock.ExpectExec(`INSERT INTO devices`).
			WithArgs("esp32-1", "esp32-1").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec(`INSERT INTO telemetry \(device_id, ts, payload\) VALUES \(\$1, \$2, \$3\)`).
			WithArgs("esp32-1", reading.Timestamp, payload).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		assert.NoError(t, c.InsertReading(reading))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cached-device-skips-upsert", func(t *testing.T) {
		c := CreateMockConnection(t)
		defer c.Db.Close()
		mock := c.Db.(pgxmock.PgxPoolIface)
		c.deviceCache.Add("esp32-1", true)

		mock.ExpectExec(`INSERT INTO telemetry`).
			WithArgs("esp32-1", reading.Timestamp, payload).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		assert.NoError(t, c.InsertReading(reading))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert-failure-is-returned", func(t *testing.T) {
		c := CreateMockConnection(t)
		defer c.Db.Close()
		mock := c.Db.(pgxmock.PgxPoolIface)
		c.deviceCache.Add("esp32-1", true)

		mock.ExpectExec(`INSERT INTO telemetry`).
			WithArgs("esp32-1", reading.Timestamp, payload).
			WillReturnError(assert.AnError)

		assert.Error(t, c.InsertReading(reading))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestListDevices(t *testing.T) {
	helper.InitTestLogging()
	c := CreateMockConnection(t)
	defer c.Db.Close()
	mock := c.Db.(pgxmock.PgxPoolIface)

	createdAt := time.Now()
	mock.ExpectQuery(`SELECT id, name, created_at FROM devices ORDER BY created_at DESC LIMIT \$1`).
		WithArgs(200).
		WillReturnRows(mock.NewRows([]string{"id", "name", "created_at"}).
			AddRow("esp32-2", "Bedroom", createdAt).
			AddRow("esp32-1", "Living Room", createdAt.Add(-time.Hour)))

	devices, err := c.ListDevices(200)
	assert.NoError(t, err)
	assert.Len(t, devices, 2)
	assert.Equal(t, "esp32-2", devices[0].Id)
	assert.Equal(t, "Living Room", devices[1].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLatestReading(t *testing.T) {
	helper.InitTestLogging()
	c := CreateMockConnection(t)
	defer c.Db.Close()
	mock := c.Db.(pgxmock.PgxPoolIface)

	t.Run("found", func(t *testing.T) {
		ts := time.Now()
		mock.ExpectQuery(`SELECT device_id, ts, payload FROM telemetry WHERE device_id = \$1`).
			WithArgs("esp32-1").
			WillReturnRows(mock.NewRows([]string{"device_id", "ts", "payload"}).
				AddRow("esp32-1", ts, []byte(`{"temperature": 21.5, "topic_type": "environmental", "topic": "devices/esp32-1/environmental"}`)))

		reading, err := c.GetLatestReading("esp32-1")
		assert.NoError(t, err)
		assert.Equal(t, "esp32-1", reading.DeviceId)
		assert.Equal(t, "environmental", reading.TopicType)
		assert.Equal(t, 21.5, reading.Payload["temperature"])
	})

	t.Run("never-reported", func(t *testing.T) {
		mock.ExpectQuery(`SELECT device_id, ts, payload FROM telemetry WHERE device_id = \$1`).
			WithArgs("ghost-1").
			WillReturnError(pgx.ErrNoRows)

		_, err := c.GetLatestReading("ghost-1")
		assert.ErrorIs(t, err, pgx.ErrNoRows)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRecentReadings(t *testing.T) {
	helper.InitTestLogging()
	c := CreateMockConnection(t)
	defer c.Db.Close()
	mock := c.Db.(pgxmock.PgxPoolIface)

	ts := time.Now()
	mock.ExpectQuery(`SELECT device_id, ts, payload FROM telemetry ORDER BY ts DESC, id DESC LIMIT \$1`).
		WithArgs(10).
		WillReturnRows(mock.NewRows([]string{"device_id", "ts", "payload"}).
			AddRow("esp32-2", ts, []byte(`{"motion": true, "topic_type": "motion"}`)).
			AddRow("esp32-1", ts.Add(-time.Minute), []byte(`{"temperature": 20.1, "topic_type": "environmental"}`)))

	readings, err := c.GetRecentReadings(10)
	assert.NoError(t, err)
	assert.Len(t, readings, 2)
	assert.Equal(t, "esp32-2", readings[0].DeviceId)
	assert.Equal(t, "motion", readings[0].TopicType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStats(t *testing.T) {
	helper.InitTestLogging()
	c := CreateMockConnection(t)
	defer c.Db.Close()
	mock := c.Db.(pgxmock.PgxPoolIface)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM telemetry`).
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(int64(1234)))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM telemetry WHERE ts > now\(\) - INTERVAL '24 hours'`).
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(int64(56)))

	stats, err := c.GetStats()
	assert.NoError(t, err)
	assert.Equal(t, int64(1234), stats.TotalReadings)
	assert.Equal(t, int64(56), stats.Readings24h)
	assert.NoError(t, mock.ExpectationsWereMet())
}
