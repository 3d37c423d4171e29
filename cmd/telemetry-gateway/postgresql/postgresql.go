package postgresql

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/shared"
	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru"
	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

// PostgresIface is the subset of pgxpool.Pool the sink uses. Tests swap in a
// pgxmock pool.
type PostgresIface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type Connection struct {
	Db          PostgresIface
	deviceCache *lru.ARCCache
	inserted    atomic.Uint64
}

var conn *Connection
var once sync.Once

func GetOrInit() *Connection {
	once.Do(func() {
		zap.S().Debugf("postgresql.GetOrInit().once")
		PQHost, err := env.GetAsString("POSTGRES_HOST", false, "db")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_HOST from env: %s", err)
		}
		PQPort, err := env.GetAsInt("POSTGRES_PORT", false, 5432)
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_PORT from env: %s", err)
		}
		PQUser, err := env.GetAsString("POSTGRES_USER", true, "")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_USER from env: %s", err)
		}
		PQPassword, err := env.GetAsString("POSTGRES_PASSWORD", true, "")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_PASSWORD from env: %s", err)
		}
		PQDBName, err := env.GetAsString("POSTGRES_DATABASE", true, "")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_DATABASE from env: %s", err)
		}
		PQSSLMode, err := env.GetAsString("POSTGRES_SSL_MODE", false, "require")
		if err != nil {
			zap.S().Fatalf("Failed to get POSTGRES_SSL_MODE from env: %s", err)
		}
		cacheSize, err := env.GetAsInt("DEVICE_CACHE_SIZE", false, 1000)
		if err != nil {
			zap.S().Fatalf("Failed to get DEVICE_CACHE_SIZE from env: %s", err)
		}

		zap.S().Infof("Connecting to %s@%s:%d/%s [%s]", PQUser, PQHost, PQPort, PQDBName, PQSSLMode)

		conString := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", PQHost, PQPort, PQUser, PQPassword, PQDBName, PQSSLMode)

		establishContext, establishContextCncl := get5SecondContext()
		defer establishContextCncl()
		db, err := pgxpool.New(establishContext, conString)
		if err != nil {
			zap.S().Fatalf("Failed to open connection to postgres database: %s", err)
		}

		cache, err := lru.NewARC(cacheSize)
		if err != nil {
			zap.S().Fatalf("Failed to create device cache: %s", err)
		}

		conn = &Connection{
			Db:          db,
			deviceCache: cache,
		}
		if !conn.IsAvailable() {
			zap.S().Fatalf("Database is not available !")
		}
		err = conn.createTables()
		if err != nil {
			zap.S().Fatalf("Failed to create tables: %s", err)
		}
	})
	return conn
}

func (c *Connection) createTables() error {
	ctx, cncl := get5SecondContext()
	defer cncl()
	_, err := c.Db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return err
	}
	_, err = c.Db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS telemetry (
			id BIGSERIAL PRIMARY KEY,
			device_id TEXT NOT NULL REFERENCES devices (id),
			ts TIMESTAMPTZ NOT NULL DEFAULT now(),
			payload JSONB NOT NULL
		)
	`)
	return err
}

func (c *Connection) IsAvailable() bool {
	if c.Db == nil {
		return false
	}
	ctx, cncl := get5SecondContext()
	defer cncl()
	err := c.Db.Ping(ctx)
	if err != nil {
		zap.S().Debugf("Failed to ping database: %s", err)
		return false
	}
	return true
}

// InsertDevice registers a device. Inserting an already known id is a no-op,
// never an error.
func (c *Connection) InsertDevice(id string, name string) error {
	if c.Db == nil {
		return errors.New("database is nil")
	}
	ctx, cncl := get5SecondContext()
	defer cncl()
	_, err := c.Db.Exec(ctx, `INSERT INTO devices (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, id, name)
	if err != nil {
		return err
	}
	c.deviceCache.Add(id, true)
	return nil
}

// ensureDevice upserts the device row for readings from devices that never
// registered over HTTP. The LRU cache skips the upsert for ids already seen,
// a cache miss just costs one extra no-op insert.
func (c *Connection) ensureDevice(id string) error {
	if _, hit := c.deviceCache.Get(id); hit {
		return nil
	}
	return c.InsertDevice(id, id)
}

// InsertReading appends one reading. Every call inserts a new row: redelivered
// messages produce duplicate rows and that is accepted, deduplication is the
// consumer's problem.
func (c *Connection) InsertReading(reading *shared.Reading) error {
	if c.Db == nil {
		return errors.New("database is nil")
	}
	err := c.ensureDevice(reading.DeviceId)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(reading.Payload)
	if err != nil {
		return err
	}
	ctx, cncl := get5SecondContext()
	defer cncl()
	_, err = c.Db.Exec(ctx, `INSERT INTO telemetry (device_id, ts, payload) VALUES ($1, $2, $3)`, reading.DeviceId, reading.Timestamp, payload)
	if err != nil {
		return err
	}
	c.inserted.Add(1)
	return nil
}

func (c *Connection) ListDevices(limit int) ([]shared.Device, error) {
	ctx, cncl := get5SecondContext()
	defer cncl()
	rows, err := c.Db.Query(ctx, `SELECT id, name, created_at FROM devices ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	devices := make([]shared.Device, 0)
	for rows.Next() {
		var device shared.Device
		err = rows.Scan(&device.Id, &device.Name, &device.CreatedAt)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

// GetLatestReading returns the newest persisted reading for a device, or
// pgx.ErrNoRows if it never reported.
func (c *Connection) GetLatestReading(deviceId string) (*shared.Reading, error) {
	ctx, cncl := get5SecondContext()
	defer cncl()
	row := c.Db.QueryRow(ctx, `SELECT device_id, ts, payload FROM telemetry WHERE device_id = $1 ORDER BY ts DESC, id DESC LIMIT 1`, deviceId)
	return scanReading(row)
}

// GetRecentReadings returns the newest persisted readings across all devices,
// most recent first.
func (c *Connection) GetRecentReadings(limit int) ([]shared.Reading, error) {
	ctx, cncl := get5SecondContext()
	defer cncl()
	rows, err := c.Db.Query(ctx, `SELECT device_id, ts, payload FROM telemetry ORDER BY ts DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	readings := make([]shared.Reading, 0)
	for rows.Next() {
		reading, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, *reading)
	}
	return readings, rows.Err()
}

type Stats struct {
	TotalReadings int64 `json:"total_readings"`
	Readings24h   int64 `json:"readings_24h"`
}

func (c *Connection) GetStats() (Stats, error) {
	var stats Stats
	ctx, cncl := get5SecondContext()
	defer cncl()
	err := c.Db.QueryRow(ctx, `SELECT COUNT(*) FROM telemetry`).Scan(&stats.TotalReadings)
	if err != nil {
		return stats, err
	}
	err = c.Db.QueryRow(ctx, `SELECT COUNT(*) FROM telemetry WHERE ts > now() - INTERVAL '24 hours'`).Scan(&stats.Readings24h)
	return stats, err
}

func scanReading(row pgx.Row) (*shared.Reading, error) {
	var reading shared.Reading
	var payload []byte
	err := row.Scan(&reading.DeviceId, &reading.Timestamp, &payload)
	if err != nil {
		return nil, err
	}
	err = json.Unmarshal(payload, &reading.Payload)
	if err != nil {
		return nil, err
	}
	if topicType, ok := reading.Payload["topic_type"].(string); ok {
		reading.TopicType = topicType
	}
	if topic, ok := reading.Payload["topic"].(string); ok {
		reading.Topic = topic
	}
	return &reading, nil
}

func GetHealthCheck() healthcheck.Check {
	return func() error {
		if GetOrInit().IsAvailable() {
			return nil
		}
		return errors.New("database is not available")
	}
}

func get5SecondContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
