package state

import (
	"sync"

	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/shared"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

// Store holds the last accepted reading per device and a fixed-capacity ring
// of the most recent readings across all devices. It is written by the
// delivery loop and read by arbitrarily many HTTP handlers, so every access
// goes through the lock. There is no disk I/O in here.
type Store struct {
	current map[string]shared.Reading
	ring    []shared.Reading
	head    int
	size    int
	lock    sync.RWMutex
}

var store *Store
var once sync.Once

// GetOrInit returns the process-wide store, creating it on first use with
// HISTORY_BUFFER_SIZE entries of history (default 1000).
func GetOrInit() *Store {
	once.Do(func() {
		capacity, err := env.GetAsInt("HISTORY_BUFFER_SIZE", false, 1000)
		if err != nil {
			zap.S().Fatalf("Failed to get HISTORY_BUFFER_SIZE from env: %s", err)
		}
		if capacity <= 0 {
			zap.S().Fatalf("HISTORY_BUFFER_SIZE must be positive, got %d", capacity)
		}
		store = NewStore(capacity)
	})
	return store
}

func NewStore(capacity int) *Store {
	return &Store{
		current: make(map[string]shared.Reading),
		ring:    make([]shared.Reading, capacity),
	}
}

// Upsert replaces the current-state entry for the reading's device and
// appends the reading to the history ring, evicting the oldest entry once
// the ring is full. O(1), arrival order wins over any embedded timestamp.
func (s *Store) Upsert(reading *shared.Reading) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.current[reading.DeviceId] = *reading

	s.ring[s.head] = *reading
	s.head = (s.head + 1) % len(s.ring)
	if s.size < len(s.ring) {
		s.size++
	}
}

// GetCurrent returns the latest reading for a device, or false if the device
// has never reported.
func (s *Store) GetCurrent(deviceId string) (shared.Reading, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	reading, ok := s.current[deviceId]
	return reading, ok
}

// Snapshot returns a copy of the whole current-state map.
func (s *Store) Snapshot() map[string]shared.Reading {
	s.lock.RLock()
	defer s.lock.RUnlock()
	snapshot := make(map[string]shared.Reading, len(s.current))
	for deviceId, reading := range s.current {
		snapshot[deviceId] = reading
	}
	return snapshot
}

// ListDevices returns one entry per reporting device. Status is derived, not
// stored: a device with a current-state entry is "online".
func (s *Store) ListDevices() []shared.DeviceStatus {
	s.lock.RLock()
	defer s.lock.RUnlock()
	devices := make([]shared.DeviceStatus, 0, len(s.current))
	for deviceId, reading := range s.current {
		devices = append(devices, shared.DeviceStatus{
			Id:       deviceId,
			LastSeen: reading.Timestamp,
			Status:   "online",
		})
	}
	return devices
}

// GetRecent returns up to limit readings from the history ring in insertion
// order, most recent last.
func (s *Store) GetRecent(limit int) []shared.Reading {
	s.lock.RLock()
	defer s.lock.RUnlock()

	n := limit
	if n > s.size {
		n = s.size
	}
	if n <= 0 {
		return []shared.Reading{}
	}

	readings := make([]shared.Reading, 0, n)
	// head points at the next write slot, so the oldest of the n requested
	// entries sits n slots behind it.
	start := (s.head - n + len(s.ring)) % len(s.ring)
	for i := 0; i < n; i++ {
		readings = append(readings, s.ring[(start+i)%len(s.ring)])
	}
	return readings
}

func (s *Store) ActiveDeviceCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.current)
}
