package shared

import (
	"regexp"
	"time"
)

// DeviceIdRegex is the pattern every device identifier must match, both in
// topics and in API requests.
var DeviceIdRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,64}$`)

// Reading is one decoded telemetry message. Payload is the device's JSON
// object with topic_type and topic folded in as metadata, so a reading read
// back from the database still carries its classifier.
type Reading struct {
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
	DeviceId  string                 `json:"device_id"`
	Topic     string                 `json:"topic"`
	TopicType string                 `json:"topic_type"`
}

type Device struct {
	CreatedAt time.Time `json:"created_at"`
	Id        string    `json:"id"`
	Name      string    `json:"name"`
}

// DeviceStatus is the derived per-device view returned by device listings.
// Status is "online" when a current-state entry exists for the device.
type DeviceStatus struct {
	LastSeen time.Time `json:"last_seen"`
	Id       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Status   string    `json:"status"`
}

// Command is an outbound device command. Nil fields are omitted from the
// serialized payload.
type Command struct {
	Action      string   `json:"action"`
	Value       *float64 `json:"value,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// BusMessage is a raw message as delivered by the broker, before decoding.
type BusMessage struct {
	Topic   string
	Payload []byte
}
