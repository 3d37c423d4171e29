package decoder

import (
	"fmt"
	"regexp"
	"time"

	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/shared"
	"github.com/goccy/go-json"
)

// topicRegex dissects "devices/<device_id>/<classifier>". The classifier set
// is open: environmental, motion, power, telemetry, status plus anything a
// future firmware publishes. Only the shape and the device id are enforced.
var topicRegex = regexp.MustCompile(`^devices/([a-zA-Z0-9_-]{3,64})/([a-zA-Z0-9_-]+)$`)

// Parse turns a raw bus message into a Reading. It is pure: no store or
// database access, errors are returned to the caller for per-message
// handling. The arrival time becomes the reading timestamp; any timestamp
// inside the payload is passed through untouched.
func Parse(topic string, payload []byte) (*shared.Reading, error) {
	matches := topicRegex.FindStringSubmatch(topic)
	if matches == nil {
		return nil, fmt.Errorf("topic %q does not match devices/<device_id>/<classifier>", topic)
	}
	deviceId := matches[1]
	topicType := matches[2]

	var fields map[string]interface{}
	err := json.Unmarshal(payload, &fields)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload on %q: %w", topic, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("payload on %q is not a JSON object", topic)
	}

	fields["topic_type"] = topicType
	fields["topic"] = topic

	return &shared.Reading{
		Timestamp: time.Now(),
		Payload:   fields,
		DeviceId:  deviceId,
		Topic:     topic,
		TopicType: topicType,
	}, nil
}
