package mqtt

import (
	"fmt"
	"testing"

	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/shared"
)

type PublishedCommand struct {
	Topic   string
	Payload []byte
}

type MockConnection struct {
	MessagesToSend chan *shared.BusMessage
	Published      []PublishedCommand
	PublishErr     error
}

func (c *MockConnection) GetMessages() <-chan *shared.BusMessage {
	return c.MessagesToSend
}

func (c *MockConnection) PublishCommand(deviceId string, payload []byte) error {
	if c.PublishErr != nil {
		return c.PublishErr
	}
	c.Published = append(c.Published, PublishedCommand{
		Topic:   fmt.Sprintf("devices/%s/cmd", deviceId),
		Payload: payload,
	})
	return nil
}

func GetMockConnection(t *testing.T) *MockConnection {
	// Passing t here to ensure it is not used in production code
	t.Logf("Using mock MQTT client")
	return &MockConnection{
		MessagesToSend: make(chan *shared.BusMessage, 100),
		Published:      make([]PublishedCommand, 0),
	}
}
