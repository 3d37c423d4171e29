package mqtt

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/edgehive/iot-platform/cmd/telemetry-gateway/shared"
	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/heptiolabs/healthcheck"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
)

// subscribeTopics covers every known classifier. Devices publishing an
// unknown classifier are still decoded once a matching subscription exists,
// the decoder does not care.
var subscribeTopics = []string{
	"devices/+/environmental",
	"devices/+/motion",
	"devices/+/power",
	"devices/+/telemetry",
	"devices/+/status",
}

const connectTimeout = 10 * time.Second
const publishTimeout = 5 * time.Second

// IConnection is what the worker and the API see of the bus.
type IConnection interface {
	GetMessages() <-chan *shared.BusMessage
	PublishCommand(deviceId string, payload []byte) error
}

type Connection struct {
	client   MQTT.Client
	messages chan *shared.BusMessage
}

var conn *Connection
var once sync.Once

// GetOrInit connects to the broker on first use. Reconnection and backoff are
// paho's job; our only reconnect duty is re-issuing the subscriptions in the
// OnConnect handler, since they do not survive a clean-session reconnect.
func GetOrInit() *Connection {
	once.Do(func() {
		zap.S().Debugf("mqtt.GetOrInit().once")
		brokerURL, err := env.GetAsString("MQTT_BROKER_URL", false, "tcp://localhost:1883")
		if err != nil {
			zap.S().Fatalf("Failed to get MQTT_BROKER_URL from env: %s", err)
		}
		user, err := env.GetAsString("MQTT_USER", false, "")
		if err != nil {
			zap.S().Fatalf("Failed to get MQTT_USER from env: %s", err)
		}
		password, err := env.GetAsString("MQTT_PASSWORD", false, "")
		if err != nil {
			zap.S().Fatalf("Failed to get MQTT_PASSWORD from env: %s", err)
		}
		clientId, err := env.GetAsString("MQTT_CLIENT_ID", false, "telemetry-gateway-"+strconv.FormatInt(rand.Int63(), 10)) //nolint:gosec
		if err != nil {
			zap.S().Fatalf("Failed to get MQTT_CLIENT_ID from env: %s", err)
		}
		channelSize, err := env.GetAsInt("MESSAGE_CHANNEL_SIZE", false, 10000)
		if err != nil {
			zap.S().Fatalf("Failed to get MESSAGE_CHANNEL_SIZE from env: %s", err)
		}

		conn = &Connection{
			messages: make(chan *shared.BusMessage, channelSize),
		}

		opts := MQTT.NewClientOptions()
		opts.AddBroker(brokerURL)
		opts.SetClientID(clientId)
		if user != "" {
			opts.SetUsername(user)
			opts.SetPassword(password)
		}
		opts.SetAutoReconnect(true)
		// AutoReconnect only kicks in after a first successful connect;
		// ConnectRetry covers a broker that is down at startup.
		opts.SetConnectRetry(true)
		opts.SetConnectTimeout(connectTimeout)
		opts.SetOnConnectHandler(conn.onConnect)
		opts.SetConnectionLostHandler(onConnectionLost)

		zap.S().Infof("Connecting to MQTT broker (%s) (%s)", brokerURL, clientId)

		conn.client = MQTT.NewClient(opts)
		if token := conn.client.Connect(); token.WaitTimeout(connectTimeout) && token.Error() != nil {
			// Not fatal: paho keeps retrying in the background and the rest
			// of the service serves stale in-memory state meanwhile.
			zap.S().Warnf("Initial connect to MQTT broker failed, retrying in background: %s", token.Error())
		}
	})
	return conn
}

// onConnect runs on every (re-)entry into the connected state and re-issues
// all subscriptions.
func (c *Connection) onConnect(client MQTT.Client) {
	optionsReader := client.OptionsReader()
	zap.S().Infof("Connected to MQTT broker (%s)", optionsReader.ClientID())
	for _, topic := range subscribeTopics {
		if token := client.Subscribe(topic, 1, c.onMessageReceived); token.WaitTimeout(connectTimeout) && token.Error() != nil {
			zap.S().Errorf("Failed to subscribe to %s: %s", topic, token.Error())
			continue
		}
		zap.S().Infof("MQTT subscribed (%s)", topic)
	}
}

func onConnectionLost(client MQTT.Client, err error) {
	optionsReader := client.OptionsReader()
	zap.S().Warnf("Connection to MQTT broker lost, auto-reconnecting (%v) (%s)", err, optionsReader.ClientID())
}

// onMessageReceived hands the raw message to the worker. Delivery order into
// the channel is arrival order, which is what defines current-state ordering.
func (c *Connection) onMessageReceived(_ MQTT.Client, message MQTT.Message) {
	c.messages <- &shared.BusMessage{
		Topic:   message.Topic(),
		Payload: message.Payload(),
	}
}

func (c *Connection) GetMessages() <-chan *shared.BusMessage {
	return c.messages
}

// PublishCommand publishes a serialized command to devices/<id>/cmd with
// QoS 1, not retained. The broker handoff is awaited with a bounded timeout;
// any failure is the caller's to surface.
func (c *Connection) PublishCommand(deviceId string, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return errors.New("not connected to MQTT broker")
	}
	topic := fmt.Sprintf("devices/%s/cmd", deviceId)
	token := c.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	return token.Error()
}

func (c *Connection) Close() {
	c.client.Disconnect(250)
}

func GetLivenessCheck() healthcheck.Check {
	return func() error {
		// The client object exists as soon as GetOrInit ran; a lost broker
		// connection is a readiness problem, not a liveness one.
		if GetOrInit().client == nil {
			return errors.New("mqtt client not initialized")
		}
		return nil
	}
}

func GetReadinessCheck() healthcheck.Check {
	return func() error {
		if !GetOrInit().client.IsConnectionOpen() {
			return errors.New("not connected to MQTT broker")
		}
		return nil
	}
}
