// Package bus adapts the MQTT broker for hot-path job control and setting
// updates. The leader is the only node that publishes from this process.
package bus

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// QoS levels of the broker. Setting updates use ExactlyOnce so a repeated
// delivery can't replay a stale value; stop messages use AtLeastOnce since
// disconnecting twice is harmless.
const (
	AtMostOnce  byte = 0
	AtLeastOnce byte = 1
	ExactlyOnce byte = 2
)

// Publication is an in-flight publish. Wait blocks until the broker confirms
// the publish at its QoS level, or the timeout elapses.
type Publication interface {
	Wait(timeout time.Duration) error
}

// Publisher publishes payloads to the broker.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retain bool) Publication
}

// Client is the MQTT-backed Publisher.
type Client struct {
	inner mqtt.Client
}

// Dial connects to the broker and blocks until the connection is up.
func Dial(brokerAddress, clientID string) (*Client, error) {
	var opts = mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:1883", brokerAddress)).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetOrderMatters(true)

	var inner = mqtt.NewClient(opts)
	if token := inner.Connect(); !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		return nil, fmt.Errorf("connecting to broker at %s: %w", brokerAddress, tokenErr(token))
	}
	log.WithField("broker", brokerAddress).Info("connected to MQTT broker")
	return &Client{inner: inner}, nil
}

func (c *Client) Publish(topic string, payload []byte, qos byte, retain bool) Publication {
	return publication{token: c.inner.Publish(topic, qos, retain, payload)}
}

// Close disconnects from the broker, allowing in-flight messages to drain.
func (c *Client) Close() { c.inner.Disconnect(250) }

type publication struct{ token mqtt.Token }

func (p publication) Wait(timeout time.Duration) error {
	if !p.token.WaitTimeout(timeout) {
		return fmt.Errorf("publish not confirmed within %s", timeout)
	}
	return p.token.Error()
}

func tokenErr(token mqtt.Token) error {
	if err := token.Error(); err != nil {
		return err
	}
	return fmt.Errorf("timed out")
}

// StateTopic addresses the $state setting of a job. Publishing
// "disconnected" to it stops the job.
func StateTopic(unit, experiment, job string) string {
	return fmt.Sprintf("pioreactor/%s/%s/%s/$state/set", unit, experiment, job)
}

// SettingTopic addresses a published setting of a running job.
func SettingTopic(unit, experiment, job, setting string) string {
	return fmt.Sprintf("pioreactor/%s/%s/%s/%s/set", unit, experiment, job, setting)
}

// LogTopic carries UI-originated log envelopes.
func LogTopic(unit, experiment, level string) string {
	return fmt.Sprintf("pioreactor/%s/%s/logs/ui/%s", unit, experiment, level)
}

// FlickerTopic asks a unit's monitor job to blink its LED.
func FlickerTopic(unit, universalExperiment string) string {
	return fmt.Sprintf("pioreactor/%s/%s/monitor/flicker_led_response_okay", unit, universalExperiment)
}
