package hapwled

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

var ErrAlreadyConnected = fmt.Errorf("already connected")

const (
	MQTT_TOPIC_PREFIX = "wled/"

	MQTT_ONLINE  = "online"
	MQTT_OFFLINE = "offline"

	// time allowed for in-flight messages on disconnect, in millis
	MQTT_DISCONNECT_QUIESCE = 1000
)

// Subset of mqtt.Client used for publishing
type mqttPublishClient interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

// Mirrors device availability and state to an MQTT broker.
type MQTTPublisher struct {
	// MQTT broker and credentials
	Server   string
	Username string
	Password string

	TopicPrefix string

	client mqttPublishClient
	conn   mqtt.Client
}

var _ StatePublisher = (*MQTTPublisher)(nil)

// Published on <prefix><key>/state
type statePayload struct {
	Name       string `json:"name"`
	On         bool   `json:"on"`
	Brightness int    `json:"brightness"`
	Preset     int    `json:"preset"`
}

func NewMQTTPublisher(server, username, password, topicPrefix string) *MQTTPublisher {
	if topicPrefix == "" {
		topicPrefix = MQTT_TOPIC_PREFIX
	}
	return &MQTTPublisher{
		Server:      server,
		Username:    username,
		Password:    password,
		TopicPrefix: topicPrefix,
	}
}

func (p *MQTTPublisher) bridgeTopic() string { return p.TopicPrefix + "bridge/availability" }

func (p *MQTTPublisher) availabilityTopic(e *Entry) string {
	return p.TopicPrefix + e.Key() + "/availability"
}

func (p *MQTTPublisher) stateTopic(e *Entry) string { return p.TopicPrefix + e.Key() + "/state" }

// Connects to the MQTT server.
// Blocks until the connection is established, then auto-reconnect logic takes over
func (p *MQTTPublisher) Connect() error {
	if p.conn != nil && p.conn.IsConnected() {
		return ErrAlreadyConnected
	}

	opts := mqtt.NewClientOptions().
		AddBroker(p.Server).
		SetUsername(p.Username).
		SetPassword(p.Password).
		SetClientID("hap-wled").
		SetDialer(&net.Dialer{KeepAlive: -1}).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(2 * time.Second).
		SetConnectRetry(true).
		SetWill(p.bridgeTopic(), MQTT_OFFLINE, 1, true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info("connected to MQTT broker")
		c.Publish(p.bridgeTopic(), 1, true, MQTT_ONLINE)
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("lost connection to MQTT broker")
	})

	opts.SetConnectionAttemptHandler(func(broker *url.URL, cfg *tls.Config) *tls.Config {
		log.Infof("connecting to MQTT %s...", broker)
		return cfg
	})

	p.conn = mqtt.NewClient(opts)
	p.client = p.conn

	if tok := p.conn.Connect(); tok.Wait() && tok.Error() != nil {
		return tok.Error()
	}

	return nil
}

// Marks the bridge offline and disconnects
func (p *MQTTPublisher) Disconnect() {
	if p.conn == nil {
		return
	}
	if tok := p.conn.Publish(p.bridgeTopic(), 1, true, MQTT_OFFLINE); tok.WaitTimeout(time.Second) && tok.Error() != nil {
		log.WithError(tok.Error()).Warn("cannot publish bridge availability")
	}
	p.conn.Disconnect(MQTT_DISCONNECT_QUIESCE)
}

func (p *MQTTPublisher) PublishAvailability(e *Entry, online bool) {
	payload := MQTT_OFFLINE
	if online {
		payload = MQTT_ONLINE
	}
	p.publish(p.availabilityTopic(e), true, payload)
}

func (p *MQTTPublisher) PublishState(e *Entry, s DeviceState) {
	j, err := json.Marshal(statePayload{
		Name:       e.Device().DisplayName,
		On:         s.PowerOn,
		Brightness: s.BrightnessPercent,
		Preset:     s.ActivePreset,
	})
	if err != nil {
		log.WithError(err).Error("cannot marshal state")
		return
	}
	p.publish(p.stateTopic(e), false, j)
}

// Publishes without waiting; paho queues messages while reconnecting.
func (p *MQTTPublisher) publish(topic string, retained bool, payload any) {
	if p.client == nil {
		return
	}

	log.Debugf("publishing %s: %s", topic, payload)
	tok := p.client.Publish(topic, 0, retained, payload)
	go func() {
		if tok.Wait() && tok.Error() != nil {
			log.WithError(tok.Error()).Warnf("cannot publish %s", topic)
		}
	}()
}
