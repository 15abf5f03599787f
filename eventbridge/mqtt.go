// Package eventbridge republishes ControlPanel events onto an MQTT
// broker: every device online/offline transition and every typed
// reply becomes a JSON message on a per-device topic. Built on
// mqtt.ClientOptions the way ka9q_ubersdr's mqtt_publisher.go
// configures its own client — auto-reconnect, keepalive, optional
// TLS — but publishing individual panel events instead of periodic
// aggregate metric snapshots.
package eventbridge

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"osdp-panel/config"
	"osdp-panel/osdp"
)

// Panel is the narrow slice of panel.ControlPanel the bridge needs to
// subscribe to, kept as an interface so this package does not import
// panel.
type Panel interface {
	OnReply(replyType osdp.ReplyType, fn func(*osdp.Reply)) func()
	OnConnectionStatusChanged(fn func(osdp.ConnectionStatusChanged)) func()
}

// replyTypesToBridge is every ReplyType the bridge subscribes to;
// ReplyUnknown is intentionally absent.
var replyTypesToBridge = []osdp.ReplyType{
	osdp.ReplyAck,
	osdp.ReplyNak,
	osdp.ReplyIdReport,
	osdp.ReplyDeviceCapabilities,
	osdp.ReplyLocalStatus,
	osdp.ReplyInputStatus,
	osdp.ReplyOutputStatus,
	osdp.ReplyReaderStatus,
	osdp.ReplyRawCardData,
	osdp.ReplyManufacturerSpecific,
	osdp.ReplyExtendedRead,
	osdp.ReplyPIVData,
}

// eventPayload is the JSON body published for both reply and status
// events; fields that don't apply to a given event are left zero.
type eventPayload struct {
	Timestamp     int64  `json:"timestamp"`
	ConnectionID  string `json:"connection_id"`
	Address       uint8  `json:"address"`
	Event         string `json:"event"`
	Online        *bool  `json:"online,omitempty"`
	PayloadHex    string `json:"payload_hex,omitempty"`
	TransactionID uint64 `json:"transaction_id,omitempty"`
}

// MQTTPublisher owns the broker connection and the panel listener
// registrations it installed; Close tears both down.
type MQTTPublisher struct {
	client mqtt.Client
	cfg    config.MQTTConfig

	unregister []func()
}

// New connects to cfg's broker and subscribes to panel's reply and
// status events, publishing each as it arrives. Returns an error only
// if the initial connection fails; once connected, disconnects are
// handled by the client's own auto-reconnect loop.
func New(cfg config.MQTTConfig, panel Panel) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "osdp-panel"
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if cfg.TLSInsecure {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("eventbridge: connected to broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("eventbridge: connection lost")
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		log.Info("eventbridge: reconnecting")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("eventbridge: connect: %w", token.Error())
	}

	p := &MQTTPublisher{client: client, cfg: cfg}

	p.unregister = append(p.unregister, panel.OnConnectionStatusChanged(p.publishStatus))
	for _, rt := range replyTypesToBridge {
		p.unregister = append(p.unregister, panel.OnReply(rt, p.publishReply))
	}

	return p, nil
}

func (p *MQTTPublisher) publishStatus(ev osdp.ConnectionStatusChanged) {
	online := ev.Online
	payload := eventPayload{
		ConnectionID: ev.ConnectionID.String(),
		Address:      uint8(ev.Address),
		Event:        "connection_status_changed",
		Online:       &online,
	}
	p.publish(ev.ConnectionID.String(), ev.Address, "connection_status_changed", payload)
}

func (p *MQTTPublisher) publishReply(reply *osdp.Reply) {
	payload := eventPayload{
		ConnectionID:  reply.ConnectionID.String(),
		Address:       uint8(reply.Address),
		Event:         reply.Type.String(),
		PayloadHex:    fmt.Sprintf("%x", reply.Payload),
		TransactionID: reply.TransactionID,
	}
	p.publish(reply.ConnectionID.String(), reply.Address, reply.Type.String(), payload)
}

// publish sends payload to
// <topic_prefix>/<connection_id>/<address>/<event>, fire-and-forget:
// it waits for the publish token but only to log failures, never
// blocking the dispatcher's complete-then-notify goroutine beyond a
// bounded window.
func (p *MQTTPublisher) publish(connID string, address osdp.Address, event string, payload eventPayload) {
	payload.Timestamp = time.Now().Unix()

	data, err := json.Marshal(payload)
	if err != nil {
		log.WithError(err).Warn("eventbridge: marshal event failed")
		return
	}

	topic := fmt.Sprintf("%s/%s/%d/%s", p.cfg.TopicPrefix, connID, address, event)
	token := p.client.Publish(topic, p.cfg.PublishQoS, false, data)

	go func() {
		if !token.WaitTimeout(p.cfg.PublishTimeout) {
			log.WithField("topic", topic).Warn("eventbridge: publish timed out")
			return
		}
		if err := token.Error(); err != nil {
			log.WithError(err).WithField("topic", topic).Warn("eventbridge: publish failed")
		}
	}()
}

// Close unregisters every panel listener and disconnects the client.
func (p *MQTTPublisher) Close() {
	for _, fn := range p.unregister {
		fn()
	}
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
