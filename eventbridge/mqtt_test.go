package eventbridge

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"osdp-panel/config"
	"osdp-panel/osdp"
)

// fakeToken is an already-completed mqtt.Token.
type fakeToken struct{ err error }

func (f *fakeToken) Wait() bool                     { return true }
func (f *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (f *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (f *fakeToken) Error() error { return f.err }

// fakeClient records every Publish call it receives.
type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	topics    []string
	payloads  [][]byte
	connected bool
}

func (f *fakeClient) IsConnected() bool { return f.connected }

func (f *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload.([]byte))
	return &fakeToken{}
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

// fakePanel records the listeners eventbridge registers, without
// needing a real ControlPanel.
type fakePanel struct {
	statusFn func(osdp.ConnectionStatusChanged)
	replyFns map[osdp.ReplyType]func(*osdp.Reply)
}

func newFakePanel() *fakePanel {
	return &fakePanel{replyFns: make(map[osdp.ReplyType]func(*osdp.Reply))}
}

func (p *fakePanel) OnReply(replyType osdp.ReplyType, fn func(*osdp.Reply)) func() {
	p.replyFns[replyType] = fn
	return func() { delete(p.replyFns, replyType) }
}

func (p *fakePanel) OnConnectionStatusChanged(fn func(osdp.ConnectionStatusChanged)) func() {
	p.statusFn = fn
	return func() { p.statusFn = nil }
}

func newTestPublisher(t *testing.T, client *fakeClient, panel Panel) *MQTTPublisher {
	t.Helper()
	p := &MQTTPublisher{
		client: client,
		cfg:    config.MQTTConfig{TopicPrefix: "osdp", PublishTimeout: time.Second},
	}
	p.unregister = append(p.unregister, panel.OnConnectionStatusChanged(p.publishStatus))
	for _, rt := range replyTypesToBridge {
		p.unregister = append(p.unregister, panel.OnReply(rt, p.publishReply))
	}
	return p
}

func TestPublishReplyTopicAndPayload(t *testing.T) {
	client := &fakeClient{connected: true}
	panel := newFakePanel()
	_ = newTestPublisher(t, client, panel)

	connID := osdp.NewConnectionID()
	fn, ok := panel.replyFns[osdp.ReplyOutputStatus]
	require.True(t, ok)

	fn(&osdp.Reply{
		ConnectionID:  connID,
		Address:       2,
		Type:          osdp.ReplyOutputStatus,
		Payload:       []byte{0x01, 0x02},
		TransactionID: 7,
	})

	require.Len(t, client.topics, 1)
	require.Equal(t, "osdp/"+connID.String()+"/2/OutputStatus", client.topics[0])

	var decoded eventPayload
	require.NoError(t, json.Unmarshal(client.payloads[0], &decoded))
	require.Equal(t, "OutputStatus", decoded.Event)
	require.Equal(t, uint8(2), decoded.Address)
	require.Equal(t, "0102", decoded.PayloadHex)
	require.Equal(t, uint64(7), decoded.TransactionID)
}

func TestPublishStatusTopicAndPayload(t *testing.T) {
	client := &fakeClient{connected: true}
	panel := newFakePanel()
	_ = newTestPublisher(t, client, panel)

	connID := osdp.NewConnectionID()
	panel.statusFn(osdp.ConnectionStatusChanged{ConnectionID: connID, Address: 3, Online: true})

	require.Len(t, client.topics, 1)
	require.Equal(t, "osdp/"+connID.String()+"/3/connection_status_changed", client.topics[0])

	var decoded eventPayload
	require.NoError(t, json.Unmarshal(client.payloads[0], &decoded))
	require.NotNil(t, decoded.Online)
	require.True(t, *decoded.Online)
}

func TestCloseUnregistersAndDisconnects(t *testing.T) {
	client := &fakeClient{connected: true}
	panel := newFakePanel()
	p := newTestPublisher(t, client, panel)

	p.Close()

	require.Nil(t, panel.statusFn)
	require.Empty(t, panel.replyFns)
	require.False(t, client.connected)
}
