// Package bus implements the per-connection poll loop: round-robin
// scheduling across a device roster, the per-device reply window,
// online/offline hysteresis, and handoff of decoded replies to the
// ReplyDispatcher. Modelled on the teacher's per-session goroutine and
// ticker-driven health check (one goroutine per managed connection,
// reconnect-with-backoff on failure, staleness tracked against the
// last-received-activity clock), generalised from one SOL session per
// server to one poll cycle per device roster entry.
package bus

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"osdp-panel/dispatch"
	"osdp-panel/frame"
	"osdp-panel/metrics"
	"osdp-panel/osdp"
	"osdp-panel/transport"
)

const (
	defaultPollInterval = 200 * time.Millisecond
	defaultReplyWindow  = 200 * time.Millisecond
	readChunkSize       = 512
)

// Bus drives one Connection and the DeviceProxy roster addressed on
// it, running a single cooperative poll loop goroutine.
type Bus struct {
	id   osdp.ConnectionID
	conn transport.Connection
	sink chan<- dispatch.Event
	log  *logrus.Entry

	pollInterval time.Duration
	replyWindow  time.Duration

	rosterMu sync.Mutex
	devices  map[osdp.Address]*DeviceProxy
	order    []osdp.Address
	cursor   int

	stopCh chan struct{}
	doneCh chan struct{}

	recvBuf []byte

	metrics *metrics.Registry

	pauseMu sync.Mutex
	paused  bool
}

// New creates a Bus bound to conn, forwarding Reply and
// ConnectionStatusChanged events to sink.
func New(conn transport.Connection, sink chan<- dispatch.Event) *Bus {
	id := osdp.NewConnectionID()
	return &Bus{
		id:           id,
		conn:         conn,
		sink:         sink,
		log:          logrus.WithField("connection_id", id),
		pollInterval: defaultPollInterval,
		replyWindow:  defaultReplyWindow,
		devices:      make(map[osdp.Address]*DeviceProxy),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

func (b *Bus) ID() osdp.ConnectionID { return b.id }

// Connection returns the underlying transport.Connection, for a
// diagnostics pass-through attachment to read/write raw bytes on
// while the poll loop is paused.
func (b *Bus) Connection() transport.Connection { return b.conn }

// Pause suspends scheduling new poll cycles; any cycle already in
// flight still completes or times out first. Used by
// diagnostics.PassThrough to take exclusive control of the
// Connection without racing the poll loop.
func (b *Bus) Pause() {
	b.pauseMu.Lock()
	defer b.pauseMu.Unlock()
	b.paused = true
}

// Resume re-enables poll cycle scheduling after a prior Pause.
func (b *Bus) Resume() {
	b.pauseMu.Lock()
	defer b.pauseMu.Unlock()
	b.paused = false
}

func (b *Bus) isPaused() bool {
	b.pauseMu.Lock()
	defer b.pauseMu.Unlock()
	return b.paused
}

// SetMetrics attaches a metrics.Registry for this Bus to record poll
// cycles, timeouts, invalid frames, and online device count into. A nil
// registry (the default) makes every recording call a no-op.
func (b *Bus) SetMetrics(m *metrics.Registry) {
	b.metrics = m
}

// AddDevice registers a PD at address on this bus's roster.
func (b *Bus) AddDevice(address osdp.Address, useCRC, useSecureChannel bool, key [16]byte) *DeviceProxy {
	b.rosterMu.Lock()
	defer b.rosterMu.Unlock()
	d := NewDeviceProxy(address, useCRC, useSecureChannel, key)
	b.devices[address] = d
	b.rebuildOrder()
	return d
}

// RemoveDevice deregisters the PD at address, zeroising its secure
// session key material.
func (b *Bus) RemoveDevice(address osdp.Address) {
	b.rosterMu.Lock()
	defer b.rosterMu.Unlock()
	if d, ok := b.devices[address]; ok {
		d.Reset()
		delete(b.devices, address)
		b.rebuildOrder()
	}
}

// Device returns the DeviceProxy at address, or nil if unregistered.
func (b *Bus) Device(address osdp.Address) *DeviceProxy {
	b.rosterMu.Lock()
	defer b.rosterMu.Unlock()
	return b.devices[address]
}

// RosterEntry summarizes one registered device for external inspection
// (the HTTP façade's device-listing routes).
type RosterEntry struct {
	Address          osdp.Address
	Online           bool
	UseSecureChannel bool
}

// Roster returns a snapshot of every registered device in address
// order.
func (b *Bus) Roster() []RosterEntry {
	order := b.snapshotOrder()
	entries := make([]RosterEntry, 0, len(order))
	for _, addr := range order {
		d := b.Device(addr)
		if d == nil {
			continue
		}
		entries = append(entries, RosterEntry{
			Address:          addr,
			Online:           d.IsOnline(),
			UseSecureChannel: d.UsesSecureChannel(),
		})
	}
	return entries
}

func (b *Bus) rebuildOrder() {
	order := make([]osdp.Address, 0, len(b.devices))
	for addr := range b.devices {
		order = append(order, addr)
	}
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && order[j] < order[j-1]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	b.order = order
	if b.cursor >= len(order) {
		b.cursor = 0
	}
}

func (b *Bus) snapshotOrder() []osdp.Address {
	b.rosterMu.Lock()
	defer b.rosterMu.Unlock()
	return append([]osdp.Address(nil), b.order...)
}

// Start opens the connection and spawns the poll loop goroutine.
func (b *Bus) Start() error {
	if err := b.conn.Open(); err != nil {
		return err
	}
	go b.run()
	return nil
}

// Close stops the poll loop after its current cycle completes and
// closes the underlying Connection.
func (b *Bus) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.conn.Close()
}

func (b *Bus) run() {
	defer close(b.doneCh)
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}
		cycleStart := time.Now()
		b.cycle()
		elapsed := time.Since(cycleStart)
		if remaining := b.pollInterval - elapsed; remaining > 0 {
			select {
			case <-b.stopCh:
				return
			case <-time.After(remaining):
			}
		}
	}
}

func (b *Bus) cycle() {
	// pauseMu is held for the whole cycle so that Pause returns only
	// once a cycle already in flight has completed or timed out.
	b.pauseMu.Lock()
	defer b.pauseMu.Unlock()
	if b.paused {
		return
	}

	order := b.snapshotOrder()
	if len(order) == 0 {
		return
	}

	b.rosterMu.Lock()
	if b.cursor >= len(order) {
		b.cursor = 0
	}
	address := order[b.cursor]
	b.cursor = (b.cursor + 1) % len(order)
	b.rosterMu.Unlock()

	device := b.Device(address)
	if device == nil {
		return
	}

	b.metrics.RecordPollCycle(b.id.String())

	out := device.NextOutbound()
	encoded := frame.Encode(uint8(address), out.sequence, device.useCRC, out.secure, out.payload)

	if err := b.conn.Write(encoded); err != nil {
		b.log.WithError(err).WithField("address", address).Warn("write failed")
		b.recordTimeout(device, address)
		return
	}

	f, err := b.readFrame(b.replyWindow)
	if err != nil || f == nil {
		b.recordTimeout(device, address)
		return
	}
	if f.Address != uint8(address) {
		// Cross-talk from a different device's retransmission; treat
		// this cycle as a miss for the device we polled.
		b.recordTimeout(device, address)
		return
	}

	reply, outcome, err := device.AcceptReply(b.id, f.Payload, f.Sequence)
	if err != nil {
		b.recordTimeout(device, address)
		return
	}

	if transitioned := device.MarkOnline(); transitioned {
		b.emitStatus(osdp.ConnectionStatusChanged{ConnectionID: b.id, Address: address, Online: true})
		b.updateOnlineGauge()
	}

	if outcome == delivered || outcome == unsolicited {
		if reply.Type != osdp.ReplyUnknown {
			b.sink <- dispatch.Event{Reply: reply}
		}
	}
}

func (b *Bus) recordTimeout(device *DeviceProxy, address osdp.Address) {
	b.metrics.RecordTimeout(b.id.String())
	if transitioned := device.OnTimeout(); transitioned {
		b.emitStatus(osdp.ConnectionStatusChanged{ConnectionID: b.id, Address: address, Online: false})
		b.updateOnlineGauge()
	}
}

// updateOnlineGauge recomputes the online-device count across the
// current roster and reports it to metrics.
func (b *Bus) updateOnlineGauge() {
	order := b.snapshotOrder()
	online := 0
	for _, addr := range order {
		if d := b.Device(addr); d != nil && d.IsOnline() {
			online++
		}
	}
	b.metrics.SetDevicesOnline(b.id.String(), online)
}

func (b *Bus) emitStatus(ev osdp.ConnectionStatusChanged) {
	b.sink <- dispatch.Event{Status: &ev}
}

// readFrame reads from the connection, accumulating bytes in recvBuf,
// until either a complete frame decodes or window elapses.
func (b *Bus) readFrame(window time.Duration) (*frame.Frame, error) {
	deadline := time.Now().Add(window)
	chunk := make([]byte, readChunkSize)

	for {
		f, consumed, err := frame.Decode(b.recvBuf)
		if err != nil {
			b.recvBuf = b.recvBuf[consumed:]
			b.metrics.RecordFrameInvalid(b.id.String())
			return nil, err
		}
		if consumed > 0 {
			b.recvBuf = b.recvBuf[consumed:]
			if f.Payload != nil {
				// A genuine decode carries a non-nil (possibly empty)
				// Payload slice; the noise/resync cases return the
				// zero Frame with a nil Payload.
				return &f, nil
			}
			continue // consumed leading noise, nothing decoded yet
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, transport.ErrTimeout
		}

		n, err := b.conn.Read(chunk, remaining)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			b.recvBuf = append(b.recvBuf, chunk[:n]...)
		}
	}
}
