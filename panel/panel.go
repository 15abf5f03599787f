// Package panel implements ControlPanel, the caller-facing façade that
// owns a keyed set of Buses, exposes SendCommand/GetPIVData, and
// manages the per-device PIV reassembly serialisation lock. Per §9's
// redesign notes, Buses live in a map keyed by ConnectionID (not an
// append-only bag scanned linearly), and the PIV lock is keyed by the
// (ConnectionID, Address) tuple directly rather than a hashed
// struct-literal.
package panel

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"osdp-panel/bus"
	"osdp-panel/dispatch"
	"osdp-panel/metrics"
	"osdp-panel/osdp"
	"osdp-panel/transport"
)

const defaultCommandTimeout = 5 * time.Second

// codeGetPIVDataByte tags the application payload of a PIV data
// request; the selector byte that follows picks which PIV container
// element the PD should return.
const codeGetPIVDataByte = 0x84

type pivKey struct {
	ConnID  osdp.ConnectionID
	Address osdp.Address
}

// ControlPanel owns every started Bus, the shared ReplyDispatcher, and
// the per-device PIV reassembly locks.
type ControlPanel struct {
	mu    sync.RWMutex
	buses map[osdp.ConnectionID]*bus.Bus

	dispatcher     *dispatch.ReplyDispatcher
	dispatcherStop chan struct{}

	txCounter atomic.Uint64

	pivLocksMu sync.Mutex
	pivLocks   map[pivKey]chan struct{}

	metrics *metrics.Registry
}

// SetMetrics attaches a metrics.Registry, propagating it to the shared
// dispatcher and every Bus started from this point on. Call before
// StartConnection to have every Bus instrumented from the start.
func (p *ControlPanel) SetMetrics(m *metrics.Registry) {
	p.metrics = m
	p.dispatcher.SetMetrics(m)
}

// New creates a ControlPanel and starts its dispatcher loop.
func New() *ControlPanel {
	p := &ControlPanel{
		buses:          make(map[osdp.ConnectionID]*bus.Bus),
		dispatcher:     dispatch.New(),
		dispatcherStop: make(chan struct{}),
		pivLocks:       make(map[pivKey]chan struct{}),
	}
	go p.dispatcher.Run(p.dispatcherStop)
	return p
}

// StartConnection opens conn and starts a Bus poll loop over it,
// returning the Bus's ConnectionID.
func (p *ControlPanel) StartConnection(conn transport.Connection) (osdp.ConnectionID, error) {
	b := bus.New(conn, p.dispatcher.Sink())
	b.SetMetrics(p.metrics)
	if err := b.Start(); err != nil {
		return osdp.ConnectionID{}, err
	}
	p.mu.Lock()
	p.buses[b.ID()] = b
	p.mu.Unlock()
	return b.ID(), nil
}

// Shutdown stops every Bus, closes their connections, and stops the
// dispatcher. Per-device secure key material is zeroised as each
// Bus's devices are torn down (bus.Bus.RemoveDevice / DeviceProxy.Reset).
func (p *ControlPanel) Shutdown() {
	p.mu.Lock()
	buses := make([]*bus.Bus, 0, len(p.buses))
	for _, b := range p.buses {
		buses = append(buses, b)
	}
	p.buses = make(map[osdp.ConnectionID]*bus.Bus)
	p.mu.Unlock()

	for _, b := range buses {
		b.Close()
		for _, entry := range b.Roster() {
			b.RemoveDevice(entry.Address)
		}
	}
	close(p.dispatcherStop)
}

func (p *ControlPanel) bus(connID osdp.ConnectionID) *bus.Bus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.buses[connID]
}

// Connections returns every currently started Bus's ConnectionID.
func (p *ControlPanel) Connections() []osdp.ConnectionID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]osdp.ConnectionID, 0, len(p.buses))
	for id := range p.buses {
		out = append(out, id)
	}
	return out
}

// Roster returns connID's device roster snapshot.
func (p *ControlPanel) Roster(connID osdp.ConnectionID) ([]bus.RosterEntry, error) {
	b := p.bus(connID)
	if b == nil {
		return nil, &UnknownConnectionError{ConnectionID: connID.String()}
	}
	return b.Roster(), nil
}

// Bus exposes the underlying bus.Bus for connID, for components (the
// HTTP façade's trace websocket, diagnostics.PassThrough) that need
// direct access beyond SendCommand/GetPIVData.
func (p *ControlPanel) Bus(connID osdp.ConnectionID) *bus.Bus {
	return p.bus(connID)
}

// AddDevice registers a PD on the Bus identified by connID.
func (p *ControlPanel) AddDevice(connID osdp.ConnectionID, address osdp.Address, useCRC, useSecureChannel bool, key [16]byte) error {
	b := p.bus(connID)
	if b == nil {
		return &UnknownConnectionError{ConnectionID: connID.String()}
	}
	b.AddDevice(address, useCRC, useSecureChannel, key)
	return nil
}

// RemoveDevice deregisters a PD, zeroising its secure session key
// material, and discards any PIV lock held for it.
func (p *ControlPanel) RemoveDevice(connID osdp.ConnectionID, address osdp.Address) error {
	b := p.bus(connID)
	if b == nil {
		return &UnknownConnectionError{ConnectionID: connID.String()}
	}
	b.RemoveDevice(address)
	p.pivLocksMu.Lock()
	delete(p.pivLocks, pivKey{ConnID: connID, Address: address})
	p.pivLocksMu.Unlock()
	return nil
}

// IsOnline reports a device's current online/offline status.
func (p *ControlPanel) IsOnline(connID osdp.ConnectionID, address osdp.Address) (bool, error) {
	b := p.bus(connID)
	if b == nil {
		return false, &UnknownConnectionError{ConnectionID: connID.String()}
	}
	d := b.Device(address)
	if d == nil {
		return false, &UnknownDeviceError{Address: int(address)}
	}
	return d.IsOnline(), nil
}

// ResetDevice forces a device back to its initial offline,
// unauthenticated, empty-queue state.
func (p *ControlPanel) ResetDevice(connID osdp.ConnectionID, address osdp.Address) error {
	b := p.bus(connID)
	if b == nil {
		return &UnknownConnectionError{ConnectionID: connID.String()}
	}
	d := b.Device(address)
	if d == nil {
		return &UnknownDeviceError{Address: int(address)}
	}
	d.Reset()
	return nil
}

// OnReply registers a typed listener for a reply kind.
func (p *ControlPanel) OnReply(replyType osdp.ReplyType, fn func(*osdp.Reply)) func() {
	return p.dispatcher.OnReply(replyType, fn)
}

// OnConnectionStatusChanged registers a listener for device online/
// offline transitions.
func (p *ControlPanel) OnConnectionStatusChanged(fn func(osdp.ConnectionStatusChanged)) func() {
	return p.dispatcher.OnConnectionStatusChanged(fn)
}

func (p *ControlPanel) nextTransactionID() uint64 {
	return p.txCounter.Add(1)
}

// SendCommand enqueues cmd on its target device and blocks until
// either a correlated Reply arrives, cancel fires, or 5 seconds
// elapse. The target address is validated against the Bus's roster
// synchronously, per §9(b)'s redesign decision.
func (p *ControlPanel) SendCommand(connID osdp.ConnectionID, cmd *osdp.Command, cancel <-chan struct{}) (*osdp.Reply, error) {
	b := p.bus(connID)
	if b == nil {
		return nil, &UnknownConnectionError{ConnectionID: connID.String()}
	}
	device := b.Device(cmd.Address)
	if device == nil {
		return nil, &UnknownDeviceError{Address: int(cmd.Address)}
	}

	txID := p.nextTransactionID()
	queued := &osdp.Command{Address: cmd.Address, Code: cmd.Code, TransactionID: txID, Encode: cmd.Encode}

	resultCh, cancelPending := p.dispatcher.Register(txID)
	device.Enqueue(queued)

	timer := time.NewTimer(defaultCommandTimeout)
	defer timer.Stop()

	select {
	case reply := <-resultCh:
		return reply, nil
	case <-timer.C:
		cancelPending()
		return nil, &TimeoutError{Reason: "send_command"}
	case <-cancel:
		cancelPending()
		return nil, &TimeoutError{Reason: "cancelled"}
	}
}

// GetPIVData requests PIV data from address, serialised against any
// other in-flight PIV transaction for the same device via a per-device
// binary semaphore (§5: "at-most-one in-flight PIV transaction per
// device"). A typed listener is registered before the command is
// transmitted, closing the race the governing design calls out in its
// source material (a handler registered after send can miss a fragment
// that arrives immediately).
func (p *ControlPanel) GetPIVData(connID osdp.ConnectionID, address osdp.Address, selector byte, timeout time.Duration, cancel <-chan struct{}) ([]byte, error) {
	b := p.bus(connID)
	if b == nil {
		return nil, &UnknownConnectionError{ConnectionID: connID.String()}
	}
	device := b.Device(address)
	if device == nil {
		return nil, &UnknownDeviceError{Address: int(address)}
	}

	lock := p.pivLockFor(pivKey{ConnID: connID, Address: address})
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case lock <- struct{}{}:
	case <-cancel:
		return nil, &TimeoutError{Reason: "cancelled waiting for piv lock"}
	case <-deadline.C:
		return nil, &TimeoutError{Reason: "piv lock"}
	}
	defer func() { <-lock }()

	done := make(chan []byte, 1)
	unregister := p.dispatcher.OnReply(osdp.ReplyPIVData, func(reply *osdp.Reply) {
		if reply.ConnectionID != connID || reply.Address != address {
			return
		}
		wholeLen, offset, fragment, err := parsePIVFragment(reply.Payload)
		if err != nil {
			return
		}
		buf := device.GetOrCreateReassemblyBuffer(osdp.ReplyPIVData, wholeLen)
		complete, err := buf.WriteFragment(wholeLen, offset, fragment)
		if err != nil {
			// FragmentOutOfRange: discard the buffer; the call times
			// out naturally with no completion ever signalled (§7).
			device.ReleaseReassemblyBuffer(osdp.ReplyPIVData)
			return
		}
		if complete {
			out := buf.Bytes()
			device.ReleaseReassemblyBuffer(osdp.ReplyPIVData)
			select {
			case done <- out:
			default:
			}
		}
	})
	defer unregister()

	txID := p.nextTransactionID()
	resultCh, cancelPending := p.dispatcher.Register(txID)
	defer cancelPending()

	cmd := &osdp.Command{
		Address:       address,
		Code:          osdp.CommandGetPIVData,
		TransactionID: txID,
		Encode: func(ctx osdp.EncodeContext) []byte {
			payload := []byte{codeGetPIVDataByte, selector}
			if ctx.Secure != nil {
				if enc, err := ctx.Secure.Encrypt(payload); err == nil {
					return enc
				}
			}
			return payload
		},
	}
	device.Enqueue(cmd)

	for {
		select {
		case out := <-done:
			return out, nil
		case reply := <-resultCh:
			if reply.Type == osdp.ReplyNak {
				return nil, nil // no-data case: a successful, empty reply
			}
			// ReplyPIVData's first fragment is handled by the listener
			// above; fall through and keep waiting for completion.
		case <-cancel:
			return nil, &TimeoutError{Reason: "cancelled"}
		case <-deadline.C:
			return nil, &TimeoutError{Reason: "get_piv_data"}
		}
	}
}

func (p *ControlPanel) pivLockFor(key pivKey) chan struct{} {
	p.pivLocksMu.Lock()
	defer p.pivLocksMu.Unlock()
	lock, ok := p.pivLocks[key]
	if !ok {
		lock = make(chan struct{}, 1)
		p.pivLocks[key] = lock
	}
	return lock
}

// parsePIVFragment reads the {whole_length, offset} header this
// panel's wire convention prefixes every PIV fragment payload with;
// the remaining bytes are the fragment itself.
func parsePIVFragment(payload []byte) (wholeLen, offset int, fragment []byte, err error) {
	if len(payload) < 4 {
		return 0, 0, nil, errShortPIVFragment
	}
	wholeLen = int(payload[0]) | int(payload[1])<<8
	offset = int(payload[2]) | int(payload[3])<<8
	return wholeLen, offset, payload[4:], nil
}

var errShortPIVFragment = errors.New("osdp: piv fragment header truncated")
