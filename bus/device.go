package bus

import (
	"sync"
	"time"

	"osdp-panel/osdp"
	"osdp-panel/reassembly"
	"osdp-panel/securechannel"
)

// offlineThreshold is the consecutive-miss count (§4.3, §8.4) after
// which a device is declared offline.
const offlineThreshold = 5

// outcome tags what accepting a reply did to the device's pending
// command queue.
type outcome int

const (
	unsolicited outcome = iota
	delivered
)

// DeviceProxy holds one PD's framing choice, secure-channel state,
// command queue, and online/offline bookkeeping. It is owned
// exclusively by its Bus's poll loop except for Enqueue, which callers
// use from arbitrary goroutines.
type DeviceProxy struct {
	address          osdp.Address
	useCRC           bool
	useSecureChannel bool
	secureKey        [16]byte
	session          *securechannel.Session

	mu                sync.Mutex
	sequence          uint8
	queue             []*osdp.Command
	lastValidReplyAt  time.Time
	online            bool
	consecutiveMisses int

	multipartBuffers map[osdp.ReplyType]*reassembly.Buffer
}

// NewDeviceProxy creates a DeviceProxy for address. When
// useSecureChannel is true, key must be the 16-byte installation key.
func NewDeviceProxy(address osdp.Address, useCRC, useSecureChannel bool, key [16]byte) *DeviceProxy {
	d := &DeviceProxy{
		address:          address,
		useCRC:           useCRC,
		useSecureChannel: useSecureChannel,
		secureKey:        key,
		multipartBuffers: make(map[osdp.ReplyType]*reassembly.Buffer),
	}
	if useSecureChannel {
		d.session = securechannel.New(key)
	}
	return d
}

func (d *DeviceProxy) Address() osdp.Address { return d.address }

// UsesSecureChannel reports whether this device was configured to
// negotiate a secure channel session.
func (d *DeviceProxy) UsesSecureChannel() bool { return d.useSecureChannel }

// IsOnline reports the device's current online/offline status.
func (d *DeviceProxy) IsOnline() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online
}

// Enqueue appends command to the device's FIFO command queue.
func (d *DeviceProxy) Enqueue(cmd *osdp.Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, cmd)
}

// Reset forces the device back to a fresh, offline, unauthenticated
// state: sequence zeroed, queue cleared, secure session torn down.
func (d *DeviceProxy) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.online = false
	d.sequence = 0
	d.consecutiveMisses = 0
	d.queue = nil
	d.multipartBuffers = make(map[osdp.ReplyType]*reassembly.Buffer)
	if d.session != nil {
		d.session.Zeroise()
	}
}

// outboundFrame is what NextOutbound hands the Bus to transmit: the
// raw application payload (already secure-channel-wrapped when
// applicable) plus the framing parameters to encode it with.
type outboundFrame struct {
	payload       []byte
	code          osdp.CommandCode
	transactionID uint64
	sequence      uint8
	secure        bool
}

// NextOutbound selects the next frame to send, in priority order:
// pending secure-channel establishment, then the head of the command
// queue, then a synthetic POLL. Secure-channel traffic pre-empts
// application traffic (§4.3).
func (d *DeviceProxy) NextOutbound() outboundFrame {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.useSecureChannel && d.session.State() != securechannel.Established {
		return d.nextSecureEstablishmentFrame()
	}

	if len(d.queue) > 0 {
		cmd := d.queue[0]
		ctx := osdp.EncodeContext{Sequence: d.sequence, UseCRC: d.useCRC}
		if d.useSecureChannel {
			ctx.Secure = d.session
		}
		return outboundFrame{
			payload:       cmd.Encode(ctx),
			code:          cmd.Code,
			transactionID: cmd.TransactionID,
			sequence:      d.sequence,
			secure:        d.useSecureChannel,
		}
	}

	secure := d.useSecureChannel && d.session.State() == securechannel.Established
	return outboundFrame{payload: []byte{codePollByte}, code: osdp.CommandPoll, sequence: d.sequence, secure: secure}
}

const codePollByte = 0x60

func (d *DeviceProxy) nextSecureEstablishmentFrame() outboundFrame {
	switch d.session.State() {
	case securechannel.Broken:
		// A broken session restarts the handshake from None.
		d.session.Reset()
		fallthrough
	case securechannel.None:
		challenge, err := d.session.BeginChallenge()
		if err != nil {
			return outboundFrame{payload: []byte{codePollByte}, code: osdp.CommandPoll, sequence: d.sequence}
		}
		return outboundFrame{payload: append([]byte{0x76}, challenge...), code: osdp.CommandChallenge, sequence: d.sequence}
	default:
		// ChallengeSent is waiting on the PD's cryptogram reply;
		// ServerCryptogramSent is waiting on its establish ACK. Both
		// are driven forward from AcceptReply, not by re-sending here.
		return outboundFrame{payload: []byte{codePollByte}, code: osdp.CommandPoll, sequence: d.sequence}
	}
}

// AcceptReply decodes and correlates an inbound frame's payload
// against this device's outbound sequence and pending command queue.
// It returns the decoded Reply and whether it Delivered (matched the
// head of the queue per §4.7) or was Unsolicited.
func (d *DeviceProxy) AcceptReply(connID osdp.ConnectionID, payload []byte, seq uint8) (*osdp.Reply, outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(payload) == 0 {
		return nil, unsolicited, errBadReply("empty reply payload")
	}

	applicationPayload := payload[1:]
	if d.useSecureChannel && d.session.State() == securechannel.Established && len(applicationPayload) > 0 {
		decrypted, err := d.session.Decrypt(applicationPayload)
		if err == nil {
			applicationPayload = decrypted
		}
	}

	replyType := d.handleSecureHandshakeReply(payload[0], applicationPayload)

	reply := &osdp.Reply{
		ConnectionID: connID,
		Address:      d.address,
		Type:         replyType,
		Payload:      applicationPayload,
		Sequence:     seq,
	}

	if seq != d.sequence {
		// Stray/duplicate frame for a sequence we've already advanced
		// past (or not yet reached); do not advance, do not correlate.
		return reply, unsolicited, nil
	}
	d.sequence = (d.sequence + 1) & 0x03
	d.lastValidReplyAt = time.Now()
	d.consecutiveMisses = 0

	if len(d.queue) > 0 {
		head := d.queue[0]
		reply.IssuingCommandCode = head.Code
		if osdp.Matches(head.Code, replyType) {
			d.queue = d.queue[1:]
			reply.TransactionID = head.TransactionID
			return reply, delivered, nil
		}
	}

	return reply, unsolicited, nil
}

// handleSecureHandshakeReply intercepts the secure-channel cryptogram
// exchange (which is protocol-internal, not a caller-visible Reply)
// and drives the session state machine forward; it returns the
// ReplyType the caller-visible Reply should carry (ReplyUnknown for
// handshake traffic that produced no application reply).
func (d *DeviceProxy) handleSecureHandshakeReply(code byte, payload []byte) osdp.ReplyType {
	if !d.useSecureChannel {
		return osdp.ReplyTypeFromCode(code)
	}
	switch d.session.State() {
	case securechannel.ChallengeSent:
		if len(payload) >= 16 {
			pdChallenge := payload[:8]
			pdCryptogram := payload[8:16]
			d.session.AcceptPDCryptogram(pdChallenge, pdCryptogram)
		}
		return osdp.ReplyUnknown
	case securechannel.ServerCryptogramSent:
		if code == codeAckByte {
			d.session.AcceptEstablishACK()
		}
		return osdp.ReplyUnknown
	default:
		return osdp.ReplyTypeFromCode(code)
	}
}

const codeAckByte = 0x40

// OnTimeout records a missed exchange; after offlineThreshold
// consecutive misses it marks the device offline, breaks its secure
// session (forcing a fresh handshake from None), and returns whether
// the online flag transitioned.
func (d *DeviceProxy) OnTimeout() (transitioned bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.consecutiveMisses++
	wasOnline := d.online
	if d.consecutiveMisses >= offlineThreshold && d.online {
		d.online = false
		if d.session != nil {
			d.session.Break()
		}
	}
	return wasOnline != d.online
}

// MarkOnline is called by the Bus on the first successful exchange
// following a poll cycle, transitioning offline->online immediately
// (§8.4: "offline->online after 1 successful reply").
func (d *DeviceProxy) MarkOnline() (transitioned bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	wasOnline := d.online
	d.online = true
	return wasOnline != d.online
}

// GetOrCreateReassemblyBuffer returns the in-progress reassembly
// buffer for replyType, creating one sized wholeLength if absent.
func (d *DeviceProxy) GetOrCreateReassemblyBuffer(replyType osdp.ReplyType, wholeLength int) *reassembly.Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.multipartBuffers[replyType]
	if !ok {
		buf = reassembly.New(wholeLength)
		d.multipartBuffers[replyType] = buf
	}
	return buf
}

// ReleaseReassemblyBuffer discards the in-progress buffer for
// replyType, called once its reassembly completes.
func (d *DeviceProxy) ReleaseReassemblyBuffer(replyType osdp.ReplyType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.multipartBuffers, replyType)
}

type badReplyError string

func errBadReply(reason string) error { return badReplyError(reason) }
func (e badReplyError) Error() string { return "osdp: bad reply: " + string(e) }
