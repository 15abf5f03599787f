// Package osdp holds the shared data types of the ACU control panel:
// addresses, commands, replies, and the command/reply correlation table
// of §4.7, used by the bus, dispatch, reassembly, and panel packages.
package osdp

import (
	"github.com/google/uuid"
)

// Address identifies a PD on a bus, 0-127. 0x7F is the configuration
// broadcast address.
type Address uint8

const BroadcastAddress Address = 0x7F

// ConnectionID is an opaque identifier for a Bus, stable for its lifetime.
type ConnectionID = uuid.UUID

// NewConnectionID generates a fresh ConnectionID.
func NewConnectionID() ConnectionID {
	return uuid.New()
}

// ReplyType tags the variant carried by a Reply.
type ReplyType int

const (
	ReplyUnknown ReplyType = iota
	ReplyAck
	ReplyNak
	ReplyIdReport
	ReplyDeviceCapabilities
	ReplyLocalStatus
	ReplyInputStatus
	ReplyOutputStatus
	ReplyReaderStatus
	ReplyRawCardData
	ReplyManufacturerSpecific
	ReplyExtendedRead
	ReplyPIVData
)

func (t ReplyType) String() string {
	switch t {
	case ReplyAck:
		return "Ack"
	case ReplyNak:
		return "Nak"
	case ReplyIdReport:
		return "IdReport"
	case ReplyDeviceCapabilities:
		return "DeviceCapabilities"
	case ReplyLocalStatus:
		return "LocalStatus"
	case ReplyInputStatus:
		return "InputStatus"
	case ReplyOutputStatus:
		return "OutputStatus"
	case ReplyReaderStatus:
		return "ReaderStatus"
	case ReplyRawCardData:
		return "RawCardData"
	case ReplyManufacturerSpecific:
		return "ManufacturerSpecific"
	case ReplyExtendedRead:
		return "ExtendedRead"
	case ReplyPIVData:
		return "PIVData"
	default:
		return "Unknown"
	}
}

// CommandCode identifies a command kind.
type CommandCode int

const (
	CommandUnknown CommandCode = iota
	CommandPoll                // synthetic keep-alive, never caller-enqueued
	CommandChallenge
	CommandServerCryptogram
	CommandIdReport
	CommandDeviceCapabilities
	CommandLocalStatusReport
	CommandInputStatusReport
	CommandOutputStatusReport
	CommandReaderStatusReport
	CommandOutputControl
	CommandReaderLedControl
	CommandBuzzerControl
	CommandTextOutput
	CommandCommConfig
	CommandManufacturerSpecific
	CommandExtendedWrite
	CommandGetPIVData
)

func (c CommandCode) String() string {
	switch c {
	case CommandPoll:
		return "Poll"
	case CommandChallenge:
		return "Challenge"
	case CommandServerCryptogram:
		return "ServerCryptogram"
	case CommandIdReport:
		return "IdReport"
	case CommandDeviceCapabilities:
		return "DeviceCapabilities"
	case CommandLocalStatusReport:
		return "LocalStatusReport"
	case CommandInputStatusReport:
		return "InputStatusReport"
	case CommandOutputStatusReport:
		return "OutputStatusReport"
	case CommandReaderStatusReport:
		return "ReaderStatusReport"
	case CommandOutputControl:
		return "OutputControl"
	case CommandReaderLedControl:
		return "ReaderLedControl"
	case CommandBuzzerControl:
		return "BuzzerControl"
	case CommandTextOutput:
		return "TextOutput"
	case CommandCommConfig:
		return "CommConfig"
	case CommandManufacturerSpecific:
		return "ManufacturerSpecific"
	case CommandExtendedWrite:
		return "ExtendedWrite"
	case CommandGetPIVData:
		return "GetPIVData"
	default:
		return "Unknown"
	}
}

// EncodeContext is what a Command.Encode needs from its owning
// DeviceProxy to produce wire bytes: the outbound sequence number, the
// device's framing choice, and — when secure — the established session
// for MAC/encryption.
type EncodeContext struct {
	Sequence uint8
	UseCRC   bool
	Secure   SecureEncoder
}

// SecureEncoder is the narrow secure-channel capability a Command needs;
// satisfied by *securechannel.Session. Kept as an interface here so this
// package does not depend on securechannel's concrete type, avoiding an
// import cycle (securechannel has no reason to import osdp).
type SecureEncoder interface {
	Encrypt(plaintext []byte) ([]byte, error)
	MAC(data []byte) ([]byte, error)
}

// Command is an immutable, queueable unit of outbound work.
type Command struct {
	Address       Address
	Code          CommandCode
	TransactionID uint64
	Encode        func(ctx EncodeContext) []byte
}

// Reply is what the Bus emits to the dispatcher for every decoded
// exchange that produced application-level data; a timed-out exchange
// produces no Reply.
type Reply struct {
	ConnectionID       ConnectionID
	Address            Address
	Type               ReplyType
	IssuingCommandCode CommandCode
	Payload            []byte
	Sequence           uint8

	// TransactionID is the Command's transaction id when this Reply
	// completes a caller-issued command (Delivered); zero for
	// Unsolicited replies (e.g. POLL responses carrying card data).
	TransactionID uint64
}

// ConnectionStatusChanged is emitted when a device's online status flips.
type ConnectionStatusChanged struct {
	ConnectionID ConnectionID
	Address      Address
	Online       bool
}

// acceptableReplies is the §4.7 command/reply correlation table.
var acceptableReplies = map[CommandCode][]ReplyType{
	CommandIdReport:             {ReplyIdReport, ReplyNak},
	CommandDeviceCapabilities:   {ReplyDeviceCapabilities, ReplyNak},
	CommandLocalStatusReport:    {ReplyLocalStatus, ReplyNak},
	CommandInputStatusReport:    {ReplyInputStatus, ReplyNak},
	CommandOutputStatusReport:   {ReplyOutputStatus, ReplyNak},
	CommandReaderStatusReport:   {ReplyReaderStatus, ReplyNak},
	CommandOutputControl:        {ReplyOutputStatus, ReplyAck, ReplyNak},
	CommandReaderLedControl:     {ReplyAck, ReplyNak},
	CommandBuzzerControl:        {ReplyAck, ReplyNak},
	CommandTextOutput:           {ReplyAck, ReplyNak},
	CommandCommConfig:           {ReplyAck, ReplyNak},
	CommandManufacturerSpecific: {ReplyManufacturerSpecific, ReplyAck, ReplyNak},
	CommandExtendedWrite:        {ReplyExtendedRead, ReplyAck, ReplyNak},
	CommandGetPIVData:           {ReplyPIVData, ReplyNak},
}

// Matches reports whether replyType is an acceptable reply for a command
// of the given code, per §4.7's table.
func Matches(code CommandCode, replyType ReplyType) bool {
	for _, t := range acceptableReplies[code] {
		if t == replyType {
			return true
		}
	}
	return false
}
