// Package acu is the thin, typed convenience layer over
// panel.ControlPanel: one method per OSDP application command, each
// building an osdp.Command with the right wire code byte and funnelling
// it through SendCommand/GetPIVData. Callers who need the raw
// Command/Reply shape can still use ControlPanel directly; acu exists so
// ordinary call sites read as "turn on output 2", not "build a Command
// with Code CommandOutputControl and an Encode closure".
package acu

import (
	"time"

	"osdp-panel/osdp"
	"osdp-panel/panel"
)

// Panel is the thin facade. It wraps a *panel.ControlPanel and supplies
// one method per application command.
type Panel struct {
	cp *panel.ControlPanel
}

// New wraps cp.
func New(cp *panel.ControlPanel) *Panel {
	return &Panel{cp: cp}
}

func simpleCommand(address osdp.Address, code osdp.CommandCode, wireCode byte, payload []byte) *osdp.Command {
	return &osdp.Command{
		Address: address,
		Code:    code,
		Encode: func(ctx osdp.EncodeContext) []byte {
			body := append([]byte{wireCode}, payload...)
			if ctx.Secure != nil {
				if enc, err := ctx.Secure.Encrypt(body); err == nil {
					return enc
				}
			}
			return body
		},
	}
}

// IdReport requests the PD's identification report.
func (p *Panel) IdReport(connID osdp.ConnectionID, address osdp.Address, cancel <-chan struct{}) (*osdp.Reply, error) {
	cmd := simpleCommand(address, osdp.CommandIdReport, osdp.CodeIdReport, nil)
	return p.cp.SendCommand(connID, cmd, cancel)
}

// DeviceCapabilities requests the PD's capability list.
func (p *Panel) DeviceCapabilities(connID osdp.ConnectionID, address osdp.Address, cancel <-chan struct{}) (*osdp.Reply, error) {
	cmd := simpleCommand(address, osdp.CommandDeviceCapabilities, osdp.CodeDeviceCapabilities, nil)
	return p.cp.SendCommand(connID, cmd, cancel)
}

// LocalStatusReport requests the PD's tamper/power status.
func (p *Panel) LocalStatusReport(connID osdp.ConnectionID, address osdp.Address, cancel <-chan struct{}) (*osdp.Reply, error) {
	cmd := simpleCommand(address, osdp.CommandLocalStatusReport, osdp.CodeLocalStatusReport, nil)
	return p.cp.SendCommand(connID, cmd, cancel)
}

// InputStatusReport requests the PD's input pin states.
func (p *Panel) InputStatusReport(connID osdp.ConnectionID, address osdp.Address, cancel <-chan struct{}) (*osdp.Reply, error) {
	cmd := simpleCommand(address, osdp.CommandInputStatusReport, osdp.CodeInputStatusReport, nil)
	return p.cp.SendCommand(connID, cmd, cancel)
}

// OutputStatusReport requests the PD's output pin states.
func (p *Panel) OutputStatusReport(connID osdp.ConnectionID, address osdp.Address, cancel <-chan struct{}) (*osdp.Reply, error) {
	cmd := simpleCommand(address, osdp.CommandOutputStatusReport, osdp.CodeOutputStatusReport, nil)
	return p.cp.SendCommand(connID, cmd, cancel)
}

// ReaderStatusReport requests the PD's reader status (tamper, presence).
func (p *Panel) ReaderStatusReport(connID osdp.ConnectionID, address osdp.Address, cancel <-chan struct{}) (*osdp.Reply, error) {
	cmd := simpleCommand(address, osdp.CommandReaderStatusReport, osdp.CodeReaderStatusReport, nil)
	return p.cp.SendCommand(connID, cmd, cancel)
}

// OutputControl drives output at the given index to on/off.
func (p *Panel) OutputControl(connID osdp.ConnectionID, address osdp.Address, output uint8, on bool, cancel <-chan struct{}) (*osdp.Reply, error) {
	state := byte(0)
	if on {
		state = 1
	}
	cmd := simpleCommand(address, osdp.CommandOutputControl, osdp.CodeOutputControl, []byte{output, state})
	return p.cp.SendCommand(connID, cmd, cancel)
}

// ReaderLedControl sets a reader LED's color/blink behavior; the
// permanent/temporary control-code bytes are left to the caller as an
// opaque payload, matching how the rest of a ReaderLedControl command's
// body is never interpreted above the wire boundary.
func (p *Panel) ReaderLedControl(connID osdp.ConnectionID, address osdp.Address, controlBytes []byte, cancel <-chan struct{}) (*osdp.Reply, error) {
	cmd := simpleCommand(address, osdp.CommandReaderLedControl, osdp.CodeReaderLedControl, controlBytes)
	return p.cp.SendCommand(connID, cmd, cancel)
}

// BuzzerControl drives a reader's buzzer.
func (p *Panel) BuzzerControl(connID osdp.ConnectionID, address osdp.Address, controlBytes []byte, cancel <-chan struct{}) (*osdp.Reply, error) {
	cmd := simpleCommand(address, osdp.CommandBuzzerControl, osdp.CodeBuzzerControl, controlBytes)
	return p.cp.SendCommand(connID, cmd, cancel)
}

// TextOutput writes a line of text to a reader's display.
func (p *Panel) TextOutput(connID osdp.ConnectionID, address osdp.Address, text string, cancel <-chan struct{}) (*osdp.Reply, error) {
	cmd := simpleCommand(address, osdp.CommandTextOutput, osdp.CodeTextOutput, []byte(text))
	return p.cp.SendCommand(connID, cmd, cancel)
}

// CommConfig reconfigures the PD's address or baud rate.
func (p *Panel) CommConfig(connID osdp.ConnectionID, address osdp.Address, newAddress osdp.Address, newBaudRate uint32, cancel <-chan struct{}) (*osdp.Reply, error) {
	payload := []byte{
		byte(newAddress),
		byte(newBaudRate), byte(newBaudRate >> 8), byte(newBaudRate >> 16), byte(newBaudRate >> 24),
	}
	cmd := simpleCommand(address, osdp.CommandCommConfig, osdp.CodeCommConfig, payload)
	return p.cp.SendCommand(connID, cmd, cancel)
}

// ManufacturerSpecific sends a vendor-defined command payload.
func (p *Panel) ManufacturerSpecific(connID osdp.ConnectionID, address osdp.Address, vendorPayload []byte, cancel <-chan struct{}) (*osdp.Reply, error) {
	cmd := simpleCommand(address, osdp.CommandManufacturerSpecific, osdp.CodeManufacturerSpecific, vendorPayload)
	return p.cp.SendCommand(connID, cmd, cancel)
}

// ExtendedWrite sends an extended-format write command.
func (p *Panel) ExtendedWrite(connID osdp.ConnectionID, address osdp.Address, payload []byte, cancel <-chan struct{}) (*osdp.Reply, error) {
	cmd := simpleCommand(address, osdp.CommandExtendedWrite, osdp.CodeExtendedWrite, payload)
	return p.cp.SendCommand(connID, cmd, cancel)
}

// DeviceCapabilities and friends above resolve with a single correlated
// reply; GetPIVData is the one multi-part exchange, so it keeps its own
// signature (selector, deadline) matching panel.ControlPanel.GetPIVData.

// GetPIVData fetches a PIV data object by selector, blocking until the
// full object is reassembled, cancel fires, or timeout elapses. A nil,
// nil return means the PD reported no such object (Nak).
func (p *Panel) GetPIVData(connID osdp.ConnectionID, address osdp.Address, selector byte, timeout time.Duration, cancel <-chan struct{}) ([]byte, error) {
	return p.cp.GetPIVData(connID, address, selector, timeout, cancel)
}

// IsOnline reports a device's current online/offline status.
func (p *Panel) IsOnline(connID osdp.ConnectionID, address osdp.Address) (bool, error) {
	return p.cp.IsOnline(connID, address)
}

// ResetDevice forces a device back to its initial state.
func (p *Panel) ResetDevice(connID osdp.ConnectionID, address osdp.Address) error {
	return p.cp.ResetDevice(connID, address)
}
