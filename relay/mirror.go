// Package relay optionally drives local GPIO lines so a physical
// fail-secure strike relay tracks a PD's reported output state
// independent of the host application. Built on
// github.com/warthog618/go-gpiocdev's RequestLine/SetValue API; no GPIO
// chip is opened unless at least one mirror is configured.
package relay

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
	log "github.com/sirupsen/logrus"

	"osdp-panel/config"
	"osdp-panel/osdp"
)

// Panel is the narrow slice of panel.ControlPanel a Mirror needs,
// kept as an interface so this package does not import panel.
type Panel interface {
	OnReply(replyType osdp.ReplyType, fn func(*osdp.Reply)) func()
}

type mirrorKey struct {
	Bus     string
	Address uint8
	Output  uint8
}

// line is the narrow GPIO capability a mirror needs; satisfied by
// *gpiocdev.Line, narrowed here so handleOutputStatus's unit tests can
// fake it.
type line interface {
	SetValue(int) error
	Close() error
}

// Mirror owns every opened GPIO line backing a configured output
// mirror and the ControlPanel listener that drives them.
type Mirror struct {
	mu    sync.Mutex
	lines map[mirrorKey]line

	unregister func()
}

// New opens a GPIO line for every configured mirror and subscribes to
// OutputStatus/OutputControl replies from panel. Mirrors whose chip or
// line cannot be opened are logged and skipped — never fatal to the
// rest of the panel. An empty cfg.Mirrors returns a Mirror that opens
// no GPIO chip and does nothing.
func New(cfg config.RelayConfig, connIDByBusName map[string]string, panel Panel) *Mirror {
	m := &Mirror{lines: make(map[mirrorKey]line)}

	for _, mc := range cfg.Mirrors {
		l, err := gpiocdev.RequestLine(mc.Chip, mc.Line, gpiocdev.AsOutput(0))
		if err != nil {
			log.WithError(err).WithField("chip", mc.Chip).WithField("line", mc.Line).
				Warn("relay: open line failed, mirror disabled")
			continue
		}
		key := mirrorKey{Bus: mc.BusName, Address: mc.Address, Output: mc.Output}
		m.lines[key] = l
	}

	m.unregister = panel.OnReply(osdp.ReplyOutputStatus, func(reply *osdp.Reply) {
		m.handleOutputStatus(connIDByBusName, reply)
	})

	return m
}

// handleOutputStatus decodes a flat per-output status bitmap (one byte
// per output: 0 = off, non-zero = on, matching OutputStatusReport's
// wire shape) and drives any GPIO line mirroring one of its outputs.
func (m *Mirror) handleOutputStatus(connIDByBusName map[string]string, reply *osdp.Reply) {
	busName := busNameForConnection(connIDByBusName, reply.ConnectionID.String())
	if busName == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for output, state := range reply.Payload {
		key := mirrorKey{Bus: busName, Address: uint8(reply.Address), Output: uint8(output)}
		l, ok := m.lines[key]
		if !ok {
			continue
		}
		value := 0
		if state != 0 {
			value = 1
		}
		if err := l.SetValue(value); err != nil {
			log.WithError(err).WithField("address", reply.Address).WithField("output", output).
				Warn("relay: set line value failed")
		}
	}
}

func busNameForConnection(connIDByBusName map[string]string, connID string) string {
	for name, id := range connIDByBusName {
		if id == connID {
			return name
		}
	}
	return ""
}

// Close unregisters the panel listener and releases every opened GPIO
// line.
func (m *Mirror) Close() error {
	if m.unregister != nil {
		m.unregister()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for key, l := range m.lines {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("relay: close line for %+v: %w", key, err)
		}
	}
	return firstErr
}
