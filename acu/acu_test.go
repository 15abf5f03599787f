package acu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"osdp-panel/frame"
	"osdp-panel/osdp"
	"osdp-panel/panel"
	"osdp-panel/transport"
)

type scriptedConn struct {
	script func(f frame.Frame) []byte
	pending []byte
}

func (c *scriptedConn) Open() error  { return nil }
func (c *scriptedConn) Close() error { return nil }
func (c *scriptedConn) IsOpen() bool { return true }

func (c *scriptedConn) Write(b []byte) error {
	f, consumed, err := frame.Decode(b)
	if err != nil || consumed == 0 || f.Payload == nil {
		return nil
	}
	reply := c.script(f)
	c.pending = append(c.pending, reply...)
	return nil
}

func (c *scriptedConn) Read(buf []byte, timeout time.Duration) (int, error) {
	if len(c.pending) == 0 {
		time.Sleep(timeout)
		return 0, transport.ErrTimeout
	}
	n := copy(buf, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func TestIdReportRoundTrip(t *testing.T) {
	conn := &scriptedConn{}
	conn.script = func(f frame.Frame) []byte {
		if len(f.Payload) > 0 && f.Payload[0] == osdp.CodeIdReport {
			return frame.Encode(f.Address, f.Sequence, f.UseCRC, false, []byte{0x45, 'v', 'n', 'd'})
		}
		return frame.Encode(f.Address, f.Sequence, f.UseCRC, false, []byte{0x40})
	}

	cp := panel.New()
	defer cp.Shutdown()
	connID, err := cp.StartConnection(conn)
	require.NoError(t, err)
	require.NoError(t, cp.AddDevice(connID, 1, false, false, [16]byte{}))

	p := New(cp)
	reply, err := p.IdReport(connID, 1, nil)
	require.NoError(t, err)
	require.Equal(t, osdp.ReplyIdReport, reply.Type)
}

func TestOutputControlRoundTrip(t *testing.T) {
	conn := &scriptedConn{}
	conn.script = func(f frame.Frame) []byte {
		if len(f.Payload) > 0 && f.Payload[0] == osdp.CodeOutputControl {
			return frame.Encode(f.Address, f.Sequence, f.UseCRC, false, []byte{0x40})
		}
		return frame.Encode(f.Address, f.Sequence, f.UseCRC, false, []byte{0x40})
	}

	cp := panel.New()
	defer cp.Shutdown()
	connID, err := cp.StartConnection(conn)
	require.NoError(t, err)
	require.NoError(t, cp.AddDevice(connID, 2, false, false, [16]byte{}))

	p := New(cp)
	reply, err := p.OutputControl(connID, 2, 0, true, nil)
	require.NoError(t, err)
	require.Equal(t, osdp.ReplyAck, reply.Type)
}
