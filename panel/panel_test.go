package panel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"osdp-panel/frame"
	"osdp-panel/osdp"
	"osdp-panel/transport"
)

// scriptedConn answers each Write by decoding the frame and asking
// script for a canned reply; script may return nil for "no reply"
// (forcing a timeout).
type scriptedConn struct {
	mu      sync.Mutex
	pending []byte
	script  func(f frame.Frame) []byte
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
	if reply == nil {
		return nil
	}
	c.mu.Lock()
	c.pending = append(c.pending, reply...)
	c.mu.Unlock()
	return nil
}

func (c *scriptedConn) Read(buf []byte, timeout time.Duration) (int, error) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		time.Sleep(timeout)
		return 0, transport.ErrTimeout
	}
	n := copy(buf, c.pending)
	c.pending = c.pending[n:]
	c.mu.Unlock()
	return n, nil
}

func TestSendCommandUnknownConnection(t *testing.T) {
	p := New()
	defer p.Shutdown()

	_, err := p.SendCommand(osdp.NewConnectionID(), &osdp.Command{Address: 1, Code: osdp.CommandIdReport}, nil)
	require.Error(t, err)
	var unknown *UnknownConnectionError
	require.ErrorAs(t, err, &unknown)
}

func TestSendCommandUnknownDevice(t *testing.T) {
	p := New()
	defer p.Shutdown()

	connID, err := p.StartConnection(&scriptedConn{script: func(f frame.Frame) []byte { return nil }})
	require.NoError(t, err)

	_, err = p.SendCommand(connID, &osdp.Command{Address: 9, Code: osdp.CommandIdReport}, nil)
	require.Error(t, err)
	var unknown *UnknownDeviceError
	require.ErrorAs(t, err, &unknown)
}

func TestSendCommandIdReportResolves(t *testing.T) {
	conn := &scriptedConn{}
	conn.script = func(f frame.Frame) []byte {
		if len(f.Payload) == 0 {
			return nil
		}
		switch f.Payload[0] {
		case 0x61: // IdReport command code
			return frame.Encode(f.Address, f.Sequence, f.UseCRC, false, []byte{0x45, 'o', 'k'})
		default: // POLL
			return frame.Encode(f.Address, f.Sequence, f.UseCRC, false, []byte{0x40})
		}
	}

	p := New()
	defer p.Shutdown()
	connID, err := p.StartConnection(conn)
	require.NoError(t, err)
	require.NoError(t, p.AddDevice(connID, 1, false, false, [16]byte{}))

	cmd := &osdp.Command{
		Address: 1,
		Code:    osdp.CommandIdReport,
		Encode:  func(ctx osdp.EncodeContext) []byte { return []byte{0x61} },
	}
	reply, err := p.SendCommand(connID, cmd, nil)
	require.NoError(t, err)
	require.Equal(t, osdp.ReplyIdReport, reply.Type)
}

func TestGetPIVDataReassemblesFragments(t *testing.T) {
	whole := 300
	frag1 := make([]byte, 128)
	frag2 := make([]byte, 128)
	frag3 := make([]byte, 44)
	for i := range frag1 {
		frag1[i] = byte(i)
	}
	for i := range frag2 {
		frag2[i] = byte(128 + i)
	}
	for i := range frag3 {
		frag3[i] = byte(256 + i)
	}

	var sent int
	conn := &scriptedConn{}
	conn.script = func(f frame.Frame) []byte {
		if len(f.Payload) == 0 {
			return nil
		}
		if f.Payload[0] == 0x84 {
			sent++
			switch sent {
			case 1:
				return frame.Encode(f.Address, f.Sequence, f.UseCRC, false, pivPayload(whole, 0, frag1))
			}
		}
		return frame.Encode(f.Address, f.Sequence, f.UseCRC, false, []byte{0x40})
	}

	p := New()
	defer p.Shutdown()
	connID, err := p.StartConnection(conn)
	require.NoError(t, err)
	require.NoError(t, p.AddDevice(connID, 1, false, false, [16]byte{}))

	// Queue the remaining fragments out-of-band shortly after the call
	// starts, simulating the PD's follow-on continuation replies. They
	// can reach the bus before the scripted first fragment does, so the
	// fragments may be reassembled in any order.
	go func() {
		time.Sleep(10 * time.Millisecond)
		conn.mu.Lock()
		conn.pending = append(conn.pending, frame.Encode(1, 0, false, false, pivPayload(whole, 128, frag2))...)
		conn.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		conn.mu.Lock()
		conn.pending = append(conn.pending, frame.Encode(1, 0, false, false, pivPayload(whole, 256, frag3))...)
		conn.mu.Unlock()
	}()

	data, err := p.GetPIVData(connID, 1, 0x00, 5*time.Second, nil)
	require.NoError(t, err)
	require.Len(t, data, whole)
}

func pivPayload(whole, offset int, fragment []byte) []byte {
	out := []byte{0x72, byte(whole), byte(whole >> 8), byte(offset), byte(offset >> 8)}
	return append(out, fragment...)
}
