// Package transport implements the byte-oriented duplex Connection the
// Bus drives: a TCP-wrapped-serial gateway connection and a direct
// RS-485 serial connection.
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/daedaluz/goserial"
)

// ErrTimeout is returned by Read when no bytes arrived within the
// requested window.
var ErrTimeout = errors.New("osdp: transport: read timeout")

// Connection is the external byte-oriented duplex stream abstraction;
// the Bus never depends on anything beyond this interface.
type Connection interface {
	Open() error
	Close() error
	Read(buf []byte, timeout time.Duration) (n int, err error)
	Write(b []byte) error
	IsOpen() bool
}

// TCPConnection is a TCP-wrapped-serial gateway connection: a terminal
// server or USB-to-IP RS-485 bridge reachable over TCP.
type TCPConnection struct {
	addr string
	conn net.Conn
}

// NewTCPConnection builds a TCPConnection for the given host:port; it is
// not dialed until Open is called.
func NewTCPConnection(addr string) *TCPConnection {
	return &TCPConnection{addr: addr}
}

func (c *TCPConnection) Open() error {
	conn, err := net.DialTimeout("tcp", c.addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("osdp: dial %s: %w", c.addr, err)
	}
	c.conn = conn
	return nil
}

func (c *TCPConnection) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *TCPConnection) IsOpen() bool {
	return c.conn != nil
}

func (c *TCPConnection) Read(buf []byte, timeout time.Duration) (int, error) {
	if c.conn == nil {
		return 0, errors.New("osdp: connection not open")
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := c.conn.Read(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return n, ErrTimeout
		}
		return n, err
	}
	return n, nil
}

func (c *TCPConnection) Write(b []byte) error {
	if c.conn == nil {
		return errors.New("osdp: connection not open")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	_, err := c.conn.Write(b)
	return err
}

// baudFlags maps a configured integer baud rate to the CFlag termios
// constant goserial expects; unlisted rates fall back to B9600.
var baudFlags = map[int]serial.CFlag{
	9600:    serial.B9600,
	19200:   serial.B19200,
	38400:   serial.B38400,
	57600:   serial.B57600,
	115200:  serial.B115200,
	576000:  serial.B576000,
	1152000: serial.B1152000,
}

// SerialConnection drives a direct RS-485 port via goserial.
type SerialConnection struct {
	device   string
	baudRate int
	port     *serial.Port
}

// NewSerialConnection builds a SerialConnection for the given device
// node (e.g. "/dev/ttyUSB0") at baudRate; not opened until Open is called.
func NewSerialConnection(device string, baudRate int) *SerialConnection {
	return &SerialConnection{device: device, baudRate: baudRate}
}

func (c *SerialConnection) Open() error {
	port, err := serial.Open(c.device, serial.NewOptions())
	if err != nil {
		return fmt.Errorf("osdp: open serial %s: %w", c.device, err)
	}
	attrs, err := port.GetAttr()
	if err != nil {
		port.Close()
		return fmt.Errorf("osdp: get attrs %s: %w", c.device, err)
	}
	attrs.MakeRaw()
	flag, ok := baudFlags[c.baudRate]
	if !ok {
		flag = serial.B9600
	}
	attrs.SetSpeed(flag)
	if err := port.SetAttr(serial.TCSANOW, attrs); err != nil {
		port.Close()
		return fmt.Errorf("osdp: set attrs %s: %w", c.device, err)
	}
	c.port = port
	return nil
}

func (c *SerialConnection) Close() error {
	if c.port == nil {
		return nil
	}
	return c.port.Close()
}

func (c *SerialConnection) IsOpen() bool {
	return c.port != nil
}

func (c *SerialConnection) Read(buf []byte, timeout time.Duration) (int, error) {
	if c.port == nil {
		return 0, errors.New("osdp: connection not open")
	}
	n, err := c.port.ReadTimeout(buf, timeout)
	if err != nil {
		if errors.Is(err, serial.ErrClosed) {
			return n, err
		}
		// poll.WaitInput's timeout sentinel isn't exported by goserial;
		// any non-ErrClosed failure on a ReadTimeout call with no bytes
		// delivered is treated as a read timeout, matching how the Bus
		// poll loop distinguishes "device silent" from "port gone".
		if n == 0 {
			return 0, ErrTimeout
		}
		return n, err
	}
	return n, nil
}

func (c *SerialConnection) Write(b []byte) error {
	if c.port == nil {
		return errors.New("osdp: connection not open")
	}
	_, err := c.port.Write(b)
	return err
}
