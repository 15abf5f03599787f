package diagnostics

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/creack/pty"
	log "github.com/sirupsen/logrus"

	"osdp-panel/osdp"
	"osdp-panel/transport"
)

// readChunkSize mirrors bus's own read chunk size; the pass-through
// reads raw bytes off the Connection at the same granularity the poll
// loop would have.
const readChunkSize = 512

// readTimeout bounds each poll of the Connection while the
// pass-through owns it, so Detach can observe stopCh promptly instead
// of blocking in a Read call indefinitely.
const readTimeout = 200 * time.Millisecond

// Attachable is the narrow slice of bus.Bus a PassThrough needs:
// enough to take exclusive control of the wire and hand it back.
type Attachable interface {
	ID() osdp.ConnectionID
	Connection() transport.Connection
	Pause()
	Resume()
}

// attachment owns the pty and the two copy goroutines bridging it to
// a Bus's Connection.
type attachment struct {
	busConnID string
	bus       Attachable
	master    *os.File
	slave     *os.File
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// PassThrough bridges a Bus's Connection to a pty's master side,
// bypassing DeviceProxy framing entirely, so an external protocol
// analyzer (or the OSDP reference osdpctl-style CLI) can attach
// without stopping the panel process. Attaching pauses the Bus's poll
// loop (letting any in-flight cycle finish first); Detach resumes it.
type PassThrough struct {
	trace *TraceWriter

	mu     sync.Mutex
	active map[string]*attachment
}

// New builds a PassThrough that mirrors raw bytes through trace (which
// may be nil to disable trace recording).
func New(trace *TraceWriter) *PassThrough {
	return &PassThrough{trace: trace, active: make(map[string]*attachment)}
}

// Attach pauses b's poll loop, allocates a pty, and starts bridging
// raw bytes between the pty's master side and b's Connection. Returns
// the pty's slave device path (e.g. "/dev/pts/4") for the caller to
// hand to an external tool. Attaching an already-attached Bus is a
// no-op that returns the existing slave path.
func (p *PassThrough) Attach(b Attachable) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	connID := b.ID().String()
	if a, ok := p.active[connID]; ok {
		return a.slave.Name(), nil
	}

	master, slave, err := pty.Open()
	if err != nil {
		return "", fmt.Errorf("diagnostics: open pty: %w", err)
	}

	b.Pause()

	a := &attachment{
		busConnID: connID,
		bus:       b,
		master:    master,
		slave:     slave,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	p.active[connID] = a

	go p.run(a)

	log.WithField("connection_id", connID).WithField("pty", slave.Name()).
		Info("diagnostics: pass-through attached")
	return slave.Name(), nil
}

// run bridges master<->Connection until stopCh fires.
func (p *PassThrough) run(a *attachment) {
	defer close(a.doneCh)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); p.copyMasterToConn(a) }()
	go func() { defer wg.Done(); p.copyConnToMaster(a) }()
	wg.Wait()
}

func (p *PassThrough) copyMasterToConn(a *attachment) {
	buf := make([]byte, readChunkSize)
	for {
		select {
		case <-a.stopCh:
			return
		default:
		}
		n, err := a.master.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		p.recordTrace(a.busConnID, DirectionTX, data)
		if err := a.bus.Connection().Write(data); err != nil {
			log.WithError(err).WithField("connection_id", a.busConnID).
				Warn("diagnostics: pass-through write to bus failed")
		}
	}
}

func (p *PassThrough) copyConnToMaster(a *attachment) {
	buf := make([]byte, readChunkSize)
	for {
		select {
		case <-a.stopCh:
			return
		default:
		}
		n, err := a.bus.Connection().Read(buf, readTimeout)
		if err != nil {
			if err == transport.ErrTimeout {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		p.recordTrace(a.busConnID, DirectionRX, data)
		if _, err := a.master.Write(data); err != nil {
			// Nobody has the slave open; discard, matching the
			// teacher's "no one is listening" pseudo-terminal stance.
			continue
		}
	}
}

func (p *PassThrough) recordTrace(connID string, dir direction, data []byte) {
	if p.trace == nil {
		return
	}
	if err := p.trace.Record(connID, dir, data); err != nil {
		log.WithError(err).Warn("diagnostics: trace record failed")
	}
}

// Detach stops the bridge for connID, closes its pty, and resumes the
// Bus's poll loop. A no-op if connID has no active attachment.
func (p *PassThrough) Detach(connID string) {
	p.mu.Lock()
	a, ok := p.active[connID]
	if ok {
		delete(p.active, connID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	close(a.stopCh)
	a.master.Close()
	a.slave.Close()
	<-a.doneCh
	a.bus.Resume()

	log.WithField("connection_id", connID).Info("diagnostics: pass-through detached")
}

// IsAttached reports whether connID currently has an active
// pass-through attachment.
func (p *PassThrough) IsAttached(connID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[connID]
	return ok
}
