package server

import (
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var traceUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleBusTrace bridges the raw wire bytes of one bus to a websocket
// client via diagnostics.PassThrough's pty: the bus is paused and its
// Connection's bytes are mirrored onto the pty's master side, and this
// handler is the pty's "other end", pumping the slave file against the
// upgraded websocket connection.
func (s *Server) handleBusTrace(w http.ResponseWriter, r *http.Request) {
	if s.passThrough == nil {
		http.Error(w, "diagnostics pass-through disabled", http.StatusServiceUnavailable)
		return
	}
	connID, err := parseConnectionID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b := s.cp.Bus(connID)
	if b == nil {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}

	slavePath, err := s.passThrough.Attach(b)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slave, err := os.OpenFile(slavePath, os.O_RDWR, 0)
	if err != nil {
		s.passThrough.Detach(connID.String())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer s.passThrough.Detach(connID.String())

	conn, err := traceUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slave.Close()
		log.WithError(err).Warn("server: trace websocket upgrade failed")
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, 512)
		for {
			n, err := slave.Read(buf)
			if err != nil {
				return
			}
			if n == 0 {
				continue
			}
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err = conn.WriteMessage(websocket.BinaryMessage, buf[:n])
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if _, err := slave.Write(data); err != nil {
			break
		}
	}
	// Unblock the reader goroutine's pending slave.Read before waiting
	// on it; os.File has no read deadline to race it down gracefully.
	slave.Close()
	<-done
}
