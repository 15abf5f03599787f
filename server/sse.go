package server

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"osdp-panel/osdp"
)

// sseEvent is one line of GET /api/buses/{id}/events.
type sseEvent struct {
	Event         string `json:"event"`
	Address       uint8  `json:"address"`
	PayloadHex    string `json:"payload_hex,omitempty"`
	Online        *bool  `json:"online,omitempty"`
	TransactionID uint64 `json:"transaction_id,omitempty"`
}

// replyTypesToStream is every ReplyType worth surfacing on the events
// stream; ReplyUnknown carries no useful information to a subscriber.
var replyTypesToStream = []osdp.ReplyType{
	osdp.ReplyAck, osdp.ReplyNak, osdp.ReplyIdReport, osdp.ReplyDeviceCapabilities,
	osdp.ReplyLocalStatus, osdp.ReplyInputStatus, osdp.ReplyOutputStatus,
	osdp.ReplyReaderStatus, osdp.ReplyRawCardData, osdp.ReplyManufacturerSpecific,
	osdp.ReplyExtendedRead, osdp.ReplyPIVData,
}

// handleBusEvents streams reply and online/offline transition events for
// one bus as Server-Sent Events, one JSON object per line.
func (s *Server) handleBusEvents(w http.ResponseWriter, r *http.Request) {
	connID, err := parseConnectionID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := s.cp.Roster(connID); err != nil {
		writeControlPanelError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", connID.String())
	flusher.Flush()

	ch := make(chan sseEvent, 64)

	unregisterStatus := s.cp.OnConnectionStatusChanged(func(ev osdp.ConnectionStatusChanged) {
		if ev.ConnectionID != connID {
			return
		}
		online := ev.Online
		select {
		case ch <- sseEvent{Event: "connection_status_changed", Address: uint8(ev.Address), Online: &online}:
		default:
		}
	})
	defer unregisterStatus()

	var unregisterReplies []func()
	for _, rt := range replyTypesToStream {
		rt := rt
		unregister := s.cp.OnReply(rt, func(reply *osdp.Reply) {
			if reply.ConnectionID != connID {
				return
			}
			select {
			case ch <- sseEvent{
				Event:         rt.String(),
				Address:       uint8(reply.Address),
				PayloadHex:    hex.EncodeToString(reply.Payload),
				TransactionID: reply.TransactionID,
			}:
			default:
			}
		})
		unregisterReplies = append(unregisterReplies, unregister)
	}
	defer func() {
		for _, unregister := range unregisterReplies {
			unregister()
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
