package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"osdp-panel/osdp"
	"osdp-panel/panel"
)

// busSummary is one entry of GET /api/buses.
type busSummary struct {
	ConnectionID string `json:"connection_id"`
	DeviceCount  int    `json:"device_count"`
}

func (s *Server) handleListBuses(w http.ResponseWriter, r *http.Request) {
	var out []busSummary
	for _, connID := range s.cp.Connections() {
		roster, err := s.cp.Roster(connID)
		if err != nil {
			continue
		}
		out = append(out, busSummary{ConnectionID: connID.String(), DeviceCount: len(roster)})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// deviceSummary is one entry of GET /api/buses/{id}/devices.
type deviceSummary struct {
	Address          uint8 `json:"address"`
	Online           bool  `json:"online"`
	UseSecureChannel bool  `json:"use_secure_channel"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	connID, err := parseConnectionID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	roster, err := s.cp.Roster(connID)
	if err != nil {
		writeControlPanelError(w, err)
		return
	}
	out := make([]deviceSummary, 0, len(roster))
	for _, entry := range roster {
		out = append(out, deviceSummary{
			Address:          uint8(entry.Address),
			Online:           entry.Online,
			UseSecureChannel: entry.UseSecureChannel,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// deviceStatus is the response body of GET .../devices/{address}/status.
type deviceStatus struct {
	Address uint8 `json:"address"`
	Online  bool  `json:"online"`
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	connID, err := parseConnectionID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	address, err := parseAddress(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	online, err := s.cp.IsOnline(connID, address)
	if err != nil {
		writeControlPanelError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(deviceStatus{Address: uint8(address), Online: online})
}

func (s *Server) handleResetDevice(w http.ResponseWriter, r *http.Request) {
	connID, err := parseConnectionID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	address, err := parseAddress(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.cp.ResetDevice(connID, address); err != nil {
		writeControlPanelError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func parseConnectionID(r *http.Request) (osdp.ConnectionID, error) {
	vars := mux.Vars(r)
	return uuid.Parse(vars["id"])
}

func parseAddress(r *http.Request) (osdp.Address, error) {
	vars := mux.Vars(r)
	n, err := strconv.ParseUint(vars["address"], 10, 8)
	if err != nil {
		return 0, err
	}
	return osdp.Address(n), nil
}

// writeControlPanelError translates panel's typed errors into HTTP
// status codes; anything else falls back to 500.
func writeControlPanelError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case *panel.UnknownConnectionError, *panel.UnknownDeviceError:
		http.Error(w, err.Error(), http.StatusNotFound)
	case *panel.TimeoutError:
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
