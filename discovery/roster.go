// Package discovery watches a local YAML device-roster file and keeps
// a ControlPanel's bus rosters in sync with it, so devices can be added
// or removed without a process restart. Ported from the teacher's
// Scanner (poll-then-diff against a BMH REST API, OnChange callback),
// generalized from "watch a Kubernetes API" to "watch a local file".
package discovery

import (
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"osdp-panel/osdp"
)

// RosterDevice is one entry of the on-disk roster document.
type RosterDevice struct {
	Bus              string `yaml:"bus"`
	Address          uint8  `yaml:"address"`
	UseCRC           bool   `yaml:"use_crc"`
	UseSecureChannel bool   `yaml:"use_secure_channel"`
	SecureKeyHex     string `yaml:"secure_key"`
}

type rosterDoc struct {
	Devices []RosterDevice `yaml:"devices"`
}

type rosterKey struct {
	Bus     string
	Address uint8
}

// AddFunc and RemoveFunc are the ControlPanel operations Roster drives.
type AddFunc func(bus string, address osdp.Address, useCRC, useSecureChannel bool, key [16]byte) error
type RemoveFunc func(bus string, address osdp.Address) error

// Roster polls a YAML file for the panel's device list and calls back
// into a ControlPanel-shaped add/remove pair on every diff.
type Roster struct {
	path         string
	pollInterval time.Duration
	add          AddFunc
	remove       RemoveFunc

	mu      sync.Mutex
	current map[rosterKey]RosterDevice

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRoster builds a Roster that will diff path's contents against its
// previous read every pollInterval, calling add/remove as entries
// appear, change, or disappear.
func NewRoster(path string, pollInterval time.Duration, add AddFunc, remove RemoveFunc) *Roster {
	return &Roster{
		path:         path,
		pollInterval: pollInterval,
		add:          add,
		remove:       remove,
		current:      make(map[rosterKey]RosterDevice),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start loads the roster once synchronously, then spawns the poll loop.
func (r *Roster) Start() error {
	r.refresh()
	go r.run()
	return nil
}

// Stop halts the poll loop.
func (r *Roster) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Roster) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.refresh()
		}
	}
}

// refresh reads the roster file, diffs it against the last-applied
// state, and calls add/remove for whatever changed. An unreadable or
// unparseable file is logged and otherwise ignored, and a missing file
// is ignored without logging — in every case the last-known
// roster stays in effect, matching the teacher's fetchBMH behavior of
// leaving existing servers alone on a fetch error.
func (r *Roster) refresh() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).WithField("path", r.path).Warn("discovery: read roster failed")
		}
		return
	}

	var doc rosterDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		log.WithError(err).WithField("path", r.path).Warn("discovery: parse roster failed")
		return
	}

	next := make(map[rosterKey]RosterDevice, len(doc.Devices))
	for _, d := range doc.Devices {
		next[rosterKey{Bus: d.Bus, Address: d.Address}] = d
	}

	r.mu.Lock()
	prev := r.current
	r.current = next
	r.mu.Unlock()

	for key, d := range next {
		old, existed := prev[key]
		if !existed || old != d {
			var key16 [16]byte
			if d.SecureKeyHex != "" {
				if err := decodeHexKey(d.SecureKeyHex, &key16); err != nil {
					log.WithError(err).WithField("address", d.Address).Warn("discovery: bad secure_key, skipping device")
					continue
				}
			}
			if err := r.add(d.Bus, osdp.Address(d.Address), d.UseCRC, d.UseSecureChannel, key16); err != nil {
				log.WithError(err).WithField("address", d.Address).Warn("discovery: add device failed")
			} else {
				log.WithField("address", d.Address).WithField("bus", d.Bus).Info("discovery: device added")
			}
		}
	}

	for key := range prev {
		if _, stillPresent := next[key]; !stillPresent {
			if err := r.remove(key.Bus, osdp.Address(key.Address)); err != nil {
				log.WithError(err).WithField("address", key.Address).Warn("discovery: remove device failed")
			} else {
				log.WithField("address", key.Address).WithField("bus", key.Bus).Info("discovery: device removed")
			}
		}
	}
}

func decodeHexKey(s string, out *[16]byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("discovery: decode secure_key: %w", err)
	}
	if len(raw) != len(out) {
		return fmt.Errorf("discovery: secure_key must be %d bytes, got %d", len(out), len(raw))
	}
	copy(out[:], raw)
	return nil
}
