// Command osdp-panel runs the OSDP access-control panel: it loads a
// bus/device configuration, starts a poll loop per configured bus,
// keeps the device roster in sync with a hot-reloadable roster file,
// and serves the HTTP façade. Wiring follows the teacher's main.go —
// signal-driven context cancellation, deferred component shutdown, one
// Run(ctx) call blocking until shutdown — generalized from one
// BMH-backed server scanner to one YAML bus/device configuration plus
// an optional hot-reloadable roster.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"osdp-panel/config"
	"osdp-panel/diagnostics"
	"osdp-panel/discovery"
	"osdp-panel/eventbridge"
	"osdp-panel/metrics"
	"osdp-panel/osdp"
	"osdp-panel/panel"
	"osdp-panel/relay"
	"osdp-panel/server"
	"osdp-panel/transport"
)

// Version info - increment based on change magnitude:
// Major (x.0.0): Breaking changes, major rewrites
// Minor (0.y.0): New features, significant enhancements
// Patch (0.0.z): Bug fixes, minor improvements
var Version = "0.1.0"

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "Path to config file")
	help := pflag.Bool("help", false, "Display help text.")
	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if level, err := log.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(level)
	}
	if cfg.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}

	log.Infof("Starting osdp-panel v%s", Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Shutting down...")
		cancel()
	}()

	metricsRegistry := metrics.New()

	cp := panel.New()
	cp.SetMetrics(metricsRegistry)
	defer cp.Shutdown()

	connIDByBusName := make(map[string]string)

	for _, busCfg := range cfg.Buses {
		conn, err := buildTransport(busCfg.Transport)
		if err != nil {
			log.WithError(err).WithField("bus", busCfg.Name).Fatal("osdp-panel: build transport failed")
		}
		connID, err := cp.StartConnection(conn)
		if err != nil {
			log.WithError(err).WithField("bus", busCfg.Name).Fatal("osdp-panel: start connection failed")
		}
		connIDByBusName[busCfg.Name] = connID.String()
		log.WithField("bus", busCfg.Name).WithField("connection_id", connID.String()).Info("osdp-panel: bus started")

		for _, dev := range busCfg.Devices {
			key, err := dev.Key()
			if err != nil {
				log.WithError(err).WithField("bus", busCfg.Name).Fatal("osdp-panel: bad device key")
			}
			if err := cp.AddDevice(connID, osdp.Address(dev.Address), dev.UseCRC, dev.UseSecureChannel, key); err != nil {
				log.WithError(err).WithField("address", dev.Address).Fatal("osdp-panel: add device failed")
			}
		}
	}

	var roster *discovery.Roster
	if cfg.Discovery.RosterPath != "" {
		roster = discovery.NewRoster(cfg.Discovery.RosterPath, cfg.Discovery.PollInterval,
			func(bus string, address osdp.Address, useCRC, useSecureChannel bool, key [16]byte) error {
				connID, ok := connIDByBusName[bus]
				if !ok {
					return fmt.Errorf("osdp-panel: unknown bus %q in roster", bus)
				}
				id, err := parseConnID(connID)
				if err != nil {
					return err
				}
				return cp.AddDevice(id, address, useCRC, useSecureChannel, key)
			},
			func(bus string, address osdp.Address) error {
				connID, ok := connIDByBusName[bus]
				if !ok {
					return fmt.Errorf("osdp-panel: unknown bus %q in roster", bus)
				}
				id, err := parseConnID(connID)
				if err != nil {
					return err
				}
				return cp.RemoveDevice(id, address)
			},
		)
		if err := roster.Start(); err != nil {
			log.WithError(err).Fatal("osdp-panel: start roster watch failed")
		}
		defer roster.Stop()
	}

	if cfg.MQTT.BrokerURL != "" {
		bridge, err := eventbridge.New(cfg.MQTT, cp)
		if err != nil {
			log.WithError(err).Warn("osdp-panel: mqtt event bridge disabled, connect failed")
		} else {
			defer bridge.Close()
			log.WithField("broker", cfg.MQTT.BrokerURL).Info("osdp-panel: mqtt event bridge connected")
		}
	}

	if len(cfg.Relay.Mirrors) > 0 {
		mirror := relay.New(cfg.Relay, connIDByBusName, cp)
		defer mirror.Close()
		log.WithField("mirrors", len(cfg.Relay.Mirrors)).Info("osdp-panel: gpio relay mirror active")
	}

	trace := diagnostics.NewTraceWriter("/var/lib/osdp-panel/trace", 7)
	defer trace.Close()
	passThrough := diagnostics.New(trace)

	for _, busName := range cfg.Diagnostics.AutoAttachBuses {
		connID, ok := connIDByBusName[busName]
		if !ok {
			log.WithField("bus", busName).Warn("osdp-panel: auto_attach_buses names unknown bus")
			continue
		}
		id, err := parseConnID(connID)
		if err != nil {
			continue
		}
		if b := cp.Bus(id); b != nil {
			if _, err := passThrough.Attach(b); err != nil {
				log.WithError(err).WithField("bus", busName).Warn("osdp-panel: auto-attach pass-through failed")
			}
		}
	}

	srv := server.New(cfg.Server.ListenAddress, cp, passThrough)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// buildTransport constructs the transport.Connection a BusConfig names.
func buildTransport(tc config.TransportConfig) (transport.Connection, error) {
	switch tc.Kind {
	case "serial":
		return transport.NewSerialConnection(tc.Device, tc.BaudRate), nil
	case "tcp":
		return transport.NewTCPConnection(tc.Address), nil
	default:
		return nil, fmt.Errorf("osdp-panel: unknown transport kind %q", tc.Kind)
	}
}

func parseConnID(s string) (osdp.ConnectionID, error) {
	return uuid.Parse(s)
}
