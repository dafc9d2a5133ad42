// Command intouch-sim is a standalone in.touch spa simulator.
//
// This command runs a simulated spa on the LAN for developing and
// testing clients without hardware:
//   - Answers discovery probes and advertises over mDNS
//   - Speaks the full session protocol (handshake, pings, commands)
//   - Optionally drifts the water temperature toward the setpoint
//
// Usage:
//
//	intouch-sim [flags]
//
// Flags:
//
//	-identifier string  Spa identifier (default "SPA01:02:03:04:05:06")
//	-name string        Advertised spa name (default "Simulated Spa")
//	-address string     Listen address (default ":10022")
//	-temp float         Initial water temperature in °C (default 37)
//	-mdns               Advertise over mDNS (default true)
//	-interface string   Restrict mDNS to one network interface
//	-simulate           Drift the water temperature toward the setpoint (default true)
//	-log-level string   Log level: debug, info, warn, error (default "info")
//
// Examples:
//
//	# Run a spa on the default port
//	intouch-sim
//
//	# Run two spas side by side
//	intouch-sim -identifier SPA01:02:03:04:05:06 -address :10022
//	intouch-sim -identifier SPA07:08:09:0A:0B:0C -address :10023 -name "Patio Spa"
//
//	# Quiet spa without simulation
//	intouch-sim -simulate=false -mdns=false
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/intouch-home/intouch-go/internal/simulator"
	"github.com/intouch-home/intouch-go/pkg/wire"
)

// Config holds the simulator configuration.
type Config struct {
	Identifier string
	Name       string
	Address    string
	Temp       float64
	MDNS       bool
	Interface  string
	Simulate   bool
	LogLevel   string
}

var config Config

func init() {
	flag.StringVar(&config.Identifier, "identifier", "SPA01:02:03:04:05:06", "Spa identifier")
	flag.StringVar(&config.Name, "name", "Simulated Spa", "Advertised spa name")
	flag.StringVar(&config.Address, "address", ":10022", "Listen address")
	flag.Float64Var(&config.Temp, "temp", 37.0, "Initial water temperature in °C")
	flag.BoolVar(&config.MDNS, "mdns", true, "Advertise over mDNS")
	flag.StringVar(&config.Interface, "interface", "", "Restrict mDNS to one network interface")
	flag.BoolVar(&config.Simulate, "simulate", true, "Drift the water temperature toward the setpoint")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

func main() {
	flag.Parse()

	setupLogging(config.LogLevel)

	log.Println("in.touch Spa Simulator")
	log.Println("======================")
	log.Printf("Identifier: %s", config.Identifier)
	log.Printf("Name: %s", config.Name)

	if config.Identifier == "" {
		log.Fatal("Identifier must not be empty")
	}

	simConfig := simulator.Config{
		Identifier: config.Identifier,
		Name:       config.Name,
		Address:    config.Address,
		Advertise:  config.MDNS,
		Interface:  config.Interface,
	}
	if config.LogLevel == "debug" {
		simConfig.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}

	sim := simulator.New(simConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sim.Start(ctx); err != nil {
		log.Fatalf("Failed to start simulator: %v", err)
	}
	sim.SetAttribute(wire.AttrWaterTemp, wire.TempToTenths(config.Temp))

	log.Printf("Listening on %s", sim.Addr())
	if config.MDNS {
		log.Println("Advertising over mDNS")
	}

	if config.Simulate {
		go runSimulation(ctx, sim)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Printf("Received signal: %v", sig)

	log.Println("Shutting down...")
	cancel()
	sim.Stop()
	log.Println("Goodbye!")
}

func setupLogging(level string) {
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	switch level {
	case "debug":
		log.SetFlags(log.Ltime | log.Lmicroseconds | log.Lshortfile)
	case "warn", "error":
		log.SetFlags(log.Ltime)
	}
}

// runSimulation drifts the water temperature toward the setpoint, the
// way a heater would, and keeps the heating flag honest.
func runSimulation(ctx context.Context, sim *simulator.Simulator) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			water := sim.Attribute(wire.AttrWaterTemp)
			target := sim.Attribute(wire.AttrTargetTemp)
			heating := sim.Attribute(wire.AttrHeating)

			switch {
			case water < target:
				// Heat 0.2°C per tick, cap at the setpoint.
				water += 2
				if water > target {
					water = target
				}
				sim.SetAttribute(wire.AttrWaterTemp, water)
				if heating != 1 {
					sim.SetAttribute(wire.AttrHeating, 1)
					sim.SetStatusText("Heating")
				}

			case water > target:
				// Cool 0.1°C per tick.
				sim.SetAttribute(wire.AttrWaterTemp, water-1)
				if heating != 0 {
					sim.SetAttribute(wire.AttrHeating, 0)
					sim.SetStatusText("Cooling down")
				}

			default:
				if heating != 0 {
					sim.SetAttribute(wire.AttrHeating, 0)
					sim.SetStatusText("Ready")
				}
			}
		}
	}
}
