// Package interactive provides the interactive command-line interface
// for the in.touch shell.
package interactive

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/intouch-home/intouch-go/pkg/facade"
	"github.com/intouch-home/intouch-go/pkg/spaman"
	"github.com/intouch-home/intouch-go/pkg/wire"
)

// ShellConfig provides configuration information to the interactive
// shell. This interface allows the interactive layer to access shell
// settings without depending on the main package's config structure.
type ShellConfig interface {
	// ClientUUID returns the client identity in use.
	ClientUUID() string
}

// Shell handles interactive mode for intouch-shell.
type Shell struct {
	mgr    *spaman.Manager
	config ShellConfig
	rl     *readline.Instance

	// Live status display
	mu       sync.Mutex
	watching bool
	watched  *facade.Facade
}

// New creates a new interactive shell handler.
func New(mgr *spaman.Manager, cfg ShellConfig) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "intouch> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	return &Shell{
		mgr:    mgr,
		config: cfg,
		rl:     rl,
	}, nil
}

// Stdout returns a writer that properly coordinates with the readline
// input. Use this for log output to avoid interfering with the command
// prompt.
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Stderr returns a writer that properly coordinates with the readline input.
func (s *Shell) Stderr() io.Writer {
	return s.rl.Stderr()
}

// Run starts the interactive command loop.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			s.printHelp()

		case "locate", "discover":
			s.cmdLocate(ctx, args)

		case "spas", "list", "ls":
			s.cmdSpas()

		case "connect":
			s.cmdConnect(ctx, args)

		case "status":
			s.cmdStatus()

		case "set-temp", "temp":
			s.cmdSetTemp(ctx, args)

		case "pump":
			s.cmdPump(ctx, args)

		case "light":
			s.cmdLight(ctx, args)

		case "watercare", "wc":
			s.cmdWatercare(ctx, args)

		case "refresh":
			s.cmdRefresh(ctx)

		case "watch":
			s.cmdWatch(args)

		case "reset":
			s.cmdReset(ctx)

		case "info":
			s.cmdInfo()

		case "quit", "exit", "q":
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(s.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.rl.Stdout(), `
in.touch Shell Commands:
  Discovery & Connection:
    locate [identifier]      - Discover spas on the network
    spas                     - List discovered spas
    connect <identifier>     - Connect to a spa by identifier
    reset                    - Drop the connection and start over

  Control:
    status                   - Show manager and spa status
    set-temp <deg-c>         - Set the target water temperature
    pump <n> <off|low|high>  - Set pump 1-3 speed
    light <on|off>           - Switch the spa light
    watercare [mode 0-4]     - Show or set the watercare mode
    refresh                  - Re-request the full status snapshot
    watch [on|off]           - Print live status updates

  General:
    info                     - Show client configuration
    help                     - Show this help
    quit                     - Exit the shell`)
}

// cmdLocate handles the locate command.
func (s *Shell) cmdLocate(ctx context.Context, args []string) {
	identifier := ""
	if len(args) > 0 {
		identifier = args[0]
	}

	fmt.Fprintln(s.rl.Stdout(), "Locating spas...")
	spas, err := s.mgr.LocateSpas(ctx, s.mgr.SpaAddress(), identifier)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Discovery error: %v\n", err)
		return
	}
	if len(spas) == 0 {
		fmt.Fprintln(s.rl.Stdout(), "No spas found")
		return
	}

	fmt.Fprintf(s.rl.Stdout(), "Found %d spa(s):\n", len(spas))
	for idx, d := range spas {
		fmt.Fprintf(s.rl.Stdout(), "  %d. %s (%s) at %s\n", idx+1, d.Name, d.Identifier, d.Address)
	}
}

// cmdSpas handles the spas/list command.
func (s *Shell) cmdSpas() {
	spas := s.mgr.Descriptors()
	if len(spas) == 0 {
		fmt.Fprintln(s.rl.Stdout(), "No spas discovered (use 'locate')")
		return
	}

	fmt.Fprintf(s.rl.Stdout(), "\nDiscovered Spas (%d):\n", len(spas))
	fmt.Fprintln(s.rl.Stdout(), "-------------------------------------------")
	for _, d := range spas {
		fmt.Fprintf(s.rl.Stdout(), "  ID: %s\n", d.Identifier)
		fmt.Fprintf(s.rl.Stdout(), "      Name: %s\n", d.Name)
		fmt.Fprintf(s.rl.Stdout(), "      Address: %s\n", d.Address)
		if d.Version != "" {
			fmt.Fprintf(s.rl.Stdout(), "      Version: %s\n", d.Version)
		}
		fmt.Fprintln(s.rl.Stdout())
	}
}

// cmdConnect handles the connect command.
func (s *Shell) cmdConnect(ctx context.Context, args []string) {
	if s.mgr.Facade() != nil {
		fmt.Fprintln(s.rl.Stdout(), "Already connected (use 'reset' first)")
		return
	}

	identifier := ""
	if len(args) > 0 {
		identifier = args[0]
	} else {
		// Fall back to the sole discovered spa, if there is exactly one.
		spas := s.mgr.Descriptors()
		if len(spas) == 1 {
			identifier = spas[0].Identifier
		}
	}
	if identifier == "" {
		fmt.Fprintln(s.rl.Stdout(), "Usage: connect <identifier>")
		fmt.Fprintln(s.rl.Stdout(), "  Use 'locate' to list identifiers")
		return
	}

	// A previously discovered spa connects directly; anything else is a
	// fresh locate-and-connect round.
	for _, d := range s.mgr.Descriptors() {
		if d.Identifier == identifier {
			fmt.Fprintf(s.rl.Stdout(), "Connecting to %s at %s...\n", d.Identifier, d.Address)
			fac, err := s.mgr.ConnectToSpa(ctx, d)
			s.reportConnect(ctx, fac, err, identifier)
			return
		}
	}

	fmt.Fprintf(s.rl.Stdout(), "Locating %s...\n", identifier)
	fac, err := s.mgr.Connect(ctx, identifier, s.mgr.SpaAddress())
	s.reportConnect(ctx, fac, err, identifier)
}

func (s *Shell) reportConnect(ctx context.Context, fac *facade.Facade, err error, identifier string) {
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Connect failed: %v\n", err)
		return
	}
	if fac == nil {
		fmt.Fprintf(s.rl.Stdout(), "Spa not found: %s (state: %s)\n", identifier, s.mgr.State())
		return
	}

	fmt.Fprintf(s.rl.Stdout(), "Connected to %s (%s, firmware %s)\n", fac.Name(), fac.Identifier(), fac.Version())

	select {
	case <-fac.Ready():
		fmt.Fprintf(s.rl.Stdout(), "Water %.1f°C, target %.1f°C\n", fac.WaterTemp(), fac.TargetTemp())
	case <-time.After(5 * time.Second):
		fmt.Fprintln(s.rl.Stdout(), "No status snapshot yet")
	case <-ctx.Done():
	}
}

// cmdStatus handles the status command.
func (s *Shell) cmdStatus() {
	fmt.Fprintln(s.rl.Stdout(), "\nShell Status")
	fmt.Fprintln(s.rl.Stdout(), "-------------------------------------------")
	fmt.Fprintf(s.rl.Stdout(), "  Manager:    %s\n", s.mgr.StatusLine())
	fmt.Fprintf(s.rl.Stdout(), "  Discovered: %d spa(s)\n", len(s.mgr.Descriptors()))

	fac := s.mgr.Facade()
	if fac == nil {
		fmt.Fprintln(s.rl.Stdout(), "  Spa:        not connected")
		fmt.Fprintln(s.rl.Stdout())
		return
	}

	connected := "connected"
	if !fac.Connected() {
		connected = "disconnected"
	}
	fmt.Fprintf(s.rl.Stdout(), "  Spa:        %s (%s, %s)\n", fac.Name(), fac.Identifier(), connected)
	fmt.Fprintf(s.rl.Stdout(), "  Water:      %.1f°C (target %.1f°C)\n", fac.WaterTemp(), fac.TargetTemp())
	heating := "off"
	if fac.IsHeating() {
		heating = "on"
	}
	fmt.Fprintf(s.rl.Stdout(), "  Heater:     %s\n", heating)
	for n := 1; n <= facade.PumpCount; n++ {
		if speed, err := fac.Pump(n); err == nil {
			fmt.Fprintf(s.rl.Stdout(), "  Pump %d:     %s\n", n, pumpSpeedName(speed))
		}
	}
	light := "off"
	if fac.Light() {
		light = "on"
	}
	fmt.Fprintf(s.rl.Stdout(), "  Light:      %s\n", light)
	fmt.Fprintf(s.rl.Stdout(), "  Watercare:  %s\n", fac.Watercare())
	if text := fac.StatusText(); text != "" {
		fmt.Fprintf(s.rl.Stdout(), "  Status:     %s\n", text)
	}
	fmt.Fprintln(s.rl.Stdout())
}

// cmdSetTemp handles the set-temp command.
func (s *Shell) cmdSetTemp(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: set-temp <deg-c>")
		fmt.Fprintln(s.rl.Stdout(), "  Example: set-temp 38.5")
		return
	}

	fac := s.currentFacade()
	if fac == nil {
		return
	}

	deg, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Invalid temperature: %v\n", err)
		return
	}

	applied, err := fac.SetTargetTemp(ctx, deg)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Failed to set temperature: %v\n", err)
		return
	}

	if applied != deg {
		fmt.Fprintf(s.rl.Stdout(), "Target temperature set to %.1f°C (requested %.1f°C)\n", applied, deg)
	} else {
		fmt.Fprintf(s.rl.Stdout(), "Target temperature set to %.1f°C\n", applied)
	}
}

// cmdPump handles the pump command.
func (s *Shell) cmdPump(ctx context.Context, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: pump <n> <off|low|high>")
		fmt.Fprintf(s.rl.Stdout(), "  Pumps: 1-%d\n", facade.PumpCount)
		return
	}

	fac := s.currentFacade()
	if fac == nil {
		return
	}

	n, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Invalid pump number: %v\n", err)
		return
	}

	speed, err := parsePumpSpeed(args[1])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "%v\n", err)
		return
	}

	if err := fac.SetPump(ctx, n, speed); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Failed to set pump: %v\n", err)
		return
	}

	fmt.Fprintf(s.rl.Stdout(), "Pump %d set to %s\n", n, pumpSpeedName(speed))
}

// cmdLight handles the light command.
func (s *Shell) cmdLight(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: light <on|off>")
		return
	}

	fac := s.currentFacade()
	if fac == nil {
		return
	}

	var on bool
	switch strings.ToLower(args[0]) {
	case "on", "1", "true":
		on = true
	case "off", "0", "false":
		on = false
	default:
		fmt.Fprintf(s.rl.Stdout(), "Invalid light state: %s (use on or off)\n", args[0])
		return
	}

	if err := fac.SetLight(ctx, on); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Failed to switch light: %v\n", err)
		return
	}

	state := "off"
	if on {
		state = "on"
	}
	fmt.Fprintf(s.rl.Stdout(), "Light %s\n", state)
}

// cmdWatercare handles the watercare command.
func (s *Shell) cmdWatercare(ctx context.Context, args []string) {
	fac := s.currentFacade()
	if fac == nil {
		return
	}

	if len(args) == 0 {
		fmt.Fprintf(s.rl.Stdout(), "Watercare mode: %s\n", fac.Watercare())
		fmt.Fprintln(s.rl.Stdout(), "Modes:")
		for m := wire.WatercareAwayFromHome; m <= wire.WatercareWeekender; m++ {
			fmt.Fprintf(s.rl.Stdout(), "  %d - %s\n", int32(m), m)
		}
		return
	}

	v, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Invalid watercare mode: %v\n", err)
		return
	}
	mode := wire.WatercareMode(v)
	if !mode.IsValid() {
		fmt.Fprintf(s.rl.Stdout(), "Invalid watercare mode: %d (use 0-4)\n", v)
		return
	}

	if err := fac.SetWatercare(ctx, mode); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Failed to set watercare: %v\n", err)
		return
	}

	fmt.Fprintf(s.rl.Stdout(), "Watercare mode set to %s\n", mode)
}

// cmdRefresh handles the refresh command.
func (s *Shell) cmdRefresh(ctx context.Context) {
	fac := s.currentFacade()
	if fac == nil {
		return
	}

	if err := fac.Refresh(ctx); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Refresh failed: %v\n", err)
		return
	}
	fmt.Fprintln(s.rl.Stdout(), "Refresh requested")
}

// cmdWatch handles the watch command.
func (s *Shell) cmdWatch(args []string) {
	if len(args) > 0 && strings.ToLower(args[0]) == "off" {
		s.mu.Lock()
		s.watching = false
		s.mu.Unlock()
		fmt.Fprintln(s.rl.Stdout(), "Watch off")
		return
	}

	fac := s.currentFacade()
	if fac == nil {
		return
	}

	s.mu.Lock()
	s.watching = true
	register := s.watched != fac
	if register {
		s.watched = fac
	}
	s.mu.Unlock()

	// OnUpdate has no unsubscribe; register once per facade and gate the
	// callback on the watching flag.
	if register {
		fac.OnUpdate(func() { s.printUpdate(fac) })
	}
	fmt.Fprintln(s.rl.Stdout(), "Watching status updates ('watch off' to stop)")
}

// printUpdate displays one live status update. It runs on the session's
// receive loop.
func (s *Shell) printUpdate(fac *facade.Facade) {
	s.mu.Lock()
	watching := s.watching && s.watched == fac
	s.mu.Unlock()
	if !watching {
		return
	}

	heating := ""
	if fac.IsHeating() {
		heating = ", heating"
	}
	fmt.Fprintf(s.rl.Stdout(), "\n[%s] %.1f°C (target %.1f°C%s) %s\n",
		time.Now().Format("15:04:05"),
		fac.WaterTemp(), fac.TargetTemp(), heating, fac.StatusText())
	s.rl.Refresh()
}

// cmdReset handles the reset command.
func (s *Shell) cmdReset(ctx context.Context) {
	s.mgr.Reset(ctx)
	s.mu.Lock()
	s.watching = false
	s.watched = nil
	s.mu.Unlock()
	fmt.Fprintf(s.rl.Stdout(), "Manager reset (state: %s)\n", s.mgr.State())
}

// cmdInfo handles the info command.
func (s *Shell) cmdInfo() {
	fmt.Fprintln(s.rl.Stdout(), "\nClient Configuration")
	fmt.Fprintln(s.rl.Stdout(), "-------------------------------------------")
	fmt.Fprintf(s.rl.Stdout(), "  Client UUID:    %s\n", s.config.ClientUUID())
	fmt.Fprintf(s.rl.Stdout(), "  Spa identifier: %s\n", orNone(s.mgr.SpaIdentifier()))
	fmt.Fprintf(s.rl.Stdout(), "  Spa address:    %s\n", orNone(s.mgr.SpaAddress()))
	fmt.Fprintf(s.rl.Stdout(), "  Spa name:       %s\n", orNone(s.mgr.SpaName()))
	fmt.Fprintf(s.rl.Stdout(), "  State:          %s\n", s.mgr.State())
	fmt.Fprintln(s.rl.Stdout())
}

// currentFacade returns the active facade, complaining when there is none.
func (s *Shell) currentFacade() *facade.Facade {
	fac := s.mgr.Facade()
	if fac == nil {
		fmt.Fprintln(s.rl.Stdout(), "Not connected to a spa (use 'connect')")
	}
	return fac
}

func parsePumpSpeed(arg string) (int32, error) {
	switch strings.ToLower(arg) {
	case "off", "0":
		return wire.PumpOff, nil
	case "low", "1":
		return wire.PumpLow, nil
	case "high", "2":
		return wire.PumpHigh, nil
	default:
		return 0, fmt.Errorf("invalid pump speed: %s (use off, low or high)", arg)
	}
}

func pumpSpeedName(speed int32) string {
	switch speed {
	case wire.PumpOff:
		return "off"
	case wire.PumpLow:
		return "low"
	case wire.PumpHigh:
		return "high"
	default:
		return strconv.Itoa(int(speed))
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
