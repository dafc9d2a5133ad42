// Command intouch-shell is a reference in.touch spa client.
//
// This command demonstrates a complete spa controller host with:
//   - CLI argument parsing
//   - Configuration file support with live reload
//   - Spa discovery over UDP broadcast and mDNS
//   - Interactive command interface
//   - Session traffic capture
//   - Persistent known-spa cache
//
// Usage:
//
//	intouch-shell [flags]
//
// Flags:
//
//	-uuid string            Client UUID (generated when empty)
//	-spa-address string     Spa address hint ("ip" or "ip:port")
//	-spa-identifier string  Spa identifier hint (connect autonomously)
//	-spa-name string        Spa display name
//	-config string          YAML configuration file path
//	-watch-config           Watch the configuration file for hint changes
//	-state-dir string       Directory for persistent state
//	-reset                  Clear all persisted state before starting
//	-message-log string     Capture session traffic to this file
//	-log-level string       Log level: debug, info, warn, error (default "info")
//	-interactive            Enable interactive command mode
//	-timeout duration       Give up on the autonomous connect after this long
//
// Examples:
//
//	# Interactive shell, discover and connect manually
//	intouch-shell -interactive
//
//	# Connect autonomously to a known spa
//	intouch-shell -spa-identifier SPA01:02:03:04:05:06
//
//	# Remember spas across restarts and capture traffic
//	intouch-shell -state-dir ~/.intouch -message-log /tmp/spa.itlog -interactive
//
//	# Reset persistent state
//	intouch-shell -state-dir ~/.intouch -reset
//
// Interactive Commands:
//
//	locate [identifier]      - Discover spas on the network
//	spas                     - List discovered spas
//	connect <identifier>     - Connect to a spa
//	status                   - Show manager and spa status
//	set-temp <deg-c>         - Set the target water temperature
//	pump <n> <off|low|high>  - Set a pump speed
//	light <on|off>           - Switch the spa light
//	watercare [mode]         - Show or set the watercare mode
//	watch [on|off]           - Print live status updates
//	reset                    - Drop the connection and start over
//	quit                     - Exit the shell
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/intouch-home/intouch-go/cmd/intouch-shell/interactive"
	itlog "github.com/intouch-home/intouch-go/pkg/log"
	"github.com/intouch-home/intouch-go/pkg/persistence"
	"github.com/intouch-home/intouch-go/pkg/spa"
	"github.com/intouch-home/intouch-go/pkg/spaman"
)

// Config holds the shell configuration.
// It implements interactive.ShellConfig.
type Config struct {
	UUID          string
	SpaAddress    string
	SpaIdentifier string
	SpaName       string
	ConfigFile    string
	WatchConfig   bool
	MessageLog    string
	LogLevel      string
	Interactive   bool
	Timeout       time.Duration

	// Persistence settings
	StateDir string
	Reset    bool
}

// ClientUUID implements interactive.ShellConfig.
func (c *Config) ClientUUID() string {
	return c.UUID
}

// FileConfig is the YAML configuration file schema. Every field is
// optional; command-line flags win over file values.
type FileConfig struct {
	UUID          string `yaml:"uuid"`
	SpaAddress    string `yaml:"spa_address"`
	SpaIdentifier string `yaml:"spa_identifier"`
	SpaName       string `yaml:"spa_name"`
	StateDir      string `yaml:"state_dir"`
	MessageLog    string `yaml:"message_log"`
	LogLevel      string `yaml:"log_level"`
}

var (
	config Config
	mgr    *spaman.Manager
)

func init() {
	flag.StringVar(&config.UUID, "uuid", "", "Client UUID (generated when empty)")
	flag.StringVar(&config.SpaAddress, "spa-address", "", "Spa address hint (\"ip\" or \"ip:port\")")
	flag.StringVar(&config.SpaIdentifier, "spa-identifier", "", "Spa identifier hint (connect autonomously)")
	flag.StringVar(&config.SpaName, "spa-name", "", "Spa display name")
	flag.StringVar(&config.ConfigFile, "config", "", "YAML configuration file path")
	flag.BoolVar(&config.WatchConfig, "watch-config", false, "Watch the configuration file for hint changes")
	flag.StringVar(&config.MessageLog, "message-log", "", "Capture session traffic to this file")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.BoolVar(&config.Interactive, "interactive", false, "Enable interactive command mode")
	flag.DurationVar(&config.Timeout, "timeout", 0, "Give up on the autonomous connect after this long")

	flag.StringVar(&config.StateDir, "state-dir", "", "Directory for persistent state")
	flag.BoolVar(&config.Reset, "reset", false, "Clear all persisted state before starting")
}

func main() {
	flag.Parse()

	setupLogging(config.LogLevel)

	if config.ConfigFile != "" {
		fc, err := loadFileConfig(config.ConfigFile)
		if err != nil {
			log.Fatalf("Failed to read config file: %v", err)
		}
		applyFileConfig(fc)
	}

	if config.UUID == "" {
		config.UUID = uuid.New().String()
		log.Printf("Generated client UUID: %s", config.UUID)
	}

	log.Println("in.touch Spa Shell")
	log.Println("==================")
	log.Printf("Client UUID: %s", config.UUID)
	if config.SpaIdentifier != "" {
		log.Printf("Spa identifier: %s", config.SpaIdentifier)
	}
	if config.SpaAddress != "" {
		log.Printf("Spa address: %s", config.SpaAddress)
	}

	mgrConfig := spaman.DefaultConfig()
	mgrConfig.ClientUUID = config.UUID
	mgrConfig.SpaAddress = config.SpaAddress
	mgrConfig.SpaIdentifier = config.SpaIdentifier
	mgrConfig.SpaName = config.SpaName
	if config.LogLevel == "debug" {
		mgrConfig.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}

	// Set up traffic capture if requested
	var trafficLog *itlog.FileLogger
	if config.MessageLog != "" {
		var err error
		trafficLog, err = itlog.NewFileLogger(config.MessageLog)
		if err != nil {
			log.Fatalf("Failed to create traffic log: %v", err)
		}
		log.Printf("Capturing session traffic to: %s", config.MessageLog)
		// Only set when non-nil to avoid a typed-nil interface value.
		mgrConfig.Session.TrafficLogger = trafficLog
	}

	var err error
	mgr, err = spaman.New(spaman.EventHandlerFunc(handleEvent), mgrConfig)
	if err != nil {
		log.Fatalf("Failed to create spa manager: %v", err)
	}

	// Set up persistence if state-dir is provided
	if config.StateDir != "" {
		log.Printf("Using state directory: %s", config.StateDir)

		store := persistence.NewStore(filepath.Join(config.StateDir, "spas.json"))

		// Handle --reset flag
		if config.Reset {
			log.Println("Resetting persisted state...")
			if err := store.Clear(); err != nil {
				log.Printf("Warning: Failed to clear state: %v", err)
			}
		}

		mgr.SetStateStore(store)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		log.Fatalf("Failed to start spa manager: %v", err)
	}
	log.Printf("Manager started (state: %s)", mgr.State())

	if config.WatchConfig && config.ConfigFile != "" {
		go watchConfigFile(ctx, config.ConfigFile)
	}

	// Run interactive mode or wait autonomously
	if config.Interactive {
		sh, err := interactive.New(mgr, &config)
		if err != nil {
			log.Fatalf("Failed to create interactive shell: %v", err)
		}
		// Redirect log output through readline to avoid interfering with input
		log.SetOutput(sh.Stdout())
		go sh.Run(ctx, cancel)
	} else if config.SpaIdentifier != "" {
		go waitForSpa(ctx)
	}

	// Wait for shutdown signal or context cancellation
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal: %v", sig)
	case <-ctx.Done():
		// Context was cancelled (e.g., by the interactive quit command)
	}

	log.Println("Shutting down...")

	cancel()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := mgr.Close(closeCtx); err != nil {
		log.Printf("Error closing manager: %v", err)
	}

	if trafficLog != nil {
		if err := trafficLog.Close(); err != nil {
			log.Printf("Error closing traffic log: %v", err)
		}
	}

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

func loadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, err
	}
	return &fc, nil
}

// applyFileConfig fills in settings the command line left unset.
func applyFileConfig(fc *FileConfig) {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["uuid"] && fc.UUID != "" {
		config.UUID = fc.UUID
	}
	if !set["spa-address"] && fc.SpaAddress != "" {
		config.SpaAddress = fc.SpaAddress
	}
	if !set["spa-identifier"] && fc.SpaIdentifier != "" {
		config.SpaIdentifier = fc.SpaIdentifier
	}
	if !set["spa-name"] && fc.SpaName != "" {
		config.SpaName = fc.SpaName
	}
	if !set["state-dir"] && fc.StateDir != "" {
		config.StateDir = fc.StateDir
	}
	if !set["message-log"] && fc.MessageLog != "" {
		config.MessageLog = fc.MessageLog
	}
	if !set["log-level"] && fc.LogLevel != "" {
		config.LogLevel = fc.LogLevel
	}
}

// watchConfigFile re-reads the config file when it changes and feeds
// changed spa hints into the manager. The watch is on the directory:
// editors replace files rather than writing in place, which drops a
// watch set on the file itself.
func watchConfigFile(ctx context.Context, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("Warning: config watch unavailable: %v", err)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		log.Printf("Warning: cannot watch %s: %v", dir, err)
		return
	}
	log.Printf("Watching %s for changes", path)

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors fire several events per save; settle first.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				reloadConfigFile(ctx, path)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Warning: config watch error: %v", err)
		}
	}
}

// reloadConfigFile applies hint changes from the config file to the
// running manager.
func reloadConfigFile(ctx context.Context, path string) {
	fc, err := loadFileConfig(path)
	if err != nil {
		log.Printf("Warning: config reload failed: %v", err)
		return
	}

	if fc.SpaAddress == mgr.SpaAddress() &&
		fc.SpaIdentifier == mgr.SpaIdentifier() &&
		fc.SpaName == mgr.SpaName() {
		return
	}

	log.Printf("Config changed: spa %q at %q", fc.SpaIdentifier, fc.SpaAddress)
	mgr.SetSpaInfo(ctx, fc.SpaAddress, fc.SpaIdentifier, fc.SpaName)
}

// waitForSpa runs the autonomous mode: the sequence pump connects using
// the configured hints while this loop reports the outcome.
func waitForSpa(ctx context.Context) {
	waitCtx := ctx
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	fac, err := mgr.WaitForFacade(waitCtx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("No spa after %v (state: %s)", config.Timeout, mgr.State())
		}
		return
	}

	log.Printf("Connected to %s (%s, firmware %s)", fac.Name(), fac.Identifier(), fac.Version())

	select {
	case <-fac.Ready():
		log.Printf("Water %.1f°C, target %.1f°C", fac.WaterTemp(), fac.TargetTemp())
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
	}
}

func handleEvent(ctx context.Context, event spa.Event, data spa.Data) error {
	switch event {
	case spa.EventLocatingStarted:
		log.Printf("[EVENT] Locating spas...")

	case spa.EventSpaDiscovered:
		if data.Descriptor != nil {
			log.Printf("[EVENT] Spa discovered: %s (%s) at %s",
				data.Descriptor.Name, data.Descriptor.Identifier, data.Descriptor.Address)
		}

	case spa.EventLocatingFinished:
		log.Printf("[EVENT] Locating finished: %d spa(s)", len(data.Descriptors))

	case spa.EventSpaNotFound:
		log.Printf("[EVENT] Spa not found: %s", data.Identifier)

	case spa.EventConnectionStarted:
		if data.Descriptor != nil {
			log.Printf("[EVENT] Connecting to %s...", data.Descriptor.Address)
		}

	case spa.EventHandshakeComplete:
		log.Printf("[EVENT] Handshake complete")

	case spa.EventConnectionFinished:
		log.Printf("[EVENT] Connection finished (state: %s)", mgr.State())

	case spa.EventPingMissed:
		log.Printf("[EVENT] Ping missed")

	case spa.EventRFError:
		log.Printf("[EVENT] Radio fault reported")

	case spa.EventSpaDisconnected:
		log.Printf("[EVENT] Spa disconnected")

	case spa.EventConnectRetryExceeded, spa.EventProtocolRetryExceeded, spa.EventTooManyRFErrors:
		log.Printf("[EVENT] %s: %v", event, data.Error)
	}
	return nil
}
