package locator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/intouch-home/intouch-go/pkg/spa"
	"github.com/intouch-home/intouch-go/pkg/wire"
)

// mDNS service parameters for in.touch spas.
const (
	// ServiceType is the mDNS service type spas advertise under.
	ServiceType = "_intouch._udp"

	// Domain is the mDNS domain.
	Domain = "local"
)

// TXT record keys in spa advertisements.
const (
	TXTKeyIdentifier = "id"
	TXTKeyName       = "name"
	TXTKeyVersion    = "ver"
)

// Discovery defaults.
const (
	// DefaultPort is the UDP port spas listen on for probes and
	// sessions.
	DefaultPort = 10022

	// DefaultTimeout bounds one discovery round.
	DefaultTimeout = 10 * time.Second

	// DefaultProbeInterval is the delay between probe rounds.
	DefaultProbeInterval = time.Second
)

// maxDatagramSize bounds a single protocol datagram.
const maxDatagramSize = 65507

// Config configures a Locator.
type Config struct {
	// Address optionally targets one spa directly ("ip" or "ip:port").
	// When set, probes are unicast there instead of broadcast.
	Address string

	// Identifier optionally names the spa being looked for. Discovery
	// finishes as soon as it is found.
	Identifier string

	// KnownAddresses are extra "ip:port" targets probed directly, for
	// example from the known-spa cache.
	KnownAddresses []string

	// Timeout bounds the discovery round.
	Timeout time.Duration

	// ProbeInterval is the delay between probe rounds.
	ProbeInterval time.Duration

	// BroadcastPort is the UDP port probes are sent to.
	BroadcastPort int

	// Interface optionally restricts mDNS browsing to one network
	// interface.
	Interface string

	// MDNS enables the mDNS browse alongside UDP probing.
	MDNS bool

	// ClientID identifies this client in probes.
	ClientID []byte

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       DefaultTimeout,
		ProbeInterval: DefaultProbeInterval,
		BroadcastPort: DefaultPort,
		MDNS:          true,
	}
}

// Locator performs one discovery round. Create a new Locator for each
// round.
type Locator struct {
	mu     sync.Mutex
	config Config
	emit   spa.EventFunc

	spas []*spa.Descriptor
	seen map[string]bool

	// found is closed when the Identifier hint has been matched.
	found     chan struct{}
	foundOnce sync.Once
}

// New creates a Locator reporting discoveries through emit.
func New(emit spa.EventFunc, config Config) *Locator {
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.ProbeInterval == 0 {
		config.ProbeInterval = DefaultProbeInterval
	}
	if config.BroadcastPort == 0 {
		config.BroadcastPort = DefaultPort
	}

	return &Locator{
		config: config,
		emit:   emit,
		seen:   make(map[string]bool),
		found:  make(chan struct{}),
	}
}

// Discover runs one discovery round: it probes over UDP, browses mDNS
// when enabled, and collects Announce replies until the timeout expires
// or the Identifier hint is matched. Each new spa emits
// EventSpaDiscovered. The returned slice preserves discovery order and
// is non-nil on success, even when empty.
func (l *Locator) Discover(ctx context.Context) ([]*spa.Descriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, l.config.Timeout)
	defer cancel()

	conn, err := listenProbe(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	targets, err := l.probeTargets()
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	if l.config.MDNS {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.browse(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.probeLoop(ctx, conn, targets)
	}()

	l.readAnnounces(ctx, conn)
	cancel()
	wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	spas := make([]*spa.Descriptor, len(l.spas))
	copy(spas, l.spas)
	return spas, nil
}

// Spas returns the descriptors found so far, in discovery order.
func (l *Locator) Spas() []*spa.Descriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	spas := make([]*spa.Descriptor, len(l.spas))
	copy(spas, l.spas)
	return spas
}

// probeTargets resolves the UDP addresses probes are sent to. A direct
// Address suppresses the broadcast; known addresses are always included.
func (l *Locator) probeTargets() ([]*net.UDPAddr, error) {
	var targets []*net.UDPAddr

	if l.config.Address != "" {
		addr, err := l.resolveTarget(l.config.Address)
		if err != nil {
			return nil, fmt.Errorf("spa address: %w", err)
		}
		targets = append(targets, addr)
	} else {
		targets = append(targets, &net.UDPAddr{
			IP:   net.IPv4bcast,
			Port: l.config.BroadcastPort,
		})
	}

	for _, known := range l.config.KnownAddresses {
		addr, err := l.resolveTarget(known)
		if err != nil {
			l.logWarn("skipping unresolvable known address", "address", known, "error", err)
			continue
		}
		targets = append(targets, addr)
	}

	return targets, nil
}

// resolveTarget parses "ip" or "ip:port", defaulting to the broadcast
// port.
func (l *Locator) resolveTarget(target string) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, strconv.Itoa(l.config.BroadcastPort))
	}
	return net.ResolveUDPAddr("udp4", target)
}

// probeLoop sends one probe round immediately and then on every tick.
func (l *Locator) probeLoop(ctx context.Context, conn *net.UDPConn, targets []*net.UDPAddr) {
	msg := &wire.Message{
		Type: wire.TypeProbe,
		Probe: &wire.Probe{
			ClientID:   l.config.ClientID,
			Identifier: l.config.Identifier,
		},
	}
	data, err := wire.EncodeMessage(msg)
	if err != nil {
		l.logWarn("encoding probe failed", "error", err)
		return
	}

	ticker := time.NewTicker(l.config.ProbeInterval)
	defer ticker.Stop()

	for {
		for _, target := range targets {
			if _, err := conn.WriteToUDP(data, target); err != nil {
				l.logDebug("probe send failed", "target", target, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-l.found:
			return
		case <-ticker.C:
		}
	}
}

// readAnnounces collects Announce replies until the round ends.
func (l *Locator) readAnnounces(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, maxDatagramSize)

	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-l.found:
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			return
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return
		}

		msg, err := wire.DecodeMessage(buf[:n])
		if err != nil || msg.Type != wire.TypeAnnounce {
			continue
		}

		ann := msg.Announce
		port := int(ann.Port)
		if port == 0 {
			port = l.config.BroadcastPort
		}
		l.addSpa(ctx, &spa.Descriptor{
			Identifier: ann.Identifier,
			Name:       ann.Name,
			Address:    net.JoinHostPort(from.IP.String(), strconv.Itoa(port)),
			Version:    ann.Version,
		})
	}
}

// browse watches mDNS for spa advertisements until the round ends.
func (l *Locator) browse(ctx context.Context) {
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	var opts []zeroconf.ClientOption
	if l.config.Interface != "" {
		iface, err := net.InterfaceByName(l.config.Interface)
		if err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		}
	}

	go func() {
		if err := zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, opts...); err != nil {
			l.logWarn("mdns browse failed", "error", err)
		}
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if desc := entryToDescriptor(entry); desc != nil {
				l.addSpa(ctx, desc)
			}

		case <-removed:
			// A spa vanishing mid-round keeps its descriptor; a
			// connect attempt will fail on its own.

		case <-ctx.Done():
			return
		}
	}
}

// entryToDescriptor converts an mDNS entry to a Descriptor. Entries
// without an identifier TXT record are not spas.
func entryToDescriptor(entry *zeroconf.ServiceEntry) *spa.Descriptor {
	var identifier, name, version string
	for _, txt := range entry.Text {
		for i := 0; i < len(txt); i++ {
			if txt[i] != '=' {
				continue
			}
			switch txt[:i] {
			case TXTKeyIdentifier:
				identifier = txt[i+1:]
			case TXTKeyName:
				name = txt[i+1:]
			case TXTKeyVersion:
				version = txt[i+1:]
			}
			break
		}
	}
	if identifier == "" {
		return nil
	}
	if name == "" {
		name = entry.Instance
	}

	var ip string
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	} else {
		return nil
	}

	return &spa.Descriptor{
		Identifier: identifier,
		Name:       name,
		Address:    net.JoinHostPort(ip, strconv.Itoa(entry.Port)),
		Version:    version,
	}
}

// addSpa records a discovery, de-duplicating by identifier across the
// probe and mDNS paths.
func (l *Locator) addSpa(ctx context.Context, desc *spa.Descriptor) {
	l.mu.Lock()
	if l.seen[desc.Identifier] {
		l.mu.Unlock()
		return
	}
	l.seen[desc.Identifier] = true
	l.spas = append(l.spas, desc)
	match := l.config.Identifier != "" && desc.Identifier == l.config.Identifier
	l.mu.Unlock()

	l.logDebug("spa discovered", "identifier", desc.Identifier, "address", desc.Address)
	if err := l.emit(ctx, spa.EventSpaDiscovered, spa.Data{Descriptor: desc}); err != nil {
		l.logWarn("event handler failed", "event", spa.EventSpaDiscovered, "error", err)
	}

	if match {
		l.foundOnce.Do(func() { close(l.found) })
	}
}

func (l *Locator) logDebug(msg string, args ...any) {
	if l.config.Logger != nil {
		l.config.Logger.Debug(msg, args...)
	}
}

func (l *Locator) logWarn(msg string, args ...any) {
	if l.config.Logger != nil {
		l.config.Logger.Warn(msg, args...)
	}
}
