package locator

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/intouch-home/intouch-go/pkg/spa"
	"github.com/intouch-home/intouch-go/pkg/wire"
)

// startResponder runs a minimal probe responder announcing one spa.
func startResponder(t *testing.T, identifier, name string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	port := uint16(pc.LocalAddr().(*net.UDPAddr).Port)
	go func() {
		buf := make([]byte, maxDatagramSize)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			msg, err := wire.DecodeMessage(buf[:n])
			if err != nil || msg.Type != wire.TypeProbe {
				continue
			}
			if msg.Probe.Identifier != "" && msg.Probe.Identifier != identifier {
				continue
			}
			reply, err := wire.EncodeMessage(&wire.Message{
				Type: wire.TypeAnnounce,
				Seq:  msg.Seq,
				Announce: &wire.Announce{
					Identifier: identifier,
					Name:       name,
					Port:       port,
					Version:    "v1.0",
				},
			})
			if err != nil {
				continue
			}
			_, _ = pc.WriteTo(reply, from)
		}
	}()

	return pc.LocalAddr().String()
}

type discoveryRecorder struct {
	mu    sync.Mutex
	found []*spa.Descriptor
}

func (r *discoveryRecorder) emit(ctx context.Context, event spa.Event, data spa.Data) error {
	if event == spa.EventSpaDiscovered {
		r.mu.Lock()
		r.found = append(r.found, data.Descriptor)
		r.mu.Unlock()
	}
	return nil
}

func (r *discoveryRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.found)
}

func TestDiscoverDirectAddress(t *testing.T) {
	addr := startResponder(t, "SPA01:02:03:04:05:06", "Garden Spa")

	rec := &discoveryRecorder{}
	l := New(rec.emit, Config{
		Address:       addr,
		Identifier:    "SPA01:02:03:04:05:06",
		Timeout:       5 * time.Second,
		ProbeInterval: 50 * time.Millisecond,
	})

	start := time.Now()
	spas, err := l.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if len(spas) != 1 {
		t.Fatalf("found %d spas, want 1", len(spas))
	}
	if spas[0].Identifier != "SPA01:02:03:04:05:06" {
		t.Errorf("Identifier = %q", spas[0].Identifier)
	}
	if spas[0].Name != "Garden Spa" {
		t.Errorf("Name = %q", spas[0].Name)
	}
	if spas[0].Address != addr {
		t.Errorf("Address = %q, want %q", spas[0].Address, addr)
	}
	if rec.len() != 1 {
		t.Errorf("discovery events = %d, want 1", rec.len())
	}

	// The identifier hint was matched, so the round must have ended
	// well before the timeout.
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("round took %v, expected early finish on identifier match", elapsed)
	}
}

func TestDiscoverKnownAddresses(t *testing.T) {
	addr := startResponder(t, "SPA0A:0B:0C:0D:0E:0F", "Deck Spa")

	rec := &discoveryRecorder{}
	l := New(rec.emit, Config{
		Identifier:     "SPA0A:0B:0C:0D:0E:0F",
		KnownAddresses: []string{addr},
		Timeout:        5 * time.Second,
		ProbeInterval:  50 * time.Millisecond,
	})

	spas, err := l.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(spas) != 1 {
		t.Fatalf("found %d spas, want 1", len(spas))
	}
	if spas[0].Name != "Deck Spa" {
		t.Errorf("Name = %q", spas[0].Name)
	}
}

func TestDiscoverNothingFound(t *testing.T) {
	// A silent socket: probes go out, nothing comes back.
	silent, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer silent.Close()

	rec := &discoveryRecorder{}
	l := New(rec.emit, Config{
		Address:       silent.LocalAddr().String(),
		Timeout:       300 * time.Millisecond,
		ProbeInterval: 50 * time.Millisecond,
	})

	spas, err := l.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if spas == nil {
		t.Fatal("result must be non-nil on success")
	}
	if len(spas) != 0 {
		t.Errorf("found %d spas, want 0", len(spas))
	}
	if rec.len() != 0 {
		t.Errorf("discovery events = %d, want 0", rec.len())
	}
}

func TestDiscoverDeduplicates(t *testing.T) {
	addr := startResponder(t, "SPA11:22:33:44:55:66", "Patio Spa")

	rec := &discoveryRecorder{}
	l := New(rec.emit, Config{
		Address: addr,
		// No identifier hint: the round runs to the timeout and the
		// responder answers several probe rounds.
		Timeout:       500 * time.Millisecond,
		ProbeInterval: 50 * time.Millisecond,
	})

	spas, err := l.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(spas) != 1 {
		t.Fatalf("found %d spas, want 1", len(spas))
	}
	if rec.len() != 1 {
		t.Errorf("discovery events = %d, want 1", rec.len())
	}
}

func TestDiscoverCancelled(t *testing.T) {
	rec := &discoveryRecorder{}
	l := New(rec.emit, Config{
		Address:       "127.0.0.1:1", // nothing there
		Timeout:       10 * time.Second,
		ProbeInterval: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	if _, err := l.Discover(ctx); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("round took %v after cancellation", elapsed)
	}
}
