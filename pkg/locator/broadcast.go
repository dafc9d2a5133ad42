package locator

import (
	"context"
	"fmt"
	"net"
	"syscall"
)

// listenProbe opens the UDP socket used for probing. The socket is bound
// to an ephemeral port and has SO_BROADCAST set so probes can go to the
// broadcast address.
func listenProbe(ctx context.Context) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var soErr error
			if err := c.Control(func(fd uintptr) {
				soErr = setBroadcast(fd)
			}); err != nil {
				return err
			}
			return soErr
		},
	}

	pc, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("open probe socket: %w", err)
	}
	return pc.(*net.UDPConn), nil
}
