package sandbox

import (
	"context"
	"net"
	"strconv"
	"time"

	"boundary-deception/internal/asset"
)

// Interaction types reported by listener decoys.
const (
	InteractionTCPConnect      = "tcp_connect"
	InteractionDTLSHandshake   = "dtls_handshake"
	InteractionSSHLoginAttempt = "ssh_login_attempt"
	InteractionSSHProbe        = "ssh_probe"
)

// TCPDecoy accepts TCP connections, records the first bytes sent and drops
// the connection.
type TCPDecoy struct {
	*listenerDecoy
	readTimeout time.Duration
	maxRead     int
}

// NewTCPDecoy creates a TCP decoy listening on addrs.
func NewTCPDecoy(actions *Actions, addrs []string, readTimeout time.Duration) *TCPDecoy {
	d := &TCPDecoy{readTimeout: readTimeout, maxRead: 512}
	d.listenerDecoy = newListenerDecoy(actions, addrs,
		func(addr string) (net.Listener, error) { return actions.Advertise("tcp", addr) },
		d.inspect,
	)
	return d
}

func (d *TCPDecoy) inspect(ctx context.Context, conn net.Conn, port int) {
	conn.SetReadDeadline(time.Now().Add(d.readTimeout))
	buf := make([]byte, d.maxRead)
	n, _ := conn.Read(buf)

	d.actions.Log(ctx, asset.Interaction{
		Type:   InteractionTCPConnect,
		Source: remoteHost(conn),
		Port:   port,
		Metadata: map[string]string{
			"bytes_received": strconv.Itoa(n),
		},
	})
}
