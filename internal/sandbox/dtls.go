package sandbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/dtls/v2/pkg/crypto/selfsign"

	"boundary-deception/internal/asset"
)

// AdvertiseDTLS opens a DTLS listener on address using cfg.
func (a *Actions) AdvertiseDTLS(address string, cfg *dtls.Config) (net.Listener, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve address: %w", err)
	}
	l, err := dtls.Listen("udp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start DTLS listener: %w", err)
	}
	a.logger.Info("decoy listener advertised", "network", "dtls", "address", l.Addr().String())
	return l, nil
}

// DTLSDecoy completes DTLS handshakes with a self-signed certificate,
// records the peer and drops the association.
type DTLSDecoy struct {
	*listenerDecoy
}

// NewDTLSDecoy creates a DTLS decoy listening on addrs.
func NewDTLSDecoy(actions *Actions, addrs []string, handshakeTimeout time.Duration) (*DTLSDecoy, error) {
	cert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return nil, fmt.Errorf("failed to generate decoy certificate: %w", err)
	}

	cfg := &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), handshakeTimeout)
		},
	}

	d := &DTLSDecoy{}
	d.listenerDecoy = newListenerDecoy(actions, addrs,
		func(addr string) (net.Listener, error) { return actions.AdvertiseDTLS(addr, cfg) },
		d.inspect,
	)
	return d, nil
}

func (d *DTLSDecoy) inspect(ctx context.Context, conn net.Conn, port int) {
	d.actions.Log(ctx, asset.Interaction{
		Type:   InteractionDTLSHandshake,
		Source: remoteHost(conn),
		Port:   port,
	})
}
