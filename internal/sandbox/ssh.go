package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"boundary-deception/internal/asset"
	"boundary-deception/internal/security/signing"
)

var errAuthDenied = errors.New("permission denied")

// sshBanner is the version string the decoy advertises.
const sshBanner = "SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.6"

// SSHDecoy presents an SSH server that records authentication attempts and
// rejects all of them. No session is ever established.
type SSHDecoy struct {
	*listenerDecoy
	hostKey          ssh.Signer
	handshakeTimeout time.Duration
	maxAuthTries     int
}

// NewSSHDecoy creates an SSH decoy listening on addrs with a fresh host key.
func NewSSHDecoy(actions *Actions, addrs []string, handshakeTimeout time.Duration) (*SSHDecoy, error) {
	_, priv, err := signing.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create host key: %w", err)
	}

	d := &SSHDecoy{hostKey: signer, handshakeTimeout: handshakeTimeout, maxAuthTries: 3}
	d.listenerDecoy = newListenerDecoy(actions, addrs,
		func(addr string) (net.Listener, error) { return actions.Advertise("tcp", addr) },
		d.inspect,
	)
	return d, nil
}

type sshAttempt struct {
	user     string
	method   string
	password string
}

func (d *SSHDecoy) inspect(ctx context.Context, conn net.Conn, port int) {
	var attempts []sshAttempt

	cfg := &ssh.ServerConfig{
		MaxAuthTries:  d.maxAuthTries,
		ServerVersion: sshBanner,
		PasswordCallback: func(md ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			attempts = append(attempts, sshAttempt{user: md.User(), method: "password", password: string(password)})
			return nil, errAuthDenied
		},
		PublicKeyCallback: func(md ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			attempts = append(attempts, sshAttempt{user: md.User(), method: "publickey:" + key.Type()})
			return nil, errAuthDenied
		},
	}
	cfg.AddHostKey(d.hostKey)

	conn.SetDeadline(time.Now().Add(d.handshakeTimeout))
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err == nil {
		// Every callback rejects; an authenticated connection is closed at once.
		sconn.Close()
		go ssh.DiscardRequests(reqs)
		go func() {
			for ch := range chans {
				ch.Reject(ssh.Prohibited, "denied")
			}
		}()
	}

	in := asset.Interaction{
		Type:   InteractionSSHProbe,
		Source: remoteHost(conn),
		Port:   port,
	}
	if len(attempts) > 0 {
		last := attempts[len(attempts)-1]
		in.Type = InteractionSSHLoginAttempt
		in.Principal = last.user
		in.Metadata = map[string]string{
			"auth_attempts": strconv.Itoa(len(attempts)),
			"auth_method":   last.method,
		}
		if last.password != "" {
			// Only a fingerprint of the guessed password leaves the sandbox.
			in.Metadata["password_sha256"] = signing.Digest([]byte(last.password)).String()[:16]
		}
	}
	d.actions.Log(ctx, in)
}
