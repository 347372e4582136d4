package sandbox

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"boundary-deception/internal/asset"
)

// connHandler inspects one accepted connection. The connection is dropped
// by the caller when the handler returns.
type connHandler func(ctx context.Context, conn net.Conn, port int)

// listenerDecoy serves decoy listeners, one connection at a time per listener.
type listenerDecoy struct {
	actions *Actions
	addrs   []string
	listen  func(addr string) (net.Listener, error)
	handle  connHandler

	mu        sync.Mutex
	listeners []net.Listener
	started   bool
	closed    bool
	wg        sync.WaitGroup
	done      chan struct{}
}

func newListenerDecoy(actions *Actions, addrs []string, listen func(string) (net.Listener, error), handle connHandler) *listenerDecoy {
	return &listenerDecoy{
		actions: actions,
		addrs:   addrs,
		listen:  listen,
		handle:  handle,
		done:    make(chan struct{}),
	}
}

// Start opens every listener. If any listener fails, the ones already
// opened are closed.
func (d *listenerDecoy) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return nil
	}

	for _, addr := range d.addrs {
		l, err := d.listen(addr)
		if err != nil {
			for _, opened := range d.listeners {
				opened.Close()
			}
			d.listeners = nil
			return err
		}
		d.listeners = append(d.listeners, l)
	}

	for _, l := range d.listeners {
		d.wg.Add(1)
		go d.serve(ctx, l)
	}
	d.started = true
	return nil
}

func (d *listenerDecoy) serve(ctx context.Context, l net.Listener) {
	defer d.wg.Done()

	port := listenerPort(l)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		default:
		}

		// Set accept deadline to allow periodic context checks
		if dl, ok := l.(interface{ SetDeadline(time.Time) error }); ok {
			dl.SetDeadline(time.Now().Add(100 * time.Millisecond))
		}

		conn, err := d.actions.Accept(l)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-d.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.actions.logger.Debug("decoy accept error", "error", err)
			continue
		}

		d.handle(ctx, conn, port)
		d.actions.Drop(conn)
	}
}

// Endpoint lists the bound listener addresses.
func (d *listenerDecoy) Endpoint() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.listeners) == 0 {
		return strings.Join(d.addrs, ",")
	}
	addrs := make([]string, len(d.listeners))
	for i, l := range d.listeners {
		addrs[i] = l.Addr().String()
	}
	return strings.Join(addrs, ",")
}

// Execute handles listener teardown actions.
func (d *listenerDecoy) Execute(_ context.Context, action asset.Action) error {
	switch action {
	case asset.ActionStopService, asset.ActionRemoveListener:
		d.close()
		return nil
	case asset.ActionDeleteFile, asset.ActionRemoveCredential:
		return ErrUnsupportedAction
	default:
		return ErrUnsupportedAction
	}
}

func (d *listenerDecoy) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.done)
	for _, l := range d.listeners {
		l.Close()
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.actions.logger.Info("decoy listeners removed")
}

func listenerPort(l net.Listener) int {
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

// listenAddrs builds host:port pairs for every port.
func listenAddrs(host string, ports []int) []string {
	addrs := make([]string, len(ports))
	for i, p := range ports {
		addrs[i] = net.JoinHostPort(host, strconv.Itoa(p))
	}
	return addrs
}
