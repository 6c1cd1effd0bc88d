package apiqueue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// notifier is the subscriber registry shared by the Connectivity sources.
type notifier struct {
	mu   sync.Mutex
	next int
	subs map[int]func(bool)
}

func (n *notifier) subscribe(fn func(bool)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(bool))
	}
	id := n.next
	n.next++
	n.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs, id)
		})
	}
}

func (n *notifier) notify(connected bool) {
	n.mu.Lock()
	fns := make([]func(bool), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

// Observe subscribes d to conn and flushes on every transition to connected.
// It returns the unsubscribe function.
func Observe(ctx context.Context, conn Connectivity, d *Dispatcher) func() {
	var (
		mu   sync.Mutex
		last bool
	)
	return conn.Subscribe(func(connected bool) {
		mu.Lock()
		rising := connected && !last
		last = connected
		mu.Unlock()

		if !rising {
			return
		}
		if ctx.Err() != nil {
			return
		}
		slog.Info("apiqueue observer: connectivity restored, flushing queue")
		d.Flush(ctx)
	})
}

// Switch is a manually driven Connectivity source.
type Switch struct {
	notifier
	stateMu   sync.Mutex
	connected bool
}

// NewSwitch creates a Switch in the given state.
func NewSwitch(connected bool) *Switch {
	return &Switch{connected: connected}
}

// Connected implements Connectivity.
func (s *Switch) Connected(context.Context) (bool, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.connected, nil
}

// Subscribe implements Connectivity.
func (s *Switch) Subscribe(fn func(bool)) func() {
	return s.subscribe(fn)
}

// Set changes the state and notifies subscribers synchronously when it
// differs from the previous one.
func (s *Switch) Set(connected bool) {
	s.stateMu.Lock()
	changed := s.connected != connected
	s.connected = connected
	s.stateMu.Unlock()

	if changed {
		s.notify(connected)
	}
}

// NATSConnectivity derives connectivity from a NATS connection to the
// backend: the device is online while the connection is up.
type NATSConnectivity struct {
	notifier
	nc *nats.Conn
}

// NewNATSConnectivity installs disconnect, reconnect and close handlers on nc.
// Handlers previously set on nc are replaced.
func NewNATSConnectivity(nc *nats.Conn) *NATSConnectivity {
	c := &NATSConnectivity{nc: nc}
	nc.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		slog.Warn("apiqueue nats: disconnected", "error", err)
		c.notify(false)
	})
	nc.SetReconnectHandler(func(conn *nats.Conn) {
		slog.Info("apiqueue nats: reconnected", "url", conn.ConnectedUrl())
		c.notify(true)
	})
	nc.SetClosedHandler(func(*nats.Conn) {
		c.notify(false)
	})
	return c
}

// Connected implements Connectivity.
func (c *NATSConnectivity) Connected(context.Context) (bool, error) {
	return c.nc.IsConnected(), nil
}

// Subscribe implements Connectivity.
func (c *NATSConnectivity) Subscribe(fn func(bool)) func() {
	return c.subscribe(fn)
}
