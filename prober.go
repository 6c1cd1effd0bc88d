package apiqueue

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Prober periodically checks that the backend answers and reports changes to
// subscribers. Polling stays here; the Dispatcher only reacts to events.
type Prober struct {
	notifier
	client   *http.Client
	url      string
	interval time.Duration
	done     chan struct{}

	stateMu   sync.Mutex
	known     bool
	connected bool
}

// NewProber creates a prober that sends HEAD requests to url.
func NewProber(url string, interval, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Prober{
		client:   &http.Client{Timeout: timeout},
		url:      url,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the probe loop. Call with a cancellable context for shutdown.
func (p *Prober) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	go func() {
		defer ticker.Stop()
		defer close(p.done)
		p.check(ctx)
		for {
			select {
			case <-ticker.C:
				p.check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the probe loop has stopped.
func (p *Prober) Wait() {
	<-p.done
}

// Connected returns the last observed state, probing once if nothing has been
// observed yet.
func (p *Prober) Connected(ctx context.Context) (bool, error) {
	p.stateMu.Lock()
	known, connected := p.known, p.connected
	p.stateMu.Unlock()
	if known {
		return connected, nil
	}
	return p.check(ctx), nil
}

// Subscribe implements Connectivity.
func (p *Prober) Subscribe(fn func(bool)) func() {
	return p.subscribe(fn)
}

func (p *Prober) check(ctx context.Context) bool {
	up := p.probe(ctx)

	p.stateMu.Lock()
	changed := !p.known || p.connected != up
	p.known = true
	p.connected = up
	p.stateMu.Unlock()

	if changed {
		slog.Info("apiqueue prober: connectivity changed", "url", p.url, "connected", up)
		p.notify(up)
	}
	return up
}

// probe treats any HTTP response as reachable; only transport errors count
// as offline.
func (p *Prober) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		slog.Error("apiqueue prober: bad probe url", "url", p.url, "error", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
