package runner

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/gantryio/gantry/internal/app"
	"github.com/gantryio/gantry/internal/util"
)

const probeTimeout = time.Second

// WaiterSource acquires readiness waiters bound to one (app, port) pair
type WaiterSource struct {
	host     string
	timeout  time.Duration
	interval time.Duration
}

// NewWaiterSource returns a waiter source probing the given host. timeout
// bounds each readiness wait; interval is the pause between probes.
func NewWaiterSource(host string, timeout time.Duration, interval time.Duration) *WaiterSource {
	return &WaiterSource{host: host, timeout: timeout, interval: interval}
}

// AcquireWaiter returns a waiter that blocks until the app answers on port
func (ws *WaiterSource) AcquireWaiter(appName string, port int) app.Waiter {
	return &Waiter{
		appName:  appName,
		host:     ws.host,
		port:     port,
		timeout:  ws.timeout,
		interval: ws.interval,
		quit:     make(chan struct{}),
	}
}

// Waiter polls a TCP port until the application answers. It is a scoped
// resource: Close releases the poller and must be called on every exit path
// of the start attempt it belongs to.
type Waiter struct {
	appName  string
	host     string
	port     int
	timeout  time.Duration
	interval time.Duration
	quit     chan struct{}
	once     sync.Once
}

// Wait blocks until the port answers, the timeout expires or the waiter is
// released
func (w *Waiter) Wait() error {
	deadline := time.NewTimer(w.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(w.interval)
	defer tick.Stop()

	for {
		if util.ProbePort(w.host, w.port, probeTimeout) {
			return nil
		}
		select {
		case <-w.quit:
			return errors.Errorf("Readiness wait for app '%s' on port %d was released", w.appName, w.port)
		case <-deadline.C:
			return errors.Errorf("App '%s' did not become ready on port %d within %s", w.appName, w.port, w.timeout)
		case <-tick.C:
		}
	}
}

// Close releases the waiter. Safe to call multiple times.
func (w *Waiter) Close() error {
	w.once.Do(func() { close(w.quit) })
	return nil
}
