package upstream

import (
	"net/http"
	"time"
)

// HealthChecker periodically probes a selector's servers and marks failing
// ones down for a cooldown period.
type HealthChecker struct {
	selector *Selector
	interval time.Duration
	path     string
	client   *http.Client
}

// NewHealthChecker builds a checker probing path on interval.
func NewHealthChecker(selector *Selector, interval time.Duration, path string) *HealthChecker {
	return &HealthChecker{
		selector: selector,
		interval: interval,
		path:     path,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Start launches the background probing loop until stop is closed.
func (h *HealthChecker) Start(stop <-chan struct{}) {
	if h.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.probeAll()
			case <-stop:
				return
			}
		}
	}()
}

func (h *HealthChecker) probeAll() {
	for _, srv := range h.selector.Servers() {
		go h.probe(srv)
	}
}

func (h *HealthChecker) probe(srv *Server) {
	resp, err := h.client.Get("http://" + srv.Address + h.path)
	if err != nil || resp.StatusCode >= 500 {
		srv.markDown()
		if resp != nil {
			resp.Body.Close()
		}
		return
	}
	resp.Body.Close()
	// A server that has been down recovers once it passes a probe made after
	// the selector's cooldown (60s) has elapsed since its last failure.
	srv.mu.Lock()
	cooling := srv.down && time.Since(srv.lastFailed) < h.selector.cooldown
	srv.mu.Unlock()
	if cooling {
		return
	}
	srv.markUp()
}
