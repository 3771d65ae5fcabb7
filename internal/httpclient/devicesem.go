package httpclient

import (
	"net/url"
	"sync"
)

// DeviceSemaphore serializes HTTP calls per renderer endpoint. AVTransport
// devices misbehave when SOAP actions overlap, so every caller — the driver,
// the loop monitor, manual control — must acquire the device's slot before
// sending and release it when the response arrives.
//
//	release := httpclient.ControlSem.Acquire(controlURL)
//	defer release()
type DeviceSemaphore struct {
	mu    sync.Mutex
	sems  map[string]chan struct{}
	limit int
}

// ControlSem is the shared per-device limiter: one in-flight control request
// per renderer endpoint across the entire process.
var ControlSem = NewDeviceSemaphore(1)

func NewDeviceSemaphore(concurrency int) *DeviceSemaphore {
	if concurrency < 1 {
		concurrency = 1
	}
	return &DeviceSemaphore{
		sems:  make(map[string]chan struct{}),
		limit: concurrency,
	}
}

// Acquire blocks until a slot is available for the endpoint and returns a
// release func. endpoint is normalized to scheme+host, so every action URL on
// the same renderer contends on the same slot.
func (d *DeviceSemaphore) Acquire(endpoint string) func() {
	sem := d.semFor(endpoint)
	sem <- struct{}{}
	return func() { <-sem }
}

func (d *DeviceSemaphore) semFor(endpoint string) chan struct{} {
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		endpoint = u.Scheme + "://" + u.Host
	}
	d.mu.Lock()
	s, ok := d.sems[endpoint]
	if !ok {
		s = make(chan struct{}, d.limit)
		d.sems[endpoint] = s
	}
	d.mu.Unlock()
	return s
}
