package stream

import (
	"log"
	"sync"
	"time"

	"github.com/beamcast/beamcast/internal/metrics"
)

const (
	// DefaultInactivityThreshold is deliberately 90s: many renderers buffer
	// the entire video up front and then issue no HTTP reads for minutes.
	DefaultInactivityThreshold = 90 * time.Second
	// DefaultCheckInterval is the registry monitor cadence.
	DefaultCheckInterval = 5 * time.Second
	// DefaultRetainInactive keeps finished sessions around for inspection.
	DefaultRetainInactive = time.Hour
	// DefaultMaxSessionAge triggers the health callback for marathon sessions.
	DefaultMaxSessionAge = 24 * time.Hour
)

// HealthHandler receives sessions flagged by the monitor (stalled or
// long-running). Handlers run on the monitor goroutine and must not block.
type HealthHandler func(Snapshot)

// Registry owns the session tables and the stall monitor. The registry is
// the only mutator of its maps; all reads hand out snapshots.
type Registry struct {
	InactivityThreshold time.Duration
	CheckInterval       time.Duration
	RetainInactive      time.Duration
	MaxSessionAge       time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	byDevice map[string][]string
	handlers []HealthHandler

	monitorOn bool
	stop      chan struct{}
	done      chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		InactivityThreshold: DefaultInactivityThreshold,
		CheckInterval:       DefaultCheckInterval,
		RetainInactive:      DefaultRetainInactive,
		MaxSessionAge:       DefaultMaxSessionAge,
		sessions:            make(map[string]*Session),
		byDevice:            make(map[string][]string),
	}
}

// Register creates a session for (device, video, ip, port) and starts the
// monitor if it isn't running yet.
func (r *Registry) Register(deviceName, videoPath, serverIP string, serverPort int) *Session {
	s := newSession(deviceName, videoPath, serverIP, serverPort)
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.byDevice[deviceName] = append(r.byDevice[deviceName], s.ID)
	r.startMonitorLocked()
	r.mu.Unlock()
	metrics.SessionsActive.Inc()
	log.Printf("registry: session %s registered device=%s video=%s port=%d", s.ID, deviceName, videoPath, serverPort)
	return s
}

// Unregister removes a session outright.
func (r *Registry) Unregister(sessionID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
		r.removeFromIndexLocked(s.DeviceName, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if s.Snapshot().Active {
		metrics.SessionsActive.Dec()
	}
	log.Printf("registry: session %s unregistered device=%s", sessionID, s.DeviceName)
	return true
}

// UnregisterDevice removes every session belonging to the device. Returns
// the number removed.
func (r *Registry) UnregisterDevice(deviceName string) int {
	r.mu.Lock()
	ids := append([]string(nil), r.byDevice[deviceName]...)
	r.mu.Unlock()
	n := 0
	for _, id := range ids {
		if r.Unregister(id) {
			n++
		}
	}
	return n
}

func (r *Registry) removeFromIndexLocked(deviceName, sessionID string) {
	ids := r.byDevice[deviceName]
	for i, id := range ids {
		if id == sessionID {
			r.byDevice[deviceName] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byDevice[deviceName]) == 0 {
		delete(r.byDevice, deviceName)
	}
}

// Get returns a snapshot of one session.
func (r *Registry) Get(sessionID string) (Snapshot, bool) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// SessionsForDevice returns snapshots of the device's sessions.
func (r *Registry) SessionsForDevice(deviceName string) []Snapshot {
	r.mu.Lock()
	ids := append([]string(nil), r.byDevice[deviceName]...)
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.sessions[id]; ok {
			sessions = append(sessions, s)
		}
	}
	r.mu.Unlock()
	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// HasActiveSession reports whether the device has at least one live session.
func (r *Registry) HasActiveSession(deviceName string) bool {
	for _, snap := range r.SessionsForDevice(deviceName) {
		if snap.Active {
			return true
		}
	}
	return false
}

// RegisterHealthCheckHandler adds a callback for stalled / long-running
// sessions.
func (r *Registry) RegisterHealthCheckHandler(fn HealthHandler) {
	r.mu.Lock()
	r.handlers = append(r.handlers, fn)
	r.mu.Unlock()
}

// Stats is the registry-wide aggregate.
type Stats struct {
	TotalSessions    int
	ActiveSessions   int
	TotalBytes       int64
	ConnectionErrors int
	DevicesStreaming int
	ByStatus         map[SessionStatus]int
}

// StreamingStats aggregates over all retained sessions.
func (r *Registry) StreamingStats() Stats {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	st := Stats{ByStatus: make(map[SessionStatus]int)}
	devices := make(map[string]struct{})
	for _, s := range sessions {
		snap := s.Snapshot()
		st.TotalSessions++
		st.TotalBytes += snap.BytesServed
		st.ConnectionErrors += snap.ConnErrors
		st.ByStatus[snap.Status]++
		if snap.Active {
			st.ActiveSessions++
			devices[snap.DeviceName] = struct{}{}
		}
	}
	st.DevicesStreaming = len(devices)
	return st
}

// Close stops the monitor goroutine.
func (r *Registry) Close() {
	r.mu.Lock()
	if !r.monitorOn {
		r.mu.Unlock()
		return
	}
	r.monitorOn = false
	close(r.stop)
	done := r.done
	r.mu.Unlock()
	<-done
}

func (r *Registry) startMonitorLocked() {
	if r.monitorOn {
		return
	}
	r.monitorOn = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.monitor(r.stop, r.done)
}

// monitor sweeps sessions every CheckInterval: stalls cross the 90s
// threshold, marathon sessions trip the callback, long-inactive sessions are
// garbage-collected. Handler panics are contained — the monitor never dies.
func (r *Registry) monitor(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	defer func() {
		if v := recover(); v != nil {
			log.Printf("registry: monitor sweep panic (recovered): %v", v)
		}
	}()

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	handlers := append([]HealthHandler(nil), r.handlers...)
	r.mu.Unlock()

	now := time.Now()
	for _, s := range sessions {
		snap := s.Snapshot()
		if snap.Active {
			stalled := now.Sub(snap.LastActivity) >= r.InactivityThreshold
			tooOld := now.Sub(snap.StartTime) >= r.MaxSessionAge
			if stalled {
				s.markStalled()
				snap = s.Snapshot()
				metrics.SessionStalls.Inc()
				log.Printf("registry: session %s stalled device=%s idle=%s", snap.ID, snap.DeviceName, now.Sub(snap.LastActivity).Round(time.Second))
			}
			if stalled || tooOld {
				for _, h := range handlers {
					h(snap)
				}
			}
			continue
		}
		if !snap.InactiveSince.IsZero() && now.Sub(snap.InactiveSince) > r.RetainInactive {
			r.Unregister(snap.ID)
		}
	}
}
