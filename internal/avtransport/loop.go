package avtransport

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/beamcast/beamcast/internal/metrics"
)

// Loop monitor states. Errors are a transition into errorCooldown, never an
// exit: an assigned video must not end and stay ended because the monitor died.
type monitorState int

const (
	stateIdle monitorState = iota
	stateAwaitingEnd
	stateRestarting
	stateErrorCooldown
)

func (s monitorState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAwaitingEnd:
		return "awaiting-end"
	case stateRestarting:
		return "restarting"
	case stateErrorCooldown:
		return "error-cooldown"
	default:
		return "unknown"
	}
}

// LoopMonitor keeps one renderer's assigned video playing forever. It wakes
// shortly before the media should end and restarts it, preferring a cheap
// Seek over a full stop/set-URI/play reset.
type LoopMonitor struct {
	Name     string // device name, for logs
	Client   *Client
	Sensor   *DurationSensor
	MediaURL string
	Title    string

	// Tunables, defaulted in Run. Tests shrink them.
	InactivityWindow time.Duration // no activity this long → consult transport state (60s)
	ErrorCooldown    time.Duration // sleep after a failed iteration (5s)
	MinWait          time.Duration // floor for the pre-end wait (5s)

	mu           sync.Mutex
	enabled      bool
	lastActivity time.Time
	stop         chan struct{}
	done         chan struct{}
}

// Start enables the loop and launches the monitor goroutine. A monitor can
// be started once; the Renderer replaces exhausted monitors wholesale.
func (m *LoopMonitor) Start() {
	if m.InactivityWindow <= 0 {
		m.InactivityWindow = 60 * time.Second
	}
	if m.ErrorCooldown <= 0 {
		m.ErrorCooldown = 5 * time.Second
	}
	if m.MinWait <= 0 {
		m.MinWait = 5 * time.Second
	}
	m.mu.Lock()
	m.enabled = true
	m.lastActivity = time.Now()
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()
	go m.run()
}

// Stop disables the loop and signals the goroutine to exit at its next
// suspension point. Does not wait.
func (m *LoopMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return
	}
	m.enabled = false
	close(m.stop)
}

// Done is closed when the monitor goroutine has exited.
func (m *LoopMonitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Running reports whether the loop is still enabled.
func (m *LoopMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Touch refreshes the activity timestamp. The driver calls it whenever the
// renderer reports any definite transport state.
func (m *LoopMonitor) Touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

func (m *LoopMonitor) sinceActivity() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastActivity)
}

// sleep waits d or returns false immediately when the monitor is stopped.
func (m *LoopMonitor) sleep(d time.Duration) bool {
	select {
	case <-m.stop:
		return false
	case <-time.After(d):
		return m.Running()
	}
}

func (m *LoopMonitor) run() {
	defer close(m.done)
	ctx := context.Background()
	state := stateAwaitingEnd
	log.Printf("loop[%s]: monitor started url=%s", m.Name, m.MediaURL)
	for m.Running() {
		switch state {
		case stateAwaitingEnd:
			state = m.awaitEnd(ctx)
		case stateRestarting:
			state = m.restart(ctx)
		case stateErrorCooldown:
			if !m.sleep(m.ErrorCooldown) {
				state = stateIdle
				continue
			}
			state = stateAwaitingEnd
		case stateIdle:
			log.Printf("loop[%s]: monitor exiting", m.Name)
			return
		}
	}
	log.Printf("loop[%s]: monitor exiting", m.Name)
}

// awaitEnd sleeps until the media is near its end, then hands off to the
// restart path. A long quiet spell triggers a transport-state check first:
// many renderers buffer the whole file and go silent while still playing.
func (m *LoopMonitor) awaitEnd(ctx context.Context) monitorState {
	duration := m.Sensor.Sense(ctx)

	if m.sinceActivity() > m.InactivityWindow {
		info, err := m.Client.GetTransportInfo(ctx)
		if err != nil {
			log.Printf("loop[%s]: transport check failed: %v", m.Name, err)
			return stateErrorCooldown
		}
		if info.State != StateUnknown {
			m.Touch()
		}
		if info.State != StatePlaying {
			log.Printf("loop[%s]: transport state %s after %s quiet; restarting", m.Name, info.State, m.InactivityWindow)
			return stateRestarting
		}
	}

	wait := duration - 10*time.Second
	if duration <= 15*time.Second {
		wait = duration / 2
	}
	if wait < m.MinWait {
		wait = m.MinWait
	}
	if !m.sleep(wait) {
		return stateIdle
	}
	return stateRestarting
}

// restart rewinds the media. Strategy: when the transport is still playing or
// paused, a Seek to zero keeps the pipeline warm; otherwise (or when the seek
// doesn't take) fall back to a full stop / set-URI / play reset.
func (m *LoopMonitor) restart(ctx context.Context) monitorState {
	if !m.Running() {
		return stateIdle
	}
	if m.trySeekRestart(ctx) {
		metrics.LoopRestarts.WithLabelValues("seek", "ok").Inc()
		m.Touch()
		return stateAwaitingEnd
	}
	metrics.LoopRestarts.WithLabelValues("seek", "fallthrough").Inc()

	if err := m.fullReset(ctx); err != nil {
		metrics.LoopRestarts.WithLabelValues("reset", "error").Inc()
		log.Printf("loop[%s]: full reset failed: %v", m.Name, err)
		return stateErrorCooldown
	}
	metrics.LoopRestarts.WithLabelValues("reset", "ok").Inc()
	m.Touch()
	return stateAwaitingEnd
}

func (m *LoopMonitor) trySeekRestart(ctx context.Context) bool {
	info, err := m.Client.GetTransportInfo(ctx)
	if err != nil {
		return false
	}
	if info.State != StateUnknown {
		m.Touch()
	}
	if info.State != StatePlaying && info.State != StatePausedPlayback {
		return false
	}
	if err := m.Client.Seek(ctx, 0); err != nil {
		return false
	}
	if info.State == StatePausedPlayback {
		if err := m.Client.Play(ctx); err != nil {
			return false
		}
	}
	pos, err := m.Client.GetPositionInfo(ctx)
	if err != nil {
		return false
	}
	rel, ok := ParseClock(pos.RelTime)
	return ok && rel < 5*time.Second
}

func (m *LoopMonitor) fullReset(ctx context.Context) error {
	if err := m.Client.Stop(ctx); err != nil {
		log.Printf("loop[%s]: stop before reset: %v (continuing)", m.Name, err)
	}
	if !m.sleep(time.Second) {
		return nil
	}
	didl := BuildDIDL(m.MediaURL, m.Title, m.Sensor.Sense(ctx))
	if err := m.Client.SetURI(ctx, m.MediaURL, didl); err != nil {
		return err
	}
	return m.Client.Play(ctx)
}
