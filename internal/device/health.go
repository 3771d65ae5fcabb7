package device

import (
	"context"
	"log"
	"time"

	"github.com/beamcast/beamcast/internal/avtransport"
	"github.com/beamcast/beamcast/internal/stream"
)

const (
	defaultHealthInterval = 30 * time.Second

	// healthFailureLimit is how many consecutive failed probes it takes
	// before the monitor forces a playback recovery.
	healthFailureLimit = 3

	// healthFailureLimitNoSession applies when a playing device has no live
	// streaming session at all. That is the strongest distress signal the
	// monitor can see, so it restarts on the second observation.
	healthFailureLimitNoSession = 2
)

// failureLimit picks the strike count for this tick's failure mode.
func failureLimit(noSession bool) int {
	if noSession {
		return healthFailureLimitNoSession
	}
	return healthFailureLimit
}

// transportProber is satisfied by drivers that can answer a cheap liveness
// question (the DLNA renderer via GetTransportInfo). Drivers without one are
// monitored on session activity alone.
type transportProber interface {
	ProbeTransport(ctx context.Context) error
}

// ProbeTransport asks the renderer for its transport state; any definite
// answer counts as healthy.
func (r probeAdapter) ProbeTransport(ctx context.Context) error {
	_, err := r.client.GetTransportInfo(ctx)
	return err
}

type probeAdapter struct{ client *avtransport.Client }

// prober extracts a transport probe from a driver when it has one.
func prober(d Driver) (transportProber, bool) {
	if r, ok := d.(*avtransport.Renderer); ok {
		return probeAdapter{client: r.Client()}, true
	}
	if p, ok := d.(transportProber); ok {
		return p, true
	}
	return nil, false
}

// startHealthMonitorLocked launches the per-device health loop if one isn't
// already running. Caller holds m.mu.
func (m *Manager) startHealthMonitorLocked(d *device) {
	if d.healthStop != nil {
		return
	}
	stop := make(chan struct{})
	d.healthStop = stop
	go m.healthLoop(d.name, stop)
}

func (m *Manager) healthInterval() time.Duration {
	if m.HealthInterval > 0 {
		return m.HealthInterval
	}
	return defaultHealthInterval
}

// healthLoop watches one device while it has an assignment: probe the
// transport, cross-check the streaming session, and force a recovery after
// repeated failures. Exits when the device is unregistered, unassigned or
// stopped.
func (m *Manager) healthLoop(name string, stop <-chan struct{}) {
	log.Printf("health[%s]: monitor started", name)
	defer log.Printf("health[%s]: monitor exited", name)

	ticker := time.NewTicker(m.healthInterval())
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		d, ok := m.devices[name]
		if !ok || (d.assignedVideo == "" && (d.driver == nil || !d.driver.Playing())) {
			if ok {
				d.healthStop = nil
			}
			m.mu.Unlock()
			return
		}
		driver := d.driver
		assigned := d.assignedVideo
		m.mu.Unlock()

		healthy := true
		noSession := false

		if p, ok := prober(driver); ok && driver.Playing() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			err := p.ProbeTransport(ctx)
			cancel()
			if err != nil {
				healthy = false
				log.Printf("health[%s]: transport probe failed: %v", name, err)
			}
		}

		// A driver that claims to be playing must have a live session
		// behind it, and that session must not be stalled or errored.
		if healthy && driver.Playing() && m.Registry != nil {
			sessions := m.Registry.SessionsForDevice(name)
			if !anyActive(sessions) {
				healthy = false
				noSession = true
				log.Printf("health[%s]: playing with no active streaming session", name)
			} else if allDistressed(sessions) {
				healthy = false
				log.Printf("health[%s]: all sessions stalled or errored", name)
			}
		}

		if healthy {
			if failures > 0 {
				log.Printf("health[%s]: recovered after %d failed checks", name, failures)
			}
			failures = 0
			if snap, ok := m.Get(name); ok && snap.Status == StatusStreamingIssue {
				m.SetStatus(name, StatusConnected)
			}
			continue
		}

		failures++
		if failures < failureLimit(noSession) {
			continue
		}
		strikes := failures
		failures = 0
		m.SetStatus(name, StatusStreamingIssue)
		if assigned == "" {
			continue
		}
		log.Printf("health[%s]: %d consecutive failures; restarting %s", name, strikes, assigned)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		m.applyAssignment(ctx, name, assigned, loopFor(m, name), priorityFor(m, name))
		cancel()
	}
}

func anyActive(sessions []stream.Snapshot) bool {
	for _, s := range sessions {
		if s.Active {
			return true
		}
	}
	return false
}

func allDistressed(sessions []stream.Snapshot) bool {
	if len(sessions) == 0 {
		return false
	}
	for _, s := range sessions {
		if s.Status != stream.StatusStalled && s.Status != stream.StatusError {
			return false
		}
	}
	return true
}

func loopFor(m *Manager, name string) bool {
	if cfg, ok := m.Config.Get(name); ok {
		return cfg.LoopEnabled()
	}
	return true
}

func priorityFor(m *Manager, name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[name]; ok {
		return d.assignedPriority
	}
	return 0
}
