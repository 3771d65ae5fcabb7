package device

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/beamcast/beamcast/internal/config"
	"github.com/beamcast/beamcast/internal/metrics"
	"github.com/beamcast/beamcast/internal/retry"
)

const (
	// Assignment replays back off 5s, 10s, 20s and then give up until the
	// next trigger (rediscovery or config change) resets the policy.
	assignRetryInitial = 5 * time.Second
	assignRetryMax     = 20 * time.Second
	assignRetryTries   = 3

	// switchSettle is the pause between stopping the old video and starting
	// the new one. Renderers wedge when the transport flips too fast.
	switchSettle = time.Second
)

// scheduledAssignment is a deferred video change waiting for its wall-clock
// start time.
type scheduledAssignment struct {
	videoFile string
	loop      bool
	at        time.Time
}

// playbackStats aggregates assignment outcomes, overall and per video.
type playbackStats struct {
	mu        sync.Mutex
	attempts  int
	successes int
	perVideo  map[string]*videoStats
}

type videoStats struct {
	attempts  int
	successes int
}

func newPlaybackStats() playbackStats {
	return playbackStats{perVideo: make(map[string]*videoStats)}
}

func (p *playbackStats) record(video string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	vs := p.perVideo[video]
	if vs == nil {
		vs = &videoStats{}
		p.perVideo[video] = vs
	}
	vs.attempts++
	if ok {
		p.successes++
		vs.successes++
	}
}

// PlaybackStats is the exported aggregate.
type PlaybackStats struct {
	Attempts    int
	Successes   int
	SuccessRate float64
	PerVideo    map[string]VideoStats
}

type VideoStats struct {
	Attempts    int
	Successes   int
	SuccessRate float64
}

// Stats returns a copy of the assignment statistics.
func (m *Manager) Stats() PlaybackStats {
	m.stats.mu.Lock()
	defer m.stats.mu.Unlock()
	out := PlaybackStats{
		Attempts:  m.stats.attempts,
		Successes: m.stats.successes,
		PerVideo:  make(map[string]VideoStats, len(m.stats.perVideo)),
	}
	if out.Attempts > 0 {
		out.SuccessRate = float64(out.Successes) / float64(out.Attempts)
	}
	for video, vs := range m.stats.perVideo {
		v := VideoStats{Attempts: vs.attempts, Successes: vs.successes}
		if v.Attempts > 0 {
			v.SuccessRate = float64(v.Successes) / float64(v.Attempts)
		}
		out.PerVideo[video] = v
	}
	return out
}

// EnsureAssigned converges one device toward its configured video. Called by
// discovery after every registration and by the config watcher on reload.
//
// The engine refuses to act when the user holds manual control, when the
// video file is missing, or when the configured priority is below what the
// device is already playing at. Equal priority wins: re-asserting the same
// config must be able to recover a wedged renderer.
func (m *Manager) EnsureAssigned(ctx context.Context, name string) {
	cfg, ok := m.Config.Get(name)
	if !ok {
		return
	}
	m.assign(ctx, name, cfg.VideoFile, cfg.LoopEnabled(), cfg.EffectivePriority(), cfg.Schedule)
}

// Assign applies a caller-supplied assignment directly, bypassing the config
// table: the given video at the given priority, deferred to schedule when one
// is set. Returns true when the assignment was accepted (played or queued).
func (m *Manager) Assign(ctx context.Context, name, videoFile string, priority int, schedule *time.Time) bool {
	return m.assign(ctx, name, videoFile, loopFor(m, name), priority, schedule)
}

// assign runs the acceptance protocol shared by configured and manual
// assignments.
func (m *Manager) assign(ctx context.Context, name, videoFile string, loop bool, priority int, schedule *time.Time) bool {
	m.mu.Lock()
	d, registered := m.devices[name]
	if !registered {
		m.mu.Unlock()
		return false
	}
	if d.userControl {
		m.mu.Unlock()
		log.Printf("assign[%s]: user control active; skipping", name)
		metrics.Assignments.WithLabelValues("refused").Inc()
		return false
	}
	current := d.assignedVideo
	currentPriority := d.assignedPriority
	driver := d.driver
	m.mu.Unlock()

	// Schedules defer the change and promote it to top priority when due.
	if schedule != nil && schedule.After(time.Now()) {
		m.mu.Lock()
		m.scheduled[name] = scheduledAssignment{
			videoFile: videoFile,
			loop:      loop,
			at:        *schedule,
		}
		m.mu.Unlock()
		log.Printf("assign[%s]: scheduled %s for %s", name, videoFile, schedule.Format(time.RFC3339))
		metrics.Assignments.WithLabelValues("scheduled").Inc()
		return true
	}

	if _, err := os.Stat(videoFile); err != nil {
		log.Printf("assign[%s]: video %s unavailable: %v", name, videoFile, err)
		metrics.Assignments.WithLabelValues("failed").Inc()
		return false
	}

	if current != "" && priority < currentPriority {
		log.Printf("assign[%s]: priority %d below current %d; keeping %s", name, priority, currentPriority, current)
		metrics.Assignments.WithLabelValues("refused").Inc()
		return false
	}

	// Same video already playing at sufficient priority: nothing to do
	// unless the transport has actually stopped.
	if current == videoFile && driver != nil && driver.Playing() {
		return true
	}

	return m.applyAssignment(ctx, name, videoFile, loop, priority)
}

func (m *Manager) newAssignBackoff() *retry.Backoff {
	initial, max := assignRetryInitial, assignRetryMax
	if m.retryInitial > 0 {
		initial = m.retryInitial
	}
	if m.retryMax > 0 {
		max = m.retryMax
	}
	return retry.NewBackoff(initial, max, assignRetryTries)
}

// applyAssignment performs the actual video switch with bounded backoff.
// The assignment is recorded as soon as it is accepted, before the first play
// attempt, so competing configs arbitrate against the new priority during
// replays; after exhaustion it stays in place and the device goes to error.
func (m *Manager) applyAssignment(ctx context.Context, name, videoFile string, loop bool, priority int) bool {
	m.mu.Lock()
	d, ok := m.devices[name]
	if !ok {
		m.mu.Unlock()
		return false
	}
	switching := d.assignedVideo != "" && d.assignedVideo != videoFile
	driver := d.driver
	d.assignedVideo = videoFile
	d.assignedPriority = priority
	m.mu.Unlock()

	if switching && driver != nil && driver.Playing() {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := driver.Stop(stopCtx); err != nil {
			log.Printf("assign[%s]: stop before switch: %v (continuing)", name, err)
		}
		cancel()
		select {
		case <-ctx.Done():
			return false
		case <-time.After(switchSettle):
		}
	}

	backoff := m.newAssignBackoff()
	for {
		err := m.Play(ctx, name, videoFile, loop)
		m.stats.record(videoFile, err == nil)
		if err == nil {
			m.mu.Lock()
			if d, ok := m.devices[name]; ok {
				d.assignFailures = 0
			}
			m.mu.Unlock()
			metrics.Assignments.WithLabelValues("accepted").Inc()
			log.Printf("assign[%s]: playing %s priority=%d loop=%t", name, videoFile, priority, loop)
			return true
		}

		delay, again := backoff.Next()
		m.mu.Lock()
		if d, ok := m.devices[name]; ok {
			d.assignFailures = backoff.Attempts()
		}
		m.mu.Unlock()
		if !again {
			metrics.Assignments.WithLabelValues("failed").Inc()
			log.Printf("assign[%s]: giving up on %s after %d attempts: %v", name, videoFile, backoff.Attempts(), err)
			m.setError(name, fmt.Sprintf("play %s: %v", videoFile, err))
			return false
		}
		log.Printf("assign[%s]: play %s failed (attempt %d): %v; retrying in %s", name, videoFile, backoff.Attempts(), err, delay)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
}

// SweepScheduled fires due scheduled assignments at top priority. Discovery
// calls it every cycle.
func (m *Manager) SweepScheduled(ctx context.Context) {
	now := time.Now()
	m.mu.Lock()
	due := make(map[string]scheduledAssignment)
	for name, sa := range m.scheduled {
		if !sa.at.After(now) {
			due[name] = sa
			delete(m.scheduled, name)
		}
	}
	m.mu.Unlock()

	names := make([]string, 0, len(due))
	for name := range due {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sa := due[name]
		log.Printf("assign[%s]: scheduled start due (%s)", name, sa.at.Format(time.RFC3339))
		m.applyAssignment(ctx, name, sa.videoFile, sa.loop, maxAssignPriority)
	}
}

// maxAssignPriority is the priority scheduled starts run at, so a due
// schedule preempts anything a plain config could have set.
const maxAssignPriority = 100

// ScheduledCount reports pending scheduled assignments (for status output).
func (m *Manager) ScheduledCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scheduled)
}

// AssignAll runs the assignment engine over every registered device that has
// a config entry.
func (m *Manager) AssignAll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.devices))
	for name := range m.devices {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)
	for _, name := range names {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.EnsureAssigned(ctx, name)
	}
}

// RegisterConfigured force-registers devices from the config table that
// discovery cannot find on its own (Transcreen endpoints, static DLNA
// devices on non-multicast segments). Returns the names it registered; the
// caller converges them.
func (m *Manager) RegisterConfigured() []string {
	var registered []string
	for _, cfg := range m.Config.GetAll() {
		if _, ok := m.Get(cfg.Name); ok {
			// Transcreen endpoints never answer SSDP; a standing config
			// entry counts as a sighting so connectivity doesn't purge them.
			if cfg.Type == config.TypeTranscreen {
				m.MarkSeen(cfg.Name)
			}
			continue
		}
		m.Register(RegisterInfo{
			Name:         cfg.Name,
			Type:         cfg.Type,
			Hostname:     cfg.Hostname,
			ControlURL:   cfg.ActionURL,
			FriendlyName: cfg.FriendlyName,
			Manufacturer: cfg.Manufacturer,
			Location:     cfg.Location,
		})
		registered = append(registered, cfg.Name)
	}
	return registered
}
