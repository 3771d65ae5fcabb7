// Package device tracks the renderer fleet: discovery feeds it, the
// assignment engine converges each device toward its configured video, and
// per-device health monitors keep playback honest.
package device

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/beamcast/beamcast/internal/avtransport"
	"github.com/beamcast/beamcast/internal/config"
	"github.com/beamcast/beamcast/internal/metrics"
	"github.com/beamcast/beamcast/internal/overlay"
	"github.com/beamcast/beamcast/internal/store"
	"github.com/beamcast/beamcast/internal/stream"
	"github.com/beamcast/beamcast/internal/transcreen"
)

// Device statuses.
const (
	StatusConnected      = "connected"
	StatusDisconnected   = "disconnected"
	StatusStreamingIssue = "streaming_issue"
	StatusError          = "error"
)

// Driver is the renderer contract both the DLNA and Transcreen drivers
// satisfy. The manager never branches on renderer type past construction.
type Driver interface {
	Play(ctx context.Context, mediaURL, localPath string, loop bool) error
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	Seek(ctx context.Context, to time.Duration) error
	Playing() bool
	CurrentVideo() string
	LoopActive() bool
}

// device is the manager's record for one renderer. Mutated only under the
// manager lock.
type device struct {
	name         string
	typ          string
	hostname     string
	controlURL   string
	friendlyName string
	manufacturer string
	location     string

	status        string
	firstSeen     time.Time
	lastSeen      time.Time
	lastError     string
	lastErrorTime time.Time

	driver Driver

	// Assignment state.
	assignedVideo    string
	assignedPriority int
	userControl      bool
	assignFailures   int

	// Streaming state, preserved across re-registration.
	streamPort int
	sessionID  string

	healthStop chan struct{}
}

// Snapshot is a copy of a device's state for callers outside the manager.
type Snapshot struct {
	Name             string
	Type             string
	Hostname         string
	ControlURL       string
	FriendlyName     string
	Manufacturer     string
	Location         string
	Status           string
	FirstSeen        time.Time
	LastSeen         time.Time
	LastError        string
	LastErrorTime    time.Time
	Playing          bool
	CurrentVideo     string
	LoopActive       bool
	AssignedVideo    string
	AssignedPriority int
	UserControl      bool
	StreamPort       int
	SessionID        string
}

func (d *device) snapshot() Snapshot {
	s := Snapshot{
		Name:             d.name,
		Type:             d.typ,
		Hostname:         d.hostname,
		ControlURL:       d.controlURL,
		FriendlyName:     d.friendlyName,
		Manufacturer:     d.manufacturer,
		Location:         d.location,
		Status:           d.status,
		FirstSeen:        d.firstSeen,
		LastSeen:         d.lastSeen,
		LastError:        d.lastError,
		LastErrorTime:    d.lastErrorTime,
		AssignedVideo:    d.assignedVideo,
		AssignedPriority: d.assignedPriority,
		UserControl:      d.userControl,
		StreamPort:       d.streamPort,
		SessionID:        d.sessionID,
	}
	if d.driver != nil {
		s.Playing = d.driver.Playing()
		s.CurrentVideo = d.driver.CurrentVideo()
		s.LoopActive = d.driver.LoopActive()
	}
	return s
}

// RegisterInfo is what discovery (or a device config) knows about a renderer.
type RegisterInfo struct {
	Name         string
	Type         string // config.TypeDLNA or config.TypeTranscreen
	Hostname     string
	ControlURL   string
	FriendlyName string
	Manufacturer string
	Location     string
}

// Manager owns the fleet.
type Manager struct {
	Config      *config.Service
	Registry    *stream.Registry
	Pool        *stream.Pool
	Store       *store.Store
	Overlay     *overlay.Notifier
	FFprobePath string

	// HealthInterval overrides the per-device health probe cadence (30s).
	HealthInterval time.Duration

	// Retry pacing for assignment replays; tests shrink these.
	retryInitial time.Duration
	retryMax     time.Duration

	// newDriver is swappable in tests; defaults to the real drivers.
	newDriver func(info RegisterInfo) Driver

	mu        sync.Mutex
	devices   map[string]*device
	scheduled map[string]scheduledAssignment
	stats     playbackStats
}

func NewManager(cfg *config.Service, reg *stream.Registry, pool *stream.Pool) *Manager {
	m := &Manager{
		Config:    cfg,
		Registry:  reg,
		Pool:      pool,
		devices:   make(map[string]*device),
		scheduled: make(map[string]scheduledAssignment),
		stats:     newPlaybackStats(),
	}
	m.newDriver = m.defaultDriver
	if reg != nil {
		reg.RegisterHealthCheckHandler(m.onSessionFlagged)
	}
	return m
}

func (m *Manager) defaultDriver(info RegisterInfo) Driver {
	if info.Type == config.TypeTranscreen {
		r := transcreen.NewRenderer(info.Name, info.ControlURL)
		if cfg, ok := m.Config.Get(info.Name); ok && cfg.AirplayMode {
			r.AirplayURL = cfg.AirplayURL
		}
		return r
	}
	r := avtransport.NewRenderer(info.Name, info.ControlURL)
	r.FFprobePath = m.FFprobePath
	return r
}

// Register records a renderer sighting. Registration is idempotent: an
// existing device gets its address fields and last-seen updated in place,
// never torn down, so playback and streaming state survive re-discovery.
func (m *Manager) Register(info RegisterInfo) Snapshot {
	now := time.Now()
	m.mu.Lock()
	d, ok := m.devices[info.Name]
	if !ok {
		d = &device{
			name:      info.Name,
			typ:       info.Type,
			firstSeen: now,
		}
		m.devices[info.Name] = d
		log.Printf("manager: registered device %q type=%s host=%s", info.Name, info.Type, info.Hostname)
	}
	controlChanged := d.controlURL != "" && d.controlURL != info.ControlURL
	d.hostname = info.Hostname
	d.controlURL = info.ControlURL
	if info.FriendlyName != "" {
		d.friendlyName = info.FriendlyName
	}
	if info.Manufacturer != "" {
		d.manufacturer = info.Manufacturer
	}
	if info.Location != "" {
		d.location = info.Location
	}
	d.lastSeen = now
	// A sighting never clears a distress state; recovery does.
	if d.status != StatusStreamingIssue && d.status != StatusError {
		d.status = StatusConnected
	}
	if d.driver == nil || (controlChanged && !d.driver.Playing()) {
		d.driver = m.newDriver(info)
		if controlChanged {
			log.Printf("manager: device %q control URL moved to %s", info.Name, info.ControlURL)
		}
	}
	snap := d.snapshot()
	m.mu.Unlock()

	m.persist(snap)
	m.updateStatusGauges()
	return snap
}

// Unregister removes the device entirely: health monitor stopped, sessions
// torn down, playback halted best-effort.
func (m *Manager) Unregister(name string) bool {
	m.mu.Lock()
	d, ok := m.devices[name]
	if ok {
		delete(m.devices, name)
		if d.healthStop != nil {
			close(d.healthStop)
			d.healthStop = nil
		}
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	if m.Registry != nil {
		m.Registry.UnregisterDevice(name)
	}
	if d.driver != nil && d.driver.Playing() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.driver.Stop(ctx); err != nil {
			log.Printf("manager: stop on unregister of %q: %v", name, err)
		}
		cancel()
	}
	if err := m.Store.DeleteDevice(name); err != nil {
		log.Printf("manager: delete device row %q: %v", name, err)
	}
	m.updateStatusGauges()
	log.Printf("manager: unregistered device %q", name)
	return true
}

// Get returns a snapshot of the named device.
func (m *Manager) Get(name string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[name]
	if !ok {
		return Snapshot{}, false
	}
	return d.snapshot(), true
}

// List returns snapshots of all devices, unordered.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d.snapshot())
	}
	return out
}

// MarkSeen refreshes the device's last-seen stamp (SSDP sighting without a
// full description fetch).
func (m *Manager) MarkSeen(name string) {
	m.mu.Lock()
	if d, ok := m.devices[name]; ok {
		d.lastSeen = time.Now()
	}
	m.mu.Unlock()
}

// SetStatus forces the device's status (used by connectivity and health).
func (m *Manager) SetStatus(name, status string) {
	m.mu.Lock()
	d, ok := m.devices[name]
	var snap Snapshot
	if ok && d.status != status {
		log.Printf("manager: device %q status %s -> %s", name, d.status, status)
		d.status = status
		snap = d.snapshot()
	} else {
		ok = false
	}
	m.mu.Unlock()
	if ok {
		m.persist(snap)
		m.updateStatusGauges()
	}
}

// setError surfaces a terminal playback failure: status goes to error with
// the message and time on the record, and the device's streaming servers and
// sessions are torn down. The next successful play clears it.
func (m *Manager) setError(name, msg string) {
	m.mu.Lock()
	d, ok := m.devices[name]
	var snap Snapshot
	var port int
	if ok {
		d.status = StatusError
		d.lastError = msg
		d.lastErrorTime = time.Now()
		port = d.streamPort
		d.streamPort = 0
		d.sessionID = ""
		snap = d.snapshot()
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	log.Printf("manager: device %q entered error state: %s", name, msg)
	if m.Registry != nil {
		m.Registry.UnregisterDevice(name)
	}
	if m.Pool != nil && port != 0 {
		m.Pool.StopServer(port)
	}
	m.persist(snap)
	m.updateStatusGauges()
}

// SetUserControl flips manual-control mode: while set, the assignment engine
// leaves the device alone.
func (m *Manager) SetUserControl(name string, on bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[name]
	if !ok {
		return false
	}
	d.userControl = on
	return true
}

// UpdateProgress writes a playback position through to the store.
func (m *Manager) UpdateProgress(name, videoPath string, position, duration time.Duration) {
	pct := 0.0
	if duration > 0 {
		pct = position.Seconds() / duration.Seconds() * 100
	}
	if err := m.Store.RecordProgress(name, videoPath, position.Seconds(), duration.Seconds(), pct); err != nil {
		log.Printf("manager: record progress for %q: %v", name, err)
	}
}

func (m *Manager) persist(s Snapshot) {
	if err := m.Store.UpsertDevice(s.Name, s.Type, s.Hostname, s.ControlURL, s.Status, s.Playing, s.CurrentVideo, s.LastSeen); err != nil {
		log.Printf("manager: persist device %q: %v", s.Name, err)
	}
}

func (m *Manager) updateStatusGauges() {
	counts := map[string]int{StatusConnected: 0, StatusDisconnected: 0, StatusStreamingIssue: 0, StatusError: 0}
	m.mu.Lock()
	for _, d := range m.devices {
		counts[d.status]++
	}
	m.mu.Unlock()
	for status, n := range counts {
		metrics.DevicesConnected.WithLabelValues(status).Set(float64(n))
	}
}

// onSessionFlagged is the registry health callback: a stalled session on a
// playing device marks the device streaming_issue. Pseudo-devices the
// manager never registered (overlay, test probes) are ignored.
func (m *Manager) onSessionFlagged(snap stream.Snapshot) {
	m.mu.Lock()
	d, ok := m.devices[snap.DeviceName]
	playing := ok && d.driver != nil && d.driver.Playing()
	m.mu.Unlock()
	if !ok {
		return
	}
	if snap.Status == stream.StatusStalled && playing {
		m.SetStatus(snap.DeviceName, StatusStreamingIssue)
	}
}

// Play starts the full playback pipeline for the device: stream server,
// renderer play, session bookkeeping, overlay sync. localPath must exist.
func (m *Manager) Play(ctx context.Context, name, localPath string, loop bool) error {
	m.mu.Lock()
	d, ok := m.devices[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("device %q not registered", name)
	}
	driver := d.driver
	m.mu.Unlock()
	if driver == nil {
		return fmt.Errorf("device %q has no driver", name)
	}

	// One session per device: retire the previous transfer first.
	if m.Registry != nil {
		m.Registry.UnregisterDevice(name)
	}

	_, mediaURL, session, err := m.Pool.StartServer(name, "file_video", localPath)
	if err != nil {
		return err
	}
	if err := driver.Play(ctx, mediaURL, localPath, loop); err != nil {
		// The renderer never fetched anything; the server started for this
		// attempt must not linger on its port.
		session.SetError(err.Error())
		m.Pool.StopServer(session.ServerPort)
		return err
	}

	m.mu.Lock()
	d.streamPort = session.ServerPort
	d.sessionID = session.ID
	if d.status == StatusStreamingIssue || d.status == StatusError {
		d.status = StatusConnected
	}
	d.lastError = ""
	m.startHealthMonitorLocked(d)
	snap := d.snapshot()
	m.mu.Unlock()

	m.persist(snap)
	if cfg, ok := m.Config.Get(name); ok && cfg.EnableOverlaySync {
		videoName := cfg.SyncVideoName
		if videoName == "" {
			videoName = baseName(localPath)
		}
		go m.Overlay.Sync(context.Background(), videoName)
	}
	return nil
}

// Stop halts playback and tears the device's sessions down.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.Lock()
	d, ok := m.devices[name]
	var driver Driver
	if ok {
		driver = d.driver
		d.sessionID = ""
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %q not registered", name)
	}
	var err error
	if driver != nil {
		err = driver.Stop(ctx)
	}
	if m.Registry != nil {
		m.Registry.UnregisterDevice(name)
	}
	if snap, ok := m.Get(name); ok {
		m.persist(snap)
	}
	return err
}

func baseName(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		p = p[i+1:]
	}
	if i := strings.LastIndexByte(p, '.'); i > 0 {
		p = p[:i]
	}
	return p
}
