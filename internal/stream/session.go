// Package stream serves video files to renderers over HTTP with DLNA headers
// and tracks every serving relationship as a session: who is fetching what,
// how fast, and whether the flow has stalled.
package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beamcast/beamcast/internal/metrics"
)

// SessionStatus is the lifecycle state of a streaming session.
type SessionStatus string

const (
	StatusInitializing SessionStatus = "initializing"
	StatusActive       SessionStatus = "active"
	StatusStalled      SessionStatus = "stalled"
	StatusError        SessionStatus = "error"
	StatusCompleted    SessionStatus = "completed"
)

const (
	maxBandwidthSamples = 10
	maxConnectionEvents = 20
)

type bandwidthSample struct {
	at       time.Time
	bytes    int64
	duration time.Duration
}

type connectionEvent struct {
	at        time.Time
	clientIP  string
	connected bool
}

// Session is one live HTTP serving relationship between a port and a
// renderer for one video. All mutators are internally locked.
type Session struct {
	ID         string
	DeviceName string
	VideoPath  string
	ServerIP   string
	ServerPort int

	mu            sync.Mutex
	status        SessionStatus
	active        bool
	startTime     time.Time
	lastActivity  time.Time
	inactiveSince time.Time
	bytesServed   int64
	clientIP      string
	clientConns   int
	connErrors    int
	errorMessage  string
	bandwidth     []bandwidthSample
	connections   []connectionEvent
}

func newSession(deviceName, videoPath, serverIP string, serverPort int) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		DeviceName:   deviceName,
		VideoPath:    videoPath,
		ServerIP:     serverIP,
		ServerPort:   serverPort,
		status:       StatusInitializing,
		active:       true,
		startTime:    now,
		lastActivity: now,
	}
}

// UpdateActivity records bytes flowing to a client. The first activity from a
// client flips the session from initializing to active.
func (s *Session) UpdateActivity(clientIP string, bytes int64, dur time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	s.bytesServed += bytes
	s.clientIP = clientIP
	if s.status == StatusInitializing || s.status == StatusStalled {
		s.status = StatusActive
	}
	s.bandwidth = append(s.bandwidth, bandwidthSample{at: s.lastActivity, bytes: bytes, duration: dur})
	if len(s.bandwidth) > maxBandwidthSamples {
		s.bandwidth = s.bandwidth[len(s.bandwidth)-maxBandwidthSamples:]
	}
	metrics.BytesServed.Add(float64(bytes))
}

// Connection records a client connect (connected=true) or a broken transfer.
// A broken transfer on an active session marks it stalled.
func (s *Session) Connection(clientIP string, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.clientIP = clientIP
	if connected {
		s.clientConns++
		s.lastActivity = now
		if s.status == StatusInitializing {
			s.status = StatusActive
		}
	} else {
		s.connErrors++
		if s.status == StatusActive {
			s.status = StatusStalled
		}
	}
	s.connections = append(s.connections, connectionEvent{at: now, clientIP: clientIP, connected: connected})
	if len(s.connections) > maxConnectionEvents {
		s.connections = s.connections[len(s.connections)-maxConnectionEvents:]
	}
}

// SetError moves the session to the terminal error state.
func (s *Session) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusError
	s.errorMessage = msg
	s.deactivateLocked()
}

// Complete marks a graceful stop. An error state is terminal and survives
// the server teardown that follows it.
func (s *Session) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusError {
		s.status = StatusCompleted
	}
	s.deactivateLocked()
}

func (s *Session) deactivateLocked() {
	if s.active {
		s.active = false
		s.inactiveSince = time.Now()
	}
}

// markStalled is called by the registry monitor when the inactivity
// threshold is crossed.
func (s *Session) markStalled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusActive || s.status == StatusInitializing {
		s.status = StatusStalled
	}
}

// Bandwidth returns the mean bytes/sec over the retained samples.
func (s *Session) Bandwidth() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bytes int64
	var dur time.Duration
	for _, b := range s.bandwidth {
		bytes += b.bytes
		dur += b.duration
	}
	if dur <= 0 {
		return 0
	}
	return float64(bytes) / dur.Seconds()
}

// Snapshot is a copy of a session's state, safe to hold without locks.
type Snapshot struct {
	ID            string
	DeviceName    string
	VideoPath     string
	ServerIP      string
	ServerPort    int
	Status        SessionStatus
	Active        bool
	StartTime     time.Time
	LastActivity  time.Time
	InactiveSince time.Time
	BytesServed   int64
	ClientIP      string
	ClientConns   int
	ConnErrors    int
	ErrorMessage  string
	Bandwidth     float64
}

// Snapshot returns a copy of the session's current state.
func (s *Session) Snapshot() Snapshot {
	bw := s.Bandwidth()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:            s.ID,
		DeviceName:    s.DeviceName,
		VideoPath:     s.VideoPath,
		ServerIP:      s.ServerIP,
		ServerPort:    s.ServerPort,
		Status:        s.status,
		Active:        s.active,
		StartTime:     s.startTime,
		LastActivity:  s.lastActivity,
		InactiveSince: s.inactiveSince,
		BytesServed:   s.bytesServed,
		ClientIP:      s.clientIP,
		ClientConns:   s.clientConns,
		ConnErrors:    s.connErrors,
		ErrorMessage:  s.errorMessage,
		Bandwidth:     bw,
	}
}

// touchForTest backdates lastActivity; only tests use it.
func (s *Session) touchForTest(t time.Time) {
	s.mu.Lock()
	s.lastActivity = t
	s.mu.Unlock()
}
