package device

import (
	"context"
	"testing"
	"time"

	"github.com/beamcast/beamcast/internal/stream"
)

func TestHealthLoop_recoversLostSession(t *testing.T) {
	m, drivers := testManager(t)
	m.HealthInterval = 30 * time.Millisecond
	m.retryInitial = 10 * time.Millisecond
	m.retryMax = 20 * time.Millisecond

	video := testVideo(t)
	addConfig(t, m, "lobby", video, nil)
	m.Register(dlnaInfo("lobby"))
	m.EnsureAssigned(context.Background(), "lobby")
	d := drivers["lobby"]
	if !d.Playing() {
		t.Fatal("setup: not playing")
	}

	// Kill the streaming session behind the driver's back: the monitor must
	// notice the playing-without-session state and restart the assignment.
	m.Registry.UnregisterDevice("lobby")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if d.playCount() >= 2 && m.Registry.HasActiveSession("lobby") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no recovery: plays=%d activeSession=%t", d.playCount(), m.Registry.HasActiveSession("lobby"))
}

func TestHealthLoop_exitsWhenUnassigned(t *testing.T) {
	m, _ := testManager(t)
	m.HealthInterval = 20 * time.Millisecond

	addConfig(t, m, "lobby", testVideo(t), nil)
	m.Register(dlnaInfo("lobby"))
	m.EnsureAssigned(context.Background(), "lobby")

	// Clearing the assignment and stopping playback lets the monitor wind
	// down at its next tick.
	m.mu.Lock()
	m.devices["lobby"].assignedVideo = ""
	m.mu.Unlock()
	if err := m.Stop(context.Background(), "lobby"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		done := m.devices["lobby"].healthStop == nil
		m.mu.Unlock()
		if done {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("health monitor never exited")
}

func TestOnSessionFlagged(t *testing.T) {
	m, drivers := testManager(t)
	m.Register(dlnaInfo("lobby"))
	if err := m.Play(context.Background(), "lobby", testVideo(t), false); err != nil {
		t.Fatal(err)
	}
	_ = drivers

	m.onSessionFlagged(stream.Snapshot{DeviceName: "lobby", Status: stream.StatusStalled})
	if snap, _ := m.Get("lobby"); snap.Status != StatusStreamingIssue {
		t.Errorf("status: %s", snap.Status)
	}

	// Pseudo-devices the manager never registered are ignored.
	m.onSessionFlagged(stream.Snapshot{DeviceName: "overlay", Status: stream.StatusStalled})
	if _, ok := m.Get("overlay"); ok {
		t.Error("pseudo-device materialized")
	}
}

func TestFailureLimit(t *testing.T) {
	if got := failureLimit(false); got != healthFailureLimit {
		t.Errorf("default limit: %d", got)
	}
	// Playing with no live session is the strongest distress signal; the
	// monitor must restart by the second observation.
	if got := failureLimit(true); got != healthFailureLimitNoSession || got > 2 {
		t.Errorf("no-session limit: %d", got)
	}
}
