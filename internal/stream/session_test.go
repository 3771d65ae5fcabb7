package stream

import (
	"testing"
	"time"
)

func TestSession_lifecycle(t *testing.T) {
	s := newSession("lobby", "/srv/v.mp4", "10.0.0.2", 9000)
	if s.ID == "" {
		t.Fatal("no session ID")
	}
	snap := s.Snapshot()
	if snap.Status != StatusInitializing || !snap.Active {
		t.Fatalf("initial: %+v", snap)
	}

	s.UpdateActivity("10.0.0.30", 4096, 10*time.Millisecond)
	snap = s.Snapshot()
	if snap.Status != StatusActive {
		t.Errorf("status after activity: %s", snap.Status)
	}
	if snap.BytesServed != 4096 || snap.ClientIP != "10.0.0.30" {
		t.Errorf("snapshot: %+v", snap)
	}

	s.Complete()
	snap = s.Snapshot()
	if snap.Status != StatusCompleted || snap.Active || snap.InactiveSince.IsZero() {
		t.Errorf("after Complete: %+v", snap)
	}
}

func TestSession_errorState(t *testing.T) {
	s := newSession("lobby", "/srv/v.mp4", "10.0.0.2", 9000)
	s.SetError("open: no such file")
	snap := s.Snapshot()
	if snap.Status != StatusError || snap.Active || snap.ErrorMessage != "open: no such file" {
		t.Errorf("after SetError: %+v", snap)
	}
}

func TestSession_connectionEvents(t *testing.T) {
	s := newSession("lobby", "/srv/v.mp4", "10.0.0.2", 9000)
	s.Connection("10.0.0.30", true)
	snap := s.Snapshot()
	if snap.Status != StatusActive || snap.ClientConns != 1 {
		t.Errorf("after connect: %+v", snap)
	}

	// A broken transfer on an active session marks it stalled.
	s.Connection("10.0.0.30", false)
	snap = s.Snapshot()
	if snap.Status != StatusStalled || snap.ConnErrors != 1 {
		t.Errorf("after disconnect: %+v", snap)
	}

	// Fresh activity recovers it.
	s.UpdateActivity("10.0.0.30", 1024, time.Millisecond)
	if got := s.Snapshot().Status; got != StatusActive {
		t.Errorf("after recovery: %s", got)
	}
}

func TestSession_bandwidthMeanAndSampleCap(t *testing.T) {
	s := newSession("lobby", "/srv/v.mp4", "10.0.0.2", 9000)
	for i := 0; i < maxBandwidthSamples+5; i++ {
		s.UpdateActivity("10.0.0.30", 1000, 10*time.Millisecond)
	}
	s.mu.Lock()
	samples := len(s.bandwidth)
	s.mu.Unlock()
	if samples != maxBandwidthSamples {
		t.Errorf("retained samples: %d", samples)
	}
	// 1000 bytes per 10ms = 100 KB/s.
	bw := s.Bandwidth()
	if bw < 90_000 || bw > 110_000 {
		t.Errorf("bandwidth: %.0f", bw)
	}
}

func TestSession_connectionHistoryCap(t *testing.T) {
	s := newSession("lobby", "/srv/v.mp4", "10.0.0.2", 9000)
	for i := 0; i < maxConnectionEvents+7; i++ {
		s.Connection("10.0.0.30", true)
	}
	s.mu.Lock()
	events := len(s.connections)
	s.mu.Unlock()
	if events != maxConnectionEvents {
		t.Errorf("retained events: %d", events)
	}
}

func TestSession_markStalledOnlyFromLiveStates(t *testing.T) {
	s := newSession("lobby", "/srv/v.mp4", "10.0.0.2", 9000)
	s.markStalled()
	if got := s.Snapshot().Status; got != StatusStalled {
		t.Errorf("from initializing: %s", got)
	}

	s2 := newSession("lobby", "/srv/v.mp4", "10.0.0.2", 9000)
	s2.Complete()
	s2.markStalled()
	if got := s2.Snapshot().Status; got != StatusCompleted {
		t.Errorf("completed session restalled: %s", got)
	}
}

func TestSession_errorSurvivesCompletion(t *testing.T) {
	s := newSession("lobby", "/srv/v.mp4", "10.0.0.2", 9000)
	s.SetError("renderer refused transport")
	// Server teardown completes its sessions; a terminal error must not be
	// papered over as a graceful stop.
	s.Complete()
	snap := s.Snapshot()
	if snap.Status != StatusError || snap.ErrorMessage != "renderer refused transport" {
		t.Errorf("after teardown: status=%s msg=%q", snap.Status, snap.ErrorMessage)
	}
}
