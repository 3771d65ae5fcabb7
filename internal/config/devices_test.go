package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// testVideo creates a real file so validate() passes.
func testVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "video.mp4")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func validConfig(t *testing.T, name string) DeviceConfig {
	return DeviceConfig{
		Name:      name,
		Type:      TypeDLNA,
		Hostname:  "192.168.1.30",
		ActionURL: "http://192.168.1.30:7000/AVTransport/Control",
		VideoFile: testVideo(t),
	}
}

func TestAdd_andGet(t *testing.T) {
	s := NewService()
	if !s.Add(validConfig(t, "lobby"), "manual") {
		t.Fatal("Add refused valid config")
	}
	got, ok := s.Get("lobby")
	if !ok {
		t.Fatal("Get: missing")
	}
	if got.Hostname != "192.168.1.30" {
		t.Errorf("Hostname: %s", got.Hostname)
	}
	if got.EffectivePriority() != DefaultPriority {
		t.Errorf("EffectivePriority: %d", got.EffectivePriority())
	}
	if !got.LoopEnabled() {
		t.Error("LoopEnabled: false by default")
	}
}

func TestAdd_rejectsInvalid(t *testing.T) {
	s := NewService()
	cases := []struct {
		name string
		mut  func(*DeviceConfig)
	}{
		{"empty name", func(c *DeviceConfig) { c.Name = " " }},
		{"bad type", func(c *DeviceConfig) { c.Type = "chromecast" }},
		{"no hostname", func(c *DeviceConfig) { c.Hostname = "" }},
		{"no action url", func(c *DeviceConfig) { c.ActionURL = "" }},
		{"missing video", func(c *DeviceConfig) { c.VideoFile = "/nonexistent/v.mp4" }},
		{"priority too high", func(c *DeviceConfig) { p := 101; c.Priority = &p }},
		{"priority negative", func(c *DeviceConfig) { p := -1; c.Priority = &p }},
	}
	for _, c := range cases {
		cfg := validConfig(t, "d")
		c.mut(&cfg)
		if s.Add(cfg, "manual") {
			t.Errorf("%s: accepted", c.name)
		}
	}
	if _, ok := s.Get("d"); ok {
		t.Error("invalid entry stored")
	}
}

func TestSourcePriority(t *testing.T) {
	if SourcePriority("devices.json") != 100 {
		t.Error("file source not 100")
	}
	if SourcePriority("manual") != 50 {
		t.Error("manual source not 50")
	}
}

func TestAdd_sourceArbitration(t *testing.T) {
	s := NewService()
	fileCfg := validConfig(t, "lobby")
	if !s.Add(fileCfg, "devices.json") {
		t.Fatal("file add refused")
	}

	// Manual write (50) must not clobber a file-backed entry (100).
	manual := validConfig(t, "lobby")
	manual.Hostname = "10.0.0.9"
	if s.Add(manual, "manual") {
		t.Error("manual overwrote file-backed entry")
	}
	got, _ := s.Get("lobby")
	if got.Hostname != "192.168.1.30" {
		t.Errorf("Hostname after refused write: %s", got.Hostname)
	}

	// Equal source priority overwrites.
	other := validConfig(t, "lobby")
	other.Hostname = "10.0.0.9"
	if !s.Add(other, "other.json") {
		t.Error("equal-priority write refused")
	}
}

func TestUpdate_patchesAndValidates(t *testing.T) {
	s := NewService()
	s.Add(validConfig(t, "lobby"), "manual")

	newVideo := testVideo(t)
	p := 80
	if !s.Update("lobby", Patch{VideoFile: &newVideo, Priority: &p}, "manual") {
		t.Fatal("Update refused")
	}
	got, _ := s.Get("lobby")
	if got.VideoFile != newVideo {
		t.Errorf("VideoFile: %s", got.VideoFile)
	}
	if got.EffectivePriority() != 80 {
		t.Errorf("priority: %d", got.EffectivePriority())
	}

	missing := "/nonexistent/v.mp4"
	if s.Update("lobby", Patch{VideoFile: &missing}, "manual") {
		t.Error("Update accepted missing video")
	}
	got, _ = s.Get("lobby")
	if got.VideoFile != newVideo {
		t.Error("failed update mutated the entry")
	}

	if s.Update("ghost", Patch{}, "manual") {
		t.Error("Update on absent entry succeeded")
	}
}

func TestRemoveAndClear(t *testing.T) {
	s := NewService()
	s.Add(validConfig(t, "a"), "manual")
	s.Add(validConfig(t, "b"), "manual")
	if !s.Remove("a") {
		t.Error("Remove a failed")
	}
	if s.Remove("a") {
		t.Error("second Remove succeeded")
	}
	s.Clear()
	if got := s.GetAll(); len(got) != 0 {
		t.Errorf("after Clear: %d entries", len(got))
	}
}

func TestSaveLoad_roundTrip(t *testing.T) {
	s := NewService()
	cfg := validConfig(t, "lobby")
	p := 70
	loop := false
	sched := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	cfg.Priority = &p
	cfg.Loop = &loop
	cfg.Schedule = &sched
	cfg.EnableOverlaySync = true
	cfg.SyncVideoName = "holiday"
	s.Add(cfg, "manual")

	path := filepath.Join(t.TempDir(), "devices.json")
	if !s.SaveToFile(path, "") {
		t.Fatal("SaveToFile failed")
	}

	s2 := NewService()
	names, err := s2.LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if len(names) != 1 || names[0] != "lobby" {
		t.Fatalf("loaded: %v", names)
	}
	got, _ := s2.Get("lobby")
	if got.EffectivePriority() != 70 || got.LoopEnabled() || got.Schedule == nil || !got.Schedule.Equal(sched) {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !got.EnableOverlaySync || got.SyncVideoName != "holiday" {
		t.Error("overlay fields lost")
	}
}

func TestLoadFromFile_purgesSameSourceAndSkipsBad(t *testing.T) {
	s := NewService()
	path := filepath.Join(t.TempDir(), "devices.json")

	a := validConfig(t, "a")
	b := validConfig(t, "b")
	writeDeviceFile(t, path, []DeviceConfig{a, b})
	if names, err := s.LoadFromFile(path); err != nil || len(names) != 2 {
		t.Fatalf("first load: %v %v", names, err)
	}

	// Reload with b removed and one broken entry: b disappears, broken is
	// skipped, a survives.
	broken := validConfig(t, "c")
	broken.VideoFile = "/nonexistent/v.mp4"
	writeDeviceFile(t, path, []DeviceConfig{a, broken})
	names, err := s.LoadFromFile(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if len(names) != 1 || names[0] != "a" {
		t.Errorf("loaded: %v", names)
	}
	if _, ok := s.Get("b"); ok {
		t.Error("stale entry b survived reload")
	}
	if _, ok := s.Get("c"); ok {
		t.Error("broken entry c stored")
	}
}

func writeDeviceFile(t *testing.T, path string, cfgs []DeviceConfig) {
	t.Helper()
	data, err := json.Marshal(cfgs)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestUpdate_concurrentWithReaders(t *testing.T) {
	s := NewService()
	cfg := validConfig(t, "lobby")
	video := cfg.VideoFile
	if !s.Add(cfg, "manual") {
		t.Fatal("Add refused")
	}

	// Update validation stats the video file between two lock sections, so
	// readers interleave with a writer instead of queueing behind its I/O.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			p := 40 + i%20
			if !s.Update("lobby", Patch{Priority: &p}, "manual") {
				t.Errorf("update %d refused", i)
				return
			}
		}
	}()
	for i := 0; i < 200; i++ {
		s.Get("lobby")
		s.GetAll()
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("updates never finished")
	}
	got, ok := s.Get("lobby")
	if !ok || got.VideoFile != video {
		t.Errorf("entry after churn: %+v ok=%t", got, ok)
	}
}
