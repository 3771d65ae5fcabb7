package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

// Renderer types accepted in device configs.
const (
	TypeDLNA       = "dlna"
	TypeTranscreen = "transcreen"
)

const (
	// DefaultPriority applies when a config carries no priority.
	DefaultPriority = 50
	// MaxPriority is the ceiling for configured and scheduled assignments.
	MaxPriority = 100

	lockTimeout = 5 * time.Second
)

// DeviceConfig is one desired-state entry: which video a named renderer
// should be playing and how to reach it. Matches the on-disk JSON schema.
type DeviceConfig struct {
	Name         string `json:"device_name"`
	Type         string `json:"type"`
	Hostname     string `json:"hostname"`
	ActionURL    string `json:"action_url"`
	VideoFile    string `json:"video_file"`
	FriendlyName string `json:"friendly_name,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Location     string `json:"location,omitempty"`

	Priority *int       `json:"priority,omitempty"` // 0–100, default 50
	Loop     *bool      `json:"loop,omitempty"`     // default true
	Schedule *time.Time `json:"schedule,omitempty"` // wall-clock start time

	AirplayMode       bool   `json:"airplay_mode,omitempty"`
	AirplayURL        string `json:"airplay_url,omitempty"`
	EnableOverlaySync bool   `json:"enable_overlay_sync,omitempty"`
	SyncVideoName     string `json:"sync_video_name,omitempty"`
}

// EffectivePriority returns the configured priority or DefaultPriority.
func (c *DeviceConfig) EffectivePriority() int {
	if c.Priority == nil {
		return DefaultPriority
	}
	return *c.Priority
}

// LoopEnabled returns the loop flag, defaulting to true.
func (c *DeviceConfig) LoopEnabled() bool {
	return c.Loop == nil || *c.Loop
}

func (c *DeviceConfig) validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("device_name required")
	}
	if c.Type != TypeDLNA && c.Type != TypeTranscreen {
		return fmt.Errorf("type must be %q or %q, got %q", TypeDLNA, TypeTranscreen, c.Type)
	}
	if strings.TrimSpace(c.Hostname) == "" {
		return fmt.Errorf("hostname required")
	}
	if strings.TrimSpace(c.ActionURL) == "" {
		return fmt.Errorf("action_url required")
	}
	if strings.TrimSpace(c.VideoFile) == "" {
		return fmt.Errorf("video_file required")
	}
	if _, err := os.Stat(c.VideoFile); err != nil {
		return fmt.Errorf("video_file %s: %w", c.VideoFile, err)
	}
	if c.Priority != nil && (*c.Priority < 0 || *c.Priority > MaxPriority) {
		return fmt.Errorf("priority %d out of range 0–%d", *c.Priority, MaxPriority)
	}
	return nil
}

// clone returns a deep copy so callers never hold references into the table.
func (c DeviceConfig) clone() DeviceConfig {
	out := c
	if c.Priority != nil {
		p := *c.Priority
		out.Priority = &p
	}
	if c.Loop != nil {
		l := *c.Loop
		out.Loop = &l
	}
	if c.Schedule != nil {
		s := *c.Schedule
		out.Schedule = &s
	}
	return out
}

// Patch is a partial update: nil fields keep their current values.
type Patch struct {
	VideoFile  *string
	Priority   *int
	Loop       *bool
	Schedule   *time.Time
	ActionURL  *string
	Hostname   *string
	AirplayURL *string
}

type entry struct {
	cfg    DeviceConfig
	source string
}

// Service is the thread-safe source of truth for device desired state.
// Writes are arbitrated by source priority: a file-backed source (name ending
// in .json, priority 100) cannot be overwritten by a manual write (50).
//
// The table lock is acquired with a timeout; on contention past the deadline
// operations return a safe default instead of blocking the caller forever.
type Service struct {
	sem     chan struct{}
	entries map[string]entry
}

func NewService() *Service {
	return &Service{
		sem:     make(chan struct{}, 1),
		entries: make(map[string]entry),
	}
}

// SourcePriority ranks config sources: file sources win over manual ones.
func SourcePriority(source string) int {
	if strings.HasSuffix(source, ".json") {
		return 100
	}
	return 50
}

func (s *Service) acquire() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	case <-time.After(lockTimeout):
		log.Printf("config: lock acquisition timed out after %s", lockTimeout)
		return false
	}
}

func (s *Service) release() { <-s.sem }

// Add validates cfg and stores it under cfg.Name with the given source.
// Returns false on validation failure, source-priority refusal or lock
// timeout; failures are logged, never raised.
func (s *Service) Add(cfg DeviceConfig, source string) bool {
	if err := cfg.validate(); err != nil {
		log.Printf("config: reject %q from %s: %v", cfg.Name, source, err)
		return false
	}
	if !s.acquire() {
		return false
	}
	defer s.release()
	if cur, ok := s.entries[cfg.Name]; ok && SourcePriority(source) < SourcePriority(cur.source) {
		log.Printf("config: refuse %q: source %s (prio %d) below current %s (prio %d)",
			cfg.Name, source, SourcePriority(source), cur.source, SourcePriority(cur.source))
		return false
	}
	s.entries[cfg.Name] = entry{cfg: cfg.clone(), source: source}
	return true
}

// Get returns a defensive copy of the named entry.
func (s *Service) Get(name string) (DeviceConfig, bool) {
	if !s.acquire() {
		return DeviceConfig{}, false
	}
	defer s.release()
	e, ok := s.entries[name]
	if !ok {
		return DeviceConfig{}, false
	}
	return e.cfg.clone(), true
}

// GetAll returns copies of all entries, sorted by name.
func (s *Service) GetAll() []DeviceConfig {
	if !s.acquire() {
		return nil
	}
	out := make([]DeviceConfig, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.cfg.clone())
	}
	s.release()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Update merges patch into the named entry and records the new source.
// Subject to the same source-priority arbitration as Add. Validation stats
// the video file, so it runs between two lock sections rather than under the
// lock; the store step re-checks arbitration in case the entry moved.
func (s *Service) Update(name string, patch Patch, source string) bool {
	if !s.acquire() {
		return false
	}
	cur, ok := s.entries[name]
	if !ok {
		s.release()
		log.Printf("config: update %q: no such entry", name)
		return false
	}
	if SourcePriority(source) < SourcePriority(cur.source) {
		s.release()
		log.Printf("config: refuse update %q: source %s below %s", name, source, cur.source)
		return false
	}
	next := cur.cfg.clone()
	s.release()

	if patch.VideoFile != nil {
		next.VideoFile = *patch.VideoFile
	}
	if patch.Priority != nil {
		p := *patch.Priority
		next.Priority = &p
	}
	if patch.Loop != nil {
		l := *patch.Loop
		next.Loop = &l
	}
	if patch.Schedule != nil {
		t := *patch.Schedule
		next.Schedule = &t
	}
	if patch.ActionURL != nil {
		next.ActionURL = *patch.ActionURL
	}
	if patch.Hostname != nil {
		next.Hostname = *patch.Hostname
	}
	if patch.AirplayURL != nil {
		next.AirplayURL = *patch.AirplayURL
	}
	if err := next.validate(); err != nil {
		log.Printf("config: reject update %q: %v", name, err)
		return false
	}

	if !s.acquire() {
		return false
	}
	defer s.release()
	if cur, ok := s.entries[name]; !ok || SourcePriority(source) < SourcePriority(cur.source) {
		log.Printf("config: update %q lost arbitration during validation", name)
		return false
	}
	s.entries[name] = entry{cfg: next, source: source}
	return true
}

// Remove drops the named entry. Returns false when absent.
func (s *Service) Remove(name string) bool {
	if !s.acquire() {
		return false
	}
	defer s.release()
	if _, ok := s.entries[name]; !ok {
		return false
	}
	delete(s.entries, name)
	return true
}

// Clear drops all entries.
func (s *Service) Clear() {
	if !s.acquire() {
		return
	}
	s.entries = make(map[string]entry)
	s.release()
}

// LoadFromFile reads a JSON array of device configs. Entries previously
// loaded from the same path are purged first so a reload reflects the file
// exactly. Per-entry failures are logged and skipped. Returns the names of
// successfully loaded entries.
func (s *Service) LoadFromFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var cfgs []DeviceConfig
	if err := json.Unmarshal(data, &cfgs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if !s.acquire() {
		return nil, fmt.Errorf("config table busy")
	}
	for name, e := range s.entries {
		if e.source == path {
			delete(s.entries, name)
		}
	}
	s.release()

	loaded := make([]string, 0, len(cfgs))
	for _, cfg := range cfgs {
		if s.Add(cfg, path) {
			loaded = append(loaded, cfg.Name)
		}
	}
	log.Printf("config: loaded %d/%d entries from %s", len(loaded), len(cfgs), path)
	return loaded, nil
}

// SaveToFile writes the table (optionally filtered to one source) as a JSON
// array, atomically. filterSource "" writes everything.
func (s *Service) SaveToFile(path, filterSource string) bool {
	if !s.acquire() {
		return false
	}
	out := make([]DeviceConfig, 0, len(s.entries))
	for _, e := range s.entries {
		if filterSource != "" && e.source != filterSource {
			continue
		}
		out = append(out, e.cfg.clone())
	}
	s.release()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		log.Printf("config: marshal for %s: %v", path, err)
		return false
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		log.Printf("config: write %s: %v", path, err)
		return false
	}
	return true
}
