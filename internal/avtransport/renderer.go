package avtransport

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Renderer is the driver for one DLNA device: it translates play/stop/pause/
// seek into AVTransport actions and owns the device's loop monitor.
type Renderer struct {
	Name        string
	FFprobePath string

	client *Client

	mu           sync.Mutex
	monitor      *LoopMonitor
	currentVideo string
	playing      bool
}

func NewRenderer(name, controlURL string) *Renderer {
	return &Renderer{Name: name, client: NewClient(controlURL)}
}

// Client exposes the underlying SOAP client (used by tests and the manager's
// transport probes).
func (r *Renderer) Client() *Client { return r.client }

// Play points the renderer at mediaURL and starts playback. localPath is the
// backing file used for ffprobe duration sensing ("" to skip). With loop set,
// a loop monitor is started; an existing monitor is stopped and replaced.
func (r *Renderer) Play(ctx context.Context, mediaURL, localPath string, loop bool) error {
	r.mu.Lock()
	r.currentVideo = mediaURL
	r.mu.Unlock()

	sensor := &DurationSensor{LocalPath: localPath, FFprobePath: r.FFprobePath, Client: r.client}
	didl := BuildDIDL(mediaURL, titleFromURL(mediaURL), sensor.Known)

	if err := r.client.SetURI(ctx, mediaURL, didl); err != nil {
		return err
	}
	if err := r.client.Play(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.playing = true
	if r.monitor != nil {
		r.monitor.Stop()
		r.monitor = nil
	}
	if loop {
		m := &LoopMonitor{
			Name:     r.Name,
			Client:   r.client,
			Sensor:   sensor,
			MediaURL: mediaURL,
			Title:    titleFromURL(mediaURL),
		}
		m.Start()
		r.monitor = m
	}
	r.mu.Unlock()

	log.Printf("driver[%s]: playing url=%s loop=%t", r.Name, mediaURL, loop)
	return nil
}

// Stop disables the loop, halts the transport and clears the current video.
// The loop flag is flipped before the Stop action goes out so a concurrently
// waking monitor cannot restart the video we are stopping.
func (r *Renderer) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.monitor != nil {
		r.monitor.Stop()
		r.monitor = nil
	}
	r.mu.Unlock()

	err := r.client.Stop(ctx)

	r.mu.Lock()
	r.playing = false
	r.currentVideo = ""
	r.mu.Unlock()
	if err != nil {
		return err
	}
	log.Printf("driver[%s]: stopped", r.Name)
	return nil
}

// Pause pauses the transport; the loop monitor stays alive and will resume
// playback on its next restart.
func (r *Renderer) Pause(ctx context.Context) error {
	if err := r.client.Pause(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	r.playing = false
	r.mu.Unlock()
	return nil
}

// Seek jumps to the given position.
func (r *Renderer) Seek(ctx context.Context, to time.Duration) error {
	return r.client.Seek(ctx, to)
}

// Playing reports the driver's view of the transport.
func (r *Renderer) Playing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}

// CurrentVideo returns the URL most recently handed to Play, "" after Stop.
func (r *Renderer) CurrentVideo() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentVideo
}

// LoopActive reports whether a loop monitor is currently running.
func (r *Renderer) LoopActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.monitor != nil && r.monitor.Running()
}

func titleFromURL(mediaURL string) string {
	base := filepath.Base(mediaURL)
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
