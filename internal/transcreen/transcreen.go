// Package transcreen drives Transcreen projector endpoints. Transcreen
// devices expose a plain HTTP control API instead of UPnP, but the driver
// honors the same play/stop/pause/seek contract as the DLNA renderer so the
// device manager never branches on renderer type.
package transcreen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/beamcast/beamcast/internal/httpclient"
	"github.com/beamcast/beamcast/internal/retry"
)

const (
	commandRetries    = 3
	commandRetryPause = 2 * time.Second
)

// Renderer is the driver for one Transcreen device.
type Renderer struct {
	Name       string
	ActionURL  string
	AirplayURL string // when set, played instead of the HTTP streaming URL
	HTTPClient *http.Client

	mu           sync.Mutex
	playing      bool
	currentVideo string
}

func NewRenderer(name, actionURL string) *Renderer {
	return &Renderer{Name: name, ActionURL: actionURL}
}

type command struct {
	Command  string  `json:"command"`
	URL      string  `json:"url,omitempty"`
	Loop     bool    `json:"loop,omitempty"`
	Position float64 `json:"position,omitempty"`
}

func (r *Renderer) httpClient() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return httpclient.ForSOAP()
}

func (r *Renderer) send(ctx context.Context, cmd command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return retry.Do(ctx, commandRetries, commandRetryPause, func() error {
		release := httpclient.ControlSem.Acquire(r.ActionURL)
		defer release()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.ActionURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := r.httpClient().Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("transcreen %s: HTTP %d", cmd.Command, resp.StatusCode)
		}
		return nil
	})
}

// Play sends the play command. Transcreen loops device-side, so no loop
// monitor is needed; localPath is accepted for contract parity and unused.
func (r *Renderer) Play(ctx context.Context, mediaURL, localPath string, loop bool) error {
	_ = localPath
	target := mediaURL
	if r.AirplayURL != "" {
		target = r.AirplayURL
	}
	if err := r.send(ctx, command{Command: "play", URL: target, Loop: loop}); err != nil {
		return err
	}
	r.mu.Lock()
	r.playing = true
	r.currentVideo = target
	r.mu.Unlock()
	log.Printf("driver[%s]: transcreen playing url=%s loop=%t", r.Name, target, loop)
	return nil
}

func (r *Renderer) Stop(ctx context.Context) error {
	err := r.send(ctx, command{Command: "stop"})
	r.mu.Lock()
	r.playing = false
	r.currentVideo = ""
	r.mu.Unlock()
	return err
}

func (r *Renderer) Pause(ctx context.Context) error {
	if err := r.send(ctx, command{Command: "pause"}); err != nil {
		return err
	}
	r.mu.Lock()
	r.playing = false
	r.mu.Unlock()
	return nil
}

func (r *Renderer) Seek(ctx context.Context, to time.Duration) error {
	return r.send(ctx, command{Command: "seek", Position: to.Seconds()})
}

func (r *Renderer) Playing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}

func (r *Renderer) CurrentVideo() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentVideo
}

// LoopActive is always false: looping is device-side on Transcreen.
func (r *Renderer) LoopActive() bool { return false }
