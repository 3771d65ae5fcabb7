// Package overlay fires the best-effort overlay-sync side effect when a
// device with overlay sync enabled starts playing. Failures are logged and
// never propagate: the overlay subsystem is an optional collaborator.
package overlay

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/url"

	"github.com/beamcast/beamcast/internal/httpclient"
)

// Notifier posts sync triggers to the overlay subsystem.
type Notifier struct {
	BaseURL string // e.g. http://localhost:8000
	Client  *http.Client
}

// Sync notifies the overlay subsystem that videoName started on a renderer.
func (n *Notifier) Sync(ctx context.Context, videoName string) {
	if n == nil || n.BaseURL == "" {
		return
	}
	client := n.Client
	if client == nil {
		client = httpclient.ForOverlay()
	}
	u := n.BaseURL + "/api/overlay/sync?triggered_by=dlna_auto_play&video_name=" + url.QueryEscape(videoName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		log.Printf("overlay: build sync request: %v", err)
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Printf("overlay: sync for %q failed: %v", videoName, err)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("overlay: sync for %q: HTTP %d", videoName, resp.StatusCode)
	}
}
