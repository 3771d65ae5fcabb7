package transcreen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type commandRecorder struct {
	mu       sync.Mutex
	commands []command
	failures int // 500s to serve before succeeding
}

func (c *commandRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cmd command
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		c.mu.Lock()
		c.commands = append(c.commands, cmd)
		fail := c.failures > 0
		if fail {
			c.failures--
		}
		c.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (c *commandRecorder) got() []command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]command(nil), c.commands...)
}

func TestPlay_sendsCommandAndTracksState(t *testing.T) {
	rec := &commandRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	r := NewRenderer("projector", srv.URL)
	if err := r.Play(context.Background(), "http://10.0.0.2:9000/file_video/demo.mp4", "/srv/demo.mp4", true); err != nil {
		t.Fatalf("Play: %v", err)
	}
	got := rec.got()
	if len(got) != 1 {
		t.Fatalf("commands: %v", got)
	}
	if got[0].Command != "play" || got[0].URL != "http://10.0.0.2:9000/file_video/demo.mp4" || !got[0].Loop {
		t.Errorf("command: %+v", got[0])
	}
	if !r.Playing() {
		t.Error("Playing: false after Play")
	}
	if r.CurrentVideo() == "" {
		t.Error("CurrentVideo empty after Play")
	}
	if r.LoopActive() {
		t.Error("LoopActive must be false: looping is device-side")
	}
}

func TestPlay_airplayURLOverrides(t *testing.T) {
	rec := &commandRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	r := NewRenderer("projector", srv.URL)
	r.AirplayURL = "airplay://lobby-screen"
	if err := r.Play(context.Background(), "http://10.0.0.2:9000/file_video/demo.mp4", "", false); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := rec.got(); got[0].URL != "airplay://lobby-screen" {
		t.Errorf("URL: %s", got[0].URL)
	}
}

func TestStop_clearsState(t *testing.T) {
	rec := &commandRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	r := NewRenderer("projector", srv.URL)
	if err := r.Play(context.Background(), "http://x/v.mp4", "", false); err != nil {
		t.Fatal(err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if r.Playing() || r.CurrentVideo() != "" {
		t.Error("state not cleared after Stop")
	}
	got := rec.got()
	if got[len(got)-1].Command != "stop" {
		t.Errorf("last command: %+v", got[len(got)-1])
	}
}

func TestSeek_sendsPositionSeconds(t *testing.T) {
	rec := &commandRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	r := NewRenderer("projector", srv.URL)
	if err := r.Seek(context.Background(), 90*time.Second); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	got := rec.got()
	if got[0].Command != "seek" || got[0].Position != 90 {
		t.Errorf("command: %+v", got[0])
	}
}

func TestSend_retriesOnServerError(t *testing.T) {
	rec := &commandRecorder{failures: 2}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	r := NewRenderer("projector", srv.URL)
	if err := r.Pause(context.Background()); err != nil {
		t.Fatalf("Pause after retries: %v", err)
	}
	if got := rec.got(); len(got) != 3 {
		t.Errorf("attempts: %d", len(got))
	}
}
