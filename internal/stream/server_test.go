package stream

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestPool(t *testing.T) (*Pool, *Registry) {
	t.Helper()
	reg := newTestRegistry()
	pool := NewPool(reg)
	pool.ServeIP = "127.0.0.1"
	t.Cleanup(func() {
		pool.Close()
		reg.Close()
	})
	return pool, reg
}

func TestPool_startServerAndFetch(t *testing.T) {
	pool, _ := newTestPool(t)
	local := testFile(t, "Demo Video.mp4", "mp4-bytes-here")

	srv, mediaURL, session, err := pool.StartServer("lobby", "file_video", local)
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	if srv.Port < PortRangeStart || srv.Port > PortRangeEnd {
		t.Errorf("port out of range: %d", srv.Port)
	}
	if !strings.Contains(mediaURL, "/file_video/Demo_Video.mp4") {
		t.Errorf("mediaURL: %s", mediaURL)
	}

	resp, err := http.Get(mediaURL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "mp4-bytes-here" {
		t.Errorf("body: %q", body)
	}
	if got := resp.Header.Get("Content-Type"); got != "video/mp4" {
		t.Errorf("Content-Type: %s", got)
	}
	if got := resp.Header.Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges: %s", got)
	}
	if got := resp.Header.Get("TransferMode.DLNA.ORG"); got != "Streaming" {
		t.Errorf("transferMode: %s", got)
	}
	if got := resp.Header.Get("ContentFeatures.DLNA.ORG"); !strings.Contains(got, "DLNA.ORG_OP=01") {
		t.Errorf("contentFeatures: %s", got)
	}

	snap := session.Snapshot()
	if snap.BytesServed == 0 || snap.Status != StatusActive {
		t.Errorf("session after fetch: %+v", snap)
	}
}

func TestServer_rangeRequest(t *testing.T) {
	pool, _ := newTestPool(t)
	local := testFile(t, "v.mp4", "0123456789")

	_, mediaURL, _, err := pool.StartServer("lobby", "file_video", local)
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodGet, mediaURL, nil)
	req.Header.Set("Range", "bytes=2-5")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "2345" {
		t.Errorf("partial body: %q", body)
	}
}

func TestServer_pathFallbacks(t *testing.T) {
	pool, _ := newTestPool(t)
	local := testFile(t, "v.mp4", "data")

	srv, mediaURL, _, err := pool.StartServer("lobby", "file_video", local)
	if err != nil {
		t.Fatal(err)
	}
	base := fmt.Sprintf("http://127.0.0.1:%d", srv.Port)

	// Renderers that drop the path prefix still hit the file via the
	// basename fallback, case-insensitively.
	for _, path := range []string{"/v.mp4", "/V.MP4", "/anything/v.mp4"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: %d", path, resp.StatusCode)
		}
	}

	resp, err := http.Get(base + "/other.mp4")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown file: %d", resp.StatusCode)
	}
	_ = mediaURL
}

func TestServer_subtitlesServedAsText(t *testing.T) {
	pool, _ := newTestPool(t)
	local := testFile(t, "v.srt", "1\n00:00:01,000 --> 00:00:02,000\nhi\n")

	_, mediaURL, _, err := pool.StartServer("lobby", "file_subtitle", local)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get(mediaURL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "text/plain" {
		t.Errorf("Content-Type: %s", got)
	}
}

func TestServer_missingFileIs500(t *testing.T) {
	pool, _ := newTestPool(t)
	local := testFile(t, "v.mp4", "data")

	_, mediaURL, session, err := pool.StartServer("lobby", "file_video", local)
	if err != nil {
		t.Fatal(err)
	}
	os.Remove(local)

	resp, err := http.Get(mediaURL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status: %d", resp.StatusCode)
	}
	if got := session.Snapshot().Status; got != StatusError {
		t.Errorf("session status: %s", got)
	}
}

func TestPool_sequentialPortsAndCap(t *testing.T) {
	pool, _ := newTestPool(t)

	var ports []int
	for i := 0; i < maxServers+2; i++ {
		local := testFile(t, fmt.Sprintf("v%d.mp4", i), "data")
		srv, _, _, err := pool.StartServer("lobby", "file_video", local)
		if err != nil {
			t.Fatalf("StartServer %d: %v", i, err)
		}
		ports = append(ports, srv.Port)
	}

	// Every start probes from the bottom of the range, so ports ascend only
	// while earlier servers are still alive.
	if got := len(pool.Ports()); got > maxServers {
		t.Errorf("servers alive: %d (cap %d)", got, maxServers)
	}
	for i := 1; i < maxServers; i++ {
		if ports[i] <= ports[i-1] {
			t.Errorf("ports not ascending while under cap: %v", ports)
			break
		}
	}
}

func TestPool_stopServer(t *testing.T) {
	pool, reg := newTestPool(t)
	local := testFile(t, "v.mp4", "data")

	srv, mediaURL, session, err := pool.StartServer("lobby", "file_video", local)
	if err != nil {
		t.Fatal(err)
	}
	if !pool.StopServer(srv.Port) {
		t.Fatal("StopServer failed")
	}
	if pool.StopServer(srv.Port) {
		t.Error("second StopServer succeeded")
	}
	if _, err := http.Get(mediaURL); err == nil {
		t.Error("server still answering after StopServer")
	}
	if got := session.Snapshot().Status; got != StatusCompleted {
		t.Errorf("session status: %s", got)
	}
	_ = reg
}
