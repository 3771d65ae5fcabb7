package avtransport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// soapRecorder captures AVTransport requests and answers with canned bodies.
type soapRecorder struct {
	mu       sync.Mutex
	actions  []string
	bodies   []string
	respond  map[string]string // action -> response body
	failFor  map[string]int    // action -> remaining 500s before success
}

func (s *soapRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		action := strings.Trim(r.Header.Get("SOAPAction"), `"`)
		if i := strings.IndexByte(action, '#'); i >= 0 {
			action = action[i+1:]
		}
		s.mu.Lock()
		s.actions = append(s.actions, action)
		s.bodies = append(s.bodies, string(body))
		remaining := s.failFor[action]
		if remaining > 0 {
			s.failFor[action] = remaining - 1
		}
		resp := s.respond[action]
		s.mu.Unlock()
		if remaining > 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if resp == "" {
			resp = soapResponse(action, "")
		}
		w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
		fmt.Fprint(w, resp)
	}
}

func (s *soapRecorder) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.actions...)
}

func (s *soapRecorder) lastBody() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bodies) == 0 {
		return ""
	}
	return s.bodies[len(s.bodies)-1]
}

func soapResponse(action, inner string) string {
	return `<?xml version="1.0"?>` +
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>` +
		`<u:` + action + `Response xmlns:u="` + ServiceTypeAVTransport + `">` + inner +
		`</u:` + action + `Response></s:Body></s:Envelope>`
}

func newTestClient(url string) *Client {
	return &Client{ControlURL: url}
}

func TestClient_playSendsEnvelope(t *testing.T) {
	rec := &soapRecorder{respond: map[string]string{}, failFor: map[string]int{}}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	c := newTestClient(srv.URL)
	if err := c.Play(context.Background()); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := rec.got(); len(got) != 1 || got[0] != "Play" {
		t.Fatalf("actions: %v", got)
	}
	body := rec.lastBody()
	for _, want := range []string{"<InstanceID>0</InstanceID>", "<Speed>1</Speed>", ServiceTypeAVTransport} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}

func TestClient_setURIEscapesMetadata(t *testing.T) {
	rec := &soapRecorder{respond: map[string]string{}, failFor: map[string]int{}}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	c := newTestClient(srv.URL)
	didl := BuildDIDL("http://10.0.0.2:9000/file_video/demo.mp4", "demo", time.Minute)
	if err := c.SetURI(context.Background(), "http://10.0.0.2:9000/file_video/demo.mp4", didl); err != nil {
		t.Fatalf("SetURI: %v", err)
	}
	body := rec.lastBody()
	if !strings.Contains(body, "&lt;DIDL-Lite") {
		t.Error("metadata not escaped into the envelope")
	}
	if strings.Contains(body, "<DIDL-Lite") {
		t.Error("raw DIDL leaked into the envelope")
	}
}

func TestClient_retriesOnServerError(t *testing.T) {
	rec := &soapRecorder{respond: map[string]string{}, failFor: map[string]int{"Stop": 2}}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	c := newTestClient(srv.URL)
	start := time.Now()
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after retries: %v", err)
	}
	if got := rec.got(); len(got) != 3 {
		t.Errorf("attempts: %d", len(got))
	}
	if time.Since(start) < 2*actionRetryPause {
		t.Error("retries did not pause")
	}
}

func TestClient_getTransportInfo(t *testing.T) {
	rec := &soapRecorder{
		respond: map[string]string{
			"GetTransportInfo": soapResponse("GetTransportInfo",
				"<CurrentTransportState>PLAYING</CurrentTransportState><CurrentTransportStatus>OK</CurrentTransportStatus>"),
		},
		failFor: map[string]int{},
	}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	info, err := newTestClient(srv.URL).GetTransportInfo(context.Background())
	if err != nil {
		t.Fatalf("GetTransportInfo: %v", err)
	}
	if info.State != StatePlaying || info.Status != "OK" {
		t.Errorf("info: %+v", info)
	}
}

func TestClient_getPositionInfo(t *testing.T) {
	rec := &soapRecorder{
		respond: map[string]string{
			"GetPositionInfo": soapResponse("GetPositionInfo",
				"<TrackDuration>0:03:20</TrackDuration><RelTime>0:01:05</RelTime><TrackURI>http://x/v.mp4</TrackURI>"),
		},
		failFor: map[string]int{},
	}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	pos, err := newTestClient(srv.URL).GetPositionInfo(context.Background())
	if err != nil {
		t.Fatalf("GetPositionInfo: %v", err)
	}
	if pos.TrackDuration != "0:03:20" || pos.RelTime != "0:01:05" || pos.TrackURI != "http://x/v.mp4" {
		t.Errorf("pos: %+v", pos)
	}
}

func TestClient_seekFormatsTarget(t *testing.T) {
	rec := &soapRecorder{respond: map[string]string{}, failFor: map[string]int{}}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	c := newTestClient(srv.URL)
	if err := c.Seek(context.Background(), 95*time.Second); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	body := rec.lastBody()
	if !strings.Contains(body, "<Unit>REL_TIME</Unit>") || !strings.Contains(body, "<Target>00:01:35</Target>") {
		t.Errorf("seek body:\n%s", body)
	}
}

func TestExtractTag(t *testing.T) {
	cases := []struct {
		name, xml, tag, want string
	}{
		{"no prefix", "<CurrentTransportState>PLAYING</CurrentTransportState>", "CurrentTransportState", "PLAYING"},
		{"with prefix", "<u:RelTime>0:00:05</u:RelTime>", "RelTime", "0:00:05"},
		{"absent", "<Other>x</Other>", "RelTime", ""},
		{"empty element", "<RelTime></RelTime>", "RelTime", ""},
		{"skips closing tag first", "</RelTime><RelTime>0:00:09</RelTime>", "RelTime", "0:00:09"},
		{"whitespace trimmed", "<RelTime> 0:00:07 </RelTime>", "RelTime", "0:00:07"},
	}
	for _, c := range cases {
		if got := extractTag(c.xml, c.tag); got != c.want {
			t.Errorf("%s: extractTag = %q, want %q", c.name, got, c.want)
		}
	}
}
