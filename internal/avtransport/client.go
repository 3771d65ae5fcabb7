// Package avtransport drives DLNA renderers through the UPnP AVTransport
// SOAP protocol and keeps an assigned video looping via a per-device monitor.
package avtransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/beamcast/beamcast/internal/httpclient"
	"github.com/beamcast/beamcast/internal/metrics"
	"github.com/beamcast/beamcast/internal/retry"
)

// ServiceTypeAVTransport is the UPnP service this driver speaks.
const ServiceTypeAVTransport = "urn:schemas-upnp-org:service:AVTransport:1"

const (
	actionRetries    = 3
	actionRetryPause = 2 * time.Second
)

// Transport states reported by GetTransportInfo.
const (
	StatePlaying        = "PLAYING"
	StatePausedPlayback = "PAUSED_PLAYBACK"
	StateStopped        = "STOPPED"
	StateUnknown        = "UNKNOWN"
)

// Client sends AVTransport actions to one renderer endpoint. Calls to the
// same endpoint never overlap: every action holds the process-wide per-device
// slot for the duration of the HTTP exchange.
type Client struct {
	ControlURL  string
	ServiceType string // defaults to ServiceTypeAVTransport
	HTTPClient  *http.Client
	Sem         *httpclient.DeviceSemaphore
}

func NewClient(controlURL string) *Client {
	return &Client{ControlURL: controlURL}
}

func (c *Client) serviceType() string {
	if c.ServiceType != "" {
		return c.ServiceType
	}
	return ServiceTypeAVTransport
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return httpclient.ForSOAP()
}

func (c *Client) sem() *httpclient.DeviceSemaphore {
	if c.Sem != nil {
		return c.Sem
	}
	return httpclient.ControlSem
}

// arg is one ordered action argument; AVTransport argument order matters to
// some firmwares, so a map is not an option.
type arg struct{ name, value string }

func envelope(action, serviceType string, args []arg) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	b.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` + "\n")
	b.WriteString("<s:Body>\n")
	fmt.Fprintf(&b, `<u:%s xmlns:u="%s">`+"\n", action, serviceType)
	b.WriteString("<InstanceID>0</InstanceID>\n")
	for _, a := range args {
		fmt.Fprintf(&b, "<%s>%s</%s>\n", a.name, a.value, a.name)
	}
	fmt.Fprintf(&b, "</u:%s>\n", action)
	b.WriteString("</s:Body>\n</s:Envelope>\n")
	return b.String()
}

// invoke sends one action with the standard bounded retry (3 attempts, 2s
// pause). The response body is returned for actions that report state.
func (c *Client) invoke(ctx context.Context, action string, args []arg) (string, error) {
	body := envelope(action, c.serviceType(), args)
	var respBody string
	err := retry.Do(ctx, actionRetries, actionRetryPause, func() error {
		var attemptErr error
		respBody, attemptErr = c.post(ctx, action, body)
		return attemptErr
	})
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.SOAPActions.WithLabelValues(action, result).Inc()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", action, c.ControlURL, err)
	}
	return respBody, nil
}

func (c *Client) post(ctx context.Context, action, body string) (string, error) {
	release := c.sem().Acquire(c.ControlURL)
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ControlURL, bytes.NewBufferString(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", fmt.Sprintf("%q", c.serviceType()+"#"+action))

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, firstLine(string(data)))
	}
	return string(data), nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// SetURI points the renderer at mediaURL with DIDL-Lite metadata.
func (c *Client) SetURI(ctx context.Context, mediaURL, metadata string) error {
	_, err := c.invoke(ctx, "SetAVTransportURI", []arg{
		{"CurrentURI", xmlEscape(mediaURL)},
		{"CurrentURIMetaData", xmlEscape(metadata)},
	})
	return err
}

// Play starts playback at speed 1.
func (c *Client) Play(ctx context.Context) error {
	_, err := c.invoke(ctx, "Play", []arg{{"Speed", "1"}})
	return err
}

// Pause pauses playback.
func (c *Client) Pause(ctx context.Context) error {
	_, err := c.invoke(ctx, "Pause", nil)
	return err
}

// Stop halts playback.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.invoke(ctx, "Stop", nil)
	return err
}

// Seek jumps to the given position (REL_TIME, HH:MM:SS).
func (c *Client) Seek(ctx context.Context, to time.Duration) error {
	_, err := c.invoke(ctx, "Seek", []arg{
		{"Unit", "REL_TIME"},
		{"Target", FormatClock(to)},
	})
	return err
}

// TransportInfo is the state reported by GetTransportInfo.
type TransportInfo struct {
	State  string // PLAYING, PAUSED_PLAYBACK, STOPPED, ...
	Status string // OK or ERROR_OCCURRED
}

// GetTransportInfo queries the renderer's transport state.
func (c *Client) GetTransportInfo(ctx context.Context) (TransportInfo, error) {
	resp, err := c.invoke(ctx, "GetTransportInfo", nil)
	if err != nil {
		return TransportInfo{}, err
	}
	info := TransportInfo{
		State:  extractTag(resp, "CurrentTransportState"),
		Status: extractTag(resp, "CurrentTransportStatus"),
	}
	if info.State == "" {
		info.State = StateUnknown
	}
	return info, nil
}

// PositionInfo is the position reported by GetPositionInfo.
type PositionInfo struct {
	TrackDuration string // HH:MM:SS
	RelTime       string // HH:MM:SS
	TrackURI      string
}

// GetPositionInfo queries the renderer's playback position.
func (c *Client) GetPositionInfo(ctx context.Context) (PositionInfo, error) {
	resp, err := c.invoke(ctx, "GetPositionInfo", nil)
	if err != nil {
		return PositionInfo{}, err
	}
	return PositionInfo{
		TrackDuration: extractTag(resp, "TrackDuration"),
		RelTime:       extractTag(resp, "RelTime"),
		TrackURI:      extractTag(resp, "TrackURI"),
	}, nil
}

// extractTag pulls the text of the first element whose local name matches,
// tolerating any namespace prefix. SOAP responses from renderers vary wildly
// in prefixes, so this is deliberately looser than a schema-aware parse.
func extractTag(xmlBody, local string) string {
	rest := xmlBody
	for {
		i := strings.Index(rest, local+">")
		if i < 0 {
			return ""
		}
		// Must be an opening tag: "<local>" or "<prefix:local>".
		start := strings.LastIndexByte(rest[:i], '<')
		if start < 0 {
			return ""
		}
		tag := rest[start+1 : i]
		if strings.HasPrefix(tag, "/") || (tag != "" && !strings.HasSuffix(tag, ":")) {
			rest = rest[i+len(local)+1:]
			continue
		}
		body := rest[i+len(local)+1:]
		end := strings.Index(body, "</")
		if end < 0 {
			return ""
		}
		return strings.TrimSpace(body[:end])
	}
}
