package device

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/beamcast/beamcast/internal/config"
	"github.com/beamcast/beamcast/internal/httpclient"
	"github.com/beamcast/beamcast/internal/metrics"
)

const (
	ssdpAddr = "239.255.255.250:1900"
	ssdpTTL  = 4

	// mSearchWindow is how long one cycle listens for SSDP responses.
	mSearchWindow = 2 * time.Second

	// Grace before an unseen device is even worth a log line. Playing
	// devices get double: a busy renderer answers SSDP lazily.
	unseenGrace        = 10 * time.Second
	unseenGracePlaying = 20 * time.Second
)

// SSDPResponse is one parsed M-SEARCH reply.
type SSDPResponse struct {
	Location string
	ST       string
	USN      string
	Addr     string // responder IP
}

// Search sends one SSDP M-SEARCH for all devices and collects responses for
// the window. Non-AVTransport responders are dropped by the caller.
func Search(ctx context.Context, window time.Duration) ([]SSDPResponse, error) {
	pc, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("ssdp: listen: %w", err)
	}
	defer pc.Close()

	p := ipv4.NewPacketConn(pc)
	if err := p.SetMulticastTTL(ssdpTTL); err != nil {
		log.Printf("discovery: set multicast TTL: %v (continuing)", err)
	}

	dst, err := net.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		return nil, fmt.Errorf("ssdp: resolve %s: %w", ssdpAddr, err)
	}

	msearch := strings.Join([]string{
		"M-SEARCH * HTTP/1.1",
		"HOST: " + ssdpAddr,
		`MAN: "ssdp:discover"`,
		"MX: 10",
		"ST: ssdp:all",
		"", "",
	}, "\r\n")
	if _, err := pc.WriteTo([]byte(msearch), dst); err != nil {
		return nil, fmt.Errorf("ssdp: send: %w", err)
	}

	deadline := time.Now().Add(window)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = pc.SetReadDeadline(deadline)

	var out []SSDPResponse
	seen := make(map[string]bool)
	buf := make([]byte, 4096)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			break // deadline or closed; either way the window is over
		}
		resp, ok := parseSSDPResponse(string(buf[:n]))
		if !ok {
			continue
		}
		if host, _, err := net.SplitHostPort(addr.String()); err == nil {
			resp.Addr = host
		}
		key := resp.USN + "|" + resp.Location
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, resp)
	}
	return out, nil
}

func parseSSDPResponse(raw string) (SSDPResponse, bool) {
	if !strings.HasPrefix(raw, "HTTP/1.1 200") {
		return SSDPResponse{}, false
	}
	var r SSDPResponse
	for _, line := range strings.Split(raw, "\r\n")[1:] {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "LOCATION":
			r.Location = value
		case "ST":
			r.ST = value
		case "USN":
			r.USN = value
		}
	}
	return r, r.Location != ""
}

// wantsDescription filters SSDP responders down to media renderers.
func wantsDescription(st, usn string) bool {
	for _, s := range []string{st, usn} {
		if strings.Contains(s, "AVTransport") || strings.Contains(s, "MediaRenderer") {
			return true
		}
	}
	return false
}

// Description XML shapes. Namespaces are ignored on purpose: firmwares
// disagree about them, local names do not.
type deviceDescription struct {
	Device describedDevice `xml:"device"`
}

type describedDevice struct {
	FriendlyName string             `xml:"friendlyName"`
	Manufacturer string             `xml:"manufacturer"`
	Services     []describedService `xml:"serviceList>service"`
	Embedded     []describedDevice  `xml:"deviceList>device"`
}

type describedService struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
}

func (d *describedDevice) findAVTransport() (describedService, bool) {
	for _, s := range d.Services {
		if strings.Contains(s.ServiceType, "AVTransport") {
			return s, true
		}
	}
	for i := range d.Embedded {
		if s, ok := d.Embedded[i].findAVTransport(); ok {
			return s, true
		}
	}
	return describedService{}, false
}

// FetchDescription retrieves and parses a device description document,
// returning registration info with an absolute AVTransport control URL.
// When the document names no AVTransport service, a conventional control
// path is synthesized so a later action can still be attempted.
func FetchDescription(ctx context.Context, client *http.Client, location string) (RegisterInfo, error) {
	if client == nil {
		client = httpclient.ForDescription()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return RegisterInfo{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return RegisterInfo{}, fmt.Errorf("fetch %s: %w", location, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return RegisterInfo{}, fmt.Errorf("fetch %s: HTTP %d", location, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return RegisterInfo{}, err
	}

	var doc deviceDescription
	if err := xml.Unmarshal(data, &doc); err != nil {
		return RegisterInfo{}, fmt.Errorf("parse %s: %w", location, err)
	}

	base, err := url.Parse(location)
	if err != nil {
		return RegisterInfo{}, err
	}

	info := RegisterInfo{
		Type:         config.TypeDLNA,
		Hostname:     base.Hostname(),
		FriendlyName: doc.Device.FriendlyName,
		Manufacturer: doc.Device.Manufacturer,
		Location:     location,
	}
	if svc, ok := doc.Device.findAVTransport(); ok {
		ctrl, err := base.Parse(svc.ControlURL)
		if err != nil {
			return RegisterInfo{}, fmt.Errorf("control URL %q: %w", svc.ControlURL, err)
		}
		info.ControlURL = ctrl.String()
	} else {
		info.ControlURL = fmt.Sprintf("%s://%s/AVTransport/Control", base.Scheme, base.Host)
		log.Printf("discovery: %s names no AVTransport service; assuming control URL %s", location, info.ControlURL)
	}
	info.Name = info.FriendlyName
	if info.Name == "" {
		info.Name = info.Hostname
	}
	return info, nil
}

// Discoverer runs the SSDP cycle: search, register, converge assignments,
// sweep connectivity and schedules.
type Discoverer struct {
	Manager             *Manager
	Interval            time.Duration // default 10s
	ConnectivityTimeout time.Duration // default 30s; double = purge
	Window              time.Duration // default 2s

	mu         sync.Mutex
	paused     bool
	converging bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// Run executes discovery cycles until ctx is cancelled. One cycle runs
// immediately on entry.
func (dsc *Discoverer) Run(ctx context.Context) error {
	if dsc.Interval <= 0 {
		dsc.Interval = 10 * time.Second
	}
	if dsc.ConnectivityTimeout <= 0 {
		dsc.ConnectivityTimeout = 30 * time.Second
	}
	if dsc.Window <= 0 {
		dsc.Window = mSearchWindow
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	dsc.mu.Lock()
	dsc.cancel = cancel
	dsc.done = done
	dsc.mu.Unlock()
	defer close(done)
	defer cancel()

	log.Printf("discovery: loop started interval=%s window=%s", dsc.Interval, dsc.Window)
	ticker := time.NewTicker(dsc.Interval)
	defer ticker.Stop()

	dsc.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("discovery: loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if dsc.Paused() {
				continue
			}
			dsc.cycle(ctx)
		}
	}
}

// Pause suspends cycles without stopping the loop (manual control sessions
// use this so discovery doesn't fight the operator).
func (dsc *Discoverer) Pause() {
	dsc.mu.Lock()
	dsc.paused = true
	dsc.mu.Unlock()
	log.Printf("discovery: paused")
}

// Resume re-enables cycles.
func (dsc *Discoverer) Resume() {
	dsc.mu.Lock()
	dsc.paused = false
	dsc.mu.Unlock()
	log.Printf("discovery: resumed")
}

func (dsc *Discoverer) Paused() bool {
	dsc.mu.Lock()
	defer dsc.mu.Unlock()
	return dsc.paused
}

// Stop cancels the loop and waits up to a second for it to exit.
func (dsc *Discoverer) Stop() {
	dsc.mu.Lock()
	cancel, done := dsc.cancel, dsc.done
	dsc.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		log.Printf("discovery: stop timed out waiting for loop exit")
	}
}

func (dsc *Discoverer) cycle(ctx context.Context) {
	searchCtx, cancel := context.WithTimeout(ctx, dsc.Window+3*time.Second)
	responses, err := Search(searchCtx, dsc.Window)
	cancel()
	var names []string
	if err != nil {
		log.Printf("discovery: search failed: %v", err)
		metrics.DiscoveryCycles.WithLabelValues("error").Inc()
	} else {
		names = dsc.handleResponses(ctx, responses)
		metrics.DiscoveryCycles.WithLabelValues("ok").Inc()
	}

	names = append(names, dsc.Manager.RegisterConfigured()...)
	dsc.converge(ctx, names)
	dsc.sweepConnectivity()
}

// converge runs the assignment engine for this cycle's sightings on its own
// goroutine: one unreachable renderer replaying with backoff must not stall
// the search cadence or the connectivity sweep. A convergence still running
// from an earlier cycle is left to finish.
func (dsc *Discoverer) converge(ctx context.Context, names []string) {
	dsc.mu.Lock()
	if dsc.converging {
		dsc.mu.Unlock()
		log.Printf("discovery: previous convergence still running; skipping this cycle's")
		return
	}
	dsc.converging = true
	dsc.mu.Unlock()
	go func() {
		defer func() {
			dsc.mu.Lock()
			dsc.converging = false
			dsc.mu.Unlock()
		}()
		for _, name := range names {
			select {
			case <-ctx.Done():
				return
			default:
			}
			dsc.Manager.EnsureAssigned(ctx, name)
		}
		dsc.Manager.SweepScheduled(ctx)
	}()
}

// handleResponses registers the renderers behind this cycle's SSDP replies
// and returns their names for the convergence pass.
func (dsc *Discoverer) handleResponses(ctx context.Context, responses []SSDPResponse) []string {
	var names []string
	fetched := make(map[string]bool)
	for _, resp := range responses {
		if !wantsDescription(resp.ST, resp.USN) {
			continue
		}
		if fetched[resp.Location] {
			continue
		}
		fetched[resp.Location] = true

		descCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		info, err := FetchDescription(descCtx, nil, resp.Location)
		cancel()
		if err != nil {
			log.Printf("discovery: description %s: %v", resp.Location, err)
			continue
		}
		if info.Hostname == "" {
			info.Hostname = resp.Addr
		}
		// A config entry for this host adopts its configured name, so the
		// desired-state table and the fleet agree on identity.
		if name, ok := dsc.configuredName(info.Hostname); ok {
			info.Name = name
		}
		dsc.Manager.Register(info)
		names = append(names, info.Name)
	}
	return names
}

func (dsc *Discoverer) configuredName(hostname string) (string, bool) {
	for _, cfg := range dsc.Manager.Config.GetAll() {
		if cfg.Type == config.TypeDLNA && cfg.Hostname == hostname {
			return cfg.Name, true
		}
	}
	return "", false
}

// sweepConnectivity walks the fleet: unseen past the grace window gets a
// warning, past the timeout goes disconnected with its sessions torn down,
// past double the timeout the device is purged.
func (dsc *Discoverer) sweepConnectivity() {
	now := time.Now()
	for _, snap := range dsc.Manager.List() {
		unseen := now.Sub(snap.LastSeen)
		grace := unseenGrace
		if snap.Playing {
			grace = unseenGracePlaying
		}
		switch {
		case unseen > 2*dsc.ConnectivityTimeout:
			log.Printf("discovery: purging %q after %s unseen", snap.Name, unseen.Round(time.Second))
			dsc.Manager.Unregister(snap.Name)
		case unseen > dsc.ConnectivityTimeout:
			if snap.Status != StatusDisconnected {
				log.Printf("discovery: %q unseen for %s; disconnecting", snap.Name, unseen.Round(time.Second))
				dsc.Manager.SetStatus(snap.Name, StatusDisconnected)
				if dsc.Manager.Registry != nil {
					dsc.Manager.Registry.UnregisterDevice(snap.Name)
				}
			}
		case unseen > grace:
			log.Printf("discovery: %q quiet for %s (grace %s)", snap.Name, unseen.Round(time.Second), grace)
		}
	}
}
