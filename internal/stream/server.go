package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/beamcast/beamcast/internal/avtransport"
	"github.com/beamcast/beamcast/internal/netutil"
)

const (
	// PortRangeStart..PortRangeEnd is the bind-probe window for per-video
	// servers. Renderers cache URLs aggressively, so every (re)start walks
	// the range from the bottom instead of reusing ephemeral ports.
	PortRangeStart = 9000
	PortRangeEnd   = 9100

	// maxServers caps concurrently running file servers. Starting server
	// N+1 shuts the oldest down first.
	maxServers = 5
)

// Server is one HTTP file server bound to a port in the pool, serving the
// resources registered on it.
type Server struct {
	IP   string
	Port int

	mu        sync.Mutex
	resources map[string]string // URL path (exact, with leading /) -> local file path
	sessions  map[string]*Session

	listener net.Listener
	httpSrv  *http.Server
	started  time.Time

	logLimiter *rate.Limiter
}

// Pool starts and retires file servers within the port range.
type Pool struct {
	Registry *Registry
	ServeIP  string // overrides netutil.ServeIP when set

	mu      sync.Mutex
	servers []*Server
}

func NewPool(reg *Registry) *Pool {
	return &Pool{Registry: reg}
}

func (p *Pool) serveIP() (string, error) {
	if p.ServeIP != "" {
		return p.ServeIP, nil
	}
	return netutil.ServeIP()
}

// StartServer binds the next free port in the range and starts serving the
// given file under /<fileKey>/<slug>. It returns the server, the full URL a
// renderer should fetch, and the session tracking the transfer.
func (p *Pool) StartServer(deviceName, fileKey, localPath string) (*Server, string, *Session, error) {
	ip, err := p.serveIP()
	if err != nil {
		return nil, "", nil, fmt.Errorf("stream: no serveable address: %w", err)
	}

	p.cleanup()

	srv, err := p.bindNext(ip)
	if err != nil {
		return nil, "", nil, err
	}

	urlPath := "/" + fileKey + "/" + netutil.Slug(filepath.Base(localPath))
	srv.AddResource(urlPath, localPath)

	session := p.Registry.Register(deviceName, localPath, ip, srv.Port)
	srv.mu.Lock()
	srv.sessions[urlPath] = session
	srv.mu.Unlock()

	mediaURL := fmt.Sprintf("http://%s:%d%s", ip, srv.Port, urlPath)
	log.Printf("stream: server started port=%d device=%s file=%s", srv.Port, deviceName, localPath)
	return srv, mediaURL, session, nil
}

func (p *Pool) bindNext(ip string) (*Server, error) {
	for port := PortRangeStart; port <= PortRangeEnd; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		srv := &Server{
			IP:         ip,
			Port:       port,
			resources:  make(map[string]string),
			sessions:   make(map[string]*Session),
			listener:   ln,
			started:    time.Now(),
			logLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
		}
		srv.httpSrv = &http.Server{
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("stream: server on port %d exited: %v", srv.Port, err)
			}
		}()
		p.mu.Lock()
		p.servers = append(p.servers, srv)
		p.mu.Unlock()
		return srv, nil
	}
	return nil, fmt.Errorf("stream: no free port in %d-%d", PortRangeStart, PortRangeEnd)
}

// cleanup shuts down the oldest servers so at most maxServers-1 remain
// before a new one starts.
func (p *Pool) cleanup() {
	p.mu.Lock()
	sort.Slice(p.servers, func(i, j int) bool { return p.servers[i].started.Before(p.servers[j].started) })
	var victims []*Server
	for len(p.servers) >= maxServers {
		victims = append(victims, p.servers[0])
		p.servers = p.servers[1:]
	}
	p.mu.Unlock()
	for _, s := range victims {
		log.Printf("stream: retiring server port=%d age=%s", s.Port, time.Since(s.started).Round(time.Second))
		s.Shutdown()
	}
}

// StopServer shuts down the server bound to port, if the pool owns it.
func (p *Pool) StopServer(port int) bool {
	p.mu.Lock()
	var victim *Server
	for i, s := range p.servers {
		if s.Port == port {
			victim = s
			p.servers = append(p.servers[:i], p.servers[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	if victim == nil {
		return false
	}
	victim.Shutdown()
	return true
}

// Close shuts down every server in the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	servers := p.servers
	p.servers = nil
	p.mu.Unlock()
	for _, s := range servers {
		s.Shutdown()
	}
}

// Ports returns the ports of the currently running servers.
func (p *Pool) Ports() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.servers))
	for _, s := range p.servers {
		out = append(out, s.Port)
	}
	sort.Ints(out)
	return out
}

// AddResource maps a URL path to a local file on this server.
func (s *Server) AddResource(urlPath, localPath string) {
	s.mu.Lock()
	s.resources[urlPath] = localPath
	s.mu.Unlock()
}

// Shutdown stops the HTTP server and completes its sessions.
func (s *Server) Shutdown() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Complete()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(ctx)
}

// resolve finds the local file for a request path: exact match first, then
// basename-only, then case-insensitive basename. Renderers mangle URLs in
// creative ways (dropping path segments, upper-casing), so the fallbacks are
// load-bearing.
func (s *Server) resolve(urlPath string) (localPath string, session *Session, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lp, found := s.resources[urlPath]; found {
		return lp, s.sessions[urlPath], true
	}
	base := path.Base(urlPath)
	for rp, lp := range s.resources {
		if path.Base(rp) == base {
			return lp, s.sessions[rp], true
		}
	}
	lower := strings.ToLower(base)
	for rp, lp := range s.resources {
		if strings.ToLower(path.Base(rp)) == lower {
			return lp, s.sessions[rp], true
		}
	}
	return "", nil, false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	localPath, session, ok := s.resolve(r.URL.Path)
	if !ok {
		log.Printf("stream[%d]: 404 %s from %s", s.Port, r.URL.Path, r.RemoteAddr)
		http.NotFound(w, r)
		return
	}

	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientIP = host
	}
	if session != nil {
		session.Connection(clientIP, true)
	}

	f, err := os.Open(localPath)
	if err != nil {
		log.Printf("stream[%d]: open %s: %v", s.Port, localPath, err)
		if session != nil {
			session.SetError(fmt.Sprintf("open: %v", err))
		}
		http.Error(w, "file unavailable", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		http.Error(w, "file unavailable", http.StatusInternalServerError)
		return
	}

	mime := avtransport.MIMEForPath(localPath)
	if strings.EqualFold(filepath.Ext(localPath), ".srt") {
		mime = "text/plain"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("TransferMode.DLNA.ORG", "Streaming")
	w.Header().Set("ContentFeatures.DLNA.ORG", avtransport.ContentFeatures(mime))

	log.Printf("stream[%d]: serving %s (%d bytes) to %s range=%q", s.Port, filepath.Base(localPath), fi.Size(), clientIP, r.Header.Get("Range"))

	body := &trackingReader{
		ReadSeeker: f,
		session:    session,
		clientIP:   clientIP,
		limiter:    s.logLimiter,
		port:       s.Port,
		name:       filepath.Base(localPath),
	}
	http.ServeContent(w, r, filepath.Base(localPath), fi.ModTime(), body)

	if session != nil {
		if err := r.Context().Err(); err != nil {
			session.Connection(clientIP, false)
			log.Printf("stream[%d]: transfer aborted by %s: %v", s.Port, clientIP, err)
		}
	}
	log.Printf("stream[%d]: finished %s to %s served=%d", s.Port, filepath.Base(localPath), clientIP, body.total)
}

// trackingReader reports read progress to the session as ServeContent pulls
// from the file.
type trackingReader struct {
	io.ReadSeeker
	session  *Session
	clientIP string
	limiter  *rate.Limiter
	port     int
	name     string
	total    int64
}

func (t *trackingReader) Read(p []byte) (int, error) {
	start := time.Now()
	n, err := t.ReadSeeker.Read(p)
	if n > 0 {
		t.total += int64(n)
		if t.session != nil {
			t.session.UpdateActivity(t.clientIP, int64(n), time.Since(start))
		}
		if t.limiter.Allow() {
			log.Printf("stream[%d]: %s -> %s total=%d", t.port, t.name, t.clientIP, t.total)
		}
	}
	return n, err
}
