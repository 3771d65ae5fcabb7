// Package netutil picks the LAN IP renderers should fetch media from and
// normalizes filenames into URL-safe slugs.
package netutil

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// ServeIPEnv forces the IP used when constructing streaming URLs.
const ServeIPEnv = "STREAMING_SERVE_IP"

// ServeIP returns the LAN IP to embed in streaming URLs. STREAMING_SERVE_IP
// wins when set; otherwise the kernel's outbound route toward 8.8.8.8 is used.
// Loopback addresses are refused on both paths: a renderer on the network can
// never fetch from 127.0.0.0/8.
func ServeIP() (string, error) {
	if v := strings.TrimSpace(os.Getenv(ServeIPEnv)); v != "" {
		ip := net.ParseIP(v)
		if ip == nil {
			return "", fmt.Errorf("%s=%q is not an IP address", ServeIPEnv, v)
		}
		if ip.IsLoopback() {
			return "", fmt.Errorf("%s=%q is loopback; renderers cannot reach it", ServeIPEnv, v)
		}
		return ip.String(), nil
	}
	// No packet is sent: Dial on UDP only resolves the local route.
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("detect serve IP: %w", err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return "", fmt.Errorf("detect serve IP: unexpected local addr %v", conn.LocalAddr())
	}
	if addr.IP.IsLoopback() {
		return "", fmt.Errorf("detect serve IP: got loopback %s (no LAN route?)", addr.IP)
	}
	return addr.IP.String(), nil
}

// Slug converts a filename into the ASCII form used in streaming URL paths.
// Non-ASCII runes are dropped, runs of other characters collapse to a single
// underscore, and the extension is kept lowercase.
// Slug("Loop Video (final).MP4") = "Loop_Video_final.mp4".
func Slug(name string) string {
	base := filepath.Base(name)
	ext := strings.ToLower(filepath.Ext(base))
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	var b strings.Builder
	pendingSep := false
	for _, r := range stem {
		if r <= unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			pendingSep = false
			continue
		}
		if r > unicode.MaxASCII {
			continue
		}
		pendingSep = true
	}
	out := b.String()
	if out == "" {
		out = "media"
	}
	return out + ext
}
