package avtransport

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// FallbackDuration is assumed when no duration source succeeds. Short enough
// that the loop monitor recovers quickly on a wrong guess.
const FallbackDuration = 30 * time.Second

// FormatClock renders a duration as the H:MM:SS form AVTransport expects.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}

// ParseClock parses H:MM:SS / HH:MM:SS(.fraction) into a duration.
// Returns false for empty, NOT_IMPLEMENTED, or malformed values.
func ParseClock(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "NOT_IMPLEMENTED" {
		return 0, false
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil || h < 0 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, true
}

// DurationSensor resolves a video's duration from the first source that
// answers: stored metadata, a local ffprobe run, then the renderer's own
// GetPositionInfo. FallbackDuration is the last resort.
type DurationSensor struct {
	Known       time.Duration // stored metadata; 0 = unknown
	LocalPath   string        // backing file for ffprobe; "" = skip
	FFprobePath string        // "" = "ffprobe"
	Client      *Client       // renderer to ask as a last source; nil = skip
}

func (ds *DurationSensor) Sense(ctx context.Context) time.Duration {
	if ds.Known > 0 {
		return ds.Known
	}
	if ds.LocalPath != "" {
		if d, err := ffprobeDuration(ctx, ds.ffprobe(), ds.LocalPath); err == nil && d > 0 {
			return d
		}
	}
	if ds.Client != nil {
		if pos, err := ds.Client.GetPositionInfo(ctx); err == nil {
			if d, ok := ParseClock(pos.TrackDuration); ok && d > 0 {
				return d
			}
		}
	}
	return FallbackDuration
}

func (ds *DurationSensor) ffprobe() string {
	if ds.FFprobePath != "" {
		return ds.FFprobePath
	}
	return "ffprobe"
}

func ffprobeDuration(ctx context.Context, ffprobe, path string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("ffprobe %s: unparseable duration %q", path, strings.TrimSpace(string(out)))
	}
	return time.Duration(secs * float64(time.Second)), nil
}
