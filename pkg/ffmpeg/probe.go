package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ProbeTimeout bounds a single ffprobe invocation.
const ProbeTimeout = 15 * time.Second

// StreamInfo describes the video stream reported by ffprobe.
type StreamInfo struct {
	Width  int
	Height int
	FPS    float64
}

// Probe queries the source for resolution and frame rate.
func Probe(ctx context.Context, url string) (StreamInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate",
		"-of", "csv=p=0",
		"-rtsp_transport", "tcp",
		url,
	)
	out, err := cmd.Output()
	if err != nil {
		return StreamInfo{}, fmt.Errorf("ffprobe %s: %w", MaskURL(url), err)
	}
	return ParseProbeOutput(string(out))
}

// ParseProbeOutput parses ffprobe csv output of the form "w,h,num/den".
func ParseProbeOutput(s string) (StreamInfo, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) < 2 {
		return StreamInfo{}, fmt.Errorf("unexpected ffprobe output %q", s)
	}
	w, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return StreamInfo{}, fmt.Errorf("parse width %q: %w", parts[0], err)
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return StreamInfo{}, fmt.Errorf("parse height %q: %w", parts[1], err)
	}
	info := StreamInfo{Width: w, Height: h, FPS: 25.0}
	if len(parts) >= 3 {
		if fps, ok := parseRate(parts[2]); ok {
			info.FPS = fps
		}
	}
	return info, nil
}

// parseRate parses an ffprobe rational frame rate such as "30000/1001".
func parseRate(s string) (float64, bool) {
	num, den, found := strings.Cut(strings.TrimSpace(s), "/")
	if !found {
		return 0, false
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0, false
	}
	return n / d, true
}
