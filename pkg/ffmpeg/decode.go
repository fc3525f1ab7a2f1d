// Package ffmpeg wraps the external ffmpeg/ffprobe commands used for stream
// probing and raw frame decoding, plus the diagnostic ring buffer that keeps
// their stderr from backing up.
package ffmpeg

import (
	"os/exec"
	"strconv"
	"strings"
)

// DecodeArgs builds the argument list for a decode process that emits raw
// BGR frames on stdout at the target sample rate. Rate reduction happens in
// the decoder so the consumer never sees frames it would have to drop.
func DecodeArgs(url string, fps int) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-rtsp_transport", "tcp",
		"-i", url,
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-r", strconv.Itoa(fps),
		"pipe:1",
	}
}

// DecodeCommand creates the decode subprocess for url.
func DecodeCommand(url string, fps int) *exec.Cmd {
	return exec.Command("ffmpeg", DecodeArgs(url, fps)...)
}

// MaskURL hides the password portion of a source URL for logging.
func MaskURL(url string) string {
	scheme, rest, found := strings.Cut(url, "://")
	if !found {
		return url
	}
	auth, host, found := strings.Cut(rest, "@")
	if !found {
		return url
	}
	user, _, found := strings.Cut(auth, ":")
	if !found {
		return url
	}
	return scheme + "://" + user + ":***@" + host
}
