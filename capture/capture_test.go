package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"testing"
	"time"

	"github.com/jayjayhust/owl/pkg/ffmpeg"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestDeliverNewestFrameWins(t *testing.T) {
	s := NewSource("rtsp://test/stream", 5, 3, testLogger())

	for i := 0; i < 10; i++ {
		s.deliver(Frame{Data: []byte{byte(i)}, Width: 1, Height: 1})
	}

	select {
	case f := <-s.Frames():
		if f.Data[0] != 9 {
			t.Fatalf("consumer observed frame %d, want newest (9)", f.Data[0])
		}
	default:
		t.Fatal("no frame available")
	}

	select {
	case f := <-s.Frames():
		t.Fatalf("unexpected backlog frame %d", f.Data[0])
	default:
	}
}

func TestRecordRestartTripsAtLimit(t *testing.T) {
	s := NewSource("rtsp://test/stream", 5, 3, testLogger())

	for i := 0; i < 2; i++ {
		if gaveUp := s.recordRestart(fmt.Errorf("boom %d", i)); gaveUp {
			t.Fatalf("gave up after %d restarts, limit is 3", i+1)
		}
	}
	if failed, _ := s.Failed(); failed {
		t.Fatal("failed before reaching limit")
	}
	if !s.recordRestart(fmt.Errorf("boom final")) {
		t.Fatal("expected give-up at retry limit")
	}
	failed, lastErr := s.Failed()
	if !failed {
		t.Fatal("source not marked failed")
	}
	if lastErr == "" {
		t.Fatal("last error not recorded")
	}
}

func TestSuccessfulFrameResetsRestartStreak(t *testing.T) {
	s := NewSource("rtsp://test/stream", 5, 3, testLogger())

	s.recordRestart(fmt.Errorf("boom"))
	s.recordRestart(fmt.Errorf("boom"))
	s.clearRestartStreak()
	if s.recordRestart(fmt.Errorf("boom")) {
		t.Fatal("streak did not reset after a successful frame")
	}
}

// TestSupervisedCapture runs the full supervisor against a stub decoder that
// emits two 2x2 frames and exits, with a retry limit of one.
func TestSupervisedCapture(t *testing.T) {
	s := NewSource("rtsp://test/stream", 5, 1, testLogger())
	s.probeFn = func(ctx context.Context, url string) (ffmpeg.StreamInfo, error) {
		return ffmpeg.StreamInfo{Width: 2, Height: 2, FPS: 25}, nil
	}
	s.cmdFn = func(url string, fps int) *exec.Cmd {
		return exec.Command("sh", "-c", "head -c 24 /dev/zero")
	}

	s.Start()
	defer s.Stop()

	select {
	case f := <-s.Frames():
		if len(f.Data) != 12 || f.Width != 2 || f.Height != 2 {
			t.Fatalf("frame = %dx%d %d bytes", f.Width, f.Height, len(f.Data))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no frame delivered")
	}

	// EOF after the second frame is a stream failure; with retry_limit 1 the
	// source must flip to permanently failed.
	deadline := time.After(5 * time.Second)
	for {
		if failed, _ := s.Failed(); failed {
			return
		}
		select {
		case <-deadline:
			t.Fatal("source never marked failed")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := NewSource("rtsp://test/stream", 5, 3, testLogger())
	s.probeFn = func(ctx context.Context, url string) (ffmpeg.StreamInfo, error) {
		return ffmpeg.StreamInfo{}, fmt.Errorf("unreachable")
	}
	s.Start()
	s.Stop()
	s.Stop()

	w, h, _ := s.Info()
	if w != 0 || h != 0 {
		t.Fatalf("unexpected stream info %dx%d", w, h)
	}
}
