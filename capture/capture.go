// Package capture supervises an external decode process per camera and
// delivers raw frames to the analysis loop through a single-slot buffer.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/jayjayhust/owl/pkg/ffmpeg"
)

const (
	probeRetryDelay   = 3 * time.Second
	restartDelay      = 2 * time.Second
	terminateGrace    = 2 * time.Second
	stopJoinTimeout   = 5 * time.Second
	diagnosticBacklog = 100
)

// ErrSourceFailed marks a source that exhausted its restart budget.
var ErrSourceFailed = errors.New("capture: source permanently failed")

// Frame is one decoded video frame in BGR byte order. Frames are consumed
// and discarded each pipeline iteration, never persisted.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
}

// Source supervises the decode subprocess for one camera. It probes the
// stream, launches ffmpeg, reads fixed-size frames, and restarts the
// subprocess on stream failures up to a retry limit.
type Source struct {
	url        string
	targetFPS  int
	retryLimit int
	log        *slog.Logger

	frames chan Frame

	mu            sync.Mutex
	width, height int
	fps           float64
	failed        bool
	lastError     string
	restartStreak int
	started       bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	procMu sync.Mutex
	proc   *exec.Cmd

	// injectable for tests
	probeFn func(ctx context.Context, url string) (ffmpeg.StreamInfo, error)
	cmdFn   func(url string, fps int) *exec.Cmd
}

// NewSource creates an unstarted source for url.
func NewSource(url string, targetFPS, retryLimit int, log *slog.Logger) *Source {
	return &Source{
		url:        url,
		targetFPS:  targetFPS,
		retryLimit: retryLimit,
		log:        log.With("component", "capture", "source", ffmpeg.MaskURL(url)),
		frames:     make(chan Frame, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		probeFn:    ffmpeg.Probe,
		cmdFn:      ffmpeg.DecodeCommand,
	}
}

// Start launches the capture supervisor goroutine. Calling Start twice is a
// no-op.
func (s *Source) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.run()
	s.log.Info("capture started")
}

// Stop terminates the subprocess and joins the supervisor. Safe to call
// from any goroutine and idempotent; returns once the supervisor exits or
// the join timeout elapses.
func (s *Source) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.terminateProcess()

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	select {
	case <-s.done:
	case <-time.After(stopJoinTimeout):
		s.log.Warn("capture loop did not exit before join timeout")
	}
	s.log.Info("capture stopped")
}

// Frames returns the single-slot frame channel. A slow consumer only ever
// observes the most recently decoded frame.
func (s *Source) Frames() <-chan Frame { return s.frames }

// Info returns the probed stream dimensions and frame rate, zeros until the
// probe has succeeded.
func (s *Source) Info() (width, height int, fps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height, s.fps
}

// Failed reports whether the source gave up after exhausting its restart
// budget, along with the last stream error.
func (s *Source) Failed() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed, s.lastError
}

func (s *Source) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Source) run() {
	defer close(s.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	for !s.stopped() {
		w, h, _ := s.Info()
		if w == 0 || h == 0 {
			info, err := s.probeFn(ctx, s.url)
			if err != nil {
				s.log.Error("stream probe failed", "err", err)
				s.sleep(probeRetryDelay)
				continue
			}
			s.mu.Lock()
			s.width, s.height, s.fps = info.Width, info.Height, info.FPS
			s.mu.Unlock()
			s.log.Info("stream probed", "width", info.Width, "height", info.Height, "fps", info.FPS)
			continue
		}

		streamErr := s.captureOnce(w, h)
		if s.stopped() {
			return
		}
		if s.recordRestart(streamErr) {
			return
		}
		s.sleep(restartDelay)
	}
}

// captureOnce runs one decode subprocess until the stream breaks or the
// source is stopped, and returns the stream error that ended it.
func (s *Source) captureOnce(width, height int) error {
	ring := ffmpeg.NewLogRing(diagnosticBacklog)
	cmd := s.cmdFn(s.url, s.targetFPS)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start decoder: %w", err)
	}
	s.setProcess(cmd)
	defer s.terminateProcess()

	drained := make(chan struct{})
	go func() {
		ring.Drain(stderr)
		close(drained)
	}()

	frameSize := width * height * 3
	s.log.Info("reading frames", "frame_size", frameSize)
	buf := make([]byte, frameSize)

	var streamErr error
	for !s.stopped() {
		if _, err := io.ReadFull(stdout, buf); err != nil {
			streamErr = fmt.Errorf("frame read (stream interrupted?): %w", err)
			break
		}
		s.clearRestartStreak()

		data := make([]byte, frameSize)
		copy(data, buf)
		s.deliver(Frame{Data: data, Width: width, Height: height, Timestamp: time.Now()})
	}

	s.terminateProcess()
	<-drained
	if streamErr != nil && !s.stopped() {
		s.log.Warn("decoder stream failed", "err", streamErr)
		ring.Dump(s.log)
	}
	return streamErr
}

// deliver inserts a frame newest-frame-wins: a stale undelivered frame is
// discarded so the producer never blocks on a slow consumer.
func (s *Source) deliver(f Frame) {
	for {
		select {
		case s.frames <- f:
			return
		default:
			select {
			case <-s.frames:
			default:
			}
		}
	}
}

// recordRestart counts a consecutive restart and flips the source into the
// permanently failed state once the retry limit is reached.
func (s *Source) recordRestart(cause error) (gaveUp bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.restartStreak++
	if cause != nil {
		s.lastError = cause.Error()
	}
	if s.restartStreak >= s.retryLimit {
		s.failed = true
		if s.lastError == "" {
			s.lastError = ErrSourceFailed.Error()
		}
		s.log.Error("retry limit reached, giving up", "restarts", s.restartStreak)
		return true
	}
	s.log.Warn("restarting decoder", "attempt", s.restartStreak, "limit", s.retryLimit)
	return false
}

func (s *Source) clearRestartStreak() {
	s.mu.Lock()
	s.restartStreak = 0
	s.mu.Unlock()
}

func (s *Source) setProcess(cmd *exec.Cmd) {
	s.procMu.Lock()
	s.proc = cmd
	s.procMu.Unlock()
}

// terminateProcess signals the subprocess to exit and kills it after the
// grace timeout. Idempotent.
func (s *Source) terminateProcess() {
	s.procMu.Lock()
	cmd := s.proc
	s.proc = nil
	s.procMu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	waited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(terminateGrace):
		_ = cmd.Process.Kill()
		<-waited
	}
}

// sleep pauses for d but returns early when the source is stopped.
func (s *Source) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-s.stop:
	}
}
