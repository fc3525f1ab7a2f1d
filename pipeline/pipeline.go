// Package pipeline runs the per-camera analysis loop: frames in, motion
// gating, detection, callbacks out.
package pipeline

import (
	"image"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/jayjayhust/owl/capture"
	"github.com/jayjayhust/owl/detection"
	"github.com/jayjayhust/owl/notify"
	"github.com/jayjayhust/owl/overlay"
)

const (
	// frameWait bounds one wait for the next frame. Expiry is not an
	// error, the loop just re-checks capture health.
	frameWait = 2 * time.Second
	// errorSleep keeps a failing loop from spinning the CPU.
	errorSleep = time.Second
	// stopJoin bounds how long Stop waits for the loop to drain.
	stopJoin = 5 * time.Second

	DefaultDetectFPS  = 5
	DefaultThreshold  = 0.5
	DefaultRetryLimit = 10
)

// Status is the pipeline lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusError        Status = "error"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"
)

// Config is the immutable per-camera configuration.
type Config struct {
	CameraID   string
	RTSPURL    string
	DetectFPS  int
	Labels     []string
	Threshold  float64
	ROIPoints  []float64
	RetryLimit int
	Callback   notify.Target
}

// State is a point-in-time snapshot of a pipeline, safe to read while the
// loop keeps running.
type State struct {
	CameraID        string `json:"camera_id"`
	Status          Status `json:"status"`
	FramesProcessed int64  `json:"frames_processed"`
	RetryCount      int    `json:"retry_count"`
	LastError       string `json:"last_error,omitempty"`
}

type frameSource interface {
	Start()
	Stop()
	Frames() <-chan capture.Frame
	Failed() (bool, string)
	Info() (width, height int, fps float64)
}

type objectDetector interface {
	Detect(img gocv.Mat, threshold float64, labelFilter []string, regions []image.Rectangle) ([]detection.Detection, time.Duration, error)
}

type motionGate interface {
	Detect(img gocv.Mat, roi []float64) ([]image.Rectangle, bool)
	Close()
}

type eventSink interface {
	SendEvent(target notify.Target, p notify.EventPayload)
	SendStopped(target notify.Target, cameraID, reason, message string)
}

// Pipeline owns one camera's capture, gating, and detection loop. All state
// mutation happens on the loop goroutine; State() reads under the mutex.
type Pipeline struct {
	cfg      Config
	source   frameSource
	detector objectDetector
	gate     motionGate
	sink     eventSink
	log      *slog.Logger

	// snapshotFn is swapped in tests to avoid JPEG encoding.
	snapshotFn func(gocv.Mat, []detection.Detection) (string, error)

	mu        sync.Mutex
	status    Status
	frames    int64
	retries   int
	lastError string

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New wires a pipeline around an already-constructed source. The source is
// not started yet.
func New(cfg Config, source frameSource, detector objectDetector, gate motionGate, sink eventSink, log *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		source:     source,
		detector:   detector,
		gate:       gate,
		sink:       sink,
		log:        log.With("camera", cfg.CameraID),
		snapshotFn: overlay.Snapshot,
		status:     StatusInitializing,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the capture subprocess and the analysis loop.
func (p *Pipeline) Start() {
	p.source.Start()
	p.mu.Lock()
	p.status = StatusRunning
	p.mu.Unlock()
	go p.loop()
	p.log.Info("pipeline started")
}

// Stop shuts the pipeline down and waits for the loop to drain, bounded by
// a timeout. Idempotent. A pipeline that already died with an error keeps
// its error status.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.transition(StatusStopping)
		close(p.stop)
		p.source.Stop()
		select {
		case <-p.done:
		case <-time.After(stopJoin):
			p.log.Warn("analysis loop did not drain in time")
		}
		p.gate.Close()
		p.transition(StatusStopped)
		p.log.Info("pipeline stopped")
	})
}

// State returns a snapshot of the pipeline's current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		CameraID:        p.cfg.CameraID,
		Status:          p.status,
		FramesProcessed: p.frames,
		RetryCount:      p.retries,
		LastError:       p.lastError,
	}
}

// SourceInfo exposes the probed stream dimensions.
func (p *Pipeline) SourceInfo() (width, height int, fps float64) {
	return p.source.Info()
}

// transition moves to next unless the pipeline already failed; error is
// terminal.
func (p *Pipeline) transition(next Status) {
	p.mu.Lock()
	if p.status != StatusError {
		p.status = next
	}
	p.mu.Unlock()
}

func (p *Pipeline) fail(reason, message string) {
	p.mu.Lock()
	p.status = StatusError
	p.lastError = message
	p.mu.Unlock()
	p.sink.SendStopped(p.cfg.Callback, p.cfg.CameraID, reason, message)
	p.log.Error("pipeline failed", "reason", reason, "error", message)
}

func (p *Pipeline) loop() {
	defer close(p.done)

	errorStreak := 0
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		if failed, lastErr := p.source.Failed(); failed {
			p.fail("capture_failed", lastErr)
			return
		}

		var frame capture.Frame
		select {
		case frame = <-p.source.Frames():
		case <-p.stop:
			return
		case <-time.After(frameWait):
			// No frame yet. The decoder may be restarting.
			continue
		}

		if err := p.process(frame); err != nil {
			errorStreak++
			p.mu.Lock()
			p.retries = errorStreak
			p.lastError = err.Error()
			p.mu.Unlock()
			p.log.Error("analysis iteration failed", "error", err, "streak", errorStreak)
			if errorStreak >= p.cfg.RetryLimit {
				p.fail("error", err.Error())
				p.source.Stop()
				return
			}
			p.sleep(errorSleep)
			continue
		}
		errorStreak = 0
		p.mu.Lock()
		p.retries = 0
		p.mu.Unlock()
	}
}

// process runs one frame through the gate and, when motion is present, the
// detector. Detections fan out as an event callback.
func (p *Pipeline) process(frame capture.Frame) error {
	img, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return err
	}
	defer img.Close()

	p.mu.Lock()
	p.frames++
	p.mu.Unlock()

	if _, moved := p.gate.Detect(img, p.cfg.ROIPoints); !moved {
		return nil
	}

	dets, latency, err := p.detector.Detect(img, p.cfg.Threshold, p.cfg.Labels, nil)
	if err != nil {
		return err
	}
	if len(dets) == 0 {
		return nil
	}

	p.log.Info("detections", "count", len(dets), "latency", latency.Round(time.Millisecond))

	snapshot, err := p.snapshotFn(img, dets)
	if err != nil {
		p.log.Warn("snapshot encoding failed", "error", err)
	}
	p.sink.SendEvent(p.cfg.Callback, notify.EventPayload{
		CameraID:       p.cfg.CameraID,
		Timestamp:      frame.Timestamp.UnixMilli(),
		Detections:     dets,
		Snapshot:       snapshot,
		SnapshotWidth:  frame.Width,
		SnapshotHeight: frame.Height,
	})
	return nil
}

func (p *Pipeline) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-p.stop:
	}
}
