// Package control exposes the camera lifecycle API: start and stop
// pipelines, report status, serve health checks.
package control

import (
	"image"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"gocv.io/x/gocv"

	"github.com/jayjayhust/owl/capture"
	"github.com/jayjayhust/owl/detection"
	"github.com/jayjayhust/owl/motion"
	"github.com/jayjayhust/owl/notify"
	"github.com/jayjayhust/owl/pipeline"
)

const (
	// dimensionWait bounds how long a start request waits for the probe
	// to report stream dimensions before answering with zeros.
	dimensionWait = 5 * time.Second
	dimensionPoll = 500 * time.Millisecond
)

// Detector is the inference dependency of the service.
type Detector interface {
	Ready() bool
	Detect(img gocv.Mat, threshold float64, labelFilter []string, regions []image.Rectangle) ([]detection.Detection, time.Duration, error)
}

// EventSink receives the callbacks produced by running pipelines.
type EventSink interface {
	SendEvent(target notify.Target, p notify.EventPayload)
	SendStopped(target notify.Target, cameraID, reason, message string)
}

// camera is the slice of pipeline.Pipeline the service drives.
type camera interface {
	Start()
	Stop()
	State() pipeline.State
	SourceInfo() (width, height int, fps float64)
}

// Service owns the camera registry: at most one live pipeline per
// camera_id, guarded by one lock.
type Service struct {
	detector        Detector
	sink            EventSink
	defaultCallback notify.Target
	log             *slog.Logger
	startTime       time.Time

	mu      sync.Mutex
	cameras map[string]camera

	// buildCamera is swapped in tests.
	buildCamera func(cfg pipeline.Config) camera
}

func NewService(det Detector, sink EventSink, defaultCallback notify.Target, log *slog.Logger) *Service {
	s := &Service{
		detector:        det,
		sink:            sink,
		defaultCallback: defaultCallback,
		log:             log,
		startTime:       time.Now(),
		cameras:         make(map[string]camera),
	}
	s.buildCamera = s.newPipeline
	return s
}

func (s *Service) newPipeline(cfg pipeline.Config) camera {
	src := capture.NewSource(cfg.RTSPURL, cfg.DetectFPS, cfg.RetryLimit, s.log)
	return pipeline.New(cfg, src, s.detector, motion.NewGate(), s.sink, s.log)
}

// Router builds the HTTP surface.
func (s *Service) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	v1 := r.Group("/api/v1")
	v1.POST("/cameras/start", s.startCamera)
	v1.POST("/cameras/stop", s.stopCamera)
	v1.GET("/status", s.getStatus)
	r.GET("/health", s.health)
	return r
}

// StartRequest carries the per-camera configuration. Zero values for
// detect_fps, threshold, and retry_limit are filled with defaults
// server-side, so callers may omit them.
type StartRequest struct {
	CameraID       string    `json:"camera_id" binding:"required"`
	RTSPURL        string    `json:"rtsp_url" binding:"required"`
	DetectFPS      int       `json:"detect_fps"`
	Labels         []string  `json:"labels"`
	Threshold      float64   `json:"threshold"`
	ROIPoints      []float64 `json:"roi_points"`
	RetryLimit     int       `json:"retry_limit"`
	CallbackURL    string    `json:"callback_url"`
	CallbackSecret string    `json:"callback_secret"`
}

type StartResponse struct {
	Success      bool    `json:"success"`
	Message      string  `json:"message"`
	SourceWidth  int     `json:"source_width,omitempty"`
	SourceHeight int     `json:"source_height,omitempty"`
	SourceFPS    float64 `json:"source_fps,omitempty"`
}

type StopRequest struct {
	CameraID string `json:"camera_id" binding:"required"`
}

type StopResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type ServiceStats struct {
	ActiveStreams int   `json:"active_streams"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

type StatusResponse struct {
	IsReady bool             `json:"is_ready"`
	Stats   ServiceStats     `json:"stats"`
	Cameras []pipeline.State `json:"cameras"`
}

func (s *Service) startCamera(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, StartResponse{Message: err.Error()})
		return
	}
	if !s.detector.Ready() {
		c.JSON(http.StatusServiceUnavailable, StartResponse{Message: "model loading"})
		return
	}

	callback := notify.Target{BaseURL: req.CallbackURL, Secret: req.CallbackSecret}
	if callback.BaseURL == "" {
		callback = s.defaultCallback
	}
	if callback.BaseURL == "" {
		c.JSON(http.StatusBadRequest, StartResponse{Message: "callback url is required"})
		return
	}

	cfg := pipeline.Config{
		CameraID:   req.CameraID,
		RTSPURL:    req.RTSPURL,
		DetectFPS:  req.DetectFPS,
		Labels:     req.Labels,
		Threshold:  req.Threshold,
		ROIPoints:  req.ROIPoints,
		RetryLimit: req.RetryLimit,
		Callback:   callback,
	}
	if cfg.DetectFPS <= 0 {
		cfg.DetectFPS = pipeline.DefaultDetectFPS
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = pipeline.DefaultThreshold
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = pipeline.DefaultRetryLimit
	}

	s.mu.Lock()
	if existing, ok := s.cameras[req.CameraID]; ok {
		state := existing.State()
		s.mu.Unlock()
		s.log.Info("camera already running", "camera", req.CameraID, "status", state.Status)
		c.JSON(http.StatusOK, StartResponse{Success: true, Message: "already running"})
		return
	}
	cam := s.buildCamera(cfg)
	s.cameras[req.CameraID] = cam
	s.mu.Unlock()

	cam.Start()
	s.log.Info("camera started", "camera", req.CameraID, "url", cfg.RTSPURL, "fps", cfg.DetectFPS)

	// Give the probe a moment so the caller learns the stream geometry.
	var w, h int
	var fps float64
	deadline := time.Now().Add(dimensionWait)
	for {
		if w, h, fps = cam.SourceInfo(); w > 0 || !time.Now().Before(deadline) {
			break
		}
		time.Sleep(dimensionPoll)
	}
	c.JSON(http.StatusOK, StartResponse{
		Success:      true,
		Message:      "started",
		SourceWidth:  w,
		SourceHeight: h,
		SourceFPS:    fps,
	})
}

func (s *Service) stopCamera(c *gin.Context) {
	var req StopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, StopResponse{Message: err.Error()})
		return
	}

	s.mu.Lock()
	cam, ok := s.cameras[req.CameraID]
	if !ok {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, StopResponse{Success: false, Message: "camera not found"})
		return
	}
	delete(s.cameras, req.CameraID)
	s.mu.Unlock()

	cam.Stop()
	s.log.Info("camera stopped", "camera", req.CameraID)
	c.JSON(http.StatusOK, StopResponse{Success: true, Message: "stopped"})
}

func (s *Service) getStatus(c *gin.Context) {
	s.mu.Lock()
	states := lo.MapToSlice(s.cameras, func(_ string, cam camera) pipeline.State {
		return cam.State()
	})
	s.mu.Unlock()

	c.JSON(http.StatusOK, StatusResponse{
		IsReady: s.detector.Ready(),
		Stats: ServiceStats{
			ActiveStreams: len(states),
			UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		},
		Cameras: states,
	})
}

func (s *Service) health(c *gin.Context) {
	if s.detector.Ready() {
		c.JSON(http.StatusOK, gin.H{"status": "SERVING"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "NOT_SERVING"})
}

// Stats reports the numbers carried by the keepalive heartbeat.
func (s *Service) Stats() notify.KeepaliveStats {
	s.mu.Lock()
	n := len(s.cameras)
	s.mu.Unlock()
	return notify.KeepaliveStats{
		ActiveStreams: n,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
}

// StopAll shuts every pipeline down. Used on process shutdown.
func (s *Service) StopAll() {
	s.mu.Lock()
	cams := lo.Values(s.cameras)
	s.cameras = make(map[string]camera)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, cam := range cams {
		wg.Add(1)
		go func(cam camera) {
			defer wg.Done()
			cam.Stop()
		}(cam)
	}
	wg.Wait()
}
