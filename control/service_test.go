package control

import (
	"bytes"
	"encoding/json"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gocv.io/x/gocv"

	"github.com/jayjayhust/owl/detection"
	"github.com/jayjayhust/owl/notify"
	"github.com/jayjayhust/owl/pipeline"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubDetector struct{ ready bool }

func (d *stubDetector) Ready() bool { return d.ready }
func (d *stubDetector) Detect(gocv.Mat, float64, []string, []image.Rectangle) ([]detection.Detection, time.Duration, error) {
	return nil, 0, nil
}

type stubSink struct{}

func (stubSink) SendEvent(notify.Target, notify.EventPayload)      {}
func (stubSink) SendStopped(notify.Target, string, string, string) {}

type stubCamera struct {
	cfg     pipeline.Config
	started atomic.Int32
	stops   atomic.Int32
}

func (c *stubCamera) Start() { c.started.Add(1) }
func (c *stubCamera) Stop()  { c.stops.Add(1) }
func (c *stubCamera) State() pipeline.State {
	return pipeline.State{CameraID: c.cfg.CameraID, Status: pipeline.StatusRunning}
}
func (c *stubCamera) SourceInfo() (int, int, float64) { return 1920, 1080, 25 }

type fixture struct {
	svc      *Service
	router   *gin.Engine
	detector *stubDetector
	built    []*stubCamera
}

func newFixture(defaultCallback notify.Target) *fixture {
	f := &fixture{detector: &stubDetector{ready: true}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewService(f.detector, stubSink{}, defaultCallback, log)
	f.svc.buildCamera = func(cfg pipeline.Config) camera {
		cam := &stubCamera{cfg: cfg}
		f.built = append(f.built, cam)
		return cam
	}
	f.router = f.svc.Router()
	return f
}

func (f *fixture) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func startBody() StartRequest {
	return StartRequest{
		CameraID:    "cam-1",
		RTSPURL:     "rtsp://example/stream",
		CallbackURL: "http://127.0.0.1:15123",
	}
}

func TestStartCameraIsIdempotent(t *testing.T) {
	f := newFixture(notify.Target{})

	first := f.post(t, "/api/v1/cameras/start", startBody())
	if first.Code != http.StatusOK {
		t.Fatalf("first start: status %d: %s", first.Code, first.Body)
	}
	second := f.post(t, "/api/v1/cameras/start", startBody())
	if second.Code != http.StatusOK {
		t.Fatalf("second start: status %d", second.Code)
	}
	var resp StartResponse
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success {
		t.Error("second start not reported as success")
	}
	if len(f.built) != 1 {
		t.Errorf("built %d pipelines, want 1", len(f.built))
	}
}

func TestStartFillsDefaults(t *testing.T) {
	f := newFixture(notify.Target{})
	f.post(t, "/api/v1/cameras/start", startBody())

	cfg := f.built[0].cfg
	if cfg.DetectFPS != pipeline.DefaultDetectFPS {
		t.Errorf("detect_fps = %d, want %d", cfg.DetectFPS, pipeline.DefaultDetectFPS)
	}
	if cfg.Threshold != pipeline.DefaultThreshold {
		t.Errorf("threshold = %v, want %v", cfg.Threshold, pipeline.DefaultThreshold)
	}
	if cfg.RetryLimit != pipeline.DefaultRetryLimit {
		t.Errorf("retry_limit = %d, want %d", cfg.RetryLimit, pipeline.DefaultRetryLimit)
	}
}

func TestStartReportsStreamGeometry(t *testing.T) {
	f := newFixture(notify.Target{})
	w := f.post(t, "/api/v1/cameras/start", startBody())

	var resp StartResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.SourceWidth != 1920 || resp.SourceHeight != 1080 || resp.SourceFPS != 25 {
		t.Errorf("geometry = %dx%d@%v", resp.SourceWidth, resp.SourceHeight, resp.SourceFPS)
	}
}

func TestStartRequiresCallback(t *testing.T) {
	f := newFixture(notify.Target{})
	body := startBody()
	body.CallbackURL = ""
	if w := f.post(t, "/api/v1/cameras/start", body); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestStartFallsBackToDefaultCallback(t *testing.T) {
	f := newFixture(notify.Target{BaseURL: "http://platform:15123", Secret: "s"})
	body := startBody()
	body.CallbackURL = ""
	if w := f.post(t, "/api/v1/cameras/start", body); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := f.built[0].cfg.Callback.BaseURL; got != "http://platform:15123" {
		t.Errorf("callback = %q, want the default", got)
	}
}

func TestStartWhileModelLoading(t *testing.T) {
	f := newFixture(notify.Target{})
	f.detector.ready = false
	if w := f.post(t, "/api/v1/cameras/start", startBody()); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestStopUnknownCamera(t *testing.T) {
	f := newFixture(notify.Target{})
	w := f.post(t, "/api/v1/cameras/stop", StopRequest{CameraID: "ghost"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var resp StopResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success {
		t.Error("unknown camera reported success")
	}
}

func TestStopRemovesCamera(t *testing.T) {
	f := newFixture(notify.Target{})
	f.post(t, "/api/v1/cameras/start", startBody())
	if w := f.post(t, "/api/v1/cameras/stop", StopRequest{CameraID: "cam-1"}); w.Code != http.StatusOK {
		t.Fatalf("stop: status %d", w.Code)
	}
	if f.built[0].stops.Load() != 1 {
		t.Error("pipeline Stop not called")
	}

	var status StatusResponse
	if err := json.Unmarshal(f.get("/api/v1/status").Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Stats.ActiveStreams != 0 || len(status.Cameras) != 0 {
		t.Errorf("status after stop = %+v", status)
	}
}

func TestStatusListsCameras(t *testing.T) {
	f := newFixture(notify.Target{})
	f.post(t, "/api/v1/cameras/start", startBody())

	var status StatusResponse
	if err := json.Unmarshal(f.get("/api/v1/status").Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if !status.IsReady || status.Stats.ActiveStreams != 1 {
		t.Errorf("status = %+v", status)
	}
	if len(status.Cameras) != 1 || status.Cameras[0].CameraID != "cam-1" {
		t.Errorf("cameras = %+v", status.Cameras)
	}
}

func TestHealthTracksReadiness(t *testing.T) {
	f := newFixture(notify.Target{})
	if w := f.get("/health"); w.Code != http.StatusOK {
		t.Errorf("ready health = %d, want 200", w.Code)
	}
	f.detector.ready = false
	if w := f.get("/health"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("loading health = %d, want 503", w.Code)
	}
}

func TestStopAll(t *testing.T) {
	f := newFixture(notify.Target{})
	f.post(t, "/api/v1/cameras/start", startBody())
	body := startBody()
	body.CameraID = "cam-2"
	f.post(t, "/api/v1/cameras/start", body)

	f.svc.StopAll()
	for _, cam := range f.built {
		if cam.stops.Load() != 1 {
			t.Errorf("camera %s not stopped", cam.cfg.CameraID)
		}
	}
	if f.svc.Stats().ActiveStreams != 0 {
		t.Error("registry not emptied")
	}
}
