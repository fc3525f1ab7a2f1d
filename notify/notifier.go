// Package notify delivers outbound HTTP callbacks to the supervising
// platform: detection events, lifecycle notices, and keepalives.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jayjayhust/owl/detection"
)

const (
	queueCap    = 64
	workerCount = 4
	httpTimeout = 5 * time.Second

	startedAttempts = 3
	startedInterval = 2 * time.Second
)

// Target is one callback destination. Paths are appended to the base URL,
// so base http://host:15123 plus /events posts to http://host:15123/events.
type Target struct {
	BaseURL string
	Secret  string
}

// EventPayload reports one batch of detections with an annotated snapshot.
type EventPayload struct {
	CameraID       string                `json:"camera_id"`
	Timestamp      int64                 `json:"timestamp"`
	Detections     []detection.Detection `json:"detections"`
	Snapshot       string                `json:"snapshot"`
	SnapshotWidth  int                   `json:"snapshot_width"`
	SnapshotHeight int                   `json:"snapshot_height"`
}

// StoppedPayload reports that a camera pipeline terminated on its own.
type StoppedPayload struct {
	CameraID  string `json:"camera_id"`
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
}

// KeepaliveStats is the periodic service heartbeat body.
type KeepaliveStats struct {
	ActiveStreams int   `json:"active_streams"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

type job struct {
	target  Target
	path    string
	payload any
}

// Notifier posts callbacks through a fixed worker pool fed by a bounded
// queue. Delivery is best-effort: when the queue is full new callbacks are
// dropped rather than blocking the pipelines that produce them.
type Notifier struct {
	client *http.Client
	log    *slog.Logger
	queue  chan job
	wg     sync.WaitGroup
	once   sync.Once

	// exit terminates the process when the platform rejects the started
	// callback. Swapped in tests.
	exit func(code int)
}

func New(log *slog.Logger) *Notifier {
	n := &Notifier{
		client: &http.Client{Timeout: httpTimeout},
		log:    log,
		queue:  make(chan job, queueCap),
		exit:   os.Exit,
	}
	for i := 0; i < workerCount; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n
}

// Close stops accepting callbacks and waits for in-flight deliveries.
func (n *Notifier) Close() {
	n.once.Do(func() {
		close(n.queue)
		n.wg.Wait()
	})
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for j := range n.queue {
		if _, err := n.post(j); err != nil {
			n.log.Debug("callback delivery failed", "path", j.path, "error", err)
		}
	}
}

func (n *Notifier) enqueue(j job) {
	if j.target.BaseURL == "" {
		return
	}
	select {
	case n.queue <- j:
	default:
		n.log.Warn("callback queue full, dropping", "path", j.path)
	}
}

func (n *Notifier) post(j job) (int, error) {
	body, err := json.Marshal(j.payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	url := strings.TrimRight(j.target.BaseURL, "/") + j.path
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if j.target.Secret != "" {
		req.Header.Set("Authorization", j.target.Secret)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// SendEvent queues a detection event callback.
func (n *Notifier) SendEvent(target Target, p EventPayload) {
	n.enqueue(job{target: target, path: "/events", payload: p})
}

// SendStopped queues a pipeline-terminated callback.
func (n *Notifier) SendStopped(target Target, cameraID, reason, message string) {
	n.enqueue(job{target: target, path: "/stopped", payload: StoppedPayload{
		CameraID:  cameraID,
		Timestamp: time.Now().UnixMilli(),
		Reason:    reason,
		Message:   message,
	}})
}

// SendKeepalive queues a heartbeat. Never retried.
func (n *Notifier) SendKeepalive(target Target, stats KeepaliveStats) {
	n.enqueue(job{target: target, path: "/keepalive", payload: map[string]any{
		"timestamp": time.Now().UnixMilli(),
		"stats":     stats,
		"message":   "Service running normally",
	}})
}

// SendStarted announces readiness to the platform, synchronously, with a
// few retries. A 404 means the platform has no callback endpoint for this
// process; continuing would leave an orphan, so the process exits.
func (n *Notifier) SendStarted(target Target) {
	if target.BaseURL == "" {
		return
	}
	j := job{target: target, path: "/started", payload: map[string]any{
		"timestamp": time.Now().UnixMilli(),
		"message":   "AI Analysis Service Started",
	}}
	for attempt := 1; attempt <= startedAttempts; attempt++ {
		n.log.Info("sending started callback", "attempt", attempt, "of", startedAttempts)
		status, err := n.post(j)
		if err == nil {
			if status == http.StatusNotFound {
				n.log.Error("started callback returned 404, platform is gone, exiting")
				n.exit(1)
				return
			}
			if status < 300 {
				return
			}
			n.log.Warn("started callback rejected", "status", status)
		} else {
			n.log.Warn("started callback failed", "error", err)
		}
		if attempt < startedAttempts {
			time.Sleep(startedInterval)
		}
	}
	n.log.Error("started callback abandoned", "attempts", startedAttempts)
}
