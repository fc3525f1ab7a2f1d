package detection

import (
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"gocv.io/x/gocv"
)

// Detector pairs a backend with the label table and exposes one detection
// call regardless of model format. Safe for concurrent use once loaded.
type Detector struct {
	mu      sync.RWMutex
	backend Backend
	labels  []string
	path    string
	log     *slog.Logger
}

func New(log *slog.Logger) *Detector {
	return &Detector{
		labels: cocoLabels,
		log:    log,
	}
}

// Load selects a backend from the model file extension, loads it, then runs
// one inference on a blank frame. A failed warmup leaves the detector
// not-ready, same as a failed load.
func (d *Detector) Load(path string) error {
	var backend Backend
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".onnx":
		backend = newONNXBackend()
	case ".tflite":
		backend = newTFLiteBackend()
	default:
		return &ModelFormatError{Path: path, Detail: fmt.Sprintf("unknown model extension %q", ext)}
	}

	start := time.Now()
	if err := backend.Load(path); err != nil {
		return err
	}
	if err := warmup(backend, d.labels); err != nil {
		backend.Close()
		return fmt.Errorf("warmup inference: %w", err)
	}

	d.mu.Lock()
	if d.backend != nil {
		d.backend.Close()
	}
	d.backend = backend
	d.path = path
	d.mu.Unlock()

	desc := backend.Descriptor()
	d.log.Info("model loaded",
		"path", path,
		"input", fmt.Sprintf("%dx%d", desc.InputWidth, desc.InputHeight),
		"quantized", desc.Quantized,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// Ready reports whether the detector can serve inference.
func (d *Detector) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.backend != nil && d.backend.Ready()
}

// Detect runs the model over img, or over each region when regions are
// given. Region bounds are clamped to the image, zero-area regions skipped,
// and region-local boxes translated back to full-frame coordinates. Returns
// the detections and the elapsed inference time.
func (d *Detector) Detect(img gocv.Mat, threshold float64, labelFilter []string, regions []image.Rectangle) ([]Detection, time.Duration, error) {
	d.mu.RLock()
	backend := d.backend
	d.mu.RUnlock()
	if backend == nil || !backend.Ready() {
		return nil, 0, ErrNotReady
	}

	start := time.Now()
	if len(regions) == 0 {
		dets, err := detectSingle(backend, d.labels, img, threshold, labelFilter)
		return dets, time.Since(start), err
	}

	imgW, imgH := img.Cols(), img.Rows()
	var dets []Detection
	for _, r := range regions {
		r = clampRegion(r, imgW, imgH)
		if r.Dx() <= 0 || r.Dy() <= 0 {
			continue
		}
		crop := img.Region(r)
		sub, err := detectSingle(backend, d.labels, crop, threshold, labelFilter)
		crop.Close()
		if err != nil {
			return nil, time.Since(start), err
		}
		for _, det := range sub {
			det.Box.XMin += r.Min.X
			det.Box.XMax += r.Min.X
			det.Box.YMin += r.Min.Y
			det.Box.YMax += r.Min.Y
			det.Area = det.Box.Area()
			det.NormBox = normBoxFor(det.Box, imgW, imgH)
			dets = append(dets, det)
		}
	}
	return dets, time.Since(start), nil
}

func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.backend == nil {
		return nil
	}
	err := d.backend.Close()
	d.backend = nil
	return err
}

// clampRegion clamps each bound of r against the image independently.
func clampRegion(r image.Rectangle, imgW, imgH int) image.Rectangle {
	r.Min.X = clamp(r.Min.X, 0, imgW)
	r.Min.Y = clamp(r.Min.Y, 0, imgH)
	r.Max.X = clamp(r.Max.X, 0, imgW)
	r.Max.Y = clamp(r.Max.Y, 0, imgH)
	return r
}

// detectSingle runs one full preprocess/infer/postprocess pass over img.
func detectSingle(backend Backend, labels []string, img gocv.Mat, threshold float64, labelFilter []string) ([]Detection, error) {
	desc := backend.Descriptor()
	tensor, lb := preprocess(img, desc)
	out, err := backend.Infer(tensor)
	if err != nil {
		return nil, err
	}

	imgW, imgH := img.Cols(), img.Rows()
	switch desc.Encoding {
	case EncodingRawTensor:
		if out.Attrs-4 != len(labels) {
			return nil, &ModelFormatError{Detail: fmt.Sprintf(
				"model reports %d classes, label table has %d", out.Attrs-4, len(labels))}
		}
		var dets []Detection
		for _, c := range decodeRawTensor(out, threshold) {
			label := labelFor(labels, c.class)
			if len(labelFilter) > 0 && !lo.Contains(labelFilter, label) {
				continue
			}
			box := toPixelBox(c, lb, imgW, imgH)
			if box.Area() <= 0 {
				continue
			}
			dets = append(dets, Detection{
				Label:      label,
				Confidence: c.score,
				Box:        box,
				Area:       box.Area(),
				NormBox:    normBoxFor(box, imgW, imgH),
			})
		}
		return nms(dets, nmsIoUThreshold), nil

	case EncodingPreDecoded:
		// Suppression is already applied inside the model graph.
		var dets []Detection
		for i := 0; i < out.Count; i++ {
			score := float64(out.Scores[i])
			if score < threshold {
				continue
			}
			label := labelFor(labels, out.Classes[i])
			if len(labelFilter) > 0 && !lo.Contains(labelFilter, label) {
				continue
			}
			b := out.Boxes[i] // normalized [ymin, xmin, ymax, xmax]
			box := clipBox(Box{
				XMin: int(float64(b[1])*float64(imgW) + 0.5),
				YMin: int(float64(b[0])*float64(imgH) + 0.5),
				XMax: int(float64(b[3])*float64(imgW) + 0.5),
				YMax: int(float64(b[2])*float64(imgH) + 0.5),
			}, imgW, imgH)
			if box.Area() <= 0 {
				continue
			}
			dets = append(dets, Detection{
				Label:      label,
				Confidence: score,
				Box:        box,
				Area:       box.Area(),
				NormBox:    normBoxFor(box, imgW, imgH),
			})
		}
		return dets, nil
	}
	return nil, fmt.Errorf("unhandled output encoding %d", desc.Encoding)
}

// warmup exercises the freshly loaded backend with a blank frame so the
// first camera frame never pays graph initialization cost, and so shape
// mismatches surface at load time.
func warmup(backend Backend, labels []string) error {
	blank := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer blank.Close()
	_, err := detectSingle(backend, labels, blank, 0.5, nil)
	return err
}
