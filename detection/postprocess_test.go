package detection

import (
	"math"
	"testing"
)

// rawTensorOf builds a [1, 4+C, N] output from rows of
// [cx, cy, w, h, scores...].
func rawTensorOf(rows [][]float32) *Output {
	n := len(rows)
	attrs := len(rows[0])
	raw := make([]float32, attrs*n)
	for i, row := range rows {
		for a, v := range row {
			raw[a*n+i] = v
		}
	}
	return &Output{Raw: raw, Attrs: attrs, N: n}
}

func TestDecodeRawTensorThreshold(t *testing.T) {
	out := rawTensorOf([][]float32{
		{100, 100, 40, 40, 0.9, 0.1},
		{200, 200, 40, 40, 0.2, 0.55},
		{300, 300, 40, 40, 0.05, 0.1},
	})

	low := decodeRawTensor(out, 0.3)
	if len(low) != 2 {
		t.Fatalf("threshold 0.3: got %d candidates, want 2", len(low))
	}
	if low[0].class != 0 || low[1].class != 1 {
		t.Errorf("argmax classes: got %d, %d, want 0, 1", low[0].class, low[1].class)
	}

	high := decodeRawTensor(out, 0.6)
	if len(high) != 1 {
		t.Fatalf("threshold 0.6: got %d candidates, want 1", len(high))
	}

	// Raising the threshold must only ever shrink the candidate set.
	for _, h := range high {
		found := false
		for _, l := range low {
			if h == l {
				found = true
			}
		}
		if !found {
			t.Errorf("candidate %+v present at 0.6 but not at 0.3", h)
		}
	}
}

func TestLetterboxRoundTrip(t *testing.T) {
	scale, _, _, padLeft, padTop := fitLetterbox(1920, 1080, 640, 640)
	lb := Letterbox{Scale: scale, PadX: float64(padLeft), PadY: float64(padTop)}

	for _, pt := range [][2]float64{{0, 0}, {960, 540}, {1920, 1080}, {17, 923}} {
		cx := pt[0]*scale + lb.PadX
		cy := pt[1]*scale + lb.PadY
		gotX, gotY := lb.Invert(cx, cy)
		if math.Abs(gotX-pt[0]) > 1e-6 || math.Abs(gotY-pt[1]) > 1e-6 {
			t.Errorf("round trip (%v, %v): got (%v, %v)", pt[0], pt[1], gotX, gotY)
		}
	}
}

func TestFitLetterboxCentersPadding(t *testing.T) {
	scale, newW, newH, padLeft, padTop := fitLetterbox(1920, 1080, 640, 640)
	if math.Abs(scale-1.0/3.0) > 1e-9 {
		t.Errorf("scale = %v, want 1/3", scale)
	}
	if newW != 640 || newH != 360 {
		t.Errorf("scaled size = %dx%d, want 640x360", newW, newH)
	}
	if padLeft != 0 || padTop != 140 {
		t.Errorf("padding = (%d, %d), want (0, 140)", padLeft, padTop)
	}
}

func TestNMSSuppressesSameClassOverlap(t *testing.T) {
	dets := []Detection{
		{Label: "person", Confidence: 0.9, Box: Box{XMin: 10, YMin: 10, XMax: 110, YMax: 110}},
		{Label: "person", Confidence: 0.8, Box: Box{XMin: 20, YMin: 20, XMax: 120, YMax: 120}},
		{Label: "person", Confidence: 0.7, Box: Box{XMin: 300, YMin: 300, XMax: 400, YMax: 400}},
	}
	kept := nms(dets, nmsIoUThreshold)
	if len(kept) != 2 {
		t.Fatalf("got %d kept, want 2: %+v", len(kept), kept)
	}
	if kept[0].Confidence != 0.9 || kept[1].Confidence != 0.7 {
		t.Errorf("kept wrong boxes: %+v", kept)
	}
}

func TestNMSKeepsDifferentClasses(t *testing.T) {
	dets := []Detection{
		{Label: "person", Confidence: 0.9, Box: Box{XMin: 10, YMin: 10, XMax: 110, YMax: 110}},
		{Label: "dog", Confidence: 0.8, Box: Box{XMin: 10, YMin: 10, XMax: 110, YMax: 110}},
	}
	if kept := nms(dets, nmsIoUThreshold); len(kept) != 2 {
		t.Fatalf("got %d kept, want 2 (different labels never suppress)", len(kept))
	}
}

func TestIoU(t *testing.T) {
	a := Box{XMin: 0, YMin: 0, XMax: 100, YMax: 100}
	cases := []struct {
		name string
		b    Box
		want float64
	}{
		{"identical", a, 1.0},
		{"disjoint", Box{XMin: 200, YMin: 200, XMax: 300, YMax: 300}, 0.0},
		{"half overlap", Box{XMin: 0, YMin: 50, XMax: 100, YMax: 150}, 5000.0 / 15000.0},
	}
	for _, tc := range cases {
		if got := iou(a, tc.b); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("%s: iou = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestClipBox(t *testing.T) {
	got := clipBox(Box{XMin: -20, YMin: 5, XMax: 700, YMax: 500}, 640, 480)
	want := Box{XMin: 0, YMin: 5, XMax: 640, YMax: 480}
	if got != want {
		t.Errorf("clipBox = %+v, want %+v", got, want)
	}
}
