package overlay

import (
	"encoding/base64"
	"testing"

	"gocv.io/x/gocv"

	"github.com/jayjayhust/owl/detection"
)

func TestSnapshotProducesJPEG(t *testing.T) {
	img := gocv.NewMatWithSize(240, 320, gocv.MatTypeCV8UC3)
	defer img.Close()

	dets := []detection.Detection{
		{Label: "person", Confidence: 0.91, Box: detection.Box{XMin: 40, YMin: 40, XMax: 120, YMax: 180}},
	}

	encoded, err := Snapshot(img, dets)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("snapshot is not valid base64: %v", err)
	}
	if len(raw) < 4 || raw[0] != 0xFF || raw[1] != 0xD8 {
		t.Errorf("snapshot does not start with a JPEG SOI marker")
	}
}

func TestAnnotateLeavesSourceUntouchedViaSnapshot(t *testing.T) {
	img := gocv.NewMatWithSize(240, 320, gocv.MatTypeCV8UC3)
	defer img.Close()

	before := img.Clone()
	defer before.Close()

	dets := []detection.Detection{
		{Label: "car", Confidence: 0.6, Box: detection.Box{XMin: 10, YMin: 10, XMax: 100, YMax: 100}},
	}
	if _, err := Snapshot(img, dets); err != nil {
		t.Fatal(err)
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(img, before, &diff)
	if gocv.CountNonZero(diff.Reshape(1, diff.Rows()*3)) != 0 {
		t.Error("Snapshot modified the source frame")
	}
}
