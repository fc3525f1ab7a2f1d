// Package overlay draws detection results onto frames and produces the
// JPEG snapshots attached to detection events.
package overlay

import (
	"encoding/base64"
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/jayjayhust/owl/detection"
)

var (
	boxColor   = color.RGBA{R: 220, G: 40, B: 40, A: 0}
	labelColor = color.RGBA{R: 255, G: 255, B: 255, A: 0}
)

const (
	boxThickness = 2
	labelPad     = 4
	jpegQuality  = 80
)

// Annotate draws each detection onto img in place: a box around the object
// and a filled bar above it carrying the label and confidence.
func Annotate(img *gocv.Mat, dets []detection.Detection) {
	for _, det := range dets {
		rect := image.Rect(det.Box.XMin, det.Box.YMin, det.Box.XMax, det.Box.YMax)
		gocv.Rectangle(img, rect, boxColor, boxThickness)

		text := fmt.Sprintf("%s %.2f", det.Label, det.Confidence)
		size := gocv.GetTextSize(text, gocv.FontHersheySimplex, 0.5, 1)

		barTop := rect.Min.Y - size.Y - 2*labelPad
		if barTop < 0 {
			barTop = rect.Min.Y
		}
		bar := image.Rect(rect.Min.X, barTop, rect.Min.X+size.X+2*labelPad, barTop+size.Y+2*labelPad)
		gocv.Rectangle(img, bar, boxColor, -1)
		gocv.PutText(img, text,
			image.Pt(bar.Min.X+labelPad, bar.Max.Y-labelPad),
			gocv.FontHersheySimplex, 0.5, labelColor, 1)
	}
}

// Snapshot renders the detections onto a copy of img and returns the result
// as a base64-encoded JPEG. The input frame is left untouched.
func Snapshot(img gocv.Mat, dets []detection.Detection) (string, error) {
	annotated := img.Clone()
	defer annotated.Close()
	Annotate(&annotated, dets)

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, annotated,
		[]int{gocv.IMWriteJpegQuality, jpegQuality})
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	defer buf.Close()

	return base64.StdEncoding.EncodeToString(buf.GetBytes()), nil
}
