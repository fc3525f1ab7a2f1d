// Package motion implements the per-camera motion gate: a running-average
// background model that decides whether a frame merits inference.
package motion

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

const (
	// DefaultThreshold is the binary threshold applied to the frame delta.
	DefaultThreshold = 25
	// DefaultMinArea is the minimum contour area in px² kept as motion.
	DefaultMinArea = 500
	// backgroundAlpha is the exponential moving average weight.
	backgroundAlpha = 0.1
	// blurKernel is the Gaussian denoise kernel size, must be odd.
	blurKernel = 21
)

// Gate holds the background model for a single camera. It is owned by that
// camera's analysis loop and must not be shared across goroutines.
type Gate struct {
	Threshold float32
	MinArea   float64

	background gocv.Mat
	seeded     bool
}

// NewGate creates a gate with the default threshold and minimum blob area.
func NewGate() *Gate {
	return &Gate{
		Threshold: DefaultThreshold,
		MinArea:   DefaultMinArea,
	}
}

// Close releases the background model.
func (g *Gate) Close() {
	if g.seeded {
		g.background.Close()
		g.seeded = false
	}
}

// Detect returns the bounding boxes of motion blobs in img and whether any
// motion was found. roi, when non-empty, is a flat list of x,y polygon
// points expressed as fractions of the frame size; motion outside the
// polygon is ignored.
//
// The first frame seeds the background and unconditionally reports no
// motion. The background keeps updating on every later call regardless of
// the gate outcome, so slow lighting drift is absorbed.
func (g *Gate) Detect(img gocv.Mat, roi []float64) ([]image.Rectangle, bool) {
	gray := gocv.NewMat()
	defer gray.Close()
	if img.Channels() == 3 {
		gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	} else {
		img.CopyTo(&gray)
	}
	gocv.GaussianBlur(gray, &gray, image.Pt(blurKernel, blurKernel), 0, 0, gocv.BorderDefault)

	if !g.seeded {
		g.background = gocv.NewMat()
		gray.ConvertTo(&g.background, gocv.MatTypeCV32F)
		g.seeded = true
		return nil, false
	}

	gocv.AccumulatedWeighted(gray, &g.background, backgroundAlpha)

	bg := gocv.NewMat()
	defer bg.Close()
	g.background.ConvertTo(&bg, gocv.MatTypeCV8U)

	delta := gocv.NewMat()
	defer delta.Close()
	gocv.AbsDiff(gray, bg, &delta)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(delta, &thresh, g.Threshold, 255, gocv.ThresholdBinary)

	if len(roi) >= 6 {
		g.applyROI(&thresh, roi, img.Cols(), img.Rows())
	}

	// two dilation passes merge nearby blobs before contour extraction
	kernel := gocv.NewMat()
	defer kernel.Close()
	gocv.Dilate(thresh, &thresh, kernel)
	gocv.Dilate(thresh, &thresh, kernel)

	contours := gocv.FindContours(thresh, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var boxes []image.Rectangle
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		if gocv.ContourArea(c) < g.MinArea {
			continue
		}
		boxes = append(boxes, gocv.BoundingRect(c))
	}
	return boxes, len(boxes) > 0
}

// applyROI intersects the motion mask with the filled ROI polygon.
func (g *Gate) applyROI(thresh *gocv.Mat, roi []float64, width, height int) {
	pts := make([]image.Point, 0, len(roi)/2)
	for i := 0; i+1 < len(roi); i += 2 {
		pts = append(pts, image.Pt(int(roi[i]*float64(width)), int(roi[i+1]*float64(height))))
	}

	mask := gocv.Zeros(height, width, gocv.MatTypeCV8U)
	defer mask.Close()

	pv := gocv.NewPointsVectorFromPoints([][]image.Point{pts})
	defer pv.Close()
	gocv.FillPoly(&mask, pv, color.RGBA{R: 255, G: 255, B: 255, A: 255})

	masked := gocv.NewMat()
	defer masked.Close()
	gocv.BitwiseAnd(*thresh, mask, &masked)
	masked.CopyTo(thresh)
}
