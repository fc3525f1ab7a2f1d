package detection

import "sort"

// nmsIoUThreshold is the overlap above which the lower-confidence box of a
// same-class pair is suppressed.
const nmsIoUThreshold = 0.45

// rawBox is a thresholded candidate from a raw output tensor, still in
// input-canvas coordinates.
type rawBox struct {
	cx, cy, w, h float64
	score        float64
	class        int
}

// decodeRawTensor walks the [1, 4+C, N] output transposed to rows of
// [cx, cy, w, h, scores...], taking the per-row argmax class and dropping
// rows below threshold.
func decodeRawTensor(out *Output, threshold float64) []rawBox {
	n := out.N
	classes := out.Attrs - 4

	var cands []rawBox
	for i := 0; i < n; i++ {
		best := -1
		bestScore := 0.0
		for c := 0; c < classes; c++ {
			if s := float64(out.Raw[(4+c)*n+i]); s > bestScore {
				bestScore = s
				best = c
			}
		}
		if best < 0 || bestScore < threshold {
			continue
		}
		cands = append(cands, rawBox{
			cx:    float64(out.Raw[0*n+i]),
			cy:    float64(out.Raw[1*n+i]),
			w:     float64(out.Raw[2*n+i]),
			h:     float64(out.Raw[3*n+i]),
			score: bestScore,
			class: best,
		})
	}
	return cands
}

// toPixelBox converts a center-form canvas box to a corner-form pixel box
// on the original image: subtract padding, divide by scale, clip to bounds.
func toPixelBox(c rawBox, lb Letterbox, imgW, imgH int) Box {
	x1, y1 := lb.Invert(c.cx-c.w/2, c.cy-c.h/2)
	x2, y2 := lb.Invert(c.cx+c.w/2, c.cy+c.h/2)
	return clipBox(Box{
		XMin: int(x1 + 0.5),
		YMin: int(y1 + 0.5),
		XMax: int(x2 + 0.5),
		YMax: int(y2 + 0.5),
	}, imgW, imgH)
}

func clipBox(b Box, imgW, imgH int) Box {
	b.XMin = clamp(b.XMin, 0, imgW)
	b.YMin = clamp(b.YMin, 0, imgH)
	b.XMax = clamp(b.XMax, 0, imgW)
	b.YMax = clamp(b.YMax, 0, imgH)
	return b
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// iou computes intersection-over-union of two pixel boxes.
func iou(a, b Box) float64 {
	ix1 := max(a.XMin, b.XMin)
	iy1 := max(a.YMin, b.YMin)
	ix2 := min(a.XMax, b.XMax)
	iy2 := min(a.YMax, b.YMax)
	if ix2 <= ix1 || iy2 <= iy1 {
		return 0
	}
	inter := float64((ix2 - ix1) * (iy2 - iy1))
	union := float64(a.Area()+b.Area()) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// nms applies greedy per-class non-maximum suppression, keeping the
// highest-confidence box in each overlapping cluster.
func nms(dets []Detection, iouThreshold float64) []Detection {
	sorted := make([]Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	suppressed := make([]bool, len(sorted))
	var kept []Detection
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] || sorted[j].Label != sorted[i].Label {
				continue
			}
			if iou(sorted[i].Box, sorted[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}
