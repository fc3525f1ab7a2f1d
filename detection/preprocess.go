package detection

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// letterboxPad is the constant pad value used for the unfilled border.
const letterboxPad = 114

// Letterbox records the scale and padding applied by an aspect-preserving
// resize so detections can be mapped back to original pixels.
type Letterbox struct {
	Scale float64
	PadX  float64
	PadY  float64
}

// Invert maps a coordinate on the padded canvas back to the original image.
func (l Letterbox) Invert(x, y float64) (float64, float64) {
	if l.Scale == 0 {
		return x, y
	}
	return (x - l.PadX) / l.Scale, (y - l.PadY) / l.Scale
}

// fitLetterbox computes the scale-to-fit geometry for src inside dst.
func fitLetterbox(srcW, srcH, dstW, dstH int) (scale float64, newW, newH, padLeft, padTop int) {
	sx := float64(dstW) / float64(srcW)
	sy := float64(dstH) / float64(srcH)
	scale = sx
	if sy < sx {
		scale = sy
	}
	newW = int(float64(srcW)*scale + 0.5)
	newH = int(float64(srcH)*scale + 0.5)
	padLeft = (dstW - newW) / 2
	padTop = (dstH - newH) / 2
	return
}

// letterboxResize scales img to fit the target canvas, padding the border
// with the constant value 114, centered. Caller owns the returned Mat.
func letterboxResize(img gocv.Mat, dstW, dstH int) (gocv.Mat, Letterbox) {
	scale, newW, newH, padLeft, padTop := fitLetterbox(img.Cols(), img.Rows(), dstW, dstH)

	resized := gocv.NewMat()
	gocv.Resize(img, &resized, image.Pt(newW, newH), 0, 0, gocv.InterpolationLinear)

	out := gocv.NewMat()
	gocv.CopyMakeBorder(resized, &out,
		padTop, dstH-newH-padTop, padLeft, dstW-newW-padLeft,
		gocv.BorderConstant,
		color.RGBA{R: letterboxPad, G: letterboxPad, B: letterboxPad, A: 0})
	resized.Close()

	return out, Letterbox{Scale: scale, PadX: float64(padLeft), PadY: float64(padTop)}
}

// preprocess converts a BGR frame into the backend's input tensor. Raw-
// tensor backends get a letterboxed canvas, pre-decoded backends a direct
// resize. Color is converted BGR→RGB, pixels normalized to [0,1] float32
// unless the backend takes quantized bytes.
func preprocess(img gocv.Mat, d Descriptor) (*Tensor, Letterbox) {
	var canvas gocv.Mat
	var lb Letterbox
	if d.Encoding == EncodingRawTensor {
		canvas, lb = letterboxResize(img, d.InputWidth, d.InputHeight)
	} else {
		canvas = gocv.NewMat()
		gocv.Resize(img, &canvas, image.Pt(d.InputWidth, d.InputHeight), 0, 0, gocv.InterpolationLinear)
	}
	defer canvas.Close()

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(canvas, &rgb, gocv.ColorBGRToRGB)

	pixels := rgb.ToBytes() // HWC, RGB
	t := &Tensor{Width: d.InputWidth, Height: d.InputHeight}
	if d.Quantized {
		t.Bytes = packBytes(pixels, d.InputWidth, d.InputHeight, d.ChannelsFirst)
	} else {
		t.Float = packFloats(pixels, d.InputWidth, d.InputHeight, d.ChannelsFirst)
	}
	return t, lb
}

// packFloats normalizes HWC bytes to [0,1] float32 in the requested layout.
func packFloats(pixels []byte, w, h int, channelsFirst bool) []float32 {
	out := make([]float32, len(pixels))
	if !channelsFirst {
		for i, p := range pixels {
			out[i] = float32(p) / 255.0
		}
		return out
	}
	plane := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			base := (y*w + x) * 3
			for c := 0; c < 3; c++ {
				out[c*plane+y*w+x] = float32(pixels[base+c]) / 255.0
			}
		}
	}
	return out
}

// packBytes reorders HWC bytes into the requested layout without scaling;
// quantized backends consume raw values with their own scale/zero-point.
func packBytes(pixels []byte, w, h int, channelsFirst bool) []byte {
	if !channelsFirst {
		out := make([]byte, len(pixels))
		copy(out, pixels)
		return out
	}
	out := make([]byte, len(pixels))
	plane := w * h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			base := (y*w + x) * 3
			for c := 0; c < 3; c++ {
				out[c*plane+y*w+x] = pixels[base+c]
			}
		}
	}
	return out
}
