package detection

// Box is a corner-form bounding box in source-image pixels.
type Box struct {
	XMin int `json:"x_min"`
	YMin int `json:"y_min"`
	XMax int `json:"x_max"`
	YMax int `json:"y_max"`
}

// Width returns the box width in pixels.
func (b Box) Width() int { return b.XMax - b.XMin }

// Height returns the box height in pixels.
func (b Box) Height() int { return b.YMax - b.YMin }

// Area returns the box area in pixels.
func (b Box) Area() int { return b.Width() * b.Height() }

// NormBox is a center-form box expressed as fractions of the source image.
type NormBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Detection is one normalized detector result.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
	Area       int     `json:"area"`
	NormBox    NormBox `json:"norm_box"`
}

// normBoxFor derives the normalized center-form box from a pixel box.
func normBoxFor(b Box, imgW, imgH int) NormBox {
	return NormBox{
		X: float64(b.XMin+b.XMax) / 2 / float64(imgW),
		Y: float64(b.YMin+b.YMax) / 2 / float64(imgH),
		W: float64(b.Width()) / float64(imgW),
		H: float64(b.Height()) / float64(imgH),
	}
}
