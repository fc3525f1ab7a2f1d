// Package detection provides the object-detection backends and the shared
// preprocessing/postprocessing that normalizes their output into one
// detection format.
package detection

import (
	"errors"
	"fmt"
)

// ErrNotReady is returned when inference is requested before a successful
// load. Callers should wait and retry.
var ErrNotReady = errors.New("detection: backend not ready")

// ModelFormatError marks a malformed or unsupported model file. It is fatal
// to the backend instance: the backend stays not-ready.
type ModelFormatError struct {
	Path   string
	Detail string
}

func (e *ModelFormatError) Error() string {
	return fmt.Sprintf("detection: unsupported model %s: %s", e.Path, e.Detail)
}

// Encoding selects how a backend reports detections.
type Encoding int

const (
	// EncodingRawTensor backends emit a single [1, 4+C, N] tensor that
	// still needs decoding and non-maximum suppression.
	EncodingRawTensor Encoding = iota
	// EncodingPreDecoded backends emit boxes/classes/scores/count with
	// suppression already applied.
	EncodingPreDecoded
)

// Descriptor describes a loaded model: input geometry, tensor layout,
// quantization, and output encoding. Dispatch happens on the descriptor,
// never on runtime type inspection.
type Descriptor struct {
	InputWidth    int
	InputHeight   int
	ChannelsFirst bool
	Quantized     bool
	Scale         float32
	ZeroPoint     int
	Encoding      Encoding
}

// Tensor is a packed model input. Float is populated for float32 models,
// Bytes for fixed-point quantized models.
type Tensor struct {
	Float  []float32
	Bytes  []byte
	Width  int
	Height int
}

// Output is the union of the two backend output shapes.
type Output struct {
	// Raw-tensor encoding: flattened [1, Attrs, N] with Attrs = 4+C.
	Raw   []float32
	Attrs int
	N     int

	// Pre-decoded encoding: boxes are normalized [ymin, xmin, ymax, xmax].
	Boxes   [][4]float32
	Classes []int
	Scores  []float32
	Count   int
}

// Backend is a loaded inference engine. Implementations are safe for
// concurrent Infer calls across all camera pipelines.
type Backend interface {
	Load(path string) error
	Ready() bool
	Descriptor() Descriptor
	Infer(t *Tensor) (*Output, error)
	Close() error
}
