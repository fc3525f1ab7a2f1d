package detection

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"

	"gocv.io/x/gocv"
)

// onnxBackend runs anchor-free ONNX detectors through the OpenCV DNN
// module. Output encoding is raw-tensor: a single [1, 4+C, N] blob.
type onnxBackend struct {
	mu    sync.Mutex
	net   gocv.Net
	ready bool
	desc  Descriptor
}

func newONNXBackend() *onnxBackend {
	return &onnxBackend{
		desc: Descriptor{
			InputWidth:    640,
			InputHeight:   640,
			ChannelsFirst: true,
			Encoding:      EncodingRawTensor,
		},
	}
}

func (b *onnxBackend) Load(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("model file: %w", err)
	}
	net := gocv.ReadNetFromONNX(path)
	if net.Empty() {
		return &ModelFormatError{Path: path, Detail: "opencv dnn could not parse onnx graph"}
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	b.mu.Lock()
	b.net = net
	b.ready = true
	b.mu.Unlock()
	return nil
}

func (b *onnxBackend) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

func (b *onnxBackend) Descriptor() Descriptor { return b.desc }

// Infer runs one forward pass. The network handle is not reentrant, so
// concurrent pipeline calls serialize here.
func (b *onnxBackend) Infer(t *Tensor) (*Output, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return nil, ErrNotReady
	}

	blob, err := gocv.NewMatWithSizesFromBytes(
		[]int{1, 3, t.Height, t.Width}, gocv.MatTypeCV32F, floatBytes(t.Float))
	if err != nil {
		return nil, fmt.Errorf("build input blob: %w", err)
	}
	defer blob.Close()

	b.net.SetInput(blob, "")
	out := b.net.Forward("")
	defer out.Close()

	sizes := out.Size()
	if len(sizes) != 3 || sizes[0] != 1 || sizes[1] < 5 {
		return nil, &ModelFormatError{Detail: fmt.Sprintf("unexpected output shape %v, want [1, 4+C, N]", sizes)}
	}
	attrs, n := sizes[1], sizes[2]

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read output tensor: %w", err)
	}
	raw := make([]float32, attrs*n)
	copy(raw, data)
	return &Output{Raw: raw, Attrs: attrs, N: n}, nil
}

func (b *onnxBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		b.ready = false
		return b.net.Close()
	}
	return nil
}

// floatBytes reinterprets float32 values as little-endian bytes for Mat
// construction.
func floatBytes(f []float32) []byte {
	out := make([]byte, 4*len(f))
	for i, v := range f {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}
