package detection

import (
	"fmt"
	"os"
	"sync"

	"github.com/mattn/go-tflite"
)

// tfliteBackend runs SSD-style TFLite detectors. Output encoding is
// pre-decoded: four tensors carrying boxes, classes, scores and a count.
type tfliteBackend struct {
	mu     sync.Mutex
	model  *tflite.Model
	opts   *tflite.InterpreterOptions
	interp *tflite.Interpreter
	ready  bool
	desc   Descriptor
}

func newTFLiteBackend() *tfliteBackend {
	return &tfliteBackend{}
}

func (b *tfliteBackend) Load(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("model file: %w", err)
	}
	model := tflite.NewModelFromFile(path)
	if model == nil {
		return &ModelFormatError{Path: path, Detail: "could not parse tflite flatbuffer"}
	}
	opts := tflite.NewInterpreterOptions()
	opts.SetNumThread(2)
	interp := tflite.NewInterpreter(model, opts)
	if interp == nil {
		opts.Delete()
		model.Delete()
		return &ModelFormatError{Path: path, Detail: "could not build interpreter"}
	}
	if status := interp.AllocateTensors(); status != tflite.OK {
		interp.Delete()
		opts.Delete()
		model.Delete()
		return &ModelFormatError{Path: path, Detail: "tensor allocation failed"}
	}

	input := interp.GetInputTensor(0)
	if input.NumDims() != 4 {
		interp.Delete()
		opts.Delete()
		model.Delete()
		return &ModelFormatError{Path: path, Detail: "input tensor is not [1, h, w, 3]"}
	}
	if interp.GetOutputTensorCount() != 4 {
		interp.Delete()
		opts.Delete()
		model.Delete()
		return &ModelFormatError{Path: path, Detail: fmt.Sprintf(
			"want 4 output tensors (boxes, classes, scores, count), got %d",
			interp.GetOutputTensorCount())}
	}

	desc := Descriptor{
		InputWidth:  input.Dim(2),
		InputHeight: input.Dim(1),
		Encoding:    EncodingPreDecoded,
	}
	if input.Type() == tflite.UInt8 {
		desc.Quantized = true
		qp := input.QuantizationParams()
		desc.Scale = float32(qp.Scale)
		desc.ZeroPoint = qp.ZeroPoint
	}

	b.mu.Lock()
	b.model = model
	b.opts = opts
	b.interp = interp
	b.desc = desc
	b.ready = true
	b.mu.Unlock()
	return nil
}

func (b *tfliteBackend) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

func (b *tfliteBackend) Descriptor() Descriptor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.desc
}

func (b *tfliteBackend) Infer(t *Tensor) (*Output, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return nil, ErrNotReady
	}

	input := b.interp.GetInputTensor(0)
	if b.desc.Quantized {
		if status := input.CopyFromBuffer(t.Bytes); status != tflite.OK {
			return nil, fmt.Errorf("copy input tensor: status %d", status)
		}
	} else {
		copy(input.Float32s(), t.Float)
	}

	if status := b.interp.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("invoke interpreter: status %d", status)
	}

	boxesT := b.interp.GetOutputTensor(0)
	classesT := b.interp.GetOutputTensor(1)
	scoresT := b.interp.GetOutputTensor(2)
	countT := b.interp.GetOutputTensor(3)

	count := int(countT.Float32s()[0])
	rawBoxes := boxesT.Float32s()
	classes := classesT.Float32s()
	scores := scoresT.Float32s()
	if count > len(scores) {
		count = len(scores)
	}
	if count*4 > len(rawBoxes) {
		count = len(rawBoxes) / 4
	}

	out := &Output{
		Boxes:   make([][4]float32, count),
		Classes: make([]int, count),
		Scores:  make([]float32, count),
		Count:   count,
	}
	for i := 0; i < count; i++ {
		copy(out.Boxes[i][:], rawBoxes[i*4:i*4+4])
		out.Classes[i] = int(classes[i])
		out.Scores[i] = scores[i]
	}
	return out, nil
}

func (b *tfliteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return nil
	}
	b.ready = false
	b.interp.Delete()
	b.opts.Delete()
	b.model.Delete()
	return nil
}
