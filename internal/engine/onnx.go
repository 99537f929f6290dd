package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"
	"gonum.org/v1/gonum/mat"

	"salharness/internal/params"
	"salharness/internal/raster"
)

// ONNXSpec describes a saliency network stored as an ONNX file. The input
// is a 1x3xHxW float tensor of RGB values divided by 255; the output is a
// 1x1xOutHxOutW map.
type ONNXSpec struct {
	Path       string `json:"path"`
	InputName  string `json:"input_name"`
	OutputName string `json:"output_name"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	OutWidth   int    `json:"out_width"`
	OutHeight  int    `json:"out_height"`
	// Mean and Std normalize each channel after division by 255.
	Mean []float32 `json:"mean"`
	Std  []float32 `json:"std"`
}

func (s *ONNXSpec) defaults() error {
	if s.Path == "" {
		return errors.New("onnx model path is empty")
	}
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("onnx model %s: input size %dx%d", s.Path, s.Width, s.Height)
	}
	if s.InputName == "" {
		s.InputName = "input"
	}
	if s.OutputName == "" {
		s.OutputName = "output"
	}
	if s.OutWidth <= 0 || s.OutHeight <= 0 {
		s.OutWidth, s.OutHeight = s.Width, s.Height
	}
	return nil
}

type onnxModel struct {
	spec ONNXSpec

	// Sessions bind fixed tensors, so runs are serialized.
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// LoadONNX opens an ONNX session and registers it under name. The engine
// must be started with an ONNX library.
func (e *Engine) LoadONNX(name string, spec ONNXSpec) error {
	if err := spec.defaults(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.closed:
		return ErrClosed
	case !e.started:
		return ErrNotStarted
	case e.onnxErr != nil:
		return e.onnxErr
	}
	key := strings.ToLower(name)
	if _, ok := e.algorithms[key]; ok {
		return fmt.Errorf("algorithm %q already registered", name)
	}

	m, err := openONNX(spec)
	if err != nil {
		return err
	}
	e.sessions[key] = m
	e.algorithms[key] = m.compute
	e.logger.Debug("onnx model loaded", "name", name, "path", spec.Path)
	return nil
}

func openONNX(spec ONNXSpec) (*onnxModel, error) {
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(spec.Height), int64(spec.Width)))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, int64(spec.OutHeight), int64(spec.OutWidth)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(spec.Path,
		[]string{spec.InputName}, []string{spec.OutputName},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	return &onnxModel{spec: spec, session: session, input: input, output: output}, nil
}

func (m *onnxModel) compute(ctx context.Context, img *raster.Image, _ *params.Map) (*mat.Dense, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	fillInput(m.input.GetData(), img, m.spec)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	data := m.output.GetData()
	out := mat.NewDense(m.spec.OutHeight, m.spec.OutWidth, nil)
	raw := out.RawMatrix().Data
	for i := range raw {
		raw[i] = float64(data[i])
	}
	return out, nil
}

// fillInput resizes img to the network input and writes it planar.
func fillInput(dst []float32, img *raster.Image, spec ONNXSpec) {
	resized := imaging.Resize(img.ToNRGBA(), spec.Width, spec.Height, imaging.Linear)
	plane := spec.Width * spec.Height
	for y := 0; y < spec.Height; y++ {
		for x := 0; x < spec.Width; x++ {
			c := resized.NRGBAAt(x, y)
			for ch, v := range [3]uint8{c.R, c.G, c.B} {
				f := float32(v) / 255
				if ch < len(spec.Mean) {
					f -= spec.Mean[ch]
				}
				if ch < len(spec.Std) && spec.Std[ch] != 0 {
					f /= spec.Std[ch]
				}
				dst[ch*plane+y*spec.Width+x] = f
			}
		}
	}
}

func (m *onnxModel) destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	if m.session != nil {
		errs = append(errs, m.session.Destroy())
	}
	if m.input != nil {
		errs = append(errs, m.input.Destroy())
	}
	if m.output != nil {
		errs = append(errs, m.output.Destroy())
	}
	return errors.Join(errs...)
}
