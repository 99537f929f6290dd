package engine

import (
	"context"
	"errors"
	"testing"

	"gonum.org/v1/gonum/mat"

	"salharness/internal/params"
	"salharness/internal/raster"
)

func testImage() *raster.Image {
	img := raster.NewImage(20, 12, 3)
	for y := 8; y < 11; y++ {
		for x := 14; x < 18; x++ {
			for c := 0; c < 3; c++ {
				img.Set(x, y, c, 255)
			}
		}
	}
	return img
}

func TestComputeRequiresStart(t *testing.T) {
	e := New(Options{})
	if _, err := e.Compute(context.Background(), CenterName, testImage(), nil); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestStartRunsOnce(t *testing.T) {
	e := New(Options{})
	calls := 0
	if err := e.Register("probe", func(context.Context, *raster.Image, *params.Map) (*mat.Dense, error) {
		calls++
		return mat.NewDense(1, 1, nil), nil
	}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := e.Start(); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	if _, err := e.Compute(context.Background(), "PROBE", testImage(), nil); err != nil {
		t.Fatalf("compute: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}

func TestUnknownAlgorithm(t *testing.T) {
	e := New(Options{})
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	_, err := e.Compute(context.Background(), "deepgaze", testImage(), nil)
	var unknown *UnknownAlgorithmError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownAlgorithmError, got %v", err)
	}
	if len(unknown.Known) != 2 {
		t.Fatalf("expected built-ins listed, got %v", unknown.Known)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	e := New(Options{})
	if err := e.Register("Center", Center); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestBuiltins(t *testing.T) {
	e := New(Options{})
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	img := testImage()

	center, err := e.Compute(context.Background(), CenterName, img, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r, c := center.Dims(); r != 12 || c != 20 {
		t.Fatalf("center map is %dx%d", r, c)
	}

	contrast, err := e.Compute(context.Background(), ContrastName, img, nil)
	if err != nil {
		t.Fatal(err)
	}
	if contrast.At(9, 15) <= contrast.At(2, 2) {
		t.Fatalf("bright patch should be salient: %v vs %v", contrast.At(9, 15), contrast.At(2, 2))
	}
	if mat.Min(contrast) < 0 {
		t.Fatalf("contrast must be non-negative")
	}
}

func TestLoadONNXWithoutRuntime(t *testing.T) {
	e := New(Options{})
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	err := e.LoadONNX("net", ONNXSpec{Path: "net.onnx", Width: 8, Height: 8})
	if !errors.Is(err, ErrONNXUnavailable) {
		t.Fatalf("expected ErrONNXUnavailable, got %v", err)
	}
}

func TestClosedEngine(t *testing.T) {
	e := New(Options{})
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Compute(context.Background(), CenterName, testImage(), nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
