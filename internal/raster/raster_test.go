package raster

import (
	"bytes"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestLoadPNGKeepsChannelsAndScale(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	src.SetNRGBA(0, 0, color.NRGBA{R: 255, G: 0, B: 10, A: 255})
	src.SetNRGBA(2, 1, color.NRGBA{R: 1, G: 2, B: 3, A: 255})

	path := filepath.Join(t.TempDir(), "in.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := EncodePNG(f, src); err != nil {
		t.Fatal(err)
	}
	f.Close()

	img, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if img.Width != 3 || img.Height != 2 || img.Channels != 3 {
		t.Fatalf("unexpected geometry %dx%dx%d", img.Width, img.Height, img.Channels)
	}
	if img.At(0, 0, 0) != 255 || img.At(0, 0, 2) != 10 || img.At(2, 1, 1) != 2 {
		t.Fatalf("unexpected samples %v", img.Pix)
	}
}

func TestFromImageGrayIsSingleChannel(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 2, 2))
	g.SetGray(1, 1, color.Gray{Y: 200})
	img := FromImage(g)
	if img.Channels != 1 || img.At(1, 1, 0) != 200 {
		t.Fatalf("unexpected gray conversion: %+v", img)
	}
}

func TestPFMPreservesFloatValues(t *testing.T) {
	m := mat.NewDense(2, 3, []float64{-3.5, 0, 1e-3, 7, -100.25, 42})
	var buf bytes.Buffer
	if err := WritePFM(&buf, m); err != nil {
		t.Fatalf("write: %v", err)
	}
	back, err := ReadPFM(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	r, c := back.Dims()
	if r != 2 || c != 3 {
		t.Fatalf("unexpected dims %dx%d", r, c)
	}
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			if math.Abs(back.At(y, x)-m.At(y, x)) > 1e-4 {
				t.Fatalf("(%d,%d): want %v got %v", y, x, m.At(y, x), back.At(y, x))
			}
		}
	}
}

func TestMapToGrayClamps(t *testing.T) {
	m := mat.NewDense(1, 4, []float64{-20, 12.9, 300, math.NaN()})
	g := MapToGray(m)
	want := []uint8{0, 12, 255, 0}
	for i, v := range want {
		if g.Pix[i] != v {
			t.Fatalf("pixel %d: want %d got %d", i, v, g.Pix[i])
		}
	}
}

func TestToNRGBAByteScalesUnitRange(t *testing.T) {
	img := NewImage(2, 1, 3)
	for i := range img.Pix[:3] {
		img.Pix[i] = 0.25
	}
	for i := range img.Pix[3:] {
		img.Pix[3+i] = 0.75
	}
	out := img.ToNRGBA()
	if out.NRGBAAt(0, 0).R != 0 || out.NRGBAAt(1, 0).R != 255 {
		t.Fatalf("expected byte scaling, got %v %v", out.NRGBAAt(0, 0), out.NRGBAAt(1, 0))
	}
}
