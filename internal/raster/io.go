package raster

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "image/gif"
	_ "image/jpeg"

	_ "github.com/xfmoulet/qoi"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"gonum.org/v1/gonum/mat"
)

// PFMExt is the extension used for float saliency maps.
const PFMExt = ".pfm"

// Load decodes the image at path. Formats the Go decoders do not know are
// handed to ImageMagick.
func Load(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return FromImage(img), nil
	}
	if err != image.ErrFormat {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	out, merr := loadWithMagick(path)
	if merr != nil {
		return nil, fmt.Errorf("decode %s: %w (imagemagick: %v)", filepath.Base(path), err, merr)
	}
	return out, nil
}

// LoadMap reads a saliency map written by a model: PFM files keep their
// float values, anything else is decoded and collapsed to one channel.
func LoadMap(path string) (*mat.Dense, error) {
	if strings.EqualFold(filepath.Ext(path), PFMExt) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return ReadPFM(f)
	}
	img, err := Load(path)
	if err != nil {
		return nil, err
	}
	return img.ChannelMean(), nil
}

// EncodePNG writes an 8-bit image as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	return enc.Encode(w, img)
}

// WritePFM encodes m as a single channel little-endian portable float map.
// Rows are stored bottom to top as the format requires.
func WritePFM(w io.Writer, m mat.Matrix) error {
	rows, cols := m.Dims()
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "Pf\n%d %d\n-1.0\n", cols, rows); err != nil {
		return err
	}
	buf := make([]byte, 4)
	for y := rows - 1; y >= 0; y-- {
		for x := 0; x < cols; x++ {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(m.At(y, x))))
			if _, err := bw.Write(buf); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// ReadPFM decodes a portable float map. Color maps are averaged to one
// channel.
func ReadPFM(r io.Reader) (*mat.Dense, error) {
	br := bufio.NewReader(r)
	header := make([]string, 0, 4)
	for len(header) < 4 {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("pfm header: %w", err)
		}
		header = append(header, strings.Fields(line)...)
	}

	var channels int
	switch header[0] {
	case "Pf":
		channels = 1
	case "PF":
		channels = 3
	default:
		return nil, fmt.Errorf("pfm: bad magic %q", header[0])
	}
	cols, err := strconv.Atoi(header[1])
	if err != nil {
		return nil, fmt.Errorf("pfm width: %w", err)
	}
	rows, err := strconv.Atoi(header[2])
	if err != nil {
		return nil, fmt.Errorf("pfm height: %w", err)
	}
	scale, err := strconv.ParseFloat(header[3], 64)
	if err != nil {
		return nil, fmt.Errorf("pfm scale: %w", err)
	}
	if cols <= 0 || rows <= 0 {
		return nil, fmt.Errorf("pfm: invalid size %dx%d", cols, rows)
	}
	var order binary.ByteOrder = binary.BigEndian
	if scale < 0 {
		order = binary.LittleEndian
	}

	out := mat.NewDense(rows, cols, nil)
	buf := make([]byte, 4*channels)
	for y := rows - 1; y >= 0; y-- {
		for x := 0; x < cols; x++ {
			if _, err := io.ReadFull(br, buf); err != nil {
				return nil, fmt.Errorf("pfm data: %w", err)
			}
			var sum float64
			for c := 0; c < channels; c++ {
				sum += float64(math.Float32frombits(order.Uint32(buf[4*c:])))
			}
			out.Set(y, x, sum/float64(channels))
		}
	}
	return out, nil
}
