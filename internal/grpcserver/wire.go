package grpcserver

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"
	"gonum.org/v1/gonum/mat"

	"salharness/internal/params"
	"salharness/internal/raster"
)

// Field names of the Compute request and response structs. Sample data is
// float32 little-endian, base64 encoded.
const (
	fieldModel      = "model"
	fieldWidth      = "width"
	fieldHeight     = "height"
	fieldChannels   = "channels"
	fieldPixels     = "pixels"
	fieldParameters = "parameters"
	fieldMap        = "map"
)

// EncodeRequest packs a Compute call.
func EncodeRequest(model string, img *raster.Image, p *params.Map) (*structpb.Struct, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	plain := map[string]any{}
	if p != nil {
		plain = p.Plain()
	}
	ps, err := structpb.NewStruct(plain)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldModel:      structpb.NewStringValue(model),
		fieldWidth:      structpb.NewNumberValue(float64(img.Width)),
		fieldHeight:     structpb.NewNumberValue(float64(img.Height)),
		fieldChannels:   structpb.NewNumberValue(float64(img.Channels)),
		fieldPixels:     structpb.NewStringValue(encodeFloats(img.Pix)),
		fieldParameters: structpb.NewStructValue(ps),
	}}, nil
}

// DecodeRequest unpacks a Compute call.
func DecodeRequest(req *structpb.Struct) (string, *raster.Image, *params.Map, error) {
	f := req.GetFields()
	model := f[fieldModel].GetStringValue()
	if model == "" {
		return "", nil, nil, errors.New("request has no model")
	}
	img := &raster.Image{
		Width:    int(f[fieldWidth].GetNumberValue()),
		Height:   int(f[fieldHeight].GetNumberValue()),
		Channels: int(f[fieldChannels].GetNumberValue()),
	}
	pix, err := decodeFloats(f[fieldPixels].GetStringValue())
	if err != nil {
		return "", nil, nil, err
	}
	img.Pix = pix
	if err := img.Validate(); err != nil {
		return "", nil, nil, err
	}
	p := params.FromPlain(f[fieldParameters].GetStructValue().AsMap())
	return model, img, p, nil
}

// EncodeMap packs a saliency map response.
func EncodeMap(m *mat.Dense) *structpb.Struct {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for y := 0; y < r; y++ {
		data = append(data, m.RawRowView(y)...)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldWidth:  structpb.NewNumberValue(float64(c)),
		fieldHeight: structpb.NewNumberValue(float64(r)),
		fieldMap:    structpb.NewStringValue(encodeFloats(data)),
	}}
}

// DecodeMap unpacks a saliency map response.
func DecodeMap(resp *structpb.Struct) (*mat.Dense, error) {
	f := resp.GetFields()
	w := int(f[fieldWidth].GetNumberValue())
	h := int(f[fieldHeight].GetNumberValue())
	data, err := decodeFloats(f[fieldMap].GetStringValue())
	if err != nil {
		return nil, err
	}
	if w <= 0 || h <= 0 || len(data) != w*h {
		return nil, fmt.Errorf("malformed map: %dx%d with %d samples", w, h, len(data))
	}
	return mat.NewDense(h, w, data), nil
}

func encodeFloats(v []float64) string {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(f)))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func decodeFloats(s string) ([]float64, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode samples: %w", err)
	}
	if len(buf)%4 != 0 {
		return nil, errors.New("decode samples: truncated data")
	}
	out := make([]float64, len(buf)/4)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:])))
	}
	return out, nil
}
