package imageutil

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidPixels is returned when a NormalizedImage does not hold Size*Size*3 channel values.
var ErrInvalidPixels = errors.New("normalized image has an inconsistent pixel buffer")

// Layout is the dimension order of an encoded image tensor.
type Layout string

const (
	NHWC Layout = "NHWC"
	NCHW Layout = "NCHW"
)

func ParseLayout(s string) (Layout, error) {
	switch Layout(strings.ToUpper(s)) {
	case "", NHWC:
		return NHWC, nil
	case NCHW:
		return NCHW, nil
	default:
		return NHWC, fmt.Errorf("unsupported tensor layout %q, must be NHWC or NCHW", s)
	}
}

// Normalization names the scheme mapping channel values 0..255 to model input floats.
type Normalization string

const (
	// UnitScale maps v to v/255, range [0, 1].
	UnitScale Normalization = "unit"
	// ZeroCentered maps v to (v-127.5)/127.5, range [-1, 1].
	ZeroCentered Normalization = "centered"
	// Imagenet maps v to (v/255-mean)/std per channel with the ImageNet statistics.
	Imagenet Normalization = "imagenet"
)

var (
	imagenetMean = [3]float32{0.485, 0.456, 0.406}
	imagenetStd  = [3]float32{0.229, 0.224, 0.225}
)

func ParseNormalization(s string) (Normalization, error) {
	switch Normalization(strings.ToLower(s)) {
	case "", UnitScale:
		return UnitScale, nil
	case ZeroCentered:
		return ZeroCentered, nil
	case Imagenet:
		return Imagenet, nil
	default:
		return UnitScale, fmt.Errorf("unsupported normalization %q, must be unit, centered or imagenet", s)
	}
}

// Steps returns the per-pixel normalization steps implementing the scheme, in order.
func (n Normalization) Steps() []NormalizationStep {
	switch n {
	case ZeroCentered:
		return []NormalizationStep{CenterStep()}
	case Imagenet:
		return []NormalizationStep{RescaleStep(), ImagenetPixelNormalizationStep()}
	default:
		return []NormalizationStep{RescaleStep()}
	}
}

// Range returns the closed interval all encoded values fall in.
func (n Normalization) Range() (lo, hi float32) {
	switch n {
	case ZeroCentered:
		return -1, 1
	case Imagenet:
		lo, hi = -imagenetMean[0]/imagenetStd[0], (1-imagenetMean[0])/imagenetStd[0]
		for c := 1; c < 3; c++ {
			lo = min(lo, -imagenetMean[c]/imagenetStd[c])
			hi = max(hi, (1-imagenetMean[c])/imagenetStd[c])
		}
		return lo, hi
	default:
		return 0, 1
	}
}

type NormalizationStep interface {
	Apply(r, g, b float32) (float32, float32, float32)
}

type PixelNormalizationPreprocessor struct {
	mean [3]float32
	std  [3]float32
}

func (s *PixelNormalizationPreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	r = (r - s.mean[0]) / s.std[0]
	g = (g - s.mean[1]) / s.std[1]
	b = (b - s.mean[2]) / s.std[2]
	return r, g, b
}

// PixelNormalizationStep standardizes rescaled channels with a per-channel mean and std.
func PixelNormalizationStep(mean, std [3]float32) *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{mean: mean, std: std}
}

func ImagenetPixelNormalizationStep() *PixelNormalizationPreprocessor {
	return PixelNormalizationStep(imagenetMean, imagenetStd)
}

type RescalePreprocessor struct{}

func (s *RescalePreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	scale := float32(1.0 / 255.0)
	return r * scale, g * scale, b * scale
}

func RescaleStep() *RescalePreprocessor {
	return &RescalePreprocessor{}
}

type CenterPreprocessor struct{}

func (s *CenterPreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	const half = float32(127.5)
	return (r - half) / half, (g - half) / half, (b - half) / half
}

func CenterStep() *CenterPreprocessor {
	return &CenterPreprocessor{}
}

// Tensor is a dense float32 image tensor with batch size 1.
type Tensor struct {
	Data   []float32
	Size   int
	Layout Layout
}

// Shape returns [1, N, N, 3] for NHWC and [1, 3, N, N] for NCHW.
func (t *Tensor) Shape() []int64 {
	n := int64(t.Size)
	if t.Layout == NCHW {
		return []int64{1, 3, n, n}
	}
	return []int64{1, n, n, 3}
}

// Bytes serializes the tensor as consecutive 4-byte floats in platform-native byte order.
func (t *Tensor) Bytes() []byte {
	buf := make([]byte, len(t.Data)*4)
	for i, v := range t.Data {
		binary.NativeEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// NewReader returns a reader over Bytes positioned at offset 0.
func (t *Tensor) NewReader() *bytes.Reader {
	return bytes.NewReader(t.Bytes())
}

// Encode converts img to a float tensor, applying steps in order to each pixel.
func Encode(img *NormalizedImage, layout Layout, steps ...NormalizationStep) (*Tensor, error) {
	if img == nil || img.Size <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidPixels)
	}
	n := img.Size
	if len(img.Pix) != n*n*3 {
		return nil, fmt.Errorf("%w: got %d values for size %d, want %d", ErrInvalidPixels, len(img.Pix), n, n*n*3)
	}
	if layout != NHWC && layout != NCHW {
		return nil, fmt.Errorf("unsupported tensor layout %q", layout)
	}

	data := make([]float32, n*n*3)
	plane := n * n
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			p := y*n + x
			r := float32(img.Pix[p*3])
			g := float32(img.Pix[p*3+1])
			b := float32(img.Pix[p*3+2])
			for _, step := range steps {
				r, g, b = step.Apply(r, g, b)
			}
			if layout == NCHW {
				data[p] = r
				data[plane+p] = g
				data[2*plane+p] = b
			} else {
				data[p*3] = r
				data[p*3+1] = g
				data[p*3+2] = b
			}
		}
	}
	return &Tensor{Data: data, Size: n, Layout: layout}, nil
}
