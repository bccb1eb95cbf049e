package imageutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/gurnxxrpannu/Breedify/util/fileutil"
)

// MaxImagePixels bounds the width*height a source may declare before it is decoded.
const MaxImagePixels = 64 << 20

var (
	// ErrImageDecode is returned when the source bytes are missing, empty or not a decodable image.
	ErrImageDecode = errors.New("image could not be decoded")
	// ErrResource is returned when the underlying stream or file cannot be opened.
	ErrResource = errors.New("image resource could not be opened")
)

// Source is an opaque reference to image bytes.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	String() string
}

type pathSource struct {
	uri string
}

// FromPath references an image by file path or afs URL (file://, mem://, s3://).
func FromPath(uri string) Source {
	return &pathSource{uri: uri}
}

func (s *pathSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if strings.TrimSpace(s.uri) == "" {
		return nil, fmt.Errorf("%w: empty image path", ErrImageDecode)
	}
	file, err := fileutil.OpenFile(ctx, s.uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrResource, s.uri, err)
	}
	return file, nil
}

func (s *pathSource) String() string {
	return s.uri
}

type bytesSource struct {
	data []byte
}

// FromBytes references an in-memory encoded image.
func FromBytes(data []byte) Source {
	return &bytesSource{data: data}
}

func (s *bytesSource) Open(_ context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

func (s *bytesSource) String() string {
	return fmt.Sprintf("bytes[%d]", len(s.data))
}

type readerSource struct {
	r io.Reader
}

// FromReader references an already opened stream. The stream is consumed once and is not
// closed; the caller keeps ownership of it.
func FromReader(r io.Reader) Source {
	return &readerSource{r: r}
}

func (s *readerSource) Open(_ context.Context) (io.ReadCloser, error) {
	if s.r == nil {
		return nil, fmt.Errorf("%w: nil reader", ErrImageDecode)
	}
	return io.NopCloser(s.r), nil
}

func (s *readerSource) String() string {
	return "reader"
}

// Decode opens src and decodes it into an in-memory image of its native dimensions.
func Decode(ctx context.Context, src Source) (img image.Image, format string, err error) {
	if src == nil {
		return nil, "", fmt.Errorf("%w: no image source", ErrImageDecode)
	}
	file, err := src.Open(ctx)
	if err != nil {
		return nil, "", err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, fileutil.CloseFile(file))
	}(file)

	data, readErr := io.ReadAll(file)
	if readErr != nil {
		return nil, "", fmt.Errorf("%w: reading %s: %w", ErrImageDecode, src, readErr)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: %s is empty", ErrImageDecode, src)
	}
	config, _, configErr := image.DecodeConfig(bytes.NewReader(data))
	if configErr != nil {
		return nil, "", fmt.Errorf("%w: %s: %w", ErrImageDecode, src, configErr)
	}
	if pixels := int64(config.Width) * int64(config.Height); pixels > MaxImagePixels {
		return nil, "", fmt.Errorf("%w: %s declares %dx%d pixels, limit is %d", ErrImageDecode, src, config.Width, config.Height, MaxImagePixels)
	}
	img, format, decodeErr := image.Decode(bytes.NewReader(data))
	if decodeErr != nil {
		return nil, "", fmt.Errorf("%w: %s: %w", ErrImageDecode, src, decodeErr)
	}
	if img.Bounds().Empty() {
		return nil, "", fmt.Errorf("%w: %s has no pixels", ErrImageDecode, src)
	}
	return img, format, nil
}

// NormalizedImage is a Size x Size RGB pixel grid in row-major order, 3 bytes per pixel.
type NormalizedImage struct {
	Size int
	Pix  []uint8
}

// At returns the RGB values of the pixel at column x and row y.
func (n *NormalizedImage) At(x, y int) (r, g, b uint8) {
	i := (y*n.Size + x) * 3
	return n.Pix[i], n.Pix[i+1], n.Pix[i+2]
}

// ParseInterpolation maps a filter name to a resize interpolation function.
func ParseInterpolation(name string) (resize.InterpolationFunction, error) {
	switch strings.ToLower(name) {
	case "", "bilinear":
		return resize.Bilinear, nil
	case "nearest":
		return resize.NearestNeighbor, nil
	case "bicubic":
		return resize.Bicubic, nil
	case "mitchell":
		return resize.MitchellNetravali, nil
	case "lanczos2":
		return resize.Lanczos2, nil
	case "lanczos3":
		return resize.Lanczos3, nil
	default:
		return resize.Bilinear, fmt.Errorf("unknown interpolation %q", name)
	}
}

// Normalize stretches img to size x size with independent x and y scale factors and
// extracts its RGB channels. Aspect ratio is not preserved.
func Normalize(img image.Image, size int, interp resize.InterpolationFunction) (*NormalizedImage, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrImageDecode)
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid target size %d", size)
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, fmt.Errorf("%w: image has no pixels", ErrImageDecode)
	}
	resized := img
	if bounds.Dx() != size || bounds.Dy() != size {
		resized = resize.Resize(uint(size), uint(size), img, interp)
	}

	rb := resized.Bounds()
	out := &NormalizedImage{Size: size, Pix: make([]uint8, size*size*3)}
	i := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := color.NRGBAModel.Convert(resized.At(rb.Min.X+x, rb.Min.Y+y)).(color.NRGBA)
			out.Pix[i] = c.R
			out.Pix[i+1] = c.G
			out.Pix[i+2] = c.B
			i += 3
		}
	}
	return out, nil
}
