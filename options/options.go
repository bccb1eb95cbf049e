package options

import (
	"context"
	"fmt"
	"runtime"

	"github.com/phuslu/log"

	"github.com/gurnxxrpannu/Breedify/util/fileutil"
	"github.com/gurnxxrpannu/Breedify/util/imageutil"
)

const (
	DefaultModelPath           = "assets/dog_breed_model.onnx"
	DefaultInputSize           = 299
	DefaultIntraOpNumThreads   = 4
	DefaultConfidenceThreshold = float32(0.01)
	DefaultTopK                = 3
)

type Options struct {
	// RuntimeOptions carries backend specific session state, *ort.SessionOptions for ORT.
	RuntimeOptions any
	ORTOptions     *OrtOptions
	Logger         *log.Logger
	Destroy        func() error
	Backend        string
	ModelPath      string
	LabelsPath     string
	Labels         []string
	// InputSize, Layout and Normalization are resolved from model metadata and the
	// declared input shape when left empty.
	InputSize           int
	Layout              imageutil.Layout
	Normalization       imageutil.Normalization
	Interpolation       string
	ConfidenceThreshold float32
	TopK                int
}

func Defaults() *Options {
	_, libraryDirDefault, libraryPathDefault := getDefaultLibraryPaths()
	intraOp := DefaultIntraOpNumThreads
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryDir:        &libraryDirDefault,
			LibraryPath:       &libraryPathDefault,
			IntraOpNumThreads: &intraOp,
		},
		Logger:              &log.DefaultLogger,
		ModelPath:           DefaultModelPath,
		Interpolation:       "bilinear",
		ConfidenceThreshold: DefaultConfidenceThreshold,
		TopK:                DefaultTopK,
		Destroy: func() error {
			return nil
		},
	}
}

func getDefaultLibraryPaths() (string, string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib", "/usr/lib/libonnxruntime.so"
	}
}

// OrtOptions holds the onnxruntime session settings. Hardware execution providers are
// never appended, inference always runs on the CPU.
type OrtOptions struct {
	LibraryPath       *string
	LibraryDir        *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithOnnxLibraryPath (ORT only) sets the onnxruntime shared library. The path may be
// the library file itself or the directory containing it.
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithOnnxLibraryPath is only supported for ORT backend")
		}
		ctx := context.Background()
		exists, err := fileutil.FileExists(ctx, ortLibraryPath)
		if err != nil {
			return fmt.Errorf("failed to access ONNX Runtime library path %q: %w", ortLibraryPath, err)
		}
		if !exists {
			return fmt.Errorf("ONNX Runtime library path %q does not exist", ortLibraryPath)
		}
		isDir, err := fileutil.IsDir(ctx, ortLibraryPath)
		if err != nil {
			return fmt.Errorf("failed to access ONNX Runtime library path %q: %w", ortLibraryPath, err)
		}
		libraryDir, libraryPath := fileutil.Dir(ortLibraryPath), ortLibraryPath
		if isDir {
			libraryName, _, _ := getDefaultLibraryPaths()
			libraryDir = ortLibraryPath
			libraryPath = fileutil.PathJoinSafe(ortLibraryPath, libraryName)
			found, existsErr := fileutil.FileExists(ctx, libraryPath)
			if existsErr != nil {
				return fmt.Errorf("error checking for existence of ONNX Runtime library file: %w", existsErr)
			}
			if !found {
				return fmt.Errorf("ONNX Runtime library %s does not exist at %q", libraryName, ortLibraryPath)
			}
		}
		o.ORTOptions.LibraryPath = &libraryPath
		o.ORTOptions.LibraryDir = &libraryDir
		return nil
	}
}

// WithTelemetry (ORT only) Enables telemetry events for the onnxruntime environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			enabled := true
			o.ORTOptions.Telemetry = &enabled
			return nil
		}
		return fmt.Errorf("WithTelemetry is only supported for ORT backend")
	}
}

// WithIntraOpNumThreads bounds the threads used to parallelize execution within graph nodes.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if numThreads < 1 {
			return fmt.Errorf("intra-op thread count must be at least 1, got %d", numThreads)
		}
		o.ORTOptions.IntraOpNumThreads = &numThreads
		return nil
	}
}

// WithInterOpNumThreads (ORT only) Sets the number of threads used to parallelize execution across graph nodes.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend == "ORT" {
			o.ORTOptions.InterOpNumThreads = &numThreads
			return nil
		}
		return fmt.Errorf("WithInterOpNumThreads is only supported for ORT backend")
	}
}

// WithModelPath sets the ONNX model asset location. Any afs URL is accepted.
func WithModelPath(path string) WithOption {
	return func(o *Options) error {
		if path == "" {
			return fmt.Errorf("model path must not be empty")
		}
		o.ModelPath = path
		return nil
	}
}

// WithLabels replaces the built-in breed label table.
func WithLabels(labels []string) WithOption {
	return func(o *Options) error {
		if len(labels) == 0 {
			return fmt.Errorf("label table must not be empty")
		}
		o.Labels = append([]string(nil), labels...)
		return nil
	}
}

// WithLabelsPath loads the label table from a newline separated or JSON array file.
func WithLabelsPath(path string) WithOption {
	return func(o *Options) error {
		o.LabelsPath = path
		return nil
	}
}

func WithInputSize(size int) WithOption {
	return func(o *Options) error {
		if size <= 0 {
			return fmt.Errorf("input size must be positive, got %d", size)
		}
		o.InputSize = size
		return nil
	}
}

func WithLayout(layout string) WithOption {
	return func(o *Options) error {
		l, err := imageutil.ParseLayout(layout)
		if err != nil {
			return err
		}
		o.Layout = l
		return nil
	}
}

func WithNormalization(normalization string) WithOption {
	return func(o *Options) error {
		n, err := imageutil.ParseNormalization(normalization)
		if err != nil {
			return err
		}
		o.Normalization = n
		return nil
	}
}

// WithInterpolation selects the resize filter: bilinear (default), nearest, bicubic, mitchell, lanczos2 or lanczos3.
func WithInterpolation(name string) WithOption {
	return func(o *Options) error {
		if _, err := imageutil.ParseInterpolation(name); err != nil {
			return err
		}
		o.Interpolation = name
		return nil
	}
}

// WithConfidenceThreshold sets the probability at or below which a prediction is reported as unknown.
func WithConfidenceThreshold(threshold float32) WithOption {
	return func(o *Options) error {
		if threshold < 0 || threshold >= 1 {
			return fmt.Errorf("confidence threshold must be in [0, 1), got %f", threshold)
		}
		o.ConfidenceThreshold = threshold
		return nil
	}
}

// WithTopK sets how many ranked candidates are attached to each prediction. Zero disables them.
func WithTopK(k int) WithOption {
	return func(o *Options) error {
		if k < 0 {
			return fmt.Errorf("topK must not be negative, got %d", k)
		}
		o.TopK = k
		return nil
	}
}

func WithLogger(logger *log.Logger) WithOption {
	return func(o *Options) error {
		if logger == nil {
			return fmt.Errorf("logger must not be nil")
		}
		o.Logger = logger
		return nil
	}
}
