package backends

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gurnxxrpannu/Breedify/options"
	"github.com/gurnxxrpannu/Breedify/util/fileutil"
	"github.com/gurnxxrpannu/Breedify/util/safeconv"
)

var (
	// ErrModelNotFound is returned when the model asset does not exist.
	ErrModelNotFound = errors.New("model asset not found")
	// ErrModelUnavailable is returned when the model is closed or an on-demand reload failed.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrInputShape is returned when a tensor does not match the model's declared input.
	ErrInputShape = errors.New("input does not match the declared model input")
	// ErrInference wraps failures raised by the inference engine itself.
	ErrInference = errors.New("inference failed")
)

type ModelState int

const (
	Unloaded ModelState = iota
	Loaded
	Closed
)

func (s ModelState) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("ModelState(%d)", int(s))
	}
}

// Engine is a loaded inference session taking exactly one float32 input tensor.
type Engine interface {
	InputsMeta() []InputOutputInfo
	OutputsMeta() []InputOutputInfo
	Run(input []float32, shape Shape) ([]float32, error)
	Destroy() error
}

// EngineLoader builds an Engine from the raw bytes of an .onnx file.
type EngineLoader func(onnxBytes []byte, o *options.Options) (Engine, error)

// Model owns the engine for one model asset. Run calls are serialized.
type Model struct {
	engine      Engine
	loader      EngineLoader
	options     *options.Options
	Metadata    *Metadata
	timings     *timings
	Path        string
	InputsMeta  []InputOutputInfo
	OutputsMeta []InputOutputInfo
	mu          sync.Mutex
	state       ModelState
}

func NewModel(o *options.Options, loader EngineLoader) *Model {
	return &Model{
		Path:    o.ModelPath,
		loader:  loader,
		options: o,
		timings: &timings{},
	}
}

func (m *Model) State() ModelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Load reads the model asset and creates its engine. Loading an already loaded model is a no-op.
func (m *Model) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Loaded:
		return nil
	case Closed:
		return fmt.Errorf("%w: model is closed", ErrModelUnavailable)
	}
	return m.load(ctx)
}

func (m *Model) load(ctx context.Context) error {
	if m.loader == nil {
		return errors.New("no inference engine configured")
	}
	exists, err := fileutil.FileExists(ctx, m.Path)
	if err != nil {
		return fmt.Errorf("checking model asset %s: %w", m.Path, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrModelNotFound, m.Path)
	}
	onnxBytes, err := fileutil.ReadFileBytes(ctx, m.Path)
	if err != nil {
		return fmt.Errorf("reading model asset %s: %w", m.Path, err)
	}
	metadata, err := LoadMetadata(ctx, m.Path)
	if err != nil {
		return err
	}

	engine, err := m.loader(onnxBytes, m.options)
	if err != nil {
		return fmt.Errorf("creating inference engine for %s: %w", m.Path, err)
	}
	inputs, outputs := engine.InputsMeta(), engine.OutputsMeta()
	if len(inputs) != 1 || len(outputs) == 0 {
		return errors.Join(
			fmt.Errorf("model %s must have exactly one input and at least one output, found %d inputs and %d outputs", m.Path, len(inputs), len(outputs)),
			engine.Destroy(),
		)
	}

	m.engine = engine
	m.Metadata = metadata
	m.InputsMeta = inputs
	m.OutputsMeta = outputs
	m.state = Loaded

	logger := m.options.Logger
	logger.Info().Str("model", m.Path).
		Str("input", inputs[0].Name).Str("inputShape", inputs[0].Dimensions.String()).
		Str("output", outputs[0].Name).Str("outputShape", outputs[0].Dimensions.String()).
		Msg("model loaded")
	if metadata != nil {
		if len(metadata.InputShape) > 0 && !inputs[0].Dimensions.Accepts(metadata.InputShape) {
			logger.Warn().Str("declared", inputs[0].Dimensions.String()).
				Str("metadata", metadata.InputShape.String()).Msg("model metadata input shape does not match the model")
		}
		if len(metadata.OutputShape) > 0 && !outputs[0].Dimensions.Accepts(metadata.OutputShape) {
			logger.Warn().Str("declared", outputs[0].Dimensions.String()).
				Str("metadata", metadata.OutputShape.String()).Msg("model metadata output shape does not match the model")
		}
	}
	return nil
}

// Run executes one inference. An unloaded model is loaded once first; if that fails the
// error wraps ErrModelUnavailable. Cancellation is honoured until the engine is invoked.
func (m *Model) Run(ctx context.Context, input []float32, shape Shape) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Closed:
		return nil, fmt.Errorf("%w: model is closed", ErrModelUnavailable)
	case Unloaded:
		if err := m.load(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	declared := m.InputsMeta[0].Dimensions
	if !declared.Accepts(shape) {
		return nil, fmt.Errorf("%w: got shape %s, model declares %s", ErrInputShape, shape, declared)
	}
	if n := shape.NumElements(); n != len(input) {
		return nil, fmt.Errorf("%w: shape %s needs %d values, got %d", ErrInputShape, shape, n, len(input))
	}

	start := time.Now()
	output, err := m.engine.Run(input, shape)
	atomic.AddUint64(&m.timings.NumCalls, 1)
	atomic.AddUint64(&m.timings.TotalNS, safeconv.DurationToU64(time.Since(start)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}

	if width := m.OutputsMeta[0].Dimensions.Width(); width > 0 && len(output) != width {
		return nil, fmt.Errorf("%w: engine returned %d values, model declares %d", ErrInference, len(output), width)
	}
	return output, nil
}

// InputShape returns the declared input dimensions, or nil before the model is loaded.
func (m *Model) InputShape() Shape {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.InputsMeta) == 0 {
		return nil
	}
	return m.InputsMeta[0].Dimensions
}

// Close releases the engine. Closed is terminal and calling Close again is a no-op.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Closed {
		return nil
	}
	m.state = Closed
	var err error
	if m.engine != nil {
		err = m.engine.Destroy()
		m.engine = nil
	}
	return err
}

func (m *Model) GetStatistics() PipelineStatistics {
	statistics := PipelineStatistics{}
	statistics.ComputeOnnxStatistics(m.timings)
	return statistics
}
