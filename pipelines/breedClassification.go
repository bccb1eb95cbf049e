package pipelines

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nfnt/resize"
	"github.com/phuslu/log"

	"github.com/gurnxxrpannu/Breedify/backends"
	"github.com/gurnxxrpannu/Breedify/options"
	"github.com/gurnxxrpannu/Breedify/util/imageutil"
	"github.com/gurnxxrpannu/Breedify/util/safeconv"
	"github.com/gurnxxrpannu/Breedify/util/vectorutil"
)

// UnknownBreed is reported instead of the top class when its confidence is at or below the threshold.
const UnknownBreed = "Unknown Breed"

// ErrInvalidOutput is returned when the model output is empty or contains NaN or Inf.
var ErrInvalidOutput = errors.New("invalid model output")

type Stage string

const (
	StageLoad      Stage = "load"
	StageDecode    Stage = "decode"
	StageNormalize Stage = "normalize"
	StageEncode    Stage = "encode"
	StageInference Stage = "inference"
	StageInterpret Stage = "interpret"
)

// StageError records the pipeline stage a failure happened in.
type StageError struct {
	Err   error
	Stage Stage
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

type Candidate struct {
	BreedName  string  `json:"breedName"`
	Confidence float32 `json:"confidence"`
	ClassIndex int     `json:"classIndex"`
}

type Prediction struct {
	BreedName  string      `json:"breedName"`
	Confidence float32     `json:"confidence"`
	ClassIndex int         `json:"classIndex"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

// IsUnknown reports whether p is the low confidence sentinel.
func (p Prediction) IsUnknown() bool {
	return p.BreedName == UnknownBreed && p.Confidence == 0
}

// Interpret turns raw logits into a labelled prediction. The top class is the largest logit,
// ties going to the lowest index, and its confidence is its softmax probability. A confidence at or below threshold
// yields the UnknownBreed sentinel with confidence 0 and class index -1.
func Interpret(logits []float32, labels *LabelSet, threshold float32, topK int) (Prediction, error) {
	if len(logits) == 0 {
		return Prediction{}, fmt.Errorf("%w: no values", ErrInvalidOutput)
	}
	if i := vectorutil.AllFinite(logits); i >= 0 {
		return Prediction{}, fmt.Errorf("%w: value %v at index %d", ErrInvalidOutput, logits[i], i)
	}
	// the top class comes from the logits: close logits can round to equal float32 probabilities
	best, _, err := vectorutil.ArgMax(logits)
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: %w", ErrInvalidOutput, err)
	}
	probabilities := vectorutil.SoftMax(logits)
	confidence := probabilities[best]
	if confidence <= threshold {
		return Prediction{BreedName: UnknownBreed, Confidence: 0, ClassIndex: -1}, nil
	}

	prediction := Prediction{
		BreedName:  labels.Name(best),
		Confidence: confidence,
		ClassIndex: best,
	}
	if topK > 0 {
		for _, idx := range vectorutil.TopK(logits, topK) {
			prediction.Candidates = append(prediction.Candidates, Candidate{
				BreedName:  labels.Name(idx),
				Confidence: probabilities[idx],
				ClassIndex: idx,
			})
		}
	}
	return prediction, nil
}

// BreedClassificationPipeline runs decode, stretch, tensor encoding, inference and
// interpretation for a single image.
type BreedClassificationPipeline struct {
	backends.BasePipeline
	Labels              *LabelSet
	logger              *log.Logger
	interpolation       resize.InterpolationFunction
	options             *options.Options
	normalizationSteps  []imageutil.NormalizationStep
	Layout              imageutil.Layout
	Normalization       imageutil.Normalization
	InputSize           int
	TopK                int
	ConfidenceThreshold float32
	totalQueries        uint64
	failedQueries       uint64
	filteredResults     uint64
}

// NewBreedClassificationPipeline creates the pipeline around model. Geometry and labels use
// the explicit options and fall back to built-in defaults until Configure sees a loaded model.
func NewBreedClassificationPipeline(ctx context.Context, o *options.Options, model *backends.Model) (*BreedClassificationPipeline, error) {
	interpolation, err := imageutil.ParseInterpolation(o.Interpolation)
	if err != nil {
		return nil, err
	}
	pipeline := &BreedClassificationPipeline{
		BasePipeline:        backends.NewBasePipeline("breedClassification", o.Backend, model),
		logger:              o.Logger,
		interpolation:       interpolation,
		options:             o,
		ConfidenceThreshold: o.ConfidenceThreshold,
		TopK:                o.TopK,
	}
	switch {
	case len(o.Labels) > 0:
		pipeline.Labels = NewLabelSet(o.Labels)
	case o.LabelsPath != "":
		labels, loadErr := LoadLabelSet(ctx, o.LabelsPath)
		if loadErr != nil {
			return nil, loadErr
		}
		pipeline.Labels = labels
	}
	pipeline.Configure()
	return pipeline, nil
}

// Configure resolves input size, layout, normalization and labels. Explicit options win,
// then model metadata, then the model's declared input shape, then built-in defaults.
func (p *BreedClassificationPipeline) Configure() {
	o := p.options
	var metadata *backends.Metadata
	var declared backends.Shape
	if p.Model != nil {
		metadata = p.Model.Metadata
		declared = p.Model.InputShape()
	}

	p.Layout = o.Layout
	if p.Layout == "" && metadata != nil && metadata.Layout != "" {
		layout, err := imageutil.ParseLayout(metadata.Layout)
		if err != nil {
			p.logger.Warn().Err(err).Msg("ignoring layout from model metadata")
		} else {
			p.Layout = layout
		}
	}
	if p.Layout == "" {
		p.Layout = layoutFromShape(declared)
	}

	p.InputSize = o.InputSize
	if p.InputSize == 0 && metadata != nil && metadata.ImageSize > 0 {
		p.InputSize = metadata.ImageSize
	}
	if p.InputSize == 0 {
		p.InputSize = sizeFromShape(declared, p.Layout)
	}
	if p.InputSize == 0 {
		p.InputSize = options.DefaultInputSize
	}

	p.Normalization = o.Normalization
	if p.Normalization == "" && metadata != nil && metadata.Normalization != "" {
		normalization, err := imageutil.ParseNormalization(metadata.Normalization)
		if err != nil {
			p.logger.Warn().Err(err).Msg("ignoring normalization from model metadata")
		} else {
			p.Normalization = normalization
		}
	}
	if p.Normalization == "" {
		p.Normalization = imageutil.UnitScale
	}
	p.normalizationSteps = p.Normalization.Steps()

	if len(o.Labels) == 0 && o.LabelsPath == "" {
		if metadata != nil && len(metadata.Classes) > 0 {
			p.Labels = NewLabelSet(metadata.Classes)
		} else {
			p.Labels = DefaultBreedLabels()
		}
	}

	if err := p.Validate(); err != nil {
		p.logger.Warn().Err(err).Msg("model does not match the configured input")
	}
}

func layoutFromShape(s backends.Shape) imageutil.Layout {
	if len(s) == 4 && s[1] == 3 && s[3] != 3 {
		return imageutil.NCHW
	}
	return imageutil.NHWC
}

func sizeFromShape(s backends.Shape, layout imageutil.Layout) int {
	if len(s) != 4 {
		return 0
	}
	h, w := s[1], s[2]
	if layout == imageutil.NCHW {
		h, w = s[2], s[3]
	}
	if h > 0 && h == w {
		return safeconv.Int64ToInt(h)
	}
	return 0
}

func (p *BreedClassificationPipeline) inputShape() backends.Shape {
	n := int64(p.InputSize)
	if p.Layout == imageutil.NCHW {
		return backends.NewShape(1, 3, n, n)
	}
	return backends.NewShape(1, n, n, 3)
}

// Validate compares the configured input tensor and label table with the loaded model.
func (p *BreedClassificationPipeline) Validate() error {
	if p.Model == nil || p.Model.State() != backends.Loaded {
		return nil
	}
	var validationErrors []error
	if declared := p.Model.InputShape(); !declared.Accepts(p.inputShape()) {
		validationErrors = append(validationErrors, fmt.Errorf("input tensor %s does not fit declared input %s", p.inputShape(), declared))
	}
	if outputs := p.Model.OutputsMeta; len(outputs) > 0 {
		dims := outputs[0].Dimensions
		if len(dims) > 0 && dims[len(dims)-1] > 0 && int(dims[len(dims)-1]) != p.Labels.Len() {
			validationErrors = append(validationErrors, fmt.Errorf("model declares %d classes, label table has %d", dims[len(dims)-1], p.Labels.Len()))
		}
	}
	return errors.Join(validationErrors...)
}

// Preprocess decodes src, stretches it to the input size and encodes the tensor.
func (p *BreedClassificationPipeline) Preprocess(ctx context.Context, src imageutil.Source) (*imageutil.Tensor, error) {
	start := time.Now()
	defer func() {
		atomic.AddUint64(&p.PreprocessTimings.NumCalls, 1)
		atomic.AddUint64(&p.PreprocessTimings.TotalNS, safeconv.DurationToU64(time.Since(start)))
	}()

	img, format, err := imageutil.Decode(ctx, src)
	if err != nil {
		return nil, stageError(StageDecode, err)
	}
	p.logger.Debug().Str("source", fmt.Sprint(src)).Str("format", format).
		Int("width", img.Bounds().Dx()).Int("height", img.Bounds().Dy()).Msg("image decoded")

	normalized, err := imageutil.Normalize(img, p.InputSize, p.interpolation)
	if err != nil {
		return nil, stageError(StageNormalize, err)
	}
	tensor, err := imageutil.Encode(normalized, p.Layout, p.normalizationSteps...)
	if err != nil {
		return nil, stageError(StageEncode, err)
	}
	return tensor, nil
}

// Forward runs inference on the encoded tensor.
func (p *BreedClassificationPipeline) Forward(ctx context.Context, tensor *imageutil.Tensor) ([]float32, error) {
	logits, err := p.Model.Run(ctx, tensor.Data, tensor.Shape())
	if err != nil {
		return nil, stageError(StageInference, err)
	}
	return logits, nil
}

// Postprocess interprets the logits.
func (p *BreedClassificationPipeline) Postprocess(logits []float32) (Prediction, error) {
	prediction, err := Interpret(logits, p.Labels, p.ConfidenceThreshold, p.TopK)
	if err != nil {
		return Prediction{}, stageError(StageInterpret, err)
	}
	if prediction.IsUnknown() {
		atomic.AddUint64(&p.filteredResults, 1)
		p.logger.Debug().Int("classes", len(logits)).Msg("low confidence prediction")
	}
	return prediction, nil
}

// RunPipeline classifies one image. Errors are *StageError values.
func (p *BreedClassificationPipeline) RunPipeline(ctx context.Context, src imageutil.Source) (prediction Prediction, err error) {
	atomic.AddUint64(&p.totalQueries, 1)
	defer func() {
		if err != nil {
			atomic.AddUint64(&p.failedQueries, 1)
		}
	}()

	if err = ctx.Err(); err != nil {
		return Prediction{}, stageError(StageDecode, err)
	}
	tensor, err := p.Preprocess(ctx, src)
	if err != nil {
		return Prediction{}, err
	}
	logits, err := p.Forward(ctx, tensor)
	if err != nil {
		return Prediction{}, err
	}
	return p.Postprocess(logits)
}

func (p *BreedClassificationPipeline) GetStatistics() backends.PipelineStatistics {
	statistics := p.Model.GetStatistics()
	statistics.ComputePreprocessStatistics(p.PreprocessTimings)
	statistics.TotalQueries = atomic.LoadUint64(&p.totalQueries)
	statistics.FailedQueries = atomic.LoadUint64(&p.failedQueries)
	statistics.FilteredResults = atomic.LoadUint64(&p.filteredResults)
	return statistics
}
