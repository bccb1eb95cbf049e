package breedify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gurnxxrpannu/Breedify/backends"
	"github.com/gurnxxrpannu/Breedify/options"
	"github.com/gurnxxrpannu/Breedify/pipelines"
	"github.com/gurnxxrpannu/Breedify/util/imageutil"
)

type Prediction = pipelines.Prediction

type State int

const (
	Uninitialized State = iota
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Classifier classifies dog breeds in images. It is safe for concurrent use. Image
// preprocessing runs in parallel across callers while inference is serialized on the model.
// A classifier should be closed when not needed any more, preferably with a defer() call.
type Classifier struct {
	pipeline           *pipelines.BreedClassificationPipeline
	model              *backends.Model
	options            *options.Options
	environmentDestroy func() error
	mu                 sync.Mutex
	state              State
}

// NewClassifier creates a classifier running inference through loader.
func NewClassifier(loader backends.EngineLoader, opts ...options.WithOption) (*Classifier, error) {
	return newClassifier("CUSTOM", loader, nil, opts...)
}

type environmentSetup func(o *options.Options) (destroy func() error, err error)

func newClassifier(backend string, loader backends.EngineLoader, setup environmentSetup, opts ...options.WithOption) (*Classifier, error) {
	if loader == nil {
		return nil, errors.New("an engine loader is required")
	}
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	for _, option := range opts {
		if err := option(parsedOptions); err != nil {
			return nil, err
		}
	}

	environmentDestroy := func() error {
		return nil
	}
	if setup != nil {
		destroy, err := setup(parsedOptions)
		if err != nil {
			return nil, err
		}
		environmentDestroy = destroy
	}

	ctx := context.Background()
	model := backends.NewModel(parsedOptions, loader)
	pipeline, err := pipelines.NewBreedClassificationPipeline(ctx, parsedOptions, model)
	if err != nil {
		return nil, errors.Join(err, parsedOptions.Destroy(), environmentDestroy())
	}

	c := &Classifier{
		pipeline:           pipeline,
		model:              model,
		options:            parsedOptions,
		environmentDestroy: environmentDestroy,
	}
	if loadErr := model.Load(ctx); loadErr != nil {
		parsedOptions.Logger.Warn().Err(loadErr).Str("model", parsedOptions.ModelPath).
			Msg("model could not be loaded, it will be retried on the first prediction")
		return c, nil
	}
	pipeline.Configure()
	c.state = Ready
	return c, nil
}

func (c *Classifier) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ensureReady performs the single lazy load of an uninitialized classifier.
func (c *Classifier) ensureReady(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Ready:
		return nil
	case Closed:
		return &ClassificationError{
			Err:   fmt.Errorf("%w: classifier is closed", ErrModelUnavailable),
			Stage: StageLoad,
			Kind:  KindModelUnavailable,
		}
	}
	c.options.Logger.Info().Str("model", c.options.ModelPath).Msg("model not loaded, attempting to reload")
	if err := c.model.Load(ctx); err != nil {
		return newClassificationError(fmt.Errorf("%w: %w", ErrModelUnavailable, err))
	}
	c.pipeline.Configure()
	c.state = Ready
	return nil
}

// Predict classifies the image referenced by src. Every failure is a *ClassificationError.
// A low confidence result is not an error: it is returned as the "Unknown Breed" prediction.
func (c *Classifier) Predict(ctx context.Context, src imageutil.Source) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, newClassificationError(&pipelines.StageError{Stage: StageDecode, Err: err})
	}
	if err := c.ensureReady(ctx); err != nil {
		return Prediction{}, err
	}
	prediction, err := c.pipeline.RunPipeline(ctx, src)
	if err != nil {
		classificationErr := newClassificationError(err)
		c.options.Logger.Debug().Str("stage", string(classificationErr.Stage)).
			Str("kind", string(classificationErr.Kind)).Err(err).Msg("prediction failed")
		return Prediction{}, classificationErr
	}
	c.options.Logger.Debug().Str("breed", prediction.BreedName).
		Float32("confidence", prediction.Confidence).Msg("prediction")
	return prediction, nil
}

// PredictPath classifies the image at a file path or afs URL.
func (c *Classifier) PredictPath(ctx context.Context, uri string) (Prediction, error) {
	return c.Predict(ctx, imageutil.FromPath(uri))
}

// PredictBytes classifies an encoded image held in memory.
func (c *Classifier) PredictBytes(ctx context.Context, data []byte) (Prediction, error) {
	return c.Predict(ctx, imageutil.FromBytes(data))
}

// Labels returns the label table in use.
func (c *Classifier) Labels() *pipelines.LabelSet {
	return c.pipeline.Labels
}

func (c *Classifier) GetStatistics() backends.PipelineStatistics {
	return c.pipeline.GetStatistics()
}

// Close releases the model and runtime environment. Calling Close again is a no-op.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return nil
	}
	c.state = Closed
	err := c.model.Close()
	if c.options != nil {
		err = errors.Join(err, c.options.Destroy())
	}
	return errors.Join(err, c.environmentDestroy())
}
