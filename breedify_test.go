package breedify

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gurnxxrpannu/Breedify/backends"
	"github.com/gurnxxrpannu/Breedify/options"
	"github.com/gurnxxrpannu/Breedify/pipelines"
)

type fakeEngine struct {
	output    []float32
	delay     time.Duration
	inFlight  atomic.Int32
	overlap   atomic.Bool
	runs      atomic.Int32
	destroyed atomic.Int32
}

func (f *fakeEngine) InputsMeta() []backends.InputOutputInfo {
	return []backends.InputOutputInfo{{Name: "input", Dimensions: backends.NewShape(1, 299, 299, 3)}}
}

func (f *fakeEngine) OutputsMeta() []backends.InputOutputInfo {
	return []backends.InputOutputInfo{{Name: "output", Dimensions: backends.NewShape(1, int64(len(f.output)))}}
}

func (f *fakeEngine) Run(_ []float32, _ backends.Shape) ([]float32, error) {
	if f.inFlight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inFlight.Add(-1)
	f.runs.Add(1)
	time.Sleep(f.delay)
	return f.output, nil
}

func (f *fakeEngine) Destroy() error {
	f.destroyed.Add(1)
	return nil
}

func (f *fakeEngine) loader() backends.EngineLoader {
	return func(_ []byte, _ *options.Options) (backends.Engine, error) {
		return f, nil
	}
}

func oneHot(width, index int) []float32 {
	logits := make([]float32, width)
	logits[index] = 10
	return logits
}

func writeModel(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "dog_breed_model.onnx")
	require.NoError(t, os.WriteFile(path, []byte("onnx"), 0o600))
	return path
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func quietLogger() options.WithOption {
	return options.WithLogger(&log.Logger{Level: log.ErrorLevel})
}

func newTestClassifier(t *testing.T, engine *fakeEngine, opts ...options.WithOption) *Classifier {
	t.Helper()
	modelPath := writeModel(t, t.TempDir())
	opts = append([]options.WithOption{options.WithModelPath(modelPath), quietLogger()}, opts...)
	classifier, err := NewClassifier(engine.loader(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, classifier.Close())
	})
	return classifier
}

func requireClassificationError(t *testing.T, err error) *ClassificationError {
	t.Helper()
	require.Error(t, err)
	var classificationErr *ClassificationError
	require.True(t, errors.As(err, &classificationErr), "expected *ClassificationError, got %T", err)
	return classificationErr
}

func TestPredictOneHot(t *testing.T) {
	classifier := newTestClassifier(t, &fakeEngine{output: oneHot(120, 50)})
	assert.Equal(t, Ready, classifier.State())

	prediction, err := classifier.PredictBytes(context.Background(), testPNG(t, 300, 450))
	require.NoError(t, err)
	assert.Equal(t, pipelines.DefaultBreedLabels().Name(50), prediction.BreedName)
	assert.Equal(t, 50, prediction.ClassIndex)
	assert.InDelta(t, 0.9946, prediction.Confidence, 1e-3)
}

func TestPredictUndecodableImage(t *testing.T) {
	engine := &fakeEngine{output: oneHot(120, 1)}
	classifier := newTestClassifier(t, engine)

	_, err := classifier.PredictBytes(context.Background(), []byte("this is not an image"))
	classificationErr := requireClassificationError(t, err)
	assert.Equal(t, KindImageDecode, classificationErr.Kind)
	assert.Equal(t, StageDecode, classificationErr.Stage)
	assert.False(t, classificationErr.Retryable())
	assert.ErrorIs(t, err, ErrImageDecode)
	assert.Zero(t, engine.runs.Load())

	_, err = classifier.PredictBytes(context.Background(), nil)
	assert.Equal(t, KindImageDecode, requireClassificationError(t, err).Kind)
}

func TestPredictMissingImageFile(t *testing.T) {
	classifier := newTestClassifier(t, &fakeEngine{output: oneHot(120, 1)})
	_, err := classifier.PredictPath(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"))
	classificationErr := requireClassificationError(t, err)
	assert.Equal(t, KindResource, classificationErr.Kind)
	assert.Equal(t, StageDecode, classificationErr.Stage)
}

func TestPredictImageFile(t *testing.T) {
	classifier := newTestClassifier(t, &fakeEngine{output: oneHot(120, 9)})
	path := filepath.Join(t.TempDir(), "dog.png")
	require.NoError(t, os.WriteFile(path, testPNG(t, 64, 48), 0o600))

	prediction, err := classifier.PredictPath(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "Bedlington Terrier", prediction.BreedName)
}

func TestPredictMissingModel(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "dog_breed_model.onnx")
	engine := &fakeEngine{output: oneHot(120, 3)}
	classifier, err := NewClassifier(engine.loader(), options.WithModelPath(modelPath), quietLogger())
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, classifier.Close())
	}()
	assert.Equal(t, Uninitialized, classifier.State())

	_, err = classifier.PredictBytes(context.Background(), testPNG(t, 10, 10))
	classificationErr := requireClassificationError(t, err)
	assert.Equal(t, KindModelNotFound, classificationErr.Kind)
	assert.Equal(t, StageLoad, classificationErr.Stage)
	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Equal(t, Uninitialized, classifier.State())

	// the asset appearing later is picked up by the next lazy load
	writeModel(t, dir)
	prediction, err := classifier.PredictBytes(context.Background(), testPNG(t, 10, 10))
	require.NoError(t, err)
	assert.Equal(t, 3, prediction.ClassIndex)
	assert.Equal(t, Ready, classifier.State())
}

func TestPredictLowConfidence(t *testing.T) {
	classifier := newTestClassifier(t, &fakeEngine{output: make([]float32, 120)})
	prediction, err := classifier.PredictBytes(context.Background(), testPNG(t, 20, 20))
	require.NoError(t, err)
	assert.Equal(t, "Unknown Breed", prediction.BreedName)
	assert.Zero(t, prediction.Confidence)

	statistics := classifier.GetStatistics()
	assert.Equal(t, uint64(1), statistics.FilteredResults)
	assert.Equal(t, uint64(1), statistics.TotalQueries)
}

func TestPredictConcurrent(t *testing.T) {
	engine := &fakeEngine{output: oneHot(120, 42), delay: 5 * time.Millisecond}
	classifier := newTestClassifier(t, engine)
	data := testPNG(t, 120, 90)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	predictions := make([]Prediction, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			predictions[i], errs[i] = classifier.PredictBytes(context.Background(), data)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 42, predictions[i].ClassIndex)
	}
	assert.False(t, engine.overlap.Load(), "inference must never run concurrently")
	assert.Equal(t, int32(10), engine.runs.Load())
}

func TestPredictCanceled(t *testing.T) {
	engine := &fakeEngine{output: oneHot(120, 1)}
	classifier := newTestClassifier(t, engine)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := classifier.PredictBytes(ctx, testPNG(t, 10, 10))
	classificationErr := requireClassificationError(t, err)
	assert.Equal(t, KindCanceled, classificationErr.Kind)
	assert.True(t, classificationErr.Retryable())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, engine.runs.Load())
}

func TestClose(t *testing.T) {
	engine := &fakeEngine{output: oneHot(120, 1)}
	classifier, err := NewClassifier(engine.loader(), options.WithModelPath(writeModel(t, t.TempDir())), quietLogger())
	require.NoError(t, err)

	require.NoError(t, classifier.Close())
	require.NoError(t, classifier.Close())
	assert.Equal(t, Closed, classifier.State())
	assert.Equal(t, int32(1), engine.destroyed.Load())

	_, err = classifier.PredictBytes(context.Background(), testPNG(t, 10, 10))
	classificationErr := requireClassificationError(t, err)
	assert.Equal(t, KindModelUnavailable, classificationErr.Kind)
	assert.ErrorIs(t, err, ErrModelUnavailable)
	assert.Zero(t, engine.runs.Load())
}

func TestNewClassifierErrors(t *testing.T) {
	_, err := NewClassifier(nil)
	assert.Error(t, err)

	engine := &fakeEngine{output: oneHot(120, 1)}
	_, err = NewClassifier(engine.loader(), options.WithTopK(-1))
	assert.Error(t, err)

	_, err = NewClassifier(engine.loader(), options.WithOnnxLibraryPath("/usr/lib"))
	assert.Error(t, err)

	_, err = NewClassifier(engine.loader(), options.WithLabelsPath(filepath.Join(t.TempDir(), "missing.txt")), quietLogger())
	assert.Error(t, err)
}

func TestClassifierLabels(t *testing.T) {
	classifier := newTestClassifier(t, &fakeEngine{output: oneHot(2, 1)}, options.WithLabels([]string{"Beagle", "Pug"}))
	assert.Equal(t, 2, classifier.Labels().Len())

	prediction, err := classifier.PredictBytes(context.Background(), testPNG(t, 10, 10))
	require.NoError(t, err)
	assert.Equal(t, "Pug", prediction.BreedName)
	require.Len(t, prediction.Candidates, 2)
	assert.Equal(t, "Beagle", prediction.Candidates[1].BreedName)
}

func TestNewGoClassifierMissingModel(t *testing.T) {
	classifier, err := NewGoClassifier(
		options.WithModelPath(filepath.Join(t.TempDir(), "dog_breed_model.onnx")),
		quietLogger(),
	)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, classifier.Close())
	}()
	assert.Equal(t, Uninitialized, classifier.State())

	_, err = classifier.PredictBytes(context.Background(), testPNG(t, 10, 10))
	assert.Equal(t, KindModelNotFound, requireClassificationError(t, err).Kind)
}

func TestKindOf(t *testing.T) {
	err := newClassificationError(&pipelines.StageError{Stage: StageInference, Err: errors.New("engine crashed")})
	assert.Equal(t, KindInference, err.Kind)
	assert.True(t, err.Retryable())

	err = newClassificationError(&pipelines.StageError{Stage: StageEncode, Err: ErrInvalidPixels})
	assert.Equal(t, KindInvalidInput, err.Kind)
	assert.Contains(t, err.Error(), "encode")

	wrapped := newClassificationError(err)
	assert.Same(t, err, wrapped)
}
