//go:build cgo && (ORT || ALL)

package breedify

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gurnxxrpannu/Breedify/options"
	"github.com/gurnxxrpannu/Breedify/pipelines"
)

func ortTestOptions(t *testing.T) []options.WithOption {
	t.Helper()
	libraryPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
	if libraryPath == "" {
		libraryPath = "/usr/lib64/onnxruntime.so"
	}
	if _, err := os.Stat(libraryPath); err != nil {
		t.Skipf("onnxruntime library not available at %s", libraryPath)
	}
	modelPath := os.Getenv("BREEDIFY_TEST_MODEL")
	if modelPath == "" {
		t.Skip("BREEDIFY_TEST_MODEL is not set")
	}
	return []options.WithOption{
		options.WithOnnxLibraryPath(libraryPath),
		options.WithModelPath(modelPath),
		options.WithIntraOpNumThreads(1),
		quietLogger(),
	}
}

func TestORTClassifierPredict(t *testing.T) {
	classifier, err := NewORTClassifier(ortTestOptions(t)...)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, classifier.Close())
	}()
	require.Equal(t, Ready, classifier.State())

	prediction, err := classifier.PredictBytes(context.Background(), testPNG(t, 320, 240))
	require.NoError(t, err)
	if prediction.IsUnknown() {
		assert.Equal(t, pipelines.UnknownBreed, prediction.BreedName)
		assert.Equal(t, -1, prediction.ClassIndex)
		return
	}
	assert.Greater(t, prediction.Confidence, float32(options.DefaultConfidenceThreshold))
	assert.Equal(t, classifier.Labels().Name(prediction.ClassIndex), prediction.BreedName)
}

func TestORTClassifierSingleEnvironment(t *testing.T) {
	opts := ortTestOptions(t)
	classifier, err := NewORTClassifier(opts...)
	require.NoError(t, err)
	_, err = NewORTClassifier(opts...)
	assert.ErrorContains(t, err, "only one ORT environment")
	require.NoError(t, classifier.Close())

	// the environment is released on close
	classifier, err = NewORTClassifier(opts...)
	require.NoError(t, err)
	assert.NoError(t, classifier.Close())
}
