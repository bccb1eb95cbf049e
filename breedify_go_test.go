package breedify

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/advancedclimatesystems/gonnx/onnx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/gurnxxrpannu/Breedify/backends"
	"github.com/gurnxxrpannu/Breedify/options"
	"github.com/gurnxxrpannu/Breedify/util/imageutil"
)

func tensorValueInfo(name string, dims ...int64) *onnx.ValueInfoProto {
	shape := &onnx.TensorShapeProto{}
	for _, d := range dims {
		shape.Dim = append(shape.Dim, &onnx.TensorShapeProto_Dimension{
			Value: &onnx.TensorShapeProto_Dimension_DimValue{DimValue: d},
		})
	}
	return &onnx.ValueInfoProto{
		Name: name,
		Type: &onnx.TypeProto{
			Value: &onnx.TypeProto_TensorType{
				TensorType: &onnx.TypeProto_Tensor{ElemType: int32(onnx.TensorProto_FLOAT), Shape: shape},
			},
		},
	}
}

// writeFlattenModel writes an opset 13 graph flattening x[1,2,2,3] into y[1,12], so every
// encoded channel value becomes one logit.
func writeFlattenModel(t *testing.T, dir string) string {
	t.Helper()
	model := &onnx.ModelProto{
		IrVersion:   7,
		OpsetImport: []*onnx.OperatorSetIdProto{{Version: 13}},
		Graph: &onnx.GraphProto{
			Name: "flatten",
			Node: []*onnx.NodeProto{{
				Name:   "flatten",
				OpType: "Flatten",
				Input:  []string{"x"},
				Output: []string{"y"},
			}},
			Input:  []*onnx.ValueInfoProto{tensorValueInfo("x", 1, 2, 2, 3)},
			Output: []*onnx.ValueInfoProto{tensorValueInfo("y", 1, 12)},
		},
	}
	data, err := proto.Marshal(model)
	require.NoError(t, err)
	path := filepath.Join(dir, "flatten.onnx")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: c}, image.Point{}, draw.Src)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestGoClassifierRunsOnnxGraph(t *testing.T) {
	labels := make([]string, 12)
	for i := range labels {
		labels[i] = fmt.Sprintf("class_%d", i)
	}
	classifier, err := NewGoClassifier(
		options.WithModelPath(writeFlattenModel(t, t.TempDir())),
		options.WithLabels(labels),
		quietLogger(),
	)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, classifier.Close())
	}()
	require.Equal(t, Ready, classifier.State())

	assert.Equal(t, backends.NewShape(1, 2, 2, 3), classifier.model.InputShape())
	require.Len(t, classifier.model.OutputsMeta, 1)
	assert.Equal(t, backends.NewShape(1, 12), classifier.model.OutputsMeta[0].Dimensions)
	assert.Equal(t, 2, classifier.pipeline.InputSize)
	assert.Equal(t, imageutil.NHWC, classifier.pipeline.Layout)

	// a red image encodes to [1,0,0] per pixel, so the logits are four red ones and zeros
	prediction, err := classifier.PredictBytes(context.Background(), solidPNG(t, 30, 45, color.RGBA{R: 255, A: 255}))
	require.NoError(t, err)
	expected := math.E / (4*math.E + 8)
	assert.Equal(t, 0, prediction.ClassIndex)
	assert.Equal(t, "class_0", prediction.BreedName)
	assert.InDelta(t, expected, prediction.Confidence, 1e-3)
	require.Len(t, prediction.Candidates, options.DefaultTopK)
	assert.Equal(t, 3, prediction.Candidates[1].ClassIndex)
	assert.Equal(t, 6, prediction.Candidates[2].ClassIndex)

	statistics := classifier.GetStatistics()
	assert.Equal(t, uint64(1), statistics.OnnxExecutionCount)
	assert.Equal(t, uint64(1), statistics.TotalQueries)
}

func TestLoadGoEngineRejectsInvalidModel(t *testing.T) {
	_, err := backends.LoadGoEngine(nil, options.Defaults())
	assert.Error(t, err)

	classifier, err := NewGoClassifier(options.WithModelPath(writeModel(t, t.TempDir())), quietLogger())
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, classifier.Close())
	}()
	assert.Equal(t, Uninitialized, classifier.State())
	_, err = classifier.PredictBytes(context.Background(), solidPNG(t, 4, 4, color.White))
	assert.Equal(t, KindModelUnavailable, requireClassificationError(t, err).Kind)
}
