package backends

import (
	"errors"
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"

	"github.com/gurnxxrpannu/Breedify/options"
)

// GoModel runs ONNX graphs with the pure Go gonnx interpreter.
type GoModel struct {
	session *gonnx.Model
	inputs  []InputOutputInfo
	outputs []InputOutputInfo
}

// LoadGoEngine is the EngineLoader for the GO backend.
func LoadGoEngine(onnxBytes []byte, _ *options.Options) (Engine, error) {
	if len(onnxBytes) == 0 {
		return nil, errors.New("model asset is empty")
	}
	session, err := gonnx.NewModelFromBytes(onnxBytes)
	if err != nil {
		return nil, err
	}
	inputs, outputs := loadInputOutputMetaGo(session)
	return &GoModel{
		session: session,
		inputs:  inputs,
		outputs: outputs,
	}, nil
}

func loadInputOutputMetaGo(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo

	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		inputs = append(inputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		outputs = append(outputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	return inputs, outputs
}

func (g *GoModel) InputsMeta() []InputOutputInfo {
	return g.inputs
}

func (g *GoModel) OutputsMeta() []InputOutputInfo {
	return g.outputs
}

func (g *GoModel) Run(input []float32, shape Shape) ([]float32, error) {
	inputMap := map[string]tensor.Tensor{
		g.inputs[0].Name: tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(shape.ValuesInt()...),
			tensor.WithBacking(input),
		),
	}
	tensors, err := g.session.Run(inputMap)
	if err != nil {
		return nil, err
	}
	name := g.outputs[0].Name
	output, ok := tensors[name]
	if !ok {
		return nil, fmt.Errorf("output %q missing from inference result", name)
	}
	switch data := output.Data().(type) {
	case []float32:
		result := make([]float32, len(data))
		copy(result, data)
		return result, nil
	case []float64:
		result := make([]float32, len(data))
		for i, v := range data {
			result[i] = float32(v)
		}
		return result, nil
	case float32:
		return []float32{data}, nil
	default:
		return nil, fmt.Errorf("output %q has unsupported element type %T", name, data)
	}
}

func (g *GoModel) Destroy() error {
	g.session = nil
	return nil
}
