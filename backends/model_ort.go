//go:build cgo && (ORT || ALL)

package backends

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/gurnxxrpannu/Breedify/options"
)

type ORTModel struct {
	Session *ort.DynamicAdvancedSession
	inputs  []InputOutputInfo
	outputs []InputOutputInfo
}

// LoadORTEngine is the EngineLoader for the ORT backend. The onnxruntime environment and
// session options must already be initialised in o.RuntimeOptions.
func LoadORTEngine(onnxBytes []byte, o *options.Options) (Engine, error) {
	if len(onnxBytes) == 0 {
		return nil, errors.New("model asset is empty")
	}
	sessionOptions, ok := o.RuntimeOptions.(*ort.SessionOptions)
	if !ok || sessionOptions == nil {
		return nil, errors.New("ORT session options are not initialised")
	}

	inputs, outputs, err := loadInputOutputMetaORTBytes(onnxBytes)
	if err != nil {
		return nil, err
	}
	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		onnxBytes,
		GetNames(inputs),
		GetNames(outputs),
		sessionOptions,
	)
	if err != nil {
		return nil, err
	}
	return &ORTModel{
		Session: session,
		inputs:  inputs,
		outputs: outputs,
	}, nil
}

func loadInputOutputMetaORTBytes(onnxBytes []byte) ([]InputOutputInfo, []InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, nil, err
	}
	return convertORTInputOutputs(inputs), convertORTInputOutputs(outputs), nil
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:       inputOutput.Name,
			Dimensions: Shape(inputOutput.Dimensions),
		}
	}
	return inputOutputsStandardised
}

func (m *ORTModel) InputsMeta() []InputOutputInfo {
	return m.inputs
}

func (m *ORTModel) OutputsMeta() []InputOutputInfo {
	return m.outputs
}

func (m *ORTModel) Run(input []float32, shape Shape) (result []float32, err error) {
	inputTensor, err := ort.NewTensor(ort.NewShape(shape...), input)
	if err != nil {
		return nil, err
	}
	// outputs left nil are allocated by the session
	outputTensors := make([]ort.Value, len(m.outputs))
	defer func() {
		err = errors.Join(err, inputTensor.Destroy())
		for _, t := range outputTensors {
			if t != nil {
				err = errors.Join(err, t.Destroy())
			}
		}
	}()

	if err = m.Session.Run([]ort.Value{inputTensor}, outputTensors); err != nil {
		return nil, err
	}
	switch v := outputTensors[0].(type) {
	case *ort.Tensor[float32]:
		data := v.GetData()
		result = make([]float32, len(data))
		copy(result, data)
		return result, nil
	default:
		return nil, fmt.Errorf("output %q has unsupported type %T", m.outputs[0].Name, v)
	}
}

func (m *ORTModel) Destroy() error {
	if m.Session == nil {
		return nil
	}
	err := m.Session.Destroy()
	m.Session = nil
	return err
}
