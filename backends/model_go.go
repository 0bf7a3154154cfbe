package backends

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/pangoling/util/fileutil"
)

// GoModel scores with the pure go onnx interpreter.
type GoModel struct {
	Session     *gonnx.Model
	logitsIndex int
}

func createGoModelBackend(model *Model) error {
	onnxBytes, err := fileutil.ReadFileBytes(model.OnnxPath)
	if err != nil {
		return err
	}
	session, err := gonnx.NewModelFromBytes(onnxBytes)
	if err != nil {
		return fmt.Errorf("error loading %s with gonnx: %w", model.OnnxPath, err)
	}
	model.InputsMeta, model.OutputsMeta = loadInputOutputMetaGo(session)
	model.Backend = &GoModel{
		Session:     session,
		logitsIndex: logitsOutputIndex(model.OutputsMeta),
	}
	return nil
}

func loadInputOutputMetaGo(session *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo
	inputShapes := session.InputShapes()
	for _, name := range session.InputNames() {
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
	outputShapes := session.OutputShapes()
	for _, name := range session.OutputNames() {
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

// CreateInputTensors creates the gorgonia tensors fed to the interpreter.
func (g *GoModel) CreateInputTensors(batch *PipelineBatch, model *Model) error {
	inputMap := map[string]tensor.Tensor{}
	for _, inputMeta := range model.InputsMeta {
		backing, err := inputBacking(inputMeta.Name, batch, model)
		if err != nil {
			return err
		}
		inputMap[inputMeta.Name] = tensor.New(
			tensor.Of(tensor.Int64),
			tensor.WithShape(batch.Size, batch.MaxSequenceLength),
			tensor.WithBacking(backing),
		)
	}
	batch.InputValues = inputMap
	batch.PaddingMask = paddingMask(batch)
	return nil
}

func (g *GoModel) Run(batch *PipelineBatch, model *Model) error {
	inputs, ok := batch.InputValues.(map[string]tensor.Tensor)
	if !ok {
		return fmt.Errorf("batch.InputValues has incorrect type %T", batch.InputValues)
	}
	outputs, err := g.Session.Run(inputs)
	if err != nil {
		return err
	}
	name := model.OutputsMeta[g.logitsIndex].Name
	logitsTensor, ok := outputs[name]
	if !ok {
		return fmt.Errorf("model output %s missing from gonnx results", name)
	}
	data, ok := logitsTensor.Data().([]float32)
	if !ok {
		return fmt.Errorf("model output %s has type %T, expected []float32", name, logitsTensor.Data())
	}
	logits, err := ReshapeLogits(data, batch.PaddingMask, batch.MaxSequenceLength)
	if err != nil {
		return err
	}
	batch.OutputValues = []any{logits}
	return nil
}

func (g *GoModel) Destroy() error {
	g.Session = nil
	return nil
}
