//go:build cgo && (ORT || ALL)

package backends

import (
	"errors"
	"fmt"
	"slices"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/pangoling/options"
	"github.com/knights-analytics/pangoling/util/fileutil"
)

type ORTModel struct {
	Session        *ort.DynamicAdvancedSession
	SessionOptions *ort.SessionOptions
	Options        *options.OrtOptions
}

func createORTModelBackend(model *Model, options *options.Options) error {
	sessionOptions, ok := options.BackendOptions.(*ort.SessionOptions)
	if !ok {
		return errors.New("ORT session options have not been initialised")
	}
	onnxBytes, err := fileutil.ReadFileBytes(model.OnnxPath)
	if err != nil {
		return err
	}
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return err
	}
	model.InputsMeta = convertORTInputOutputs(inputs)
	model.OutputsMeta = convertORTInputOutputs(outputs)

	// only the logits are requested from the session
	logits := model.OutputsMeta[logitsOutputIndex(model.OutputsMeta)]
	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		onnxBytes,
		GetNames(model.InputsMeta),
		[]string{logits.Name},
		sessionOptions,
	)
	if err != nil {
		return err
	}
	model.Backend = &ORTModel{
		Session:        session,
		SessionOptions: sessionOptions,
		Options:        options.ORTOptions,
	}
	return nil
}

func (o *ORTModel) CreateInputTensors(batch *PipelineBatch, model *Model) error {
	inputVals := make([]ort.Value, len(model.InputsMeta))
	for mi, meta := range model.InputsMeta {
		backing, err := inputBacking(meta.Name, batch, model)
		if err != nil {
			return errors.Join(err, destroyORTValues(inputVals[:mi]))
		}
		t, err := ort.NewTensor(ort.NewShape(int64(batch.Size), int64(batch.MaxSequenceLength)), backing)
		if err != nil {
			return errors.Join(err, destroyORTValues(inputVals[:mi]))
		}
		inputVals[mi] = t
	}
	batch.InputValues = inputVals
	batch.PaddingMask = paddingMask(batch)
	batch.DestroyInputs = func() error {
		if values, ok := batch.InputValues.([]ort.Value); ok {
			return destroyORTValues(values)
		}
		return errors.New("batch.InputValues has incorrect type")
	}
	return nil
}

func (o *ORTModel) Run(batch *PipelineBatch, _ *Model) error {
	inputs, ok := batch.InputValues.([]ort.Value)
	if !ok {
		return fmt.Errorf("batch.InputValues has incorrect type %T", batch.InputValues)
	}
	outputTensors := make([]ort.Value, 1)
	if err := o.Session.Run(inputs, outputTensors); err != nil {
		return err
	}
	defer func() {
		_ = destroyORTValues(outputTensors)
	}()
	logitsTensor, ok := outputTensors[0].(*ort.Tensor[float32])
	if !ok {
		return fmt.Errorf("model logits have type %T, expected float32 tensor", outputTensors[0])
	}
	// the tensor memory is released on return
	data := slices.Clone(logitsTensor.GetData())
	logits, err := ReshapeLogits(data, batch.PaddingMask, batch.MaxSequenceLength)
	if err != nil {
		return err
	}
	batch.OutputValues = []any{logits}
	return nil
}

func (o *ORTModel) Destroy() error {
	return o.Session.Destroy()
}

func destroyORTValues(values []ort.Value) error {
	var agg error
	for _, t := range values {
		if t != nil {
			agg = errors.Join(agg, t.Destroy())
		}
	}
	return agg
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
