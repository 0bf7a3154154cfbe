package options

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	o := Defaults()
	assert.Equal(t, &log.DefaultLogger, o.Logger)
	assert.Equal(t, DefaultTokenizerCacheSize, o.TokenizerCacheSize)
	require.NotNil(t, o.ORTOptions.LibraryPath)
	assert.NotEmpty(t, *o.ORTOptions.LibraryPath)
	assert.NoError(t, o.Destroy())
}

func TestORTOnlyOptions(t *testing.T) {
	ortOnly := []WithOption{
		WithTelemetry(),
		WithIntraOpNumThreads(2),
		WithInterOpNumThreads(2),
		WithCPUMemArena(false),
		WithMemPattern(false),
		WithCuda(map[string]string{"device_id": "0"}),
		WithOnnxLibraryPath("/usr/lib/libonnxruntime.so"),
	}
	for _, opt := range ortOnly {
		o := Defaults()
		o.Backend = "GO"
		assert.Error(t, opt(o))
	}

	o := Defaults()
	o.Backend = "ORT"
	for _, opt := range ortOnly[:6] {
		require.NoError(t, opt(o))
	}
	assert.True(t, *o.ORTOptions.Telemetry)
	assert.Equal(t, 2, *o.ORTOptions.IntraOpNumThreads)
	assert.False(t, *o.ORTOptions.MemPattern)
	assert.Equal(t, "0", o.ORTOptions.CudaOptions["device_id"])
}

func TestWithOnnxLibraryPath(t *testing.T) {
	o := Defaults()
	o.Backend = "ORT"
	assert.Error(t, WithOnnxLibraryPath(filepath.Join(t.TempDir(), "missing.so"))(o))

	library := filepath.Join(t.TempDir(), "libonnxruntime.so")
	require.NoError(t, os.WriteFile(library, nil, 0o600))
	require.NoError(t, WithOnnxLibraryPath(library)(o))
	assert.Equal(t, library, *o.ORTOptions.LibraryPath)
}

func TestSessionOptions(t *testing.T) {
	o := Defaults()
	o.Backend = "GO"
	assert.Error(t, WithModelsDir("")(o))
	require.NoError(t, WithModelsDir("/models")(o))
	assert.Equal(t, "/models", o.ModelsDir)

	assert.Error(t, WithLogger(nil)(o))
	logger := &log.Logger{Level: log.WarnLevel}
	require.NoError(t, WithLogger(logger)(o))
	assert.Same(t, logger, o.Logger)

	assert.Error(t, WithTokenizerCacheSize(-1)(o))
	require.NoError(t, WithTokenizerCacheSize(0)(o))
	assert.Equal(t, 0, o.TokenizerCacheSize)
}

func TestOnnxFilenameOptions(t *testing.T) {
	o := Defaults()
	assert.Equal(t, "", o.ModelOnnxFilename("gpt2"))

	assert.Error(t, WithOnnxFilename("")(o))
	require.NoError(t, WithOnnxFilename("model.onnx")(o))
	assert.Equal(t, "model.onnx", o.ModelOnnxFilename("gpt2"))

	assert.Error(t, WithModelOnnxFilename("", "model.onnx")(o))
	assert.Error(t, WithModelOnnxFilename("gpt2", "")(o))
	require.NoError(t, WithModelOnnxFilename("gpt2", "onnx/model_quantized.onnx")(o))
	assert.Equal(t, "onnx/model_quantized.onnx", o.ModelOnnxFilename("gpt2"))
	assert.Equal(t, "model.onnx", o.ModelOnnxFilename("bert-base-uncased"))
}
