package options

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/phuslu/log"

	"github.com/knights-analytics/pangoling/util/fileutil"
)

// DefaultTokenizerCacheSize is the number of distinct encodings each loaded tokenizer keeps around.
const DefaultTokenizerCacheSize = 4096

type Options struct {
	BackendOptions     any
	ORTOptions         *OrtOptions
	Logger             *log.Logger
	Destroy            func() error
	// OnnxFilenames picks the graph of a model, by model id, when its folder holds several .onnx files.
	OnnxFilenames      map[string]string
	Backend            string
	ModelsDir          string
	OnnxFilename       string
	TokenizerCacheSize int
}

// ModelOnnxFilename returns the .onnx file to load for a model, or "" to use the only one present.
func (o *Options) ModelOnnxFilename(modelID string) string {
	if name, ok := o.OnnxFilenames[modelID]; ok {
		return name
	}
	return o.OnnxFilename
}

func Defaults() *Options {
	libraryPathDefault := getDefaultLibraryPath()
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryPath: &libraryPathDefault,
		},
		Logger:             &log.DefaultLogger,
		TokenizerCacheSize: DefaultTokenizerCacheSize,
		Destroy: func() error {
			return nil
		},
	}
}

func getDefaultLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return `.\onnxruntime.dll`
	case "darwin":
		return "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "/usr/lib/libonnxruntime.so"
	}
}

type OrtOptions struct {
	LibraryPath       *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
	CPUMemArena       *bool
	MemPattern        *bool
	CudaOptions       map[string]string
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithOnnxLibraryPath (ORT only) Use this function to set the path to the "libonnxruntime.so", "libonnxruntime.dylib" or "onnxruntime.dll" file.
func WithOnnxLibraryPath(ortLibraryPath string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithOnnxLibraryPath is only supported for ORT backend")
		}
		exists, err := fileutil.FileExists(ortLibraryPath)
		if err != nil {
			return fmt.Errorf("error checking for existence of ONNX Runtime library file: %w", err)
		}
		if !exists {
			return fmt.Errorf("ONNX Runtime library does not exist at %q", ortLibraryPath)
		}
		o.ORTOptions.LibraryPath = &ortLibraryPath
		return nil
	}
}

// WithTelemetry (ORT only) Enables telemetry events for the onnxruntime environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithTelemetry is only supported for ORT backend")
		}
		enabled := true
		o.ORTOptions.Telemetry = &enabled
		return nil
	}
}

// WithIntraOpNumThreads (ORT only) Sets the number of threads used to parallelize execution within onnxruntime
// graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithIntraOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.IntraOpNumThreads = &numThreads
		return nil
	}
}

// WithInterOpNumThreads (ORT only) Sets the number of threads used to parallelize execution across separate
// onnxruntime graph nodes. If unspecified, onnxruntime uses the number of physical CPU cores.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithInterOpNumThreads is only supported for ORT backend")
		}
		o.ORTOptions.InterOpNumThreads = &numThreads
		return nil
	}
}

// WithCPUMemArena (ORT only) Enable/Disable the usage of the memory arena on CPU.
// Arena may pre-allocate memory for future usage. Default is true.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithCPUMemArena is only supported for ORT backend")
		}
		o.ORTOptions.CPUMemArena = &enable
		return nil
	}
}

// WithMemPattern (ORT only) Enable/Disable the memory pattern optimization.
// If this is enabled memory is preallocated if all shapes are known. Default is true.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithMemPattern is only supported for ORT backend")
		}
		o.ORTOptions.MemPattern = &enable
		return nil
	}
}

// WithCuda (ORT only) scores on the GPU with the given CUDA provider options.
func WithCuda(cudaOptions map[string]string) WithOption {
	return func(o *Options) error {
		if o.Backend != "ORT" {
			return fmt.Errorf("WithCuda is only supported for ORT backend")
		}
		if cudaOptions == nil {
			cudaOptions = map[string]string{}
		}
		o.ORTOptions.CudaOptions = cudaOptions
		return nil
	}
}

// WithModelsDir sets the folder searched for models that are referred to by name rather than path.
// A model "org/name" is looked up at <dir>/org_name.
func WithModelsDir(dir string) WithOption {
	return func(o *Options) error {
		if dir == "" {
			return errors.New("models dir cannot be empty")
		}
		o.ModelsDir = dir
		return nil
	}
}

// WithOnnxFilename selects the .onnx file to load from model folders holding several, e.g.
// "model_quantized.onnx" or "onnx/model.onnx".
func WithOnnxFilename(name string) WithOption {
	return func(o *Options) error {
		if name == "" {
			return errors.New("onnx filename cannot be empty")
		}
		o.OnnxFilename = name
		return nil
	}
}

// WithModelOnnxFilename selects the .onnx file of a single model, overriding WithOnnxFilename.
func WithModelOnnxFilename(modelID string, name string) WithOption {
	return func(o *Options) error {
		if modelID == "" || name == "" {
			return errors.New("model id and onnx filename cannot be empty")
		}
		if o.OnnxFilenames == nil {
			o.OnnxFilenames = map[string]string{}
		}
		o.OnnxFilenames[modelID] = name
		return nil
	}
}

// WithLogger replaces the default phuslu logger.
func WithLogger(logger *log.Logger) WithOption {
	return func(o *Options) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		o.Logger = logger
		return nil
	}
}

// WithTokenizerCacheSize sets how many encodings each tokenizer caches. Zero disables the cache.
func WithTokenizerCacheSize(size int) WithOption {
	return func(o *Options) error {
		if size < 0 {
			return fmt.Errorf("tokenizer cache size must be non-negative, got %d", size)
		}
		o.TokenizerCacheSize = size
		return nil
	}
}
