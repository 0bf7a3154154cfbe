package pangoling

// onnxRuntimeSharedLibrary is the ONNX Runtime library the ORT tests load on macOS (Homebrew, Apple Silicon).
const onnxRuntimeSharedLibrary = "/opt/homebrew/lib/libonnxruntime.dylib"
