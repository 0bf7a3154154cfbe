package pangoling

// onnxRuntimeSharedLibrary is the ONNX Runtime library the ORT tests load on Linux.
const onnxRuntimeSharedLibrary = "/usr/lib64/onnxruntime.so"
