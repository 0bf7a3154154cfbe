//go:build cgo && (ORT || ALL)

package pangoling

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/knights-analytics/pangoling/options"
	"github.com/knights-analytics/pangoling/util/fileutil"
)

// NewORTSession creates a session backed by onnxruntime and the rust tokenizers.
// Only one ORT session can be active at a time.
func NewORTSession(opts ...options.WithOption) (*Session, error) {
	return newSession("ORT", ortSession, opts...)
}

func ortSession(session *Session) error {
	if ort.IsInitialized() {
		return errors.New("another session is currently active, and only one session can be active at one time")
	}

	if initialised, err := session.initialiseORT(); err != nil {
		if initialised {
			destroyErr := session.options.Destroy()
			envErr := ort.DestroyEnvironment()
			return errors.Join(err, destroyErr, envErr)
		}
		return err
	}
	session.environmentDestroy = func() error {
		return ort.DestroyEnvironment()
	}
	return nil
}

func (s *Session) initialiseORT() (bool, error) {
	o := s.options.ORTOptions
	if o.LibraryPath != nil {
		ortPathExists, err := fileutil.FileExists(*o.LibraryPath)
		if err != nil {
			return false, err
		}
		if !ortPathExists {
			return false, fmt.Errorf("cannot find the ort library at: %s", *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return false, err
	}

	if o.Telemetry != nil && *o.Telemetry {
		if err := ort.EnableTelemetry(); err != nil {
			return true, err
		}
	} else {
		if err := ort.DisableTelemetry(); err != nil {
			return true, err
		}
	}

	// shared by every model the session loads
	sessionOptions, optionsError := ort.NewSessionOptions()
	if optionsError != nil {
		return true, optionsError
	}
	s.options.BackendOptions = sessionOptions
	s.options.Destroy = func() error {
		return sessionOptions.Destroy()
	}

	if o.IntraOpNumThreads != nil {
		if err := sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return true, err
		}
	}
	if o.InterOpNumThreads != nil {
		if err := sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return true, err
		}
	}
	if o.CPUMemArena != nil {
		if err := sessionOptions.SetCpuMemArena(*o.CPUMemArena); err != nil {
			return true, err
		}
	}
	if o.MemPattern != nil {
		if err := sessionOptions.SetMemPattern(*o.MemPattern); err != nil {
			return true, err
		}
	}
	if o.CudaOptions != nil {
		cudaOptions, optErr := ort.NewCUDAProviderOptions()
		if optErr != nil {
			return true, optErr
		}
		if len(o.CudaOptions) > 0 {
			if optErr = cudaOptions.Update(o.CudaOptions); optErr != nil {
				return true, optErr
			}
		}
		if err := sessionOptions.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return true, err
		}
	}
	return true, nil
}
