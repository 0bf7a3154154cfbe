package pangoling

import (
	"github.com/knights-analytics/pangoling/options"
)

// NewGoSession creates a session that runs models with the pure Go onnx runtime and tokenizer.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSession("GO", nil, opts...)
}
