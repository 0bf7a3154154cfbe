//go:build !cgo || (!ORT && !ALL)

package backends

import (
	"errors"

	"github.com/knights-analytics/pangoling/options"
)

func createORTModelBackend(_ *Model, _ *options.Options) error {
	return errors.New("ORT is not enabled")
}
