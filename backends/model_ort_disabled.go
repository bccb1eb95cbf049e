//go:build !cgo || (!ORT && !ALL)

package backends

import (
	"errors"

	"github.com/gurnxxrpannu/Breedify/options"
)

func LoadORTEngine(_ []byte, _ *options.Options) (Engine, error) {
	return nil, errors.New("ORT is not enabled")
}
