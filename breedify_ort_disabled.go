//go:build !cgo || (!ORT && !ALL)

package breedify

import (
	"errors"

	"github.com/gurnxxrpannu/Breedify/options"
)

func NewORTClassifier(_ ...options.WithOption) (*Classifier, error) {
	return nil, errors.New("ORT is not enabled, build with -tags ORT")
}
