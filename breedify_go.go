package breedify

import (
	"github.com/gurnxxrpannu/Breedify/backends"
	"github.com/gurnxxrpannu/Breedify/options"
)

// NewGoClassifier creates a classifier on the pure Go inference backend.
func NewGoClassifier(opts ...options.WithOption) (*Classifier, error) {
	return newClassifier("GO", backends.LoadGoEngine, nil, opts...)
}
