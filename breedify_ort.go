//go:build cgo && (ORT || ALL)

package breedify

import (
	"context"
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/gurnxxrpannu/Breedify/backends"
	"github.com/gurnxxrpannu/Breedify/options"
	"github.com/gurnxxrpannu/Breedify/util/fileutil"
)

// NewORTClassifier creates a classifier on onnxruntime. Only one ORT classifier can be
// open at a time since it owns the onnxruntime environment.
func NewORTClassifier(opts ...options.WithOption) (*Classifier, error) {
	return newClassifier("ORT", backends.LoadORTEngine, ortEnvironment, opts...)
}

func ortEnvironment(o *options.Options) (func() error, error) {
	if ort.IsInitialized() {
		return nil, errors.New("another classifier is currently active, and only one ORT environment can be active at one time")
	}
	if initialised, err := initialiseORT(o); err != nil {
		if initialised {
			return nil, errors.Join(err, o.Destroy(), ort.DestroyEnvironment())
		}
		return nil, err
	}
	return ort.DestroyEnvironment, nil
}

func initialiseORT(o *options.Options) (bool, error) {
	ortOptions := o.ORTOptions
	if ortOptions.LibraryPath != nil {
		exists, err := fileutil.FileExists(context.Background(), *ortOptions.LibraryPath)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, fmt.Errorf("cannot find the ort library at: %s", *ortOptions.LibraryPath)
		}
		ort.SetSharedLibraryPath(*ortOptions.LibraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return false, err
	}

	if ortOptions.Telemetry != nil && *ortOptions.Telemetry {
		if err := ort.EnableTelemetry(); err != nil {
			return true, err
		}
	} else {
		if err := ort.DisableTelemetry(); err != nil {
			return true, err
		}
	}

	// CPU only, no execution providers are appended
	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return true, err
	}
	o.RuntimeOptions = sessionOptions
	o.Destroy = func() error {
		return sessionOptions.Destroy()
	}
	if ortOptions.IntraOpNumThreads != nil {
		if err = sessionOptions.SetIntraOpNumThreads(*ortOptions.IntraOpNumThreads); err != nil {
			return true, err
		}
	}
	if ortOptions.InterOpNumThreads != nil {
		if err = sessionOptions.SetInterOpNumThreads(*ortOptions.InterOpNumThreads); err != nil {
			return true, err
		}
	}
	return true, nil
}
