package breedify

import (
	"context"
	"errors"
	"fmt"

	"github.com/gurnxxrpannu/Breedify/backends"
	"github.com/gurnxxrpannu/Breedify/pipelines"
	"github.com/gurnxxrpannu/Breedify/util/imageutil"
)

var (
	ErrImageDecode      = imageutil.ErrImageDecode
	ErrResource         = imageutil.ErrResource
	ErrInvalidPixels    = imageutil.ErrInvalidPixels
	ErrModelNotFound    = backends.ErrModelNotFound
	ErrModelUnavailable = backends.ErrModelUnavailable
	ErrInputShape       = backends.ErrInputShape
	ErrInference        = backends.ErrInference
	ErrInvalidOutput    = pipelines.ErrInvalidOutput
)

type Stage = pipelines.Stage

const (
	StageLoad      = pipelines.StageLoad
	StageDecode    = pipelines.StageDecode
	StageNormalize = pipelines.StageNormalize
	StageEncode    = pipelines.StageEncode
	StageInference = pipelines.StageInference
	StageInterpret = pipelines.StageInterpret
)

// Kind classifies a failed prediction.
type Kind string

const (
	KindImageDecode      Kind = "ImageDecode"
	KindResource         Kind = "Resource"
	KindInvalidInput     Kind = "InvalidInput"
	KindModelNotFound    Kind = "ModelNotFound"
	KindModelUnavailable Kind = "ModelUnavailable"
	KindInference        Kind = "Inference"
	KindInvalidOutput    Kind = "InvalidOutput"
	KindCanceled         Kind = "Canceled"
)

// ClassificationError is the only error type returned by Classifier predictions.
type ClassificationError struct {
	Err   error
	Stage Stage
	Kind  Kind
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("breed classification failed at %s (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same request may succeed if repeated.
func (e *ClassificationError) Retryable() bool {
	switch e.Kind {
	case KindModelUnavailable, KindCanceled, KindInference:
		return true
	default:
		return false
	}
}

func newClassificationError(err error) *ClassificationError {
	var classificationErr *ClassificationError
	if errors.As(err, &classificationErr) {
		return classificationErr
	}
	stage := StageLoad
	var stageErr *pipelines.StageError
	if errors.As(err, &stageErr) {
		stage = stageErr.Stage
	}
	return &ClassificationError{Err: err, Stage: stage, Kind: kindOf(err, stage)}
}

func kindOf(err error, stage Stage) Kind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrModelNotFound):
		return KindModelNotFound
	case errors.Is(err, ErrModelUnavailable):
		return KindModelUnavailable
	case errors.Is(err, ErrImageDecode):
		return KindImageDecode
	case errors.Is(err, ErrResource):
		return KindResource
	case errors.Is(err, ErrInvalidOutput):
		return KindInvalidOutput
	case errors.Is(err, ErrInvalidPixels), errors.Is(err, ErrInputShape):
		return KindInvalidInput
	}
	switch stage {
	case StageLoad:
		return KindModelUnavailable
	case StageInference:
		return KindInference
	case StageInterpret:
		return KindInvalidOutput
	default:
		return KindInvalidInput
	}
}
