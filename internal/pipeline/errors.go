package pipeline

import (
	"errors"

	"github.com/Brownie44l1/cnn-lens/internal/model"
	"github.com/Brownie44l1/cnn-lens/internal/registry"
)

// Code classifies a request failure for callers.
type Code string

const (
	CodeInvalidModel    Code = "invalid_model"
	CodeInvalidLayer    Code = "invalid_layer"
	CodeNotVisualizable Code = "not_visualizable"
	CodeDecodeError     Code = "decode_error"
	CodeInternal        Code = "internal"
)

var (
	ErrDecode             = errors.New("image could not be decoded")
	ErrNotVisualizable    = errors.New("layer output is not a spatial feature map")
	ErrDegenerateGradient = errors.New("gradient is not finite")
)

// Error is the single failure a request can end with.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func classify(err error) *Error {
	var pe *Error
	switch {
	case errors.As(err, &pe):
		return pe
	case errors.Is(err, registry.ErrModelNotFound):
		return &Error{Code: CodeInvalidModel, Err: err}
	case errors.Is(err, model.ErrLayerNotFound):
		return &Error{Code: CodeInvalidLayer, Err: err}
	case errors.Is(err, ErrNotVisualizable):
		return &Error{Code: CodeNotVisualizable, Err: err}
	case errors.Is(err, ErrDecode):
		return &Error{Code: CodeDecodeError, Err: err}
	}
	return &Error{Code: CodeInternal, Err: err}
}
