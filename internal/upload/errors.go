package upload

import "errors"

var ErrNoFiles = errors.New("no files provided")

// ShapedError carries the display text produced by Options.ShapeUploadError
// while keeping the uploader's error reachable through errors.Unwrap.
type ShapedError struct {
	Message string
	Cause   error
}

func (e *ShapedError) Error() string { return e.Message }

func (e *ShapedError) Unwrap() error { return e.Cause }

func shapeError(shape func(error) string, raw error) error {
	if shape == nil {
		return raw
	}
	msg := shape(raw)
	if msg == "" {
		return raw
	}
	return &ShapedError{Message: msg, Cause: raw}
}
