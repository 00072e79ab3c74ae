package container

import (
	"errors"
	"fmt"
)

// ErrImageNotFound is returned by Engine.GetImage when the engine has no such image.
var ErrImageNotFound = errors.New("image not found")

// ErrNoImages is returned when an image archive loads nothing.
var ErrNoImages = errors.New("tar file contains no image")

// MultipleImagesError is returned when an algorithm archive holds more than one image.
type MultipleImagesError struct {
	IDs []string
}

func (e *MultipleImagesError) Error() string {
	return fmt.Sprintf("tar file contains more than one image (%d loaded)", len(e.IDs))
}

// ExitError reports a container that ran and exited non-zero. It is a business
// failure of the submitted image, not an infrastructure problem.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("Return code: %d\nException:\n%s", e.Code, msg)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// IsExitError reports whether err carries a non-zero container exit.
func IsExitError(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr)
}
