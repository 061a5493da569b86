package whatsapp

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected         = errors.New("instance is not connected")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	ErrNotFound             = errors.New("instance not found")
	ErrAlreadyExists        = errors.New("instance already exists")
	ErrInvalidPhone         = errors.New("invalid phone number")
	ErrClosed               = errors.New("instance controller is closed")
)

// InitializationError is returned by Init when the socket could not be
// opened or connected. The instance is left in the error state.
type InitializationError struct {
	Phone string
	Err   error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize %s: %v", e.Phone, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}
