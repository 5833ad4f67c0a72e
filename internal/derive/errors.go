package derive

import (
	"context"
	"errors"
	"fmt"

	"github.com/trunov/photothumb/internal/blobstore"
	"github.com/trunov/photothumb/internal/queue"
	"github.com/trunov/photothumb/internal/redismanager"
)

var (
	// ErrMalformedTrigger: the payload is not an identifier token.
	ErrMalformedTrigger = errors.New("malformed trigger")
	// ErrUnresolvableReference: no original exists for the identifier.
	ErrUnresolvableReference = errors.New("unresolvable reference")
	// ErrUnsupportedMedia: the original does not decode as a supported raster image.
	ErrUnsupportedMedia = errors.New("unsupported media")
	// ErrStoreUnavailable: the blob store could not be reached.
	ErrStoreUnavailable = blobstore.ErrStoreUnavailable
	// ErrPartialWrite: a derivative upload started but did not commit.
	ErrPartialWrite = errors.New("partial write")
	// ErrPanic: the pipeline panicked while handling the message.
	ErrPanic = errors.New("handler panic")
)

// StageError records where in the pipeline a message failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// Class tells whether a failure can succeed on redelivery.
type Class int

const (
	Permanent Class = iota
	Transient
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "permanent"
}

// Classify maps an error to its retry class. Unknown errors are permanent
// so that a bad message cannot loop forever.
func Classify(err error) Class {
	switch {
	case err == nil:
		return Permanent
	case errors.Is(err, ErrPanic):
		return Permanent
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, blobstore.ErrBucketNotFound),
		errors.Is(err, ErrPartialWrite),
		errors.Is(err, queue.ErrConnectionFailed),
		errors.Is(err, redismanager.ErrHeld),
		errors.Is(err, redismanager.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return Transient
	default:
		return Permanent
	}
}
