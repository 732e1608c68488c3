package util

import (
	"errors"
	"io"
	"os"
)

// DefaultBufSize is the read size for serial pumps (4 KiB). Serial
// links rarely deliver more than a few hundred bytes per read, so a
// small buffer keeps chunks close to arrival granularity.
const DefaultBufSize = 4 * 1024

// IsHarmless returns true for errors that are expected while a stream
// is being shut down: end of stream, a closed pipe, or a closed file
// or port.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed)
}

// FirstError returns the first non-nil error in errs.
func FirstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
