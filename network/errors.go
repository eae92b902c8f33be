package network

import (
	"errors"
	"fmt"

	"github.com/airwin/airwin/models"
)

var (
	// ErrFrameTooLarge indicates a legacy handshake frame exceeded MaxHandshakeSize.
	ErrFrameTooLarge = errors.New("network: handshake frame exceeds max size")
	// ErrTransferRejected indicates the receiver declined the transfer.
	ErrTransferRejected = errors.New("network: transfer rejected by receiver")
	// ErrEmptyManifest indicates a handshake that announced no files.
	ErrEmptyManifest = errors.New("network: handshake announced no files")
	// ErrUnknownDialect indicates the first bytes matched neither wire dialect.
	ErrUnknownDialect = errors.New("network: unrecognized wire dialect")
	// ErrFileTooLarge indicates a manifest size that cannot be represented on disk.
	ErrFileTooLarge = errors.New("network: declared file size too large")
	// ErrNotRegularFile indicates a send source that is not a regular file.
	ErrNotRegularFile = errors.New("network: source is not a regular file")
	// ErrListenerClosed is returned by operations on a closed listener or service.
	ErrListenerClosed = errors.New("network: listener closed")
)

// HandshakeError reports a malformed or unexpected peer payload. The session
// is aborted.
type HandshakeError struct {
	Dialect models.Dialect
	Err     error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("network: %s handshake: %v", e.Dialect, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// TransferError reports an I/O failure while streaming file bytes. A
// partially written file may remain on disk.
type TransferError struct {
	File string
	// Truncated is set when the peer closed the stream before the declared size arrived.
	Truncated bool
	Err       error
}

func (e *TransferError) Error() string {
	if e.Truncated {
		return fmt.Sprintf("network: transfer of %q truncated: %v", e.File, e.Err)
	}
	return fmt.Sprintf("network: transfer of %q: %v", e.File, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that connection setup exceeded its deadline.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return "network: " + e.Op + " timed out"
}

// Timeout marks the error as a timeout for net.Error style checks.
func (e *TimeoutError) Timeout() bool { return true }

// failureReason renders err as the human readable reason carried by Failed.
func failureReason(err error) string {
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return "timeout"
	}
	return err.Error()
}
