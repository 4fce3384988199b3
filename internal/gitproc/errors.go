package gitproc

import (
	"errors"
	"fmt"
)

// ErrStopped is returned by Exec once Stop has been called.
var ErrStopped = errors.New("gitproc: supervisor is stopping, rejecting new exec")

// DuplicateChannelError signals an Exec for a channel id already running.
type DuplicateChannelError struct{ ChannelID string }

func (e *DuplicateChannelError) Error() string {
	return fmt.Sprintf("gitproc: channel %q already has a running subprocess", e.ChannelID)
}

// UnknownChannelError signals Data/Eof/Signal against a channel id with no
// running child (already exited, or never exec'd).
type UnknownChannelError struct{ ChannelID string }

func (e *UnknownChannelError) Error() string {
	return fmt.Sprintf("gitproc: no running subprocess for channel %q", e.ChannelID)
}

// FetchSlotTimeoutError signals Exec gave up waiting for a free slot in the
// MaxInFlightGits pool.
type FetchSlotTimeoutError struct{ ChannelID string }

func (e *FetchSlotTimeoutError) Error() string {
	return fmt.Sprintf("gitproc: timed out waiting for a free subprocess slot for channel %q", e.ChannelID)
}
