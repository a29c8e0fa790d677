// Copyright 2024 The accuchek authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package accuchek

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every failure is fatal to the session: the library
// performs no retries, the caller retries whole sessions. Wrapped
// errors carry context; match with errors.Is.
var (
	// ErrTimeout reports that a send or receive turn exceeded its deadline.
	ErrTimeout = errors.New("i/o timeout")
	// ErrIO reports an unrecoverable transport failure.
	ErrIO = errors.New("i/o failure")
	// ErrMalformedFrame reports a frame whose structure cannot be parsed.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrTruncated reports a body shorter than its declared length.
	ErrTruncated = errors.New("truncated frame")
	// ErrUnsupportedVersion reports an association response whose protocol
	// version shares no bits with the versions the host advertised.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	// ErrUnexpectedApdu reports an APDU that the state machine cannot
	// accept in its current state.
	ErrUnexpectedApdu = errors.New("unexpected apdu")
	// ErrAborted reports that the meter aborted the association.
	ErrAborted = errors.New("association aborted by device")
	// ErrUnexpectedConfig reports a configuration without any object the
	// measurement decoder can handle.
	ErrUnexpectedConfig = errors.New("unexpected device configuration")
	// ErrAttributeMissing reports a mandatory attribute absent from a reply.
	ErrAttributeMissing = errors.New("mandatory attribute missing")
	// ErrMissingAbsoluteTime reports a stored entry carrying only a
	// relative timestamp. Readings without wall-clock time are rejected.
	ErrMissingAbsoluteTime = errors.New("entry has no absolute timestamp")
)

// Association result codes carried by an AARE.
const (
	ResultAccepted            uint16 = 0x0000
	ResultAcceptedUnknownConf uint16 = 0x0001
	ResultRejectedPermanent   uint16 = 0x0002
	ResultRejectedTransient   uint16 = 0x0003
)

// AssociationError is returned when the meter rejects an association
// request, carrying the result code from the AARE.
type AssociationError struct {
	Result uint16
}

func (e *AssociationError) Error() string {
	return fmt.Sprintf("accuchek: association rejected (%s)", e.Reason())
}

// Reason returns a short name for the rejection result code.
func (e *AssociationError) Reason() string {
	switch e.Result {
	case ResultRejectedPermanent:
		return "permanent"
	case ResultRejectedTransient:
		return "transient"
	default:
		return fmt.Sprintf("result 0x%04x", e.Result)
	}
}

// Temporary reports whether retrying a whole new session could succeed.
func (e *AssociationError) Temporary() bool {
	return e.Result == ResultRejectedTransient
}

// RemoteError is returned when the meter answers a request with a
// remote-operation error or reject instead of a result.
type RemoteError struct {
	InvokeID uint16
	Code     uint16
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("accuchek: remote error 0x%04x (invoke-id %d)", e.Code, e.InvokeID)
}
