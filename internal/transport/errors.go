package transport

import (
	"errors"
	"fmt"
)

var (
	ErrNotAllocated    = errors.New("ports not allocated")
	ErrNotNegotiated   = errors.New("descriptions not installed")
	ErrUnknownContent  = errors.New("unknown content name")
	ErrNotWritable     = errors.New("transport not writable")
	ErrEngineClosed    = errors.New("engine closed")
	ErrTurnCredentials = errors.New("unusable TURN server entry")
)

// CandidateSubmissionError is returned when the engine rejects some or all of
// a remote candidate batch. The link keeps whatever was accepted.
type CandidateSubmissionError struct {
	Rejected int
	Err      error
}

func (e *CandidateSubmissionError) Error() string {
	return fmt.Sprintf("failed to add %d remote candidates: %v", e.Rejected, e.Err)
}

func (e *CandidateSubmissionError) Unwrap() error {
	return e.Err
}

// TurnCredentialError marks a single TURN entry that was skipped.
type TurnCredentialError struct {
	HostPort string
	Reason   string
}

func (e *TurnCredentialError) Error() string {
	return fmt.Sprintf("TURN server %q skipped: %s", e.HostPort, e.Reason)
}

func (e *TurnCredentialError) Unwrap() error {
	return ErrTurnCredentials
}

// SendError wraps a failed packet send with the transport's error code.
type SendError struct {
	Code int
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed (code %d): %v", e.Code, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
