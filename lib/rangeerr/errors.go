package rangeerr

import (
	"fmt"

	"github.com/ValentinKolb/dRange/lib/meta"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Codes
// --------------------------------------------------------------------------

// Code classifies an Error
type Code uint8

const (
	CodeOK                Code = iota // 0: No error.
	CodeNotLeader                     // 1: This replica is not the leader, a known leader is attached.
	CodeNoLeader                      // 2: No leader is known.
	CodeStaleEpoch                    // 3: The request was built against an older range version.
	CodeKeyNotInRange                 // 4: A key lies outside [start, end).
	CodeTimeout                       // 5: The request was not completed before its deadline.
	CodeRaftFail                      // 6: The command could not be submitted to raft.
	CodeCorruption                    // 7: Persisted state could not be decoded.
	CodeResourceExhausted             // 8: The filesystem is nearly full.
	CodeUnsupported                   // 9: Unknown command kind.
	CodeIOError                       // 10: A durable write failed.
	CodeInvalid                       // 11: The replica was shut down or destroyed.
	CodeInvalidArgument               // 12: Bad input from the caller.
	CodeNotFound                      // 13: The key or subscription does not exist.
	CodeExists                        // 14: The key already exists.
	CodeLockHeld                      // 15: The lock is held by another owner.
	CodeLockNotOwner                  // 16: The caller does not own the lock.
	CodeCapacityExceeded              // 17: The watch registry is full.
	CodeInternal                      // 18: Any other failure.
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeNotLeader:
		return "NotLeader"
	case CodeNoLeader:
		return "NoLeader"
	case CodeStaleEpoch:
		return "StaleEpoch"
	case CodeKeyNotInRange:
		return "KeyNotInRange"
	case CodeTimeout:
		return "Timeout"
	case CodeRaftFail:
		return "RaftFail"
	case CodeCorruption:
		return "Corruption"
	case CodeResourceExhausted:
		return "ResourceExhausted"
	case CodeUnsupported:
		return "Unsupported"
	case CodeIOError:
		return "IOError"
	case CodeInvalid:
		return "Invalid"
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeNotFound:
		return "NotFound"
	case CodeExists:
		return "Exists"
	case CodeLockHeld:
		return "LockHeld"
	case CodeLockNotOwner:
		return "LockNotOwner"
	case CodeCapacityExceeded:
		return "CapacityExceeded"
	case CodeInternal:
		return "Internal"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}

// --------------------------------------------------------------------------
// Error Type
// --------------------------------------------------------------------------

// Error is the structured error of a range operation. Besides the code it
// carries whatever a client needs to retry: the known leader, the current
// epoch, the current bounds and, after a split, the sibling range.
type Error struct {
	Code    Code
	Msg     string
	RangeID uint64
	Epoch   meta.Epoch

	// set for NotLeader
	Leader *meta.Peer

	// set for KeyNotInRange
	Key      []byte
	StartKey []byte
	EndKey   []byte

	// set for StaleEpoch
	Current *meta.Range
	Sibling *meta.Range

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.cause)
	}
	return e.Msg
}

// Unwrap returns the lower level failure, if any
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an error with the given code and message
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Newf creates an error with a formatted message
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to a lower level error. The cause stays reachable with errors.Is.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Msg: msg, cause: errors.WithStack(err)}
}

// --------------------------------------------------------------------------
// Constructors
// --------------------------------------------------------------------------

func NotLeader(rangeID uint64, epoch meta.Epoch, leader meta.Peer) *Error {
	return &Error{Code: CodeNotLeader, Msg: "not leader", RangeID: rangeID, Epoch: epoch, Leader: &leader}
}

func NoLeader(rangeID uint64) *Error {
	return &Error{Code: CodeNoLeader, Msg: "no leader", RangeID: rangeID}
}

// StaleEpoch carries a copy of the current metadata and, if known, of the range split off this one
func StaleEpoch(reqVersion uint64, current *meta.Range, sibling *meta.Range) *Error {
	return &Error{
		Code:    CodeStaleEpoch,
		Msg:     fmt.Sprintf("stale epoch, req version:%d cur version:%d", reqVersion, current.Epoch.Version),
		RangeID: current.ID,
		Epoch:   current.Epoch,
		Current: current.Clone(),
		Sibling: sibling.Clone(),
	}
}

func KeyNotInRange(rangeID uint64, key, start, end []byte) *Error {
	return &Error{Code: CodeKeyNotInRange, Msg: "key not in range", RangeID: rangeID, Key: key, StartKey: start, EndKey: end}
}

func Timeout() *Error {
	return &Error{Code: CodeTimeout, Msg: "request timeout"}
}

func RaftFail(err error) *Error {
	return Wrap(CodeRaftFail, err, "raft submit fail")
}

func Corruption(what string, err error) *Error {
	return Wrap(CodeCorruption, err, "corruption: "+what)
}

func IOError(what string, err error) *Error {
	return Wrap(CodeIOError, err, "io error: "+what)
}

func ResourceExhausted(usedPercent uint64) *Error {
	return Newf(CodeResourceExhausted, "filesystem usage %d%% exceeds limit", usedPercent)
}

func Unsupported(what string) *Error {
	return Newf(CodeUnsupported, "unsupported: %s", what)
}

func Invalid(rangeID uint64) *Error {
	return &Error{Code: CodeInvalid, Msg: "range is no longer valid", RangeID: rangeID}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// As returns the *Error in err's chain
func As(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// CodeOf returns the code of err. Errors that carry no code are CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if re, ok := As(err); ok {
		return re.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsIOClass reports whether err must halt raft progress of the replica.
// Every other apply time failure is absorbed.
func IsIOClass(err error) bool {
	switch CodeOf(err) {
	case CodeIOError, CodeResourceExhausted:
		return true
	default:
		return false
	}
}
