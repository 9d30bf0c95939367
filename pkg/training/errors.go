package training

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks against a training *Error
var (
	// ErrConfiguration reports unusable data or settings. Training never
	// allocated executor resources when this is returned.
	ErrConfiguration = errors.New("configuration error")

	// ErrResourceExhausted reports that the executor ran out of memory
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrExecutor reports any other executor failure
	ErrExecutor = errors.New("executor error")

	// ErrInternal reports a failure of the data pipeline feeding the
	// executor, like a batch that cannot be assembled
	ErrInternal = errors.New("internal error")
)

// ErrOutOfMemory is wrapped by executors that run out of memory
var ErrOutOfMemory = errors.New("out of memory")

// OutOfMemoryHint is reported with every ErrResourceExhausted
const OutOfMemoryHint = "Not enough memory available. Try to reduce the training batch size."

// Kind classifies a training failure
type Kind int

const (
	KindConfiguration Kind = iota
	KindResourceExhausted
	KindExecutor
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindResourceExhausted:
		return "resource exhausted"
	case KindExecutor:
		return "executor"
	case KindInternal:
		return "internal"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindResourceExhausted:
		return ErrResourceExhausted
	case KindInternal:
		return ErrInternal
	}
	return ErrExecutor
}

// Error is a failure that ended a training run
type Error struct {
	Kind Kind

	// Op names the phase that failed, like "prepare" or "train step"
	Op string

	// Hint is a remediation message for the user, may be empty
	Hint string

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error during %s", e.Kind, e.Op)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func configurationError(op string, format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Err: fmt.Errorf(format, args...)}
}

// classify wraps an executor failure into an *Error
func classify(op string, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, ErrOutOfMemory) {
		return &Error{Kind: KindResourceExhausted, Op: op, Hint: OutOfMemoryHint, Err: err}
	}
	return &Error{Kind: KindExecutor, Op: op, Err: err}
}
