package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the pipeline should react to it.
type Kind int

const (
	// KindTransient covers storage and network failures; the message stays
	// unacked so the queue redelivers it.
	KindTransient Kind = iota + 1
	// KindValidation marks a malformed message; it is logged and dropped
	// without redelivery.
	KindValidation
	// KindConfiguration marks missing credentials or settings; retrying
	// cannot succeed without operator intervention.
	KindConfiguration
	// KindPermanent marks failures that will not resolve on retry but are
	// not configuration problems (e.g. a rejected recipient).
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindConfiguration:
		return "configuration"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// PipelineError carries a kind and a cause.
type PipelineError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on kind sentinels.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Kind sentinels for errors.Is checks.
var (
	ErrTransient     = &PipelineError{Kind: KindTransient}
	ErrValidation    = &PipelineError{Kind: KindValidation}
	ErrConfiguration = &PipelineError{Kind: KindConfiguration}
	ErrPermanent     = &PipelineError{Kind: KindPermanent}
)

func Transient(message string, err error) *PipelineError {
	return &PipelineError{Kind: KindTransient, Message: message, Err: err}
}

func Validation(message string, err error) *PipelineError {
	return &PipelineError{Kind: KindValidation, Message: message, Err: err}
}

func Configuration(message string, err error) *PipelineError {
	return &PipelineError{Kind: KindConfiguration, Message: message, Err: err}
}

func Permanent(message string, err error) *PipelineError {
	return &PipelineError{Kind: KindPermanent, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindTransient for unclassified errors so
// unknown failures fall back to redelivery rather than being dropped.
func KindOf(err error) Kind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// IsRetryable reports whether redelivering the message can help.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
