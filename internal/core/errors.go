package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyClaimed    = errors.New("session already claimed")
	ErrNotOwner          = errors.New("agent record owned by another worker")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrMalformed         = errors.New("malformed message")
)

// Kind classifies a failure by how the system must react to it.
type Kind int

const (
	KindInternal Kind = iota
	KindTransientExternal
	KindConnection
	KindClaimRaceLoss
	KindMalformed
	KindCleanupConflict
)

func (k Kind) String() string {
	switch k {
	case KindTransientExternal:
		return "transient_external"
	case KindConnection:
		return "connection"
	case KindClaimRaceLoss:
		return "claim_race_loss"
	case KindMalformed:
		return "malformed"
	case KindCleanupConflict:
		return "cleanup_conflict"
	default:
		return "internal"
	}
}

// Policy is the reaction attached to a Kind.
type Policy int

const (
	PolicyFatal Policy = iota
	PolicyFallback
	PolicyRetry
	PolicyIgnore
	PolicyDrop
	PolicySucceed
)

func (p Policy) String() string {
	switch p {
	case PolicyFallback:
		return "fallback"
	case PolicyRetry:
		return "retry"
	case PolicyIgnore:
		return "ignore"
	case PolicyDrop:
		return "drop"
	case PolicySucceed:
		return "succeed"
	default:
		return "fatal"
	}
}

// PolicyFor returns the handling policy for a failure kind.
func PolicyFor(k Kind) Policy {
	switch k {
	case KindTransientExternal:
		return PolicyFallback
	case KindConnection:
		return PolicyRetry
	case KindClaimRaceLoss:
		return PolicyIgnore
	case KindMalformed:
		return PolicyDrop
	case KindCleanupConflict:
		return PolicySucceed
	default:
		return PolicyFatal
	}
}

// Fault is an error tagged with its Kind.
type Fault struct {
	Kind Kind
	Op   string
	Err  error
}

func (f *Fault) Error() string {
	if f.Op == "" {
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault wraps err with a kind. A nil err yields nil.
func NewFault(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err. Untagged claim, transition and decode
// errors map to their natural kinds; anything else is internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	switch {
	case errors.Is(err, ErrAlreadyClaimed):
		return KindClaimRaceLoss
	case errors.Is(err, ErrMalformed):
		return KindMalformed
	case errors.Is(err, ErrInvalidTransition):
		return KindCleanupConflict
	}
	return KindInternal
}
