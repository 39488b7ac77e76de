package models

import (
	"errors"
	"fmt"
	"strings"
)

// FailureKind is the closed taxonomy of operator-visible task failures.
type FailureKind string

const (
	FailBadRequest        FailureKind = "BadRequest"
	FailArtifactFetch     FailureKind = "ArtifactFetch"
	FailDecrypt           FailureKind = "DecryptFailure"
	FailExtract           FailureKind = "ExtractFailure"
	FailRuleSelect        FailureKind = "RuleSelectFailure"
	FailAgentUnavailable  FailureKind = "AgentUnavailable"
	FailAgentTimeout      FailureKind = "AgentTimeout"
	FailAgentCrash        FailureKind = "AgentCrash"
	FailParse             FailureKind = "ParseFailure"
	FailCancelled         FailureKind = "Cancelled"
	FailServerRestart     FailureKind = "ServerRestart"
)

// Failure is a classified task failure. The pipeline persists it as
// "<kind>: <message>" and never exposes stack traces to callers.
type Failure struct {
	Kind    FailureKind
	Message string
	Err     error // wrapped cause, for logs only
}

// NewFailure builds a Failure with a sanitized message.
func NewFailure(kind FailureKind, msg string) *Failure {
	return &Failure{Kind: kind, Message: msg}
}

// WrapFailure classifies an underlying error.
func WrapFailure(kind FailureKind, err error, msg string) *Failure {
	return &Failure{Kind: kind, Message: msg, Err: err}
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure extracts a Failure from an error chain, classifying
// unrecognized errors as the given default kind.
func AsFailure(err error, def FailureKind) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: def, Message: err.Error(), Err: err}
}

// ParseFailureKind splits a persisted "<kind>: <message>" error string.
func ParseFailureKind(s string) (FailureKind, string) {
	kind, msg, ok := strings.Cut(s, ": ")
	if !ok {
		return "", s
	}
	return FailureKind(kind), msg
}
