package rockyard

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every failure returned by the pipeline wraps exactly one of
// these, so callers can branch with errors.Is.
var (
	ErrResolution      = errors.New("resolution error")
	ErrNetwork         = errors.New("network error")
	ErrIntegrity       = errors.New("integrity error")
	ErrPatch           = errors.New("patch error")
	ErrToolchain       = errors.New("toolchain error")
	ErrBuild           = errors.New("build error")
	ErrUpgradeConflict = errors.New("upgrade conflict")
	ErrLedger          = errors.New("ledger error")
)

// PipelineError identifies which program, version and step failed.
type PipelineError struct {
	Kind    error
	Program string
	Version string
	Step    string
	Err     error
}

func (e *PipelineError) Error() string {
	var b strings.Builder
	if e.Program != "" {
		b.WriteString(e.Program)
		if e.Version != "" {
			b.WriteString(" ")
			b.WriteString(e.Version)
		}
		b.WriteString(": ")
	}
	if e.Step != "" {
		b.WriteString(e.Step)
		b.WriteString(": ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(e.Kind.Error())
	}
	return b.String()
}

func (e *PipelineError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, program, version, step string, err error) error {
	return &PipelineError{Kind: kind, Program: program, Version: version, Step: step, Err: err}
}

func errorf(kind error, program, version, step, format string, args ...any) error {
	return newError(kind, program, version, step, fmt.Errorf(format, args...))
}

// withContext fills in program and version on a PipelineError produced by a
// lower layer that did not know them. Other errors are wrapped with kind.
func withContext(err error, kind error, program, version, step string) error {
	var pe *PipelineError
	if errors.As(err, &pe) {
		if pe.Program == "" {
			pe.Program = program
		}
		if pe.Version == "" {
			pe.Version = version
		}
		if pe.Step == "" {
			pe.Step = step
		}
		return pe
	}
	return newError(kind, program, version, step, err)
}

var errMissingLuaC = errors.New("source tree has no lua.c")
