package rulecache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no rule is registered under a name.
	ErrNotFound = errors.New("rule not found")

	// ErrNotReady is returned when a rule exists but is not compiled.
	// If compilation failed, the error also wraps the *CompileError.
	ErrNotReady = errors.New("rule is not compiled")

	// ErrEvaluation is returned when a compiled rule fails at runtime, or
	// evaluates to an error value.
	ErrEvaluation = errors.New("evaluation failed")

	// ErrInternal signals a broken rule state: a rule reports Compiled
	// but holds no program.
	ErrInternal = errors.New("internal inconsistency")

	// ErrStaleVersion is returned when publishing or loading a snapshot whose
	// version is not newer than the active one.
	ErrStaleVersion = errors.New("stale snapshot version")

	// ErrNoContextBinder is returned by EvaluateContext when the registry's
	// compiler cannot bind structured context objects.
	ErrNoContextBinder = errors.New("compiler does not support structured context binding")

	// ErrNilCompiler is returned by NewRegistry when no compiler is given.
	ErrNilCompiler = errors.New("nil compiler")
)

// CompileErrorKind classifies compilation failures.
type CompileErrorKind int

const (
	// SyntaxError means the expression could not be parsed.
	SyntaxError CompileErrorKind = iota
	// TypeError means the expression parsed but failed type checking.
	TypeError
	// PlanError means the checked expression could not be turned into a program.
	PlanError
)

func (k CompileErrorKind) String() string {
	switch k {
	case SyntaxError:
		return "syntax error"
	case TypeError:
		return "type error"
	case PlanError:
		return "plan error"
	default:
		return fmt.Sprintf("CompileErrorKind(%d)", int(k))
	}
}

// CompileError is returned by a Compiler when an expression cannot be compiled.
type CompileError struct {
	Kind   CompileErrorKind
	Expr   string
	Detail string // diagnostic produced by the compiler
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}
