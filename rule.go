package rulecache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is the compilation state of a Rule.
type State int

const (
	// Uncompiled is the state of a zero Rule. Rules returned by CompileRule
	// are never Uncompiled.
	Uncompiled State = iota
	// Compiled rules hold a Program and can be evaluated.
	Compiled
	// Failed rules hold the compiler's diagnostic and no Program.
	Failed
)

func (s State) String() string {
	switch s {
	case Uncompiled:
		return "uncompiled"
	case Compiled:
		return "compiled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// A Rule is one named expression together with the outcome of compiling it.
//
// Rules are immutable. All fields are assigned by CompileRule; recompiling a
// name produces a new *Rule and never changes one that has been handed out.
// A *Rule obtained from a Registry therefore stays valid, and keeps
// evaluating exactly as it did, after the registry replaces or removes it.
type Rule struct {
	name        string
	expr        string
	state       State
	program     Program // set iff state == Compiled
	failure     error   // set iff state == Failed
	errorDetail string  // set iff state == Failed
	compiledAt  time.Time
}

// CompileRule compiles expr with c and returns a new rule. It always returns
// a rule: a compilation failure is recorded on the rule as state Failed.
func CompileRule(c Compiler, name, expr string, now time.Time) *Rule {
	r := &Rule{
		name:       name,
		expr:       expr,
		compiledAt: now,
	}

	p, err := c.Compile(expr)
	switch {
	case err != nil:
		r.state = Failed
		r.failure = err
	case p == nil:
		r.state = Failed
		r.failure = &CompileError{Kind: PlanError, Expr: expr, Detail: "compiler returned no program"}
	default:
		r.state = Compiled
		r.program = p
		return r
	}
	r.errorDetail = "compile failed: " + r.failure.Error()
	return r
}

// Name returns the rule's name.
func (r *Rule) Name() string { return r.name }

// Expr returns the source expression.
func (r *Rule) Expr() string { return r.expr }

// State returns the compilation state.
func (r *Rule) State() State { return r.state }

// IsUsable reports whether the rule is compiled and can be evaluated.
func (r *Rule) IsUsable() bool { return r.state == Compiled }

// Err returns the human-readable compilation diagnostic, or "" unless the
// rule is Failed.
func (r *Rule) Err() string { return r.errorDetail }

// Failure returns the error returned by the compiler, or nil unless the rule
// is Failed. It is usually a *CompileError.
func (r *Rule) Failure() error { return r.failure }

// CompiledAt returns the time the compilation was attempted.
func (r *Rule) CompiledAt() time.Time { return r.compiledAt }

// Program returns the compiled program, or nil if the rule is not Compiled.
func (r *Rule) Program() Program { return r.program }

// Eval evaluates the rule against vars.
//
// Errors:
//   - ErrNotReady if the rule is not compiled. For Failed rules the error
//     also wraps the compiler's error, so errors.As(err, &*CompileError) works.
//   - ErrInternal if the rule is Compiled but holds no program.
//   - ErrEvaluation if the program returns an error.
func (r *Rule) Eval(ctx context.Context, vars Activation) (Value, error) {
	switch r.state {
	case Compiled:
		if r.program == nil {
			return Value{}, fmt.Errorf("%w: rule %q is compiled but holds no program", ErrInternal, r.name)
		}
		v, err := r.program.Eval(ctx, vars)
		if err != nil {
			return Value{}, fmt.Errorf("%w: rule %q: %w", ErrEvaluation, r.name, err)
		}
		return v, nil
	case Failed:
		if r.failure == nil {
			return Value{}, fmt.Errorf("%w: rule %q: %w", ErrNotReady, r.name, errors.New(r.errorDetail))
		}
		return Value{}, fmt.Errorf("%w: rule %q: %w", ErrNotReady, r.name, r.failure)
	default:
		return Value{}, fmt.Errorf("%w: rule %q", ErrNotReady, r.name)
	}
}

func (r *Rule) String() string {
	if r == nil {
		return "<nil>"
	}
	switch r.state {
	case Failed:
		return fmt.Sprintf("%s: %s [%s: %s]", r.name, r.expr, r.state, r.errorDetail)
	default:
		return fmt.Sprintf("%s: %s [%s]", r.name, r.expr, r.state)
	}
}
