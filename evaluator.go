package rulecache

import (
	"context"

	"google.golang.org/protobuf/proto"
)

// Compiler is the interface implemented by expression engines that can turn
// an expression into an executable Program.
//
// Compile must return a *CompileError when the expression is invalid, so that
// callers can tell syntax errors from type errors. Any other error is treated
// the same way: the rule is stored as Failed.
type Compiler interface {
	Compile(expr string) (Program, error)
}

// Program is the compiled, immutable form of one expression. A Program must be
// safe for concurrent use by multiple goroutines.
type Program interface {
	// Eval evaluates the program against the variables in vars.
	// Runtime faults (divide by zero, exceeded cost limits, canceled contexts)
	// and expressions that evaluate to an error value are returned as errors.
	Eval(ctx context.Context, vars Activation) (Value, error)
}

// ContextBinder is implemented by compilers that can adapt a structured
// context object into variable bindings.
type ContextBinder interface {
	BindContext(msg proto.Message) (Activation, error)
}

// Activation resolves variable names to values during evaluation.
type Activation interface {
	ResolveName(name string) (any, bool)
}

// Vars is an Activation backed by a map. Qualified names such as
// "request.size" are looked up as-is.
type Vars map[string]any

// ResolveName returns the value bound to name.
func (v Vars) ResolveName(name string) (any, bool) {
	x, ok := v[name]
	return x, ok
}
