package rulecache_test

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/ezachrisen/rulecache"
	"github.com/ezachrisen/rulecache/cel"
)

// Set flag with go test -run=MyTest --debug=true
// to print registry tables and logs
var debugOutput bool

func init() {
	flag.BoolVar(&debugOutput, "debug", false, "Enable detailed logging for tests")
}

func debugLogf(t *testing.T, format string, args ...any) {
	t.Helper()
	if debugOutput {
		t.Logf(format, args...)
	}
}

// testLogger discards logs unless -debug is set.
func testLogger() *slog.Logger {
	if debugOutput {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var requestSchema = rulecache.Schema{
	ID: "request",
	Elements: []rulecache.DataElement{
		{Name: "request.size", Type: rulecache.Int{}},
		{Name: "request.path", Type: rulecache.String{}},
		{Name: "x", Type: rulecache.Int{}},
	},
}

// setup returns a registry backed by a CEL evaluator using requestSchema.
func setup(t *testing.T, opts ...rulecache.Option) *rulecache.Registry {
	t.Helper()
	ev, err := cel.NewEvaluator(cel.FixedSchema(&requestSchema))
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]rulecache.Option{rulecache.WithLogger(testLogger())}, opts...)
	reg, err := rulecache.NewRegistry(ev, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

// -------------------------------------------------- MOCK COMPILER
// mockCompiler compiles any expression except "bad", which is a syntax
// error. Its programs evaluate to the expression text.
type mockCompiler struct {
	// if set, evaluation waits until the channel is closed
	block chan struct{}
	// if set, evaluation signals on this channel when it starts
	started chan string
}

func (m *mockCompiler) Compile(expr string) (rulecache.Program, error) {
	if expr == "bad" {
		return nil, &rulecache.CompileError{Kind: rulecache.SyntaxError, Expr: expr, Detail: "mock syntax error"}
	}
	return &mockProgram{expr: expr, m: m}, nil
}

type mockProgram struct {
	expr string
	m    *mockCompiler
}

func (p *mockProgram) Eval(ctx context.Context, vars rulecache.Activation) (rulecache.Value, error) {
	if p.m.started != nil {
		p.m.started <- p.expr
	}
	if p.m.block != nil {
		select {
		case <-p.m.block:
		case <-ctx.Done():
			return rulecache.Value{}, ctx.Err()
		}
	}
	if p.expr == "fail" {
		return rulecache.Value{}, fmt.Errorf("mock runtime failure")
	}
	return rulecache.Value{Val: p.expr, Type: rulecache.String{}}, nil
}
