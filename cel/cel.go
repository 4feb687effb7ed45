package cel

import (
	"context"
	"fmt"

	"github.com/ezachrisen/rulecache"
	celgo "github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/interpreter"
	"google.golang.org/protobuf/proto"
)

// defaultInterruptCheckFrequency is the number of comprehension iterations
// between checks of the evaluation context.
const defaultInterruptCheckFrequency = 100

// Evaluator compiles CEL expressions into rulecache programs. All
// expressions compiled by one Evaluator share its environment (declared
// variables, extensions and limits). An Evaluator is safe for concurrent use.
type Evaluator struct {
	env      *celgo.Env
	prgOpts  []celgo.ProgramOption
	settings settings
}

type settings struct {
	schema         *rulecache.Schema
	contextProto   proto.Message
	envOpts        []celgo.EnvOption
	costLimit      uint64
	interruptEvery uint
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(s *settings)

// FixedSchema declares the schema's elements as variables.
func FixedSchema(s *rulecache.Schema) EvaluatorOption {
	return func(o *settings) {
		o.schema = s
	}
}

// ContextProto declares the top-level fields of msg's type as variables.
// Bind values with BindContext (or Registry.EvaluateContext).
func ContextProto(msg proto.Message) EvaluatorOption {
	return func(o *settings) {
		o.contextProto = msg
	}
}

// EnvOptions adds CEL environment options, such as extension libraries
// (ext.Strings()) or custom functions.
func EnvOptions(opts ...celgo.EnvOption) EvaluatorOption {
	return func(o *settings) {
		o.envOpts = append(o.envOpts, opts...)
	}
}

// CostLimit bounds the cost of a single evaluation. Evaluations exceeding
// the limit fail. 0 means no limit.
func CostLimit(n uint64) EvaluatorOption {
	return func(o *settings) {
		o.costLimit = n
	}
}

// InterruptCheckFrequency sets how many comprehension iterations run between
// checks for a canceled evaluation context.
// Default: 100
func InterruptCheckFrequency(n uint) EvaluatorOption {
	return func(o *settings) {
		o.interruptEvery = n
	}
}

// NewEvaluator creates the CEL environment. An invalid schema or conflicting
// declarations are returned as errors; no Evaluator is created.
func NewEvaluator(opts ...EvaluatorOption) (*Evaluator, error) {
	s := settings{
		interruptEvery: defaultInterruptCheckFrequency,
	}
	for _, opt := range opts {
		opt(&s)
	}

	var envOpts []celgo.EnvOption
	if s.schema != nil {
		decls, err := convertSchemaToDeclarations(*s.schema)
		if err != nil {
			return nil, fmt.Errorf("converting schema %q: %w", s.schema.ID, err)
		}
		envOpts = append(envOpts, decls...)
	}
	if s.contextProto != nil {
		envOpts = append(envOpts, celgo.DeclareContextProto(s.contextProto.ProtoReflect().Descriptor()))
	}
	envOpts = append(envOpts, s.envOpts...)

	env, err := celgo.NewEnv(envOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	prgOpts := []celgo.ProgramOption{
		celgo.InterruptCheckFrequency(s.interruptEvery),
	}
	if s.costLimit > 0 {
		prgOpts = append(prgOpts, celgo.CostLimit(s.costLimit))
	}

	return &Evaluator{
		env:      env,
		prgOpts:  prgOpts,
		settings: s,
	}, nil
}

// Compile parses, type-checks and plans the expression. Failures are returned
// as *rulecache.CompileError with Kind SyntaxError, TypeError or PlanError.
func (e *Evaluator) Compile(expr string) (rulecache.Program, error) {
	ast, iss := e.env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, &rulecache.CompileError{Kind: rulecache.SyntaxError, Expr: expr, Detail: iss.Err().Error()}
	}

	checked, iss := e.env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, &rulecache.CompileError{Kind: rulecache.TypeError, Expr: expr, Detail: iss.Err().Error()}
	}

	prg, err := e.env.Program(checked, e.prgOpts...)
	if err != nil {
		return nil, &rulecache.CompileError{Kind: rulecache.PlanError, Expr: expr, Detail: err.Error()}
	}

	return &program{prg: prg}, nil
}

// BindContext returns an activation binding each top-level field of msg to a
// variable of the same name. Use it with an Evaluator created with
// ContextProto for the same message type.
func (e *Evaluator) BindContext(msg proto.Message) (rulecache.Activation, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil context message")
	}
	if e.settings.contextProto != nil {
		want := e.settings.contextProto.ProtoReflect().Descriptor().FullName()
		if got := msg.ProtoReflect().Descriptor().FullName(); got != want {
			return nil, fmt.Errorf("context message is %s, evaluator declares %s", got, want)
		}
	}
	act, err := celgo.ContextProtoVars(msg)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", msg.ProtoReflect().Descriptor().FullName(), err)
	}
	return act, nil
}

// program is a planned CEL program. cel.Program is safe for concurrent use.
type program struct {
	prg celgo.Program
}

// Eval evaluates the program. Runtime errors and error values are returned as
// errors; unknown results are errors too, since partial evaluation is not used.
func (p *program) Eval(ctx context.Context, vars rulecache.Activation) (rulecache.Value, error) {
	var input any
	switch v := vars.(type) {
	case nil:
		input = interpreter.EmptyActivation()
	case rulecache.Vars:
		input = map[string]any(v)
	case interpreter.Activation:
		input = v
	default:
		input = activation{v}
	}

	val, _, err := p.prg.ContextEval(ctx, input)
	if err != nil {
		return rulecache.Value{}, err
	}

	switch {
	case types.IsError(val):
		return rulecache.Value{}, fmt.Errorf("%v", val)
	case types.IsUnknown(val):
		return rulecache.Value{}, fmt.Errorf("evaluation produced an unknown value: %v", val)
	}

	return convertRefValToValue(val)
}

// activation adapts a rulecache.Activation to CEL's interface.
type activation struct {
	rulecache.Activation
}

func (activation) Parent() interpreter.Activation { return nil }
