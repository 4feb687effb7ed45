package cel_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ezachrisen/rulecache"
	"github.com/ezachrisen/rulecache/cel"
	"github.com/google/cel-go/ext"
	"github.com/matryer/is"
	"google.golang.org/genproto/googleapis/rpc/context/attribute_context"
	"google.golang.org/protobuf/types/known/structpb"
)

var education = rulecache.Schema{
	ID: "education",
	Elements: []rulecache.DataElement{
		{Name: "student.ID", Type: rulecache.String{}},
		{Name: "student.Age", Type: rulecache.Int{}},
		{Name: "student.GPA", Type: rulecache.Float{}},
		{Name: "student.Status", Type: rulecache.String{}},
		{Name: "student.Grades", Type: rulecache.List{ValueType: rulecache.String{}}},
		{Name: "student.Credits", Type: rulecache.Map{KeyType: rulecache.String{}, ValueType: rulecache.Int{}}},
		{Name: "student.Enrolled", Type: rulecache.Timestamp{}},
		{Name: "student.Absent", Type: rulecache.Duration{}},
		{Name: "student.Count", Type: rulecache.Uint{}},
	},
}

func studentData() rulecache.Vars {
	return rulecache.Vars{
		"student.ID":       "12312",
		"student.Age":      16,
		"student.GPA":      2.2,
		"student.Status":   "Enrolled",
		"student.Grades":   []any{"A", "B", "A"},
		"student.Credits":  map[string]int{"math": 4, "art": 2},
		"student.Enrolled": time.Date(2018, 8, 3, 16, 0, 0, 0, time.UTC),
		"student.Absent":   36 * time.Hour,
		"student.Count":    uint64(3),
	}
}

func TestEvaluation(t *testing.T) {
	ev, err := cel.NewEvaluator(cel.FixedSchema(&education))
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		expr string
		want rulecache.Value
	}{
		{expr: `student.GPA >= 3.6 && !("C" in student.Grades)`, want: rulecache.Value{Val: false, Type: rulecache.Bool{}}},
		{expr: `student.GPA < 2.5 || student.Status == "Probation"`, want: rulecache.Value{Val: true, Type: rulecache.Bool{}}},
		{expr: `student.Age + 2`, want: rulecache.Value{Val: int64(18), Type: rulecache.Int{}}},
		{expr: `student.Count * 2u`, want: rulecache.Value{Val: uint64(6), Type: rulecache.Uint{}}},
		{expr: `student.GPA * 2.0`, want: rulecache.Value{Val: 4.4, Type: rulecache.Float{}}},
		{expr: `student.ID + "-x"`, want: rulecache.Value{Val: "12312-x", Type: rulecache.String{}}},
		{expr: `b"abc"`, want: rulecache.Value{Val: []byte("abc"), Type: rulecache.Bytes{}}},
		{expr: `student.Credits["math"]`, want: rulecache.Value{Val: int64(4), Type: rulecache.Int{}}},
		{expr: `student.Absent + duration("12h")`, want: rulecache.Value{Val: 48 * time.Hour, Type: rulecache.Duration{}}},
		{expr: `student.Enrolled + duration("24h")`, want: rulecache.Value{Val: time.Date(2018, 8, 4, 16, 0, 0, 0, time.UTC), Type: rulecache.Timestamp{}}},
		{expr: `student.Grades.filter(g, g == "A")`, want: rulecache.Value{Val: []any{"A", "A"}, Type: rulecache.List{ValueType: rulecache.Any{}}}},
		{expr: `{"a": 1}`, want: rulecache.Value{Val: map[string]any{"a": int64(1)}, Type: rulecache.Map{KeyType: rulecache.String{}, ValueType: rulecache.Any{}}}},
		{expr: `null`, want: rulecache.Value{Val: nil, Type: rulecache.Any{}}},
	}

	for _, c := range cases {
		t.Run(c.expr, func(t *testing.T) {
			is := is.New(t)
			prg, err := ev.Compile(c.expr)
			is.NoErr(err)
			v, err := prg.Eval(context.Background(), studentData())
			is.NoErr(err)
			is.Equal(v, c.want)
		})
	}
}

func TestCompileErrors(t *testing.T) {
	ev, err := cel.NewEvaluator(cel.FixedSchema(&education))
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		expr string
		kind rulecache.CompileErrorKind
		want string
	}{
		{expr: `1 + + 1`, kind: rulecache.SyntaxError, want: "Syntax error"},
		{expr: `student.GPA >`, kind: rulecache.SyntaxError, want: "Syntax error"},
		{expr: `request.size + 10`, kind: rulecache.TypeError, want: "undeclared reference"},
		{expr: `student.Age + "1"`, kind: rulecache.TypeError, want: "no matching overload"},
	}

	for _, c := range cases {
		t.Run(c.expr, func(t *testing.T) {
			is := is.New(t)
			prg, err := ev.Compile(c.expr)
			is.True(prg == nil)
			var ce *rulecache.CompileError
			is.True(errors.As(err, &ce))
			is.Equal(ce.Kind, c.kind)
			is.Equal(ce.Expr, c.expr)
			is.True(strings.Contains(ce.Detail, c.want))
			is.True(strings.HasPrefix(err.Error(), c.kind.String()))
		})
	}
}

func TestRuntimeErrors(t *testing.T) {
	is := is.New(t)
	ev, err := cel.NewEvaluator()
	is.NoErr(err)

	prg, err := ev.Compile(`1 / 0`)
	is.NoErr(err)
	_, err = prg.Eval(context.Background(), nil)
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), "division by zero"))

	prg, err = ev.Compile(`{"a": 1}["b"]`)
	is.NoErr(err)
	_, err = prg.Eval(context.Background(), rulecache.Vars{})
	is.True(err != nil)
}

func TestCostLimit(t *testing.T) {
	is := is.New(t)
	schema := rulecache.Schema{Elements: []rulecache.DataElement{
		{Name: "items", Type: rulecache.List{ValueType: rulecache.Int{}}},
	}}
	ev, err := cel.NewEvaluator(cel.FixedSchema(&schema), cel.CostLimit(10))
	is.NoErr(err)

	prg, err := ev.Compile(`items.map(x, x * 2).size() > 0`)
	is.NoErr(err)

	items := make([]int, 1000)
	_, err = prg.Eval(context.Background(), rulecache.Vars{"items": items})
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), "cost limit"))
}

func TestCanceledContext(t *testing.T) {
	is := is.New(t)
	schema := rulecache.Schema{Elements: []rulecache.DataElement{
		{Name: "items", Type: rulecache.List{ValueType: rulecache.Int{}}},
	}}
	ev, err := cel.NewEvaluator(cel.FixedSchema(&schema), cel.InterruptCheckFrequency(1))
	is.NoErr(err)

	prg, err := ev.Compile(`items.all(x, items.all(y, x + y >= 0))`)
	is.NoErr(err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = prg.Eval(ctx, rulecache.Vars{"items": make([]int, 500)})
	is.True(err != nil)
}

// customActivation is not a map; it exercises the adapter for
// caller-provided activations.
type customActivation struct{}

func (customActivation) ResolveName(name string) (any, bool) {
	if name == "student.Age" {
		return 40, true
	}
	return nil, false
}

func TestCustomActivation(t *testing.T) {
	is := is.New(t)
	ev, err := cel.NewEvaluator(cel.FixedSchema(&education))
	is.NoErr(err)
	prg, err := ev.Compile(`student.Age > 30`)
	is.NoErr(err)
	v, err := prg.Eval(context.Background(), customActivation{})
	is.NoErr(err)
	is.Equal(v.Val, true)
}

func TestEnvOptions(t *testing.T) {
	is := is.New(t)
	schema := rulecache.Schema{Elements: []rulecache.DataElement{
		{Name: "message", Type: rulecache.String{}},
	}}
	ev, err := cel.NewEvaluator(cel.FixedSchema(&schema), cel.EnvOptions(ext.Strings()))
	is.NoErr(err)
	prg, err := ev.Compile(`message.indexOf("l") == 2`)
	is.NoErr(err)
	v, err := prg.Eval(context.Background(), rulecache.Vars{"message": "hello world"})
	is.NoErr(err)
	is.Equal(v.Val, true)
}

func TestNewEvaluator_Errors(t *testing.T) {
	cases := map[string]cel.EvaluatorOption{
		"unnamed element": cel.FixedSchema(&rulecache.Schema{Elements: []rulecache.DataElement{{Type: rulecache.Int{}}}}),
		"proto without message": cel.FixedSchema(&rulecache.Schema{Elements: []rulecache.DataElement{
			{Name: "ctx", Type: rulecache.Proto{Protoname: "google.rpc.context.AttributeContext"}},
		}}),
		"nil type": cel.FixedSchema(&rulecache.Schema{Elements: []rulecache.DataElement{{Name: "x"}}}),
	}
	for name, opt := range cases {
		if _, err := cel.NewEvaluator(opt); err == nil {
			t.Errorf("%s: wanted error", name)
		}
	}
}

func requestContext() *attribute_context.AttributeContext {
	claims, _ := structpb.NewStruct(map[string]any{"group": "prod"})
	return &attribute_context.AttributeContext{
		Request: &attribute_context.AttributeContext_Request{
			Path:    "/admin/v1/items",
			Headers: map[string]string{"x-token": "secret-token"},
			Auth: &attribute_context.AttributeContext_Auth{
				Principal: "admin",
				Claims:    claims,
			},
		},
		Resource: &attribute_context.AttributeContext_Resource{
			Name: "//db/items/123",
		},
	}
}

func TestBindContext(t *testing.T) {
	ev, err := cel.NewEvaluator(cel.ContextProto(&attribute_context.AttributeContext{}))
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]bool{
		`request.auth.principal == 'admin'`:                 true,
		`request.auth.claims['group'] == 'prod'`:            true,
		`request.path.startsWith('/admin')`:                 true,
		`request.headers['x-token'] == 'secret-token'`:      true,
		`resource.name == '//db/items/456'`:                 false,
		`has(request.auth) && !has(request.auth.presenter)`: true,
	}

	act, err := ev.BindContext(requestContext())
	if err != nil {
		t.Fatal(err)
	}

	for expr, want := range cases {
		prg, err := ev.Compile(expr)
		if err != nil {
			t.Fatalf("%s: %v", expr, err)
		}
		v, err := prg.Eval(context.Background(), act)
		if err != nil {
			t.Fatalf("%s: %v", expr, err)
		}
		if v.Val != want {
			t.Errorf("%s: wanted %t, got %v", expr, want, v.Val)
		}
	}

	if _, err := ev.BindContext(&attribute_context.AttributeContext_Request{}); err == nil {
		t.Error("wanted error binding the wrong message type")
	}
	if _, err := ev.BindContext(nil); err == nil {
		t.Error("wanted error binding nil")
	}
}

func TestProtoSchemaElement(t *testing.T) {
	is := is.New(t)
	schema := rulecache.Schema{Elements: []rulecache.DataElement{
		{Name: "ctx", Type: rulecache.Proto{Message: &attribute_context.AttributeContext{}}},
	}}
	ev, err := cel.NewEvaluator(cel.FixedSchema(&schema))
	is.NoErr(err)

	prg, err := ev.Compile(`ctx.request.auth.principal == 'admin'`)
	is.NoErr(err)
	v, err := prg.Eval(context.Background(), rulecache.Vars{"ctx": requestContext()})
	is.NoErr(err)
	is.Equal(v.Val, true)

	prg, err = ev.Compile(`ctx.resource`)
	is.NoErr(err)
	v, err = prg.Eval(context.Background(), rulecache.Vars{"ctx": requestContext()})
	is.NoErr(err)
	is.Equal(v.Type.String(), "proto(google.rpc.context.AttributeContext.Resource)")
}

func TestRegistryEvaluateContext(t *testing.T) {
	is := is.New(t)
	ev, err := cel.NewEvaluator(cel.ContextProto(&attribute_context.AttributeContext{}))
	is.NoErr(err)
	reg, err := rulecache.NewRegistry(ev, rulecache.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	is.NoErr(err)

	_, err = reg.CompileAndStore("is_admin", `request.auth.principal == 'admin'`)
	is.NoErr(err)
	_, err = reg.CompileAndStore("bad_field", `request.nope == 1`)
	is.NoErr(err)

	v, err := reg.EvaluateContext(context.Background(), "is_admin", requestContext())
	is.NoErr(err)
	is.Equal(v.Val, true)

	_, err = reg.EvaluateContext(context.Background(), "bad_field", requestContext())
	is.True(errors.Is(err, rulecache.ErrNotReady))

	_, err = reg.EvaluateContext(context.Background(), "missing", requestContext())
	is.True(errors.Is(err, rulecache.ErrNotFound))
}
