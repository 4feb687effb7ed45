// Package cel implements the rulecache Compiler, Program and ContextBinder
// interfaces with Google's cel-go.
//
// See https://github.com/google/cel-go and https://opensource.google/projects/cel for more information
// about CEL. The expressions you write must conform to the CEL spec: https://github.com/google/cel-spec.
//
// # Declaring Variables
//
// CEL type-checks every expression against a set of declared variables. There
// are two ways to declare them:
//
// FixedSchema declares the elements of a rulecache.Schema. Element names may be
// qualified, so a schema element named "request.size" lets an expression say
// request.size, and the value is bound with the key "request.size":
//
//	schema := rulecache.Schema{
//		Elements: []rulecache.DataElement{
//			{Name: "request.size", Type: rulecache.Int{}},
//		},
//	}
//	ev, err := cel.NewEvaluator(cel.FixedSchema(&schema))
//
// ContextProto declares each top-level field of a protocol buffer message as a
// variable. Use it with Registry.EvaluateContext, which binds the fields of a
// message instance:
//
//	ev, err := cel.NewEvaluator(cel.ContextProto(&attribute_context.AttributeContext{}))
//	...
//	reg.EvaluateContext(ctx, "auth_rule", requestContext)
//
// # Protocol Buffer Names
//
// When declaring a protocol buffer type in a schema, use the fully qualified
// message name and an empty instance of the message:
//
//	{Name: "ctx", Type: rulecache.Proto{Protoname: "google.rpc.context.AttributeContext", Message: &attribute_context.AttributeContext{}}}
//
// Field names in expressions are the proto field names, not the generated Go names.
//
// # Limits
//
// CostLimit bounds the amount of work one evaluation may do, and
// InterruptCheckFrequency controls how often long-running comprehensions check
// whether the evaluation context has been canceled. Both failures are
// returned as evaluation errors.
package cel
