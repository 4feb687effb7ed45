package cel

// This file contains functions that convert
//   FROM a rulecache.Schema
//   TO CEL variable declarations
//
// The declarations are passed to the CEL environment to type-check expressions.

import (
	"fmt"

	"github.com/ezachrisen/rulecache"
	celgo "github.com/google/cel-go/cel"
)

// convertSchemaToDeclarations converts a schema to a list of CEL environment
// options: one variable declaration per element, plus the registration of
// any protocol buffer types used.
func convertSchemaToDeclarations(s rulecache.Schema) ([]celgo.EnvOption, error) {
	opts := []celgo.EnvOption{}

	// protocol buffer types must also be registered separately
	protos := []any{}

	for _, d := range s.Elements {
		if d.Name == "" {
			return nil, fmt.Errorf("schema element with type %s has no name", d.Type)
		}
		typ, err := convertToCELType(d.Type)
		if err != nil {
			return nil, fmt.Errorf("converting element %s: %w", d.Name, err)
		}
		opts = append(opts, celgo.Variable(d.Name, typ))
		protos = append(protos, protoMessages(d.Type)...)
	}

	if len(protos) > 0 {
		opts = append(opts, celgo.Types(protos...))
	}
	return opts, nil
}

// convertToCELType converts from a rulecache type to a CEL type.
func convertToCELType(t rulecache.Type) (*celgo.Type, error) {
	switch v := t.(type) {
	case rulecache.String:
		return celgo.StringType, nil
	case rulecache.Int:
		return celgo.IntType, nil
	case rulecache.Uint:
		return celgo.UintType, nil
	case rulecache.Float:
		return celgo.DoubleType, nil
	case rulecache.Bool:
		return celgo.BoolType, nil
	case rulecache.Bytes:
		return celgo.BytesType, nil
	case rulecache.Duration:
		return celgo.DurationType, nil
	case rulecache.Timestamp:
		return celgo.TimestampType, nil
	case rulecache.Any:
		return celgo.DynType, nil
	case rulecache.Map:
		key, err := convertToCELType(v.KeyType)
		if err != nil {
			return nil, fmt.Errorf("setting key of %v map: %w", v, err)
		}
		val, err := convertToCELType(v.ValueType)
		if err != nil {
			return nil, fmt.Errorf("setting value of %v map: %w", v, err)
		}
		return celgo.MapType(key, val), nil
	case rulecache.List:
		val, err := convertToCELType(v.ValueType)
		if err != nil {
			return nil, fmt.Errorf("setting value of %v list: %w", v, err)
		}
		return celgo.ListType(val), nil
	case rulecache.Proto:
		n, err := v.ProtoFullName()
		if err != nil {
			return nil, err
		}
		if v.Message == nil {
			return nil, fmt.Errorf("proto type %s: missing message instance", n)
		}
		return celgo.ObjectType(n), nil
	default:
		return nil, fmt.Errorf("unknown type %v", t)
	}
}

// protoMessages returns the protocol buffer messages referenced by t.
func protoMessages(t rulecache.Type) []any {
	switch v := t.(type) {
	case rulecache.Proto:
		return []any{v.Message}
	case rulecache.List:
		return protoMessages(v.ValueType)
	case rulecache.Map:
		return append(protoMessages(v.KeyType), protoMessages(v.ValueType)...)
	default:
		return nil
	}
}
