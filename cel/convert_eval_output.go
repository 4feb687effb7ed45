package cel

// This file contains functions that convert
//    FROM a CEL evaluation output
//    TO a rulecache.Value

import (
	"fmt"
	"reflect"

	"github.com/ezachrisen/rulecache"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"google.golang.org/protobuf/proto"
)

var (
	anyListType = reflect.TypeOf([]any{})
	anyMapType  = reflect.TypeOf(map[string]any{})
)

// convertRefValToValue converts a CEL value to a rulecache.Value.
// Lists and maps are converted to []any and map[string]any where possible.
func convertRefValToValue(v ref.Val) (rulecache.Value, error) {
	switch x := v.(type) {
	case types.Bool:
		return rulecache.Value{Val: bool(x), Type: rulecache.Bool{}}, nil
	case types.Int:
		return rulecache.Value{Val: int64(x), Type: rulecache.Int{}}, nil
	case types.Uint:
		return rulecache.Value{Val: uint64(x), Type: rulecache.Uint{}}, nil
	case types.Double:
		return rulecache.Value{Val: float64(x), Type: rulecache.Float{}}, nil
	case types.String:
		return rulecache.Value{Val: string(x), Type: rulecache.String{}}, nil
	case types.Bytes:
		return rulecache.Value{Val: []byte(x), Type: rulecache.Bytes{}}, nil
	case types.Duration:
		return rulecache.Value{Val: x.Duration, Type: rulecache.Duration{}}, nil
	case types.Timestamp:
		return rulecache.Value{Val: x.Time, Type: rulecache.Timestamp{}}, nil
	case types.Null:
		return rulecache.Value{Val: nil, Type: rulecache.Any{}}, nil
	case traits.Lister:
		l, err := x.ConvertToNative(anyListType)
		if err != nil {
			return rulecache.Value{}, fmt.Errorf("converting list: %w", err)
		}
		return rulecache.Value{Val: l, Type: rulecache.List{ValueType: rulecache.Any{}}}, nil
	case traits.Mapper:
		m, err := x.ConvertToNative(anyMapType)
		if err != nil {
			// non-string keys
			return rulecache.Value{Val: x.Value(), Type: rulecache.Map{KeyType: rulecache.Any{}, ValueType: rulecache.Any{}}}, nil
		}
		return rulecache.Value{Val: m, Type: rulecache.Map{KeyType: rulecache.String{}, ValueType: rulecache.Any{}}}, nil
	}

	if msg, ok := v.Value().(proto.Message); ok {
		return rulecache.Value{
			Val: msg,
			Type: rulecache.Proto{
				Protoname: string(msg.ProtoReflect().Descriptor().FullName()),
				Message:   msg,
			},
		}, nil
	}
	return rulecache.Value{Val: v.Value(), Type: rulecache.Any{}}, nil
}
